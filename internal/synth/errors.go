package synth

import (
	"fmt"

	"github.com/born-ml/caffegen/internal/caffe"
)

// BufferArityError reports a layer with fewer blobs than its fill policy needs.
type BufferArityError struct {
	Layer string
	Type  string
	Want  int // Blobs the policy fills
	Got   int // Blobs present
}

// Error implements the error interface.
func (e *BufferArityError) Error() string {
	return fmt.Sprintf("buffer arity: layer %q (%s) needs %d blobs, has %d", e.Layer, e.Type, e.Want, e.Got)
}

// ShapeMismatchError reports a filled blob whose value count differs from its shape.
type ShapeMismatchError struct {
	Layer string
	Type  string
	Blob  int   // Blob index within the layer
	Want  int64 // Elements the shape describes, -1 for an invalid shape
	Got   int   // Elements filled
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	if e.Want < 0 {
		return fmt.Sprintf("shape mismatch: layer %q (%s) blob %d: invalid shape (negative dimension or more than %d elements)",
			e.Layer, e.Type, e.Blob, caffe.MaxCount)
	}
	return fmt.Sprintf("shape mismatch: layer %q (%s) blob %d: shape wants %d values, has %d",
		e.Layer, e.Type, e.Blob, e.Want, e.Got)
}
