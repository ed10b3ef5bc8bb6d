package caffe

import "fmt"

// MalformedTopologyError reports text that does not follow the prototxt grammar
// or a topology that is internally inconsistent (duplicate layer names).
type MalformedTopologyError struct {
	Line   int    // 1-based line, 0 when unknown
	Column int    // 1-based column, 0 when unknown
	Layer  string // Layer being parsed, if any
	Msg    string
}

// Error implements the error interface.
func (e *MalformedTopologyError) Error() string {
	var where string
	if e.Line > 0 {
		where = fmt.Sprintf("%d:%d: ", e.Line, e.Column)
	}
	if e.Layer != "" {
		return fmt.Sprintf("malformed topology: %slayer %q: %s", where, e.Layer, e.Msg)
	}
	return fmt.Sprintf("malformed topology: %s%s", where, e.Msg)
}

// CorruptWireFormatError reports a binary payload that cannot be decoded.
type CorruptWireFormatError struct {
	Layer string // Layer being decoded, if any
	Field string // Field being decoded, if any
	Msg   string
}

// Error implements the error interface.
func (e *CorruptWireFormatError) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = fmt.Sprintf("field %s: %s", e.Field, msg)
	}
	if e.Layer != "" {
		return fmt.Sprintf("corrupt wire format: layer %q: %s", e.Layer, msg)
	}
	return "corrupt wire format: " + msg
}

// IncompleteBufferError reports a blob whose data does not match its shape at encode time.
type IncompleteBufferError struct {
	Layer string
	Type  string
	Blob  int   // Blob index within the layer
	Want  int64 // Elements the shape describes, -1 for an invalid shape
	Got   int   // Elements present
}

// Error implements the error interface.
func (e *IncompleteBufferError) Error() string {
	if e.Want < 0 {
		return fmt.Sprintf("incomplete buffer: layer %q (%s) blob %d: invalid shape, has %d values",
			e.Layer, e.Type, e.Blob, e.Got)
	}
	return fmt.Sprintf("incomplete buffer: layer %q (%s) blob %d: shape wants %d values, has %d",
		e.Layer, e.Type, e.Blob, e.Want, e.Got)
}
