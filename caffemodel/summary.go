package caffemodel

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/born-ml/caffegen/internal/caffe"
)

// Summary describes the parameter blobs of a net.
type Summary struct {
	Name       string
	Layers     []LayerSummary // One entry per layer, in order
	Blobs      int            // Number of parameter blobs
	Parameters int64          // Number of parameter values the shapes describe
	Bytes      int64          // Size of the binary encoding, 0 when the net cannot be encoded
	Digest     string         // Hex SHA-256 of the binary encoding, empty when Bytes is 0
}

// LayerSummary describes the parameter blobs of one layer.
type LayerSummary struct {
	Name       string
	Type       string
	Shapes     []string // Blob shapes, formatted "[ 64 3 3 3 ]"
	Parameters int64
}

// Summarize describes net. It never fails: a net whose blobs are not filled yet
// is summarized without size and digest.
func Summarize(net *Net) Summary {
	s := Summary{Name: net.Name, Layers: make([]LayerSummary, len(net.Layers))}
	for i := range net.Layers {
		l := &net.Layers[i]
		ls := LayerSummary{Name: l.Name, Type: l.Type, Shapes: make([]string, len(l.Blobs))}
		for j := range l.Blobs {
			b := &l.Blobs[j]
			ls.Shapes[j] = b.Shape.String()
			ls.Parameters += max(b.Count(), 0)
		}
		s.Layers[i] = ls
		s.Blobs += len(l.Blobs)
		s.Parameters += ls.Parameters
	}

	if data, err := caffe.Marshal(net); err == nil {
		sum := sha256.Sum256(data)
		s.Bytes = int64(len(data))
		s.Digest = hex.EncodeToString(sum[:])
	}
	return s
}
