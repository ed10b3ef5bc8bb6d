package synth

import (
	"math/rand/v2"
	"testing"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRef is a ShapeSource backed by a map.
type fakeRef map[string][]caffe.BlobShape

func (f fakeRef) LayerBlobShapes(name string) ([]caffe.BlobShape, bool) {
	shapes, ok := f[name]
	return shapes, ok
}

func shapes(dims ...[]int64) []caffe.BlobShape {
	out := make([]caffe.BlobShape, len(dims))
	for i, d := range dims {
		out[i] = caffe.BlobShape{Dim: d}
	}
	return out
}

func seeded(seed int64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	return cfg
}

func requireAll(t *testing.T, data []float32, want float32) {
	t.Helper()
	require.NotEmpty(t, data)
	for i, v := range data {
		require.Equal(t, want, v, "element %d", i)
	}
}

func TestSynthesize_BN(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn1", Type: "BN"}}}
	ref := fakeRef{"bn1": shapes([]int64{2}, []int64{2}, []int64{2}, []int64{2})}

	require.NoError(t, Synthesize(net, ref, seeded(1)))

	blobs := net.Layers[0].Blobs
	require.Len(t, blobs, 4)
	assert.Equal(t, []float32{0.5, 0.5}, blobs[0].Data)
	assert.Equal(t, []float32{0.101, 0.101}, blobs[1].Data)
	assert.Equal(t, []float32{1.0, 1.0}, blobs[2].Data)
	assert.Equal(t, []float32{0.3, 0.3}, blobs[3].Data)
	for _, b := range blobs {
		assert.Equal(t, []int64{2}, b.Shape.Dim)
	}
}

func TestSynthesize_BNMultiDim(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn", Type: "BN"}}}
	ref := fakeRef{"bn": shapes([]int64{1, 3, 1, 1}, []int64{1, 3, 1, 1}, []int64{1, 3, 1, 1}, []int64{1, 3, 1, 1})}

	require.NoError(t, Synthesize(net, ref, seeded(1)))

	want := []float32{0.5, 0.101, 1.0, 0.3}
	for i, b := range net.Layers[0].Blobs {
		assert.Len(t, b.Data, 3)
		requireAll(t, b.Data, want[i])
	}
}

func TestSynthesize_BatchNorm(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn", Type: "BatchNorm"}}}
	ref := fakeRef{"bn": shapes([]int64{16}, []int64{16}, []int64{1})}

	require.NoError(t, Synthesize(net, ref, seeded(1)))

	blobs := net.Layers[0].Blobs
	require.Len(t, blobs, 3)
	assert.Len(t, blobs[0].Data, 16)
	requireAll(t, blobs[0].Data, 1.0)
	requireAll(t, blobs[1].Data, 0.001)
	assert.Equal(t, []float32{1.0}, blobs[2].Data)
}

func TestSynthesize_Default(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "conv1", Type: "Convolution"}}}
	ref := fakeRef{"conv1": shapes([]int64{2, 2})}

	require.NoError(t, Synthesize(net, ref, seeded(7)))

	blob := net.Layers[0].Blobs[0]
	assert.Equal(t, []int64{2, 2}, blob.Shape.Dim)
	require.Len(t, blob.Data, 4)
	for _, v := range blob.Data {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}

	// The four values survive an encode/decode round trip exactly.
	decoded := must.M1(caffe.Unmarshal(must.M1(caffe.Marshal(net))))
	require.Len(t, decoded.Layers, 1)
	assert.Equal(t, "conv1", decoded.Layers[0].Name)
	assert.Equal(t, "Convolution", decoded.Layers[0].Type)
	assert.Equal(t, []int64{2, 2}, decoded.Layers[0].Blobs[0].Shape.Dim)
	assert.Equal(t, blob.Data, decoded.Layers[0].Blobs[0].Data)
}

func TestSynthesize_DefaultClipsToBounds(t *testing.T) {
	cfg := seeded(3)
	cfg.Std = 10 // Most samples land outside [-1, 1].
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "fc", Type: "InnerProduct"}}}
	ref := fakeRef{"fc": shapes([]int64{1000})}

	require.NoError(t, Synthesize(net, ref, cfg))

	var atBound int
	for _, v := range net.Layers[0].Blobs[0].Data {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(1))
		if v == 1 || v == -1 {
			atBound++
		}
	}
	// Clipped, not resampled: the bounds themselves are hit often.
	assert.Greater(t, atBound, 500)
}

func TestSynthesize_Reproducible(t *testing.T) {
	build := func() *caffe.Net {
		return &caffe.Net{Layers: []caffe.Layer{
			{Name: "conv", Type: "Convolution"},
			{Name: "fc", Type: "InnerProduct"},
		}}
	}
	ref := fakeRef{
		"conv": shapes([]int64{4, 3, 3, 3}, []int64{4}),
		"fc":   shapes([]int64{10, 4}),
	}

	a, b, c := build(), build(), build()
	require.NoError(t, Synthesize(a, ref, seeded(42)))
	require.NoError(t, Synthesize(b, ref, seeded(42)))
	require.NoError(t, Synthesize(c, ref, seeded(43)))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Layers[0].Blobs[0].Data, c.Layers[0].Blobs[0].Data)
}

func TestSynthesize_BNArity(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn1", Type: "BN"}}}
	ref := fakeRef{"bn1": shapes([]int64{2}, []int64{2})}

	err := Synthesize(net, ref, seeded(1))
	require.Error(t, err)

	var arity *BufferArityError
	require.True(t, errors.As(err, &arity))
	assert.Equal(t, "bn1", arity.Layer)
	assert.Equal(t, "BN", arity.Type)
	assert.Equal(t, 4, arity.Want)
	assert.Equal(t, 2, arity.Got)
}

func TestSynthesize_BatchNormArity(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{
		Name:  "bn",
		Type:  "BatchNorm",
		Blobs: []caffe.Blob{{Shape: caffe.Shape(2)}},
	}}}

	var arity *BufferArityError
	require.True(t, errors.As(Synthesize(net, nil, seeded(1)), &arity))
	assert.Equal(t, 3, arity.Want)
	assert.Equal(t, 1, arity.Got)
}

func TestSynthesize_NoBlobsIsNoop(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{
		{Name: "relu", Type: "ReLU"},
		{Name: "bn", Type: "BN"},
	}}
	ref := fakeRef{"relu": nil}

	require.NoError(t, Synthesize(net, ref, seeded(1)))
	assert.Empty(t, net.Layers[0].Blobs)
	assert.Empty(t, net.Layers[1].Blobs)
}

func TestSynthesize_DeclaredShapesWithoutReference(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{
		Name:  "fc",
		Type:  "InnerProduct",
		Blobs: []caffe.Blob{{Shape: caffe.Shape(3, 2)}, {Num: 1, Channels: 1, Height: 1, Width: 3}},
	}}}

	require.NoError(t, Synthesize(net, fakeRef{}, seeded(1)))
	assert.Len(t, net.Layers[0].Blobs[0].Data, 6)
	assert.Len(t, net.Layers[0].Blobs[1].Data, 3)
}

func TestSynthesize_ReferenceReplacesDeclaredBlobs(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{
		Name:  "conv",
		Type:  "Convolution",
		Blobs: []caffe.Blob{{Shape: caffe.Shape(9), Data: make([]float32, 9)}},
	}}}
	ref := fakeRef{"conv": shapes([]int64{2, 1, 1, 1}, []int64{2})}

	require.NoError(t, Synthesize(net, ref, seeded(1)))

	blobs := net.Layers[0].Blobs
	require.Len(t, blobs, 2)
	assert.Equal(t, []int64{2, 1, 1, 1}, blobs[0].Shape.Dim)
	assert.Len(t, blobs[0].Data, 2)
	assert.Len(t, blobs[1].Data, 2)
}

func TestSynthesize_OverwritesExistingData(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{
		Name:  "bn",
		Type:  "BatchNorm",
		Blobs: []caffe.Blob{{Shape: caffe.Shape(2), Data: []float32{7, 7}}, {Shape: caffe.Shape(2)}, {Shape: caffe.Shape(1)}},
	}}}

	require.NoError(t, Synthesize(net, nil, seeded(1)))
	assert.Equal(t, []float32{1, 1}, net.Layers[0].Blobs[0].Data)
}

func TestSynthesize_ExtraBlobsStayEmpty(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn", Type: "BatchNorm"}}}
	ref := fakeRef{"bn": shapes([]int64{2}, []int64{2}, []int64{1}, []int64{5})}

	require.NoError(t, Synthesize(net, ref, seeded(1)))
	assert.Empty(t, net.Layers[0].Blobs[3].Data)

	_, err := caffe.Marshal(net)
	var incomplete *caffe.IncompleteBufferError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, 3, incomplete.Blob)
}

func TestSynthesize_ShapeMismatch(t *testing.T) {
	s := New(seeded(1))
	s.Register("Broken", func(layer *caffe.Layer, _ *rand.Rand) error {
		layer.Blobs[0].Data = []float32{1, 2, 3}
		return nil
	})
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "b", Type: "Broken", Blobs: []caffe.Blob{{Shape: caffe.Shape(2, 2)}}}}}

	err := s.Synthesize(net, nil)
	var mismatch *ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "b", mismatch.Layer)
	assert.Equal(t, int64(4), mismatch.Want)
	assert.Equal(t, 3, mismatch.Got)
}

func TestSynthesizer_Register(t *testing.T) {
	s := New(seeded(1))
	s.Register("Scale", ConstantPolicy(1, 0))
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "scale", Type: "Scale"}}}
	ref := fakeRef{"scale": shapes([]int64{3}, []int64{3})}

	require.NoError(t, s.Synthesize(net, ref))
	assert.Equal(t, []float32{1, 1, 1}, net.Layers[0].Blobs[0].Data)
	assert.Equal(t, []float32{0, 0, 0}, net.Layers[0].Blobs[1].Data)
}

func TestSynthesize_TypeMatchIsExact(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn", Type: "bn"}}}
	ref := fakeRef{"bn": shapes([]int64{2}, []int64{2})}

	// Lower-case "bn" is not "BN": it gets the default policy and no arity check.
	require.NoError(t, Synthesize(net, ref, seeded(1)))
	assert.NotEqual(t, []float32{0.5, 0.5}, net.Layers[0].Blobs[0].Data)
}

func TestSynthesize_Observer(t *testing.T) {
	var seen []string
	cfg := seeded(1)
	cfg.Observer = func(index, total int, layer *caffe.Layer) {
		assert.Equal(t, len(seen), index)
		assert.Equal(t, 2, total)
		seen = append(seen, layer.Name)
	}
	net := &caffe.Net{Layers: []caffe.Layer{
		{Name: "data", Type: "Input"},
		{Name: "fc", Type: "InnerProduct"},
	}}

	require.NoError(t, Synthesize(net, fakeRef{"fc": shapes([]int64{2})}, cfg))
	assert.Equal(t, []string{"data", "fc"}, seen)
}

func TestSynthesize_InvalidDeclaredShape(t *testing.T) {
	tests := []struct {
		name string
		dims []int64
	}{
		{"Overflow", []int64{1 << 32, 1 << 32}},
		{"ProductOverflow", []int64{1 << 20, 1 << 20, 1 << 20, 1 << 20}},
		{"Negative", []int64{-2, -2}},
		{"Oversize", []int64{100000000000000000}},
		{"AboveMaxCount", []int64{caffe.MaxCount + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := &caffe.Net{Layers: []caffe.Layer{{
				Name:  "fc",
				Type:  "InnerProduct",
				Blobs: []caffe.Blob{{Shape: caffe.Shape(tt.dims...)}},
			}}}

			err := Synthesize(net, nil, seeded(1))
			var mismatch *ShapeMismatchError
			require.True(t, errors.As(err, &mismatch), "got %v", err)
			assert.Equal(t, "fc", mismatch.Layer)
			assert.Equal(t, int64(-1), mismatch.Want)
			assert.Contains(t, mismatch.Error(), "invalid shape")
			assert.Empty(t, net.Layers[0].Blobs[0].Data)
		})
	}
}

func TestSynthesize_InvalidReferenceShape(t *testing.T) {
	net := &caffe.Net{Layers: []caffe.Layer{{Name: "bn", Type: "BatchNorm"}}}
	ref := fakeRef{"bn": shapes([]int64{-4}, []int64{4}, []int64{1})}

	err := Synthesize(net, ref, seeded(1))
	var mismatch *ShapeMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, 0, mismatch.Blob)
}
