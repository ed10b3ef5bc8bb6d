package caffe

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func ptr[T any](v T) *T { return &v }

// populatedNet builds a small net exercising most field kinds.
func populatedNet() *Net {
	test := PhaseTest
	eltMax := EltwiseMax
	return &Net{
		Name:       "tiny",
		Input:      []string{"data"},
		InputShape: []BlobShape{{Dim: []int64{1, 3, 4, 4}}},
		Layers: []Layer{
			{
				Name:   "conv1",
				Type:   "Convolution",
				Bottom: []string{"data"},
				Top:    []string{"conv1"},
				Param:  []ParamSpec{{LRMult: ptr(float32(1))}, {LRMult: ptr(float32(2)), DecayMult: ptr(float32(0))}},
				Blobs: []Blob{
					{Shape: Shape(2, 3, 1, 1), Data: []float32{0.1, -0.2, 0.3, -0.4, 0.5, -0.6}},
					{Shape: Shape(2), Data: []float32{0.01, -0.01}},
				},
				ConvolutionParam: &ConvolutionParameter{
					NumOutput:    2,
					KernelSize:   []uint32{1},
					Stride:       []uint32{1},
					WeightFiller: &FillerParameter{Type: "gaussian", Std: 0.01},
				},
			},
			{
				Name:      "relu1",
				Type:      "ReLU",
				Bottom:    []string{"conv1"},
				Top:       []string{"conv1"},
				ReLUParam: &ReLUParameter{NegativeSlope: -0.1},
			},
			{
				Name:   "bn1",
				Type:   "BatchNorm",
				Bottom: []string{"conv1"},
				Top:    []string{"bn1"},
				Blobs: []Blob{
					{Shape: Shape(2), Data: []float32{1, 1}},
					{Shape: Shape(2), Data: []float32{0.001, 0.001}},
					{Shape: Shape(1), Data: []float32{1}},
				},
				BatchNormParam: &BatchNormParameter{UseGlobalStats: ptr(true), Eps: ptr(float32(1e-5))},
				Include:        []NetStateRule{{Phase: &test}},
			},
			{
				Name:         "max",
				Type:         "Eltwise",
				Bottom:       []string{"bn1", "conv1"},
				Top:          []string{"max"},
				EltwiseParam: &EltwiseParameter{Operation: &eltMax},
			},
			{
				Name:         "pool",
				Type:         "Pooling",
				Bottom:       []string{"max"},
				Top:          []string{"pool"},
				PoolingParam: &PoolingParameter{Pool: PoolAve, GlobalPooling: true},
			},
			{
				Name:         "prob",
				Type:         "Softmax",
				Bottom:       []string{"pool"},
				Top:          []string{"prob"},
				SoftmaxParam: &SoftmaxParameter{Axis: ptr(int32(-1))},
			},
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	net := populatedNet()

	data, err := Marshal(net)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, net, decoded)
}

func TestMarshalRoundTrip_SingleConvolution(t *testing.T) {
	net := &Net{Layers: []Layer{{
		Name:  "conv1",
		Type:  "Convolution",
		Blobs: []Blob{{Shape: Shape(2, 2), Data: []float32{0.0123, -0.5, 1, -1}}},
	}}}

	data, err := Marshal(net)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	require.Len(t, decoded.Layers, 1)
	layer := decoded.Layers[0]
	assert.Equal(t, "conv1", layer.Name)
	assert.Equal(t, "Convolution", layer.Type)
	require.Len(t, layer.Blobs, 1)
	assert.Equal(t, []int64{2, 2}, layer.Blobs[0].Shape.Dim)
	assert.Equal(t, []float32{0.0123, -0.5, 1, -1}, layer.Blobs[0].Data)
}

func TestMarshalPreservesLayerOrder(t *testing.T) {
	net := &Net{}
	names := []string{"z", "a", "m", "b", "y"}
	for _, name := range names {
		net.Layers = append(net.Layers, Layer{Name: name, Type: "ReLU"})
	}

	data, err := Marshal(net)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	got := make([]string, len(decoded.Layers))
	for i := range decoded.Layers {
		got[i] = decoded.Layers[i].Name
	}
	assert.Equal(t, names, got)
}

func TestMarshal_IncompleteBuffer(t *testing.T) {
	net := &Net{Layers: []Layer{
		{Name: "ok", Type: "InnerProduct", Blobs: []Blob{{Shape: Shape(1), Data: []float32{1}}}},
		{Name: "conv", Type: "Convolution", Blobs: []Blob{{Shape: Shape(2, 3)}}},
	}}

	_, err := Marshal(net)
	require.Error(t, err)

	var incomplete *IncompleteBufferError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, "conv", incomplete.Layer)
	assert.Equal(t, "Convolution", incomplete.Type)
	assert.Equal(t, 0, incomplete.Blob)
	assert.Equal(t, int64(6), incomplete.Want)
	assert.Equal(t, 0, incomplete.Got)
}

func TestMarshal_ScalarShapeNeedsOneValue(t *testing.T) {
	net := &Net{Layers: []Layer{{Name: "s", Type: "Scale", Blobs: []Blob{{Shape: &BlobShape{}}}}}}

	_, err := Marshal(net)
	var incomplete *IncompleteBufferError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, int64(1), incomplete.Want)
}

func TestUnmarshal_Truncated(t *testing.T) {
	data, err := Marshal(populatedNet())
	require.NoError(t, err)

	for _, cut := range []int{1, 7, len(data) - 3, len(data) - 1} {
		_, err := Unmarshal(data[:cut])
		var corrupt *CorruptWireFormatError
		assert.True(t, errors.As(err, &corrupt), "cut at %d: %v", cut, err)
	}
}

func TestUnmarshal_ShortBlobData(t *testing.T) {
	// Blob declares 4 values but carries 2.
	var shape []byte
	shape = protowire.AppendTag(shape, 1, protowire.BytesType)
	shape = protowire.AppendBytes(shape, protowire.AppendVarint(protowire.AppendVarint(nil, 2), 2))

	var values []byte
	values = protowire.AppendFixed32(values, 0x3f800000)
	values = protowire.AppendFixed32(values, 0x3f800000)

	var blob []byte
	blob = protowire.AppendTag(blob, 5, protowire.BytesType)
	blob = protowire.AppendBytes(blob, values)
	blob = protowire.AppendTag(blob, 7, protowire.BytesType)
	blob = protowire.AppendBytes(blob, shape)

	var layer []byte
	layer = protowire.AppendTag(layer, 1, protowire.BytesType)
	layer = protowire.AppendString(layer, "fc")
	layer = protowire.AppendTag(layer, 7, protowire.BytesType)
	layer = protowire.AppendBytes(layer, blob)

	var net []byte
	net = protowire.AppendTag(net, 100, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	_, err := Unmarshal(net)
	var corrupt *CorruptWireFormatError
	require.True(t, errors.As(err, &corrupt), "got %v", err)
	assert.Equal(t, "fc", corrupt.Layer)
	assert.Contains(t, corrupt.Error(), "truncated buffer")
}

func TestUnmarshal_WireTypeMismatch(t *testing.T) {
	// Layer name sent as a varint.
	var layer []byte
	layer = protowire.AppendTag(layer, 1, protowire.VarintType)
	layer = protowire.AppendVarint(layer, 42)

	var net []byte
	net = protowire.AppendTag(net, 100, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	_, err := Unmarshal(net)
	var corrupt *CorruptWireFormatError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "name", corrupt.Field)
}

func TestUnmarshal_PackedFloatSize(t *testing.T) {
	var blob []byte
	blob = protowire.AppendTag(blob, 5, protowire.BytesType)
	blob = protowire.AppendBytes(blob, []byte{1, 2, 3})

	var layer []byte
	layer = protowire.AppendTag(layer, 1, protowire.BytesType)
	layer = protowire.AppendString(layer, "bad")
	layer = protowire.AppendTag(layer, 7, protowire.BytesType)
	layer = protowire.AppendBytes(layer, blob)

	var net []byte
	net = protowire.AppendTag(net, 100, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	_, err := Unmarshal(net)
	var corrupt *CorruptWireFormatError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "bad", corrupt.Layer)
	assert.Equal(t, "data", corrupt.Field)
}

func TestUnmarshal_DuplicateLayerNames(t *testing.T) {
	data, err := Marshal(&Net{Layers: []Layer{{Name: "a"}, {Name: "a"}}})
	require.NoError(t, err)

	_, err = Unmarshal(data)
	var corrupt *CorruptWireFormatError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "a", corrupt.Layer)
}

func TestUnmarshal_LegacyBlobAndUnknownFields(t *testing.T) {
	var blob []byte
	for num, v := range map[protowire.Number]uint64{1: 1, 2: 2, 3: 1, 4: 1} {
		blob = protowire.AppendTag(blob, num, protowire.VarintType)
		blob = protowire.AppendVarint(blob, v)
	}
	// double_data instead of data.
	var doubles []byte
	doubles = protowire.AppendFixed64(doubles, 0x3ff0000000000000) // 1.0
	doubles = protowire.AppendFixed64(doubles, 0xc000000000000000) // -2.0
	blob = protowire.AppendTag(blob, 8, protowire.BytesType)
	blob = protowire.AppendBytes(blob, doubles)

	var layer []byte
	layer = protowire.AppendTag(layer, 1, protowire.BytesType)
	layer = protowire.AppendString(layer, "legacy")
	// Field 999 is not part of the schema.
	layer = protowire.AppendTag(layer, 999, protowire.BytesType)
	layer = protowire.AppendString(layer, "ignored")
	layer = protowire.AppendTag(layer, 7, protowire.BytesType)
	layer = protowire.AppendBytes(layer, blob)

	var net []byte
	net = protowire.AppendTag(net, 100, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	decoded, err := Unmarshal(net)
	require.NoError(t, err)
	require.Len(t, decoded.Layers, 1)
	b := decoded.Layers[0].Blobs[0]
	assert.Equal(t, []int64{1, 2, 1, 1}, b.Shape.Dim)
	assert.Equal(t, []float32{1, -2}, b.Data)
	assert.Nil(t, b.DoubleData)
	assert.Zero(t, b.Num)

	kept := decoded.Layers[0].unknown().wire
	require.Len(t, kept, 1)
	assert.Equal(t, protowire.Number(999), kept[0].num)
	assert.Contains(t, string(must.M1(MarshalText(decoded))), `999: "ignored"`)
}

func TestUnmarshal_UnpackedDims(t *testing.T) {
	var shape []byte
	for _, d := range []uint64{3, 1} {
		shape = protowire.AppendTag(shape, 1, protowire.VarintType)
		shape = protowire.AppendVarint(shape, d)
	}
	var blob []byte
	blob = protowire.AppendTag(blob, 7, protowire.BytesType)
	blob = protowire.AppendBytes(blob, shape)
	for _, v := range []uint32{0x3f800000, 0x40000000, 0x40400000} {
		blob = protowire.AppendTag(blob, 5, protowire.Fixed32Type)
		blob = protowire.AppendFixed32(blob, v)
	}
	var layer []byte
	layer = protowire.AppendTag(layer, 7, protowire.BytesType)
	layer = protowire.AppendBytes(layer, blob)
	var net []byte
	net = protowire.AppendTag(net, 100, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	decoded, err := Unmarshal(net)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, decoded.Layers[0].Blobs[0].Shape.Dim)
	assert.Equal(t, []float32{1, 2, 3}, decoded.Layers[0].Blobs[0].Data)
}

func TestMarshal_NegativeInt32(t *testing.T) {
	net := &Net{Layers: []Layer{{
		Name:         "flat",
		Type:         "Flatten",
		FlattenParam: &FlattenParameter{Axis: ptr(int32(1)), EndAxis: ptr(int32(-1))},
	}}}
	data, err := Marshal(net)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), *decoded.Layers[0].FlattenParam.EndAxis)
}

func TestMarshal_InvalidShape(t *testing.T) {
	testCases := []struct {
		name string
		dims []int64
		data []float32
	}{
		{name: "Overflow", dims: []int64{1 << 32, 1 << 32}},
		{name: "Negative", dims: []int64{-2, -2}, data: []float32{1, 2, 3, 4}},
		{name: "Oversize", dims: []int64{100000000000000000}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			net := &Net{Layers: []Layer{{
				Name:  "fc",
				Type:  "InnerProduct",
				Blobs: []Blob{{Shape: Shape(tc.dims...), Data: tc.data}},
			}}}

			_, err := Marshal(net)
			var incomplete *IncompleteBufferError
			require.True(t, errors.As(err, &incomplete), "got %v", err)
			assert.Equal(t, "fc", incomplete.Layer)
			assert.Equal(t, int64(-1), incomplete.Want)
			assert.Contains(t, incomplete.Error(), "invalid shape")
		})
	}
}

func TestUnmarshal_InvalidShape(t *testing.T) {
	testCases := []struct {
		name string
		dims []int64
		data []float32
	}{
		{name: "Overflow", dims: []int64{1 << 32, 1 << 32}},
		{name: "Negative", dims: []int64{-2, -2}, data: []float32{1, 2, 3, 4}},
		{name: "Oversize", dims: []int64{100000000000000000}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			net := &Net{Layers: []Layer{{
				Name:  "fc",
				Type:  "InnerProduct",
				Blobs: []Blob{{Shape: Shape(tc.dims...), Data: tc.data}},
			}}}
			// Encoded without the Marshal checks.
			data := appendMessage(nil, net)

			_, err := Unmarshal(data)
			var corrupt *CorruptWireFormatError
			require.True(t, errors.As(err, &corrupt), "got %v", err)
			assert.Equal(t, "fc", corrupt.Layer)
			assert.Contains(t, corrupt.Error(), "invalid shape")
		})
	}
}

func TestUnmarshal_KeepsUnknownFields(t *testing.T) {
	// lrn_param (118): local_size 5, alpha 1e-4, beta 0.75.
	var lrn []byte
	lrn = protowire.AppendTag(lrn, 1, protowire.VarintType)
	lrn = protowire.AppendVarint(lrn, 5)
	lrn = protowire.AppendTag(lrn, 2, protowire.Fixed32Type)
	lrn = protowire.AppendFixed32(lrn, math.Float32bits(1e-4))
	lrn = protowire.AppendTag(lrn, 3, protowire.Fixed32Type)
	lrn = protowire.AppendFixed32(lrn, math.Float32bits(0.75))

	var pooling []byte
	pooling = protowire.AppendTag(pooling, 1, protowire.VarintType)
	pooling = protowire.AppendVarint(pooling, uint64(PoolAve))

	var layer []byte
	layer = protowire.AppendTag(layer, 1, protowire.BytesType)
	layer = protowire.AppendString(layer, "norm1")
	layer = protowire.AppendTag(layer, 2, protowire.BytesType)
	layer = protowire.AppendString(layer, "LRN")
	layer = protowire.AppendTag(layer, 3, protowire.BytesType)
	layer = protowire.AppendString(layer, "conv1")
	layer = protowire.AppendTag(layer, 4, protowire.BytesType)
	layer = protowire.AppendString(layer, "norm1")
	layer = protowire.AppendTag(layer, 118, protowire.BytesType)
	layer = protowire.AppendBytes(layer, lrn)
	layer = protowire.AppendTag(layer, 121, protowire.BytesType)
	layer = protowire.AppendBytes(layer, pooling)

	var net []byte
	net = protowire.AppendTag(net, 1, protowire.BytesType)
	net = protowire.AppendString(net, "lrn")
	// force_backward (5).
	net = protowire.AppendTag(net, 5, protowire.VarintType)
	net = protowire.AppendVarint(net, 1)
	net = protowire.AppendTag(net, 100, protowire.BytesType)
	net = protowire.AppendBytes(net, layer)

	decoded, err := Unmarshal(net)
	require.NoError(t, err)
	require.Len(t, decoded.Layers, 1)
	assert.Equal(t, "LRN", decoded.Layers[0].Type)
	assert.Equal(t, PoolAve, decoded.Layers[0].PoolingParam.Pool)

	data, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, net, data)

	text := string(must.M1(MarshalText(decoded)))
	assert.Contains(t, text, "118 {")
	assert.Contains(t, text, "1: 5")
	assert.Contains(t, text, "3: 0x3f400000")
	assert.Contains(t, text, "5: 1")

	fromText, err := UnmarshalText([]byte(text))
	require.NoError(t, err)
	data, err = Marshal(fromText)
	require.NoError(t, err)
	assert.Equal(t, net, data)
}

func TestMarshal_UnknownFieldsAfterKnown(t *testing.T) {
	net := &Net{Layers: []Layer{{Name: "a"}}}
	net.Layers[0].addRaw(3000, protowire.AppendVarint(protowire.AppendTag(nil, 3000, protowire.VarintType), 7))
	net.Layers[0].addRaw(50, protowire.AppendVarint(protowire.AppendTag(nil, 50, protowire.VarintType), 9))

	decoded, err := Unmarshal(must.M1(Marshal(net)))
	require.NoError(t, err)
	kept := decoded.Layers[0].unknown().wire
	require.Len(t, kept, 2)
	assert.Equal(t, protowire.Number(50), kept[0].num)
	assert.Equal(t, protowire.Number(3000), kept[1].num)
}
