package caffe

import (
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// message is implemented by every Caffe message type. fields binds each
// caffe.proto field (number and text name) to the Go value that stores it; both
// codecs walk these bindings, so field order here is the output order. Fields
// are listed by increasing number, which keeps the binary output canonical.
//
// Supported binding values:
//
//	*string, *[]string                  string / repeated string
//	*int32, **int32, *[]int32           int32
//	*uint32, *[]uint32                  uint32
//	*[]int64                            packed int64
//	*float32, **float32, *[]float32     float (repeated ones packed)
//	*[]float64                          packed double
//	*bool, **bool                       bool
//	enumRef                             enum
//	subMessage                          embedded message, singular or repeated
//
// Fields not in the list are kept in the embedded unknownFields.
type message interface {
	fields() []field
	unknown() *unknownFields
}

type field struct {
	num  protowire.Number
	name string
	val  any
}

// subMessage binds an embedded message field.
type subMessage interface {
	// present returns the messages currently stored, in order.
	present() []message
	// alloc returns the message to merge the next occurrence into: the existing
	// one for singular fields, a freshly appended one for repeated fields.
	alloc() message
}

type msgPtr[T any] interface {
	*T
	message
}

type singular[T any, P msgPtr[T]] struct{ p **T }

func (s singular[T, P]) present() []message {
	if *s.p == nil {
		return nil
	}
	return []message{P(*s.p)}
}

func (s singular[T, P]) alloc() message {
	if *s.p == nil {
		*s.p = new(T)
	}
	return P(*s.p)
}

type repeated[T any, P msgPtr[T]] struct{ p *[]T }

func (r repeated[T, P]) present() []message {
	out := make([]message, len(*r.p))
	for i := range *r.p {
		out[i] = P(&(*r.p)[i])
	}
	return out
}

func (r repeated[T, P]) alloc() message {
	var zero T
	*r.p = append(*r.p, zero)
	return P(&(*r.p)[len(*r.p)-1])
}

func one[T any, P msgPtr[T]](p **T) subMessage { return singular[T, P]{p: p} }

func many[T any, P msgPtr[T]](p *[]T) subMessage { return repeated[T, P]{p: p} }

// enumRef binds an enum field. Values index names.
type enumRef struct {
	names []string
	get   func() (int32, bool)
	set   func(int32)
}

type enumValue interface {
	~int32
	enumNames() []string
}

func enumOf[E enumValue](p *E) enumRef {
	var zero E
	return enumRef{
		names: zero.enumNames(),
		get:   func() (int32, bool) { return int32(*p), *p != 0 },
		set:   func(v int32) { *p = E(v) },
	}
}

func optEnumOf[E enumValue](p **E) enumRef {
	var zero E
	return enumRef{
		names: zero.enumNames(),
		get: func() (int32, bool) {
			if *p == nil {
				return 0, false
			}
			return int32(**p), true
		},
		set: func(v int32) {
			e := E(v)
			*p = &e
		},
	}
}

func (e enumRef) name(v int32) string {
	if v >= 0 && int(v) < len(e.names) {
		return e.names[v]
	}
	return strconv.Itoa(int(v))
}

func (e enumRef) lookup(name string) (int32, bool) {
	for i, n := range e.names {
		if n == name {
			return int32(i), true
		}
	}
	v, err := strconv.ParseInt(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func enumString[E enumValue](v E) string {
	return enumRef{names: v.enumNames()}.name(int32(v))
}

// fieldIndex maps field numbers and names to bindings.
type fieldIndex struct {
	byNum  map[protowire.Number]field
	byName map[string]field
}

func indexFields(m message) fieldIndex {
	fs := m.fields()
	idx := fieldIndex{
		byNum:  make(map[protowire.Number]field, len(fs)),
		byName: make(map[string]field, len(fs)),
	}
	for _, f := range fs {
		idx.byNum[f.num] = f
		idx.byName[f.name] = f
	}
	return idx
}

func (n *Net) fields() []field {
	return []field{
		{1, "name", &n.Name},
		{3, "input", &n.Input},
		{4, "input_dim", &n.InputDim},
		{8, "input_shape", many(&n.InputShape)},
		{100, "layer", many(&n.Layers)},
	}
}

func (l *Layer) fields() []field {
	return []field{
		{1, "name", &l.Name},
		{2, "type", &l.Type},
		{3, "bottom", &l.Bottom},
		{4, "top", &l.Top},
		{5, "loss_weight", &l.LossWeight},
		{6, "param", many(&l.Param)},
		{7, "blobs", many(&l.Blobs)},
		{8, "include", many(&l.Include)},
		{9, "exclude", many(&l.Exclude)},
		{10, "phase", enumOf(&l.Phase)},
		{104, "concat_param", one(&l.ConcatParam)},
		{106, "convolution_param", one(&l.ConvolutionParam)},
		{108, "dropout_param", one(&l.DropoutParam)},
		{110, "eltwise_param", one(&l.EltwiseParam)},
		{117, "inner_product_param", one(&l.InnerProductParam)},
		{121, "pooling_param", one(&l.PoolingParam)},
		{123, "relu_param", one(&l.ReLUParam)},
		{125, "softmax_param", one(&l.SoftmaxParam)},
		{133, "reshape_param", one(&l.ReshapeParam)},
		{135, "flatten_param", one(&l.FlattenParam)},
		{139, "batch_norm_param", one(&l.BatchNormParam)},
		{142, "scale_param", one(&l.ScaleParam)},
		{143, "input_param", one(&l.InputParam)},
		{202, "permute_param", one(&l.PermuteParam)},
		{2001, "bn_param", one(&l.BNParam)},
	}
}

func (b *Blob) fields() []field {
	return []field{
		{1, "num", &b.Num},
		{2, "channels", &b.Channels},
		{3, "height", &b.Height},
		{4, "width", &b.Width},
		{5, "data", &b.Data},
		{7, "shape", one(&b.Shape)},
		{8, "double_data", &b.DoubleData},
	}
}

func (s *BlobShape) fields() []field {
	return []field{
		{1, "dim", &s.Dim},
	}
}

func (p *ParamSpec) fields() []field {
	return []field{
		{1, "name", &p.Name},
		{3, "lr_mult", &p.LRMult},
		{4, "decay_mult", &p.DecayMult},
	}
}

func (r *NetStateRule) fields() []field {
	return []field{
		{1, "phase", optEnumOf(&r.Phase)},
		{2, "min_level", &r.MinLevel},
		{3, "max_level", &r.MaxLevel},
		{4, "stage", &r.Stage},
		{5, "not_stage", &r.NotStage},
	}
}

func (p *FillerParameter) fields() []field {
	return []field{
		{1, "type", &p.Type},
		{2, "value", &p.Value},
		{3, "min", &p.Min},
		{4, "max", &p.Max},
		{5, "mean", &p.Mean},
		{6, "std", &p.Std},
	}
}

func (p *ConvolutionParameter) fields() []field {
	return []field{
		{1, "num_output", &p.NumOutput},
		{2, "bias_term", &p.BiasTerm},
		{3, "pad", &p.Pad},
		{4, "kernel_size", &p.KernelSize},
		{5, "group", &p.Group},
		{6, "stride", &p.Stride},
		{7, "weight_filler", one(&p.WeightFiller)},
		{8, "bias_filler", one(&p.BiasFiller)},
		{9, "pad_h", &p.PadH},
		{10, "pad_w", &p.PadW},
		{11, "kernel_h", &p.KernelH},
		{12, "kernel_w", &p.KernelW},
		{13, "stride_h", &p.StrideH},
		{14, "stride_w", &p.StrideW},
		{18, "dilation", &p.Dilation},
	}
}

func (p *InnerProductParameter) fields() []field {
	return []field{
		{1, "num_output", &p.NumOutput},
		{2, "bias_term", &p.BiasTerm},
		{3, "weight_filler", one(&p.WeightFiller)},
		{4, "bias_filler", one(&p.BiasFiller)},
		{5, "axis", &p.Axis},
		{6, "transpose", &p.Transpose},
	}
}

func (p *PoolingParameter) fields() []field {
	return []field{
		{1, "pool", enumOf(&p.Pool)},
		{2, "kernel_size", &p.KernelSize},
		{3, "stride", &p.Stride},
		{4, "pad", &p.Pad},
		{5, "kernel_h", &p.KernelH},
		{6, "kernel_w", &p.KernelW},
		{7, "stride_h", &p.StrideH},
		{8, "stride_w", &p.StrideW},
		{9, "pad_h", &p.PadH},
		{10, "pad_w", &p.PadW},
		{12, "global_pooling", &p.GlobalPooling},
	}
}

func (p *ReLUParameter) fields() []field {
	return []field{
		{1, "negative_slope", &p.NegativeSlope},
	}
}

func (p *SoftmaxParameter) fields() []field {
	return []field{
		{2, "axis", &p.Axis},
	}
}

func (p *ConcatParameter) fields() []field {
	return []field{
		{1, "concat_dim", &p.ConcatDim},
		{2, "axis", &p.Axis},
	}
}

func (p *EltwiseParameter) fields() []field {
	return []field{
		{1, "operation", optEnumOf(&p.Operation)},
		{2, "coeff", &p.Coeff},
	}
}

func (p *DropoutParameter) fields() []field {
	return []field{
		{1, "dropout_ratio", &p.DropoutRatio},
	}
}

func (p *FlattenParameter) fields() []field {
	return []field{
		{1, "axis", &p.Axis},
		{2, "end_axis", &p.EndAxis},
	}
}

func (p *BatchNormParameter) fields() []field {
	return []field{
		{1, "use_global_stats", &p.UseGlobalStats},
		{2, "moving_average_fraction", &p.MovingAverageFraction},
		{3, "eps", &p.Eps},
	}
}

func (p *ScaleParameter) fields() []field {
	return []field{
		{1, "axis", &p.Axis},
		{2, "num_axes", &p.NumAxes},
		{3, "filler", one(&p.Filler)},
		{4, "bias_term", &p.BiasTerm},
		{5, "bias_filler", one(&p.BiasFiller)},
	}
}

func (p *InputParameter) fields() []field {
	return []field{
		{1, "shape", many(&p.Shape)},
	}
}

func (p *BNParameter) fields() []field {
	return []field{
		{1, "scale_filler", one(&p.ScaleFiller)},
		{2, "shift_filler", one(&p.ShiftFiller)},
		{3, "bn_mode", enumOf(&p.BNMode)},
		{4, "eps", &p.Eps},
	}
}

func (p *ReshapeParameter) fields() []field {
	return []field{
		{1, "shape", one(&p.Shape)},
		{2, "axis", &p.Axis},
		{3, "num_axes", &p.NumAxes},
	}
}

func (p *PermuteParameter) fields() []field {
	return []field{
		{1, "order", &p.Order},
	}
}
