package caffe

// Caffe protobuf data structures (hand-written subset of caffe.proto).

// Net represents a NetParameter: the network topology and, once populated, its weights.
type Net struct {
	Name       string      // Network name
	Input      []string    // Legacy net-level input blob names
	InputDim   []int32     // Legacy input dimensions, 4 per input
	InputShape []BlobShape // Input shapes, one per input
	Layers     []Layer     // Layers in declaration (and execution) order

	unknownFields
}

// Layer represents a LayerParameter.
type Layer struct {
	Name       string         // Layer name, unique within the net
	Type       string         // Layer type (e.g., "Convolution", "BatchNorm")
	Bottom     []string       // Input blob names
	Top        []string       // Output blob names
	LossWeight []float32      // Loss weight per top
	Param      []ParamSpec    // Per-blob training hyperparameters
	Blobs      []Blob         // Learnable parameter blobs
	Include    []NetStateRule // Layer is included when any rule matches
	Exclude    []NetStateRule // Layer is excluded when any rule matches
	Phase      Phase          // Phase the layer runs in

	ConcatParam       *ConcatParameter
	ConvolutionParam  *ConvolutionParameter
	DropoutParam      *DropoutParameter
	EltwiseParam      *EltwiseParameter
	InnerProductParam *InnerProductParameter
	PoolingParam      *PoolingParameter
	ReLUParam         *ReLUParameter
	SoftmaxParam      *SoftmaxParameter
	FlattenParam      *FlattenParameter
	BatchNormParam    *BatchNormParameter
	ScaleParam        *ScaleParameter
	InputParam        *InputParameter
	ReshapeParam      *ReshapeParameter
	PermuteParam      *PermuteParameter
	BNParam           *BNParameter

	unknownFields
}

// Blob represents a BlobProto: a shaped float32 buffer.
type Blob struct {
	Shape      *BlobShape // Blob shape (preferred over the legacy 4-D fields)
	Data       []float32  // Values in row-major order
	DoubleData []float64  // Double precision values; folded into Data on decode

	// Legacy 4-D dimensions, folded into Shape on decode.
	Num      int32
	Channels int32
	Height   int32
	Width    int32

	unknownFields
}

// BlobShape describes blob dimensions.
type BlobShape struct {
	Dim []int64

	unknownFields
}

// ParamSpec holds per-blob training hyperparameters.
type ParamSpec struct {
	Name      string
	LRMult    *float32 // default 1
	DecayMult *float32 // default 1

	unknownFields
}

// NetStateRule selects the phase a layer belongs to.
type NetStateRule struct {
	Phase    *Phase
	MinLevel *int32
	MaxLevel *int32
	Stage    []string
	NotStage []string

	unknownFields
}

// FillerParameter describes how Caffe initializes a blob when training from scratch.
type FillerParameter struct {
	Type  string
	Value float32
	Min   float32
	Max   float32
	Mean  float32
	Std   float32

	unknownFields
}

// ConvolutionParameter configures a Convolution layer.
type ConvolutionParameter struct {
	NumOutput    uint32
	BiasTerm     *bool // default true
	Pad          []uint32
	KernelSize   []uint32
	Stride       []uint32
	Dilation     []uint32
	PadH         uint32
	PadW         uint32
	KernelH      uint32
	KernelW      uint32
	StrideH      uint32
	StrideW      uint32
	Group        uint32 // 0 means 1
	WeightFiller *FillerParameter
	BiasFiller   *FillerParameter

	unknownFields
}

// InnerProductParameter configures an InnerProduct layer.
type InnerProductParameter struct {
	NumOutput    uint32
	BiasTerm     *bool // default true
	WeightFiller *FillerParameter
	BiasFiller   *FillerParameter
	Axis         *int32 // default 1
	Transpose    bool

	unknownFields
}

// PoolingParameter configures a Pooling layer.
type PoolingParameter struct {
	Pool          PoolMethod
	KernelSize    uint32
	Stride        uint32 // 0 means 1
	Pad           uint32
	KernelH       uint32
	KernelW       uint32
	StrideH       uint32
	StrideW       uint32
	PadH          uint32
	PadW          uint32
	GlobalPooling bool

	unknownFields
}

// ReLUParameter configures a ReLU layer.
type ReLUParameter struct {
	NegativeSlope float32

	unknownFields
}

// SoftmaxParameter configures a Softmax layer.
type SoftmaxParameter struct {
	Axis *int32 // default 1

	unknownFields
}

// ConcatParameter configures a Concat layer.
type ConcatParameter struct {
	ConcatDim uint32 // legacy, used when Axis is unset
	Axis      *int32 // default 1

	unknownFields
}

// EltwiseParameter configures an Eltwise layer.
type EltwiseParameter struct {
	Operation *EltwiseOp // default SUM
	Coeff     []float32

	unknownFields
}

// DropoutParameter configures a Dropout layer.
type DropoutParameter struct {
	DropoutRatio *float32 // default 0.5

	unknownFields
}

// FlattenParameter configures a Flatten layer.
type FlattenParameter struct {
	Axis    *int32 // default 1
	EndAxis *int32 // default -1

	unknownFields
}

// BatchNormParameter configures a BatchNorm layer.
type BatchNormParameter struct {
	UseGlobalStats        *bool
	MovingAverageFraction *float32 // default 0.999
	Eps                   *float32 // default 1e-5

	unknownFields
}

// ScaleParameter configures a Scale layer.
type ScaleParameter struct {
	Axis       *int32 // default 1
	NumAxes    *int32 // default 1
	Filler     *FillerParameter
	BiasTerm   bool
	BiasFiller *FillerParameter

	unknownFields
}

// InputParameter configures an Input layer.
type InputParameter struct {
	Shape []BlobShape

	unknownFields
}

// ReshapeParameter configures a Reshape layer. In Shape, 0 copies the bottom
// dimension and -1 infers one dimension from the count.
type ReshapeParameter struct {
	Shape   *BlobShape
	Axis    int32  // first bottom axis replaced
	NumAxes *int32 // default -1: all remaining axes

	unknownFields
}

// PermuteParameter configures a Permute layer (SSD): Order lists the bottom
// axes in top order; unlisted axes follow in their original order.
type PermuteParameter struct {
	Order []uint32

	unknownFields
}

// BNParameter configures the legacy "BN" layer (scale, shift, mean, variance).
type BNParameter struct {
	ScaleFiller *FillerParameter
	ShiftFiller *FillerParameter
	BNMode      BNMode
	Eps         *float32 // default 1e-5

	unknownFields
}

// Phase selects train or test behavior.
type Phase int32

// Phase values.
const (
	PhaseTrain Phase = 0
	PhaseTest  Phase = 1
)

func (Phase) enumNames() []string { return []string{"TRAIN", "TEST"} }

// String returns the caffe.proto name of the phase.
func (p Phase) String() string { return enumString(p) }

// PoolMethod selects the pooling reduction.
type PoolMethod int32

// Pooling methods.
const (
	PoolMax        PoolMethod = 0
	PoolAve        PoolMethod = 1
	PoolStochastic PoolMethod = 2
)

func (PoolMethod) enumNames() []string { return []string{"MAX", "AVE", "STOCHASTIC"} }

// String returns the caffe.proto name of the pooling method.
func (m PoolMethod) String() string { return enumString(m) }

// EltwiseOp selects the element-wise reduction.
type EltwiseOp int32

// Eltwise operations.
const (
	EltwiseProd EltwiseOp = 0
	EltwiseSum  EltwiseOp = 1
	EltwiseMax  EltwiseOp = 2
)

func (EltwiseOp) enumNames() []string { return []string{"PROD", "SUM", "MAX"} }

// String returns the caffe.proto name of the operation.
func (o EltwiseOp) String() string { return enumString(o) }

// BNMode selects how the legacy BN layer normalizes.
type BNMode int32

// BN modes.
const (
	BNLearn     BNMode = 0
	BNInference BNMode = 1
)

func (BNMode) enumNames() []string { return []string{"LEARN", "INFERENCE"} }

// String returns the name of the mode.
func (m BNMode) String() string { return enumString(m) }
