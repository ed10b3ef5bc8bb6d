package caffe

import (
	"fmt"
	"math"
	"strings"
)

// Shape returns a BlobShape with the given dimensions.
func Shape(dims ...int64) *BlobShape {
	return &BlobShape{Dim: dims}
}

// MaxCount is the largest element count a blob may hold, Caffe's INT_MAX limit.
const MaxCount = math.MaxInt32

// Count returns the number of elements: the product of all dimensions.
// An empty dimension list describes a scalar and counts 1. Count returns -1 for
// an invalid shape: a negative dimension or a product above MaxCount.
func (s *BlobShape) Count() int64 {
	if s == nil {
		return 0
	}
	count := int64(1)
	for _, d := range s.Dim {
		if d < 0 || d > MaxCount {
			return -1
		}
		count *= d
		if count > MaxCount {
			return -1
		}
	}
	return count
}

// Ints returns the dimensions as ints.
func (s *BlobShape) Ints() []int {
	if s == nil {
		return nil
	}
	dims := make([]int, len(s.Dim))
	for i, d := range s.Dim {
		dims[i] = int(d)
	}
	return dims
}

// Clone returns a deep copy of the shape.
func (s *BlobShape) Clone() *BlobShape {
	if s == nil {
		return nil
	}
	return &BlobShape{Dim: append([]int64(nil), s.Dim...)}
}

// String formats the shape the way Caffe's blob dumps do: "[ 64 3 3 3 ]".
func (s *BlobShape) String() string {
	var sb strings.Builder
	sb.WriteString("[ ")
	if s != nil {
		for _, d := range s.Dim {
			fmt.Fprintf(&sb, "%d ", d)
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Count returns the number of elements the blob's shape describes.
// Blobs without a shape fall back to the legacy 4-D fields; a blob with neither
// holds no elements.
func (b *Blob) Count() int64 {
	if b.Shape != nil {
		return b.Shape.Count()
	}
	if b.hasLegacyShape() {
		return Shape(int64(b.Num), int64(b.Channels), int64(b.Height), int64(b.Width)).Count()
	}
	return 0
}

// Filled reports whether the blob carries exactly as many values as its shape
// describes. Blobs with an invalid shape are never filled.
func (b *Blob) Filled() bool {
	count := b.Count()
	return count >= 0 && int64(len(b.Data)) == count
}

func (b *Blob) hasLegacyShape() bool {
	return b.Num != 0 || b.Channels != 0 || b.Height != 0 || b.Width != 0
}

// normalize folds the legacy 4-D dimensions into Shape and double precision
// values into Data.
func (b *Blob) normalize() {
	if b.Shape == nil && b.hasLegacyShape() {
		b.Shape = Shape(int64(b.Num), int64(b.Channels), int64(b.Height), int64(b.Width))
	}
	b.Num, b.Channels, b.Height, b.Width = 0, 0, 0, 0
	if len(b.Data) == 0 && len(b.DoubleData) > 0 {
		b.Data = make([]float32, len(b.DoubleData))
		for i, v := range b.DoubleData {
			b.Data[i] = float32(v)
		}
	}
	b.DoubleData = nil
}

// Layer returns the layer with the given name.
func (n *Net) Layer(name string) (*Layer, bool) {
	for i := range n.Layers {
		if n.Layers[i].Name == name {
			return &n.Layers[i], true
		}
	}
	return nil, false
}

// duplicateLayer returns the first layer name that appears twice.
func (n *Net) duplicateLayer() (string, bool) {
	seen := make(map[string]bool, len(n.Layers))
	for i := range n.Layers {
		name := n.Layers[i].Name
		if seen[name] {
			return name, true
		}
		seen[name] = true
	}
	return "", false
}

func (n *Net) normalize() {
	for i := range n.Layers {
		for j := range n.Layers[i].Blobs {
			n.Layers[i].Blobs[j].normalize()
		}
	}
}

// IncludedIn reports whether the layer takes part in a net built for phase,
// following Caffe's include/exclude rule semantics with level 0 and no stages.
func (l *Layer) IncludedIn(phase Phase) bool {
	if len(l.Include) > 0 {
		for i := range l.Include {
			if l.Include[i].Matches(phase) {
				return true
			}
		}
		return false
	}
	for i := range l.Exclude {
		if l.Exclude[i].Matches(phase) {
			return false
		}
	}
	return true
}

// Matches reports whether a net state with the given phase, level 0 and no
// stages meets the rule.
func (r *NetStateRule) Matches(phase Phase) bool {
	if r.Phase != nil && *r.Phase != phase {
		return false
	}
	if r.MinLevel != nil && *r.MinLevel > 0 {
		return false
	}
	if r.MaxLevel != nil && *r.MaxLevel < 0 {
		return false
	}
	return len(r.Stage) == 0
}

// HasBias reports whether the convolution carries a bias blob.
func (p *ConvolutionParameter) HasBias() bool {
	return p.BiasTerm == nil || *p.BiasTerm
}

// Groups returns the group count, defaulting to 1.
func (p *ConvolutionParameter) Groups() int {
	if p.Group == 0 {
		return 1
	}
	return int(p.Group)
}

// HasBias reports whether the inner product carries a bias blob.
func (p *InnerProductParameter) HasBias() bool {
	return p.BiasTerm == nil || *p.BiasTerm
}

// AxisOrDefault returns the first axis to flatten, defaulting to 1.
func (p *InnerProductParameter) AxisOrDefault() int {
	return int(int32Or(p.Axis, 1))
}

// AxisOrDefault returns the softmax axis, defaulting to 1.
func (p *SoftmaxParameter) AxisOrDefault() int {
	if p == nil {
		return 1
	}
	return int(int32Or(p.Axis, 1))
}

// AxisOrDefault returns the concatenation axis, honoring the legacy concat_dim.
func (p *ConcatParameter) AxisOrDefault() int {
	if p == nil {
		return 1
	}
	if p.Axis == nil && p.ConcatDim != 0 {
		return int(p.ConcatDim)
	}
	return int(int32Or(p.Axis, 1))
}

// OperationOrDefault returns the eltwise operation, defaulting to SUM.
func (p *EltwiseParameter) OperationOrDefault() EltwiseOp {
	if p == nil || p.Operation == nil {
		return EltwiseSum
	}
	return *p.Operation
}

// Axes returns the flatten axis range, defaulting to [1, -1].
func (p *FlattenParameter) Axes() (axis, endAxis int) {
	if p == nil {
		return 1, -1
	}
	return int(int32Or(p.Axis, 1)), int(int32Or(p.EndAxis, -1))
}

// EpsOrDefault returns the variance epsilon, defaulting to 1e-5.
func (p *BatchNormParameter) EpsOrDefault() float32 {
	if p == nil {
		return 1e-5
	}
	return float32Or(p.Eps, 1e-5)
}

// EpsOrDefault returns the variance epsilon, defaulting to 1e-5.
func (p *BNParameter) EpsOrDefault() float32 {
	if p == nil {
		return 1e-5
	}
	return float32Or(p.Eps, 1e-5)
}

// Axes returns the scale axis and the number of scaled axes, defaulting to 1 and 1.
func (p *ScaleParameter) Axes() (axis, numAxes int) {
	if p == nil {
		return 1, 1
	}
	return int(int32Or(p.Axis, 1)), int(int32Or(p.NumAxes, 1))
}

func int32Or(p *int32, def int32) int32 {
	if p == nil {
		return def
	}
	return *p
}

func float32Or(p *float32, def float32) float32 {
	if p == nil {
		return def
	}
	return *p
}

// NumAxesOrDefault returns the number of bottom axes replaced, defaulting to -1 (all).
func (p *ReshapeParameter) NumAxesOrDefault() int {
	return int(int32Or(p.NumAxes, -1))
}
