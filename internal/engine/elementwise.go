package engine

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// registerElementwise adds activations and element-wise combinations.
func (r *registry) registerElementwise() {
	r.register("ReLU", newReLU)
	r.register("Eltwise", newEltwise)
	r.register("Dropout", newDropout)
	r.register("Softmax", newSoftmax)
}

// sameAsBottom is the reshape of layers whose single top mirrors the bottom.
func sameAsBottom(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	return [][]int{bottoms[0]}, nil, nil
}

type relu struct {
	slope float32
}

func newReLU(spec *caffe.Layer, _ *env) (layer, error) {
	var slope float32
	if spec.ReLUParam != nil {
		slope = spec.ReLUParam.NegativeSlope
	}
	return &relu{slope: slope}, nil
}

func (r *relu) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	return sameAsBottom(bottoms)
}

func (r *relu) forward(bottoms, tops, _ []*Blob) error {
	x := bottoms[0].Data
	out := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = v * r.slope
		}
	}
	tops[0].Data = out
	return nil
}

type eltwise struct {
	op    caffe.EltwiseOp
	coeff []float32
}

func newEltwise(spec *caffe.Layer, _ *env) (layer, error) {
	p := spec.EltwiseParam
	e := &eltwise{op: p.OperationOrDefault()}
	if p != nil {
		e.coeff = p.Coeff
	}
	if len(e.coeff) > 0 && e.op != caffe.EltwiseSum {
		return nil, errors.Errorf("coefficients are only supported by SUM, not %s", e.op)
	}
	switch e.op {
	case caffe.EltwiseProd, caffe.EltwiseSum, caffe.EltwiseMax:
	default:
		return nil, errors.Errorf("unknown operation %s", e.op)
	}
	return e, nil
}

func (e *eltwise) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if len(bottoms) < 2 {
		return nil, nil, errors.Errorf("needs at least 2 bottom blobs, got %d", len(bottoms))
	}
	if len(e.coeff) > 0 && len(e.coeff) != len(bottoms) {
		return nil, nil, errors.Errorf("has %d coefficients for %d bottoms", len(e.coeff), len(bottoms))
	}
	for i := 1; i < len(bottoms); i++ {
		if !slices.Equal(bottoms[i], bottoms[0]) {
			return nil, nil, errors.Errorf("bottom %d has shape %v, bottom 0 has %v", i, bottoms[i], bottoms[0])
		}
	}
	return [][]int{bottoms[0]}, nil, nil
}

func (e *eltwise) forward(bottoms, tops, _ []*Blob) error {
	acc := toFloat64(bottoms[0].Data)
	switch e.op {
	case caffe.EltwiseSum:
		if len(e.coeff) > 0 {
			floats.Scale(float64(e.coeff[0]), acc)
		}
		for i := 1; i < len(bottoms); i++ {
			c := 1.0
			if len(e.coeff) > 0 {
				c = float64(e.coeff[i])
			}
			floats.AddScaled(acc, c, toFloat64(bottoms[i].Data))
		}
	case caffe.EltwiseProd:
		for i := 1; i < len(bottoms); i++ {
			floats.Mul(acc, toFloat64(bottoms[i].Data))
		}
	case caffe.EltwiseMax:
		for i := 1; i < len(bottoms); i++ {
			for j, v := range bottoms[i].Data {
				acc[j] = math.Max(acc[j], float64(v))
			}
		}
	}
	tops[0].Data = toFloat32(acc)
	return nil
}

// dropout is the identity at test time. At train time it zeroes elements
// with probability ratio and scales the survivors by 1/(1-ratio).
type dropout struct {
	ratio float64
	train bool
	rng   *rand.Rand
}

func newDropout(spec *caffe.Layer, e *env) (layer, error) {
	ratio := 0.5
	if spec.DropoutParam != nil && spec.DropoutParam.DropoutRatio != nil {
		ratio = float64(*spec.DropoutParam.DropoutRatio)
	}
	if ratio < 0 || ratio >= 1 {
		return nil, errors.Errorf("dropout_ratio must be in [0, 1), got %g", ratio)
	}
	return &dropout{ratio: ratio, train: e.phase == caffe.PhaseTrain, rng: e.rng}, nil
}

func (d *dropout) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	return sameAsBottom(bottoms)
}

func (d *dropout) forward(bottoms, tops, _ []*Blob) error {
	x := bottoms[0].Data
	if !d.train {
		tops[0].Data = slices.Clone(x)
		return nil
	}
	scale := float32(1 / (1 - d.ratio))
	out := make([]float32, len(x))
	for i, v := range x {
		if d.rng.Float64() >= d.ratio {
			out[i] = v * scale
		}
	}
	tops[0].Data = out
	return nil
}

type softmax struct {
	axis int

	outer, channels, inner int
}

func newSoftmax(spec *caffe.Layer, _ *env) (layer, error) {
	return &softmax{axis: spec.SoftmaxParam.AxisOrDefault()}, nil
}

func (s *softmax) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	axis, err := canonicalAxis(s.axis, len(in))
	if err != nil {
		return nil, nil, err
	}
	s.outer, s.channels, s.inner = countRange(in, 0, axis), in[axis], countRange(in, axis+1, len(in))
	return [][]int{in}, nil, nil
}

func (s *softmax) forward(bottoms, tops, _ []*Blob) error {
	x := bottoms[0].Data
	out := make([]float32, len(x))
	row := make([]float64, s.channels)
	for o := range s.outer {
		for i := range s.inner {
			base := o*s.channels*s.inner + i
			for c := range s.channels {
				row[c] = float64(x[base+c*s.inner])
			}
			floats.AddConst(-floats.Max(row), row)
			for c := range row {
				row[c] = math.Exp(row[c])
			}
			floats.Scale(1/floats.Sum(row), row)
			for c, v := range row {
				out[base+c*s.inner] = float32(v)
			}
		}
	}
	tops[0].Data = out
	return nil
}

func toFloat32(src []float64) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}
