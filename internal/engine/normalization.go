package engine

import (
	"math"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// registerNormalization adds the per-channel affine and normalization layers.
func (r *registry) registerNormalization() {
	r.register("BatchNorm", newBatchNorm)
	r.register("BN", newBN)
	r.register("Scale", newScale)
}

// channelLayout splits a blob shape into (num, channels, spatial) around axis 1.
func channelLayout(shape []int) (num, channels, spatial int) {
	num = shape[0]
	if len(shape) == 1 {
		return num, 1, 1
	}
	return num, shape[1], countRange(shape, 2, len(shape))
}

// channelStats computes the mean and population variance of every channel
// over the batch and spatial positions.
func channelStats(x []float32, num, channels, spatial int) (mean, variance []float64) {
	mean = make([]float64, channels)
	variance = make([]float64, channels)
	values := make([]float64, 0, num*spatial)
	for c := range channels {
		values = values[:0]
		for n := range num {
			for _, v := range x[(n*channels+c)*spatial : (n*channels+c+1)*spatial] {
				values = append(values, float64(v))
			}
		}
		mean[c], variance[c] = stat.PopMeanVariance(values, nil)
	}
	return mean, variance
}

// normalizeChannels computes scale[c]*(x-mean[c])/sqrt(variance[c]+eps)+shift[c].
// Nil scale and shift mean 1 and 0.
func normalizeChannels(x []float32, num, channels, spatial int, mean, variance, scale, shift []float64, eps float64) []float32 {
	out := make([]float32, len(x))
	for n := range num {
		for c := range channels {
			a := 1 / math.Sqrt(variance[c]+eps)
			if scale != nil {
				a *= scale[c]
			}
			b := -mean[c] * a
			if shift != nil {
				b += shift[c]
			}
			off := (n*channels + c) * spatial
			for i, v := range x[off : off+spatial] {
				out[off+i] = float32(float64(v)*a + b)
			}
		}
	}
	return out
}

// batchNorm is Caffe's BatchNorm: blobs hold the running mean, the running
// variance and the moving average scale factor that divides both.
type batchNorm struct {
	eps       float64
	useGlobal bool
}

func newBatchNorm(spec *caffe.Layer, e *env) (layer, error) {
	p := spec.BatchNormParam
	useGlobal := e.phase == caffe.PhaseTest
	if p != nil && p.UseGlobalStats != nil {
		useGlobal = *p.UseGlobalStats
	}
	return &batchNorm{eps: float64(p.EpsOrDefault()), useGlobal: useGlobal}, nil
}

func (bn *batchNorm) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	_, channels, _ := channelLayout(bottoms[0])
	return [][]int{bottoms[0]}, [][]int{{channels}, {channels}, {1}}, nil
}

// forward normalizes with the stored statistics when using global stats and
// with the batch statistics otherwise. Stored statistics are never updated.
func (bn *batchNorm) forward(bottoms, tops, params []*Blob) error {
	x := bottoms[0].Data
	num, channels, spatial := channelLayout(bottoms[0].Shape)

	var mean, variance []float64
	if bn.useGlobal {
		factor := float64(params[2].Data[0])
		var scale float64
		if factor != 0 {
			scale = 1 / factor
		}
		mean = make([]float64, channels)
		variance = make([]float64, channels)
		for c := range channels {
			mean[c] = float64(params[0].Data[c]) * scale
			variance[c] = float64(params[1].Data[c]) * scale
		}
	} else {
		mean, variance = channelStats(x, num, channels, spatial)
	}
	tops[0].Data = normalizeChannels(x, num, channels, spatial, mean, variance, nil, nil, bn.eps)
	return nil
}

// bnLayer is the legacy fused "BN" layer: blobs hold scale, shift, mean and
// variance, each shaped 1 x C x 1 x 1.
type bnLayer struct {
	eps       float64
	useGlobal bool
}

func newBN(spec *caffe.Layer, e *env) (layer, error) {
	p := spec.BNParam
	useGlobal := e.phase == caffe.PhaseTest
	if p != nil && p.BNMode == caffe.BNInference {
		useGlobal = true
	}
	return &bnLayer{eps: float64(p.EpsOrDefault()), useGlobal: useGlobal}, nil
}

func (bn *bnLayer) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	if err := need4D(bottoms[0]); err != nil {
		return nil, nil, err
	}
	c := bottoms[0][1]
	shape := []int{1, c, 1, 1}
	return [][]int{bottoms[0]}, [][]int{shape, shape, shape, shape}, nil
}

func (bn *bnLayer) forward(bottoms, tops, params []*Blob) error {
	x := bottoms[0].Data
	num, channels, spatial := channelLayout(bottoms[0].Shape)

	var mean, variance []float64
	if bn.useGlobal {
		mean, variance = toFloat64(params[2].Data), toFloat64(params[3].Data)
	} else {
		mean, variance = channelStats(x, num, channels, spatial)
	}
	scale, shift := toFloat64(params[0].Data), toFloat64(params[1].Data)
	tops[0].Data = normalizeChannels(x, num, channels, spatial, mean, variance, scale, shift, bn.eps)
	return nil
}

// scaleLayer multiplies by a learned blob broadcast over the axes around it,
// optionally adding a learned bias.
type scaleLayer struct {
	axis, numAxes int
	bias          bool

	outer, dim, inner int
}

func newScale(spec *caffe.Layer, _ *env) (layer, error) {
	p := spec.ScaleParam
	axis, numAxes := p.Axes()
	if numAxes < -1 {
		return nil, errors.Errorf("num_axes must be non-negative or -1, got %d", numAxes)
	}
	return &scaleLayer{axis: axis, numAxes: numAxes, bias: p != nil && p.BiasTerm}, nil
}

func (s *scaleLayer) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if len(bottoms) == 2 {
		return nil, nil, errors.New("scale taken from a second bottom is not supported")
	}
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	axis, err := canonicalAxis(s.axis, len(in))
	if err != nil {
		return nil, nil, err
	}
	end := len(in)
	if s.numAxes >= 0 {
		end = axis + s.numAxes
	}
	if end > len(in) {
		return nil, nil, errors.Errorf("scale axes [%d, %d) exceed %d-D bottom", axis, end, len(in))
	}
	shape := append([]int{}, in[axis:end]...)
	s.outer, s.dim, s.inner = countRange(in, 0, axis), count(shape), countRange(in, end, len(in))

	params = [][]int{shape}
	if s.bias {
		params = append(params, shape)
	}
	return [][]int{in}, params, nil
}

func (s *scaleLayer) forward(bottoms, tops, params []*Blob) error {
	x := bottoms[0].Data
	scale := params[0].Data
	var bias []float32
	if s.bias {
		bias = params[1].Data
	}
	out := make([]float32, len(x))
	for o := range s.outer {
		for d := range s.dim {
			off := (o*s.dim + d) * s.inner
			var b float32
			if bias != nil {
				b = bias[d]
			}
			for i, v := range x[off : off+s.inner] {
				out[off+i] = v*scale[d] + b
			}
		}
	}
	tops[0].Data = out
	return nil
}
