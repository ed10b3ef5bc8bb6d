package engine

import (
	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/born-ml/caffegen/internal/parallel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// registerDense adds the layers that multiply by a weight matrix.
func (r *registry) registerDense() {
	r.register("Convolution", newConvolution)
	r.register("InnerProduct", newInnerProduct)
}

// convolution is a 2-D grouped, dilated convolution computed as im2col + GEMM.
type convolution struct {
	numOutput int
	groups    int
	bias      bool
	kh, kw    int
	ph, pw    int
	sh, sw    int
	dh, dw    int
	par       parallel.Config

	outH, outW int
}

func newConvolution(spec *caffe.Layer, e *env) (layer, error) {
	p := spec.ConvolutionParam
	if p == nil {
		return nil, errors.New("missing convolution_param")
	}
	if p.NumOutput == 0 {
		return nil, errors.New("num_output must be positive")
	}
	c := &convolution{
		numOutput: int(p.NumOutput),
		groups:    p.Groups(),
		bias:      p.HasBias(),
		par:       e.parallel,
	}
	var err error
	if c.kh, c.kw, err = spatialPair("kernel", p.KernelSize, p.KernelH, p.KernelW, 0); err != nil {
		return nil, err
	}
	if c.kh <= 0 || c.kw <= 0 {
		return nil, errors.New("kernel size must be specified and positive")
	}
	if c.ph, c.pw, err = spatialPair("pad", p.Pad, p.PadH, p.PadW, 0); err != nil {
		return nil, err
	}
	if c.sh, c.sw, err = spatialPair("stride", p.Stride, p.StrideH, p.StrideW, 1); err != nil {
		return nil, err
	}
	if c.dh, c.dw, err = spatialPair("dilation", p.Dilation, 0, 0, 1); err != nil {
		return nil, err
	}
	if c.sh <= 0 || c.sw <= 0 || c.dh <= 0 || c.dw <= 0 {
		return nil, errors.New("stride and dilation must be positive")
	}
	return c, nil
}

// spatialPair resolves a repeated size field and its _h/_w overrides.
func spatialPair(what string, list []uint32, h, w uint32, def int) (int, int, error) {
	if h != 0 || w != 0 {
		if len(list) > 0 {
			return 0, 0, errors.Errorf("%s: set either %s_size or %s_h/%s_w, not both", what, what, what, what)
		}
		return int(h), int(w), nil
	}
	switch len(list) {
	case 0:
		return def, def, nil
	case 1:
		return int(list[0]), int(list[0]), nil
	case 2:
		return int(list[0]), int(list[1]), nil
	default:
		return 0, 0, errors.Errorf("%s: expected 1 or 2 values for 2-D convolution, got %d", what, len(list))
	}
}

// convOutSize returns the output extent of a convolution along one axis.
func convOutSize(in, kernel, pad, stride, dilation int) (int, error) {
	extent := dilation*(kernel-1) + 1
	if extent > in+2*pad {
		return 0, errors.Errorf("kernel extent %d exceeds padded input %d", extent, in+2*pad)
	}
	return (in+2*pad-extent)/stride + 1, nil
}

func (c *convolution) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	if err := need4D(in); err != nil {
		return nil, nil, err
	}
	channels := in[1]
	if channels%c.groups != 0 || c.numOutput%c.groups != 0 {
		return nil, nil, errors.Errorf("group %d must divide both %d input channels and num_output %d", c.groups, channels, c.numOutput)
	}
	if c.outH, err = convOutSize(in[2], c.kh, c.ph, c.sh, c.dh); err != nil {
		return nil, nil, err
	}
	if c.outW, err = convOutSize(in[3], c.kw, c.pw, c.sw, c.dw); err != nil {
		return nil, nil, err
	}

	tops = [][]int{{in[0], c.numOutput, c.outH, c.outW}}
	params = [][]int{{c.numOutput, channels / c.groups, c.kh, c.kw}}
	if c.bias {
		params = append(params, []int{c.numOutput})
	}
	return tops, params, nil
}

func (c *convolution) forward(bottoms, tops, params []*Blob) error {
	x, shape := bottoms[0].Data, bottoms[0].Shape
	num, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	cg := channels / c.groups
	og := c.numOutput / c.groups
	k := cg * c.kh * c.kw
	spatial := c.outH * c.outW

	weights := toFloat64(params[0].Data)
	var bias []float32
	if c.bias {
		bias = params[1].Data
	}

	out := make([]float32, num*c.numOutput*spatial)
	parallel.ForGrid(num, c.groups, c.par, func(n, g int) {
		col := make([]float64, k*spatial)
		c.im2col(x, col, n*channels+g*cg, cg, height, width)

		w := mat.NewDense(og, k, weights[g*og*k:(g+1)*og*k])
		var res mat.Dense
		res.Mul(w, mat.NewDense(k, spatial, col))

		for o := range og {
			oc := g*og + o
			var b float32
			if bias != nil {
				b = bias[oc]
			}
			dst := out[(n*c.numOutput+oc)*spatial : (n*c.numOutput+oc+1)*spatial]
			for i, v := range res.RawRowView(o) {
				dst[i] = float32(v) + b
			}
		}
	})
	tops[0].Data = out
	return nil
}

// im2col lays out the receptive fields of channels [c0, c0+cg) of x as the
// columns of a (cg*kh*kw) x (outH*outW) matrix. Padding reads as zero.
func (c *convolution) im2col(x []float32, col []float64, c0, cg, height, width int) {
	spatial := c.outH * c.outW
	for ch := range cg {
		plane := x[(c0+ch)*height*width : (c0+ch+1)*height*width]
		for ki := range c.kh {
			for kj := range c.kw {
				row := col[((ch*c.kh+ki)*c.kw+kj)*spatial:]
				for oy := range c.outH {
					iy := oy*c.sh - c.ph + ki*c.dh
					for ox := range c.outW {
						ix := ox*c.sw - c.pw + kj*c.dw
						var v float64
						if iy >= 0 && iy < height && ix >= 0 && ix < width {
							v = float64(plane[iy*width+ix])
						}
						row[oy*c.outW+ox] = v
					}
				}
			}
		}
	}
}

// innerProduct flattens the bottom from axis on and multiplies by the weights.
type innerProduct struct {
	numOutput int
	bias      bool
	transpose bool
	axis      int

	m, k int // Rows and inner dimension of the GEMM
}

func newInnerProduct(spec *caffe.Layer, _ *env) (layer, error) {
	p := spec.InnerProductParam
	if p == nil {
		return nil, errors.New("missing inner_product_param")
	}
	if p.NumOutput == 0 {
		return nil, errors.New("num_output must be positive")
	}
	return &innerProduct{
		numOutput: int(p.NumOutput),
		bias:      p.HasBias(),
		transpose: p.Transpose,
		axis:      p.AxisOrDefault(),
	}, nil
}

func (ip *innerProduct) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	axis, err := canonicalAxis(ip.axis, len(in))
	if err != nil {
		return nil, nil, err
	}
	ip.m = countRange(in, 0, axis)
	ip.k = countRange(in, axis, len(in))

	top := append(append([]int{}, in[:axis]...), ip.numOutput)
	weight := []int{ip.numOutput, ip.k}
	if ip.transpose {
		weight = []int{ip.k, ip.numOutput}
	}
	params = [][]int{weight}
	if ip.bias {
		params = append(params, []int{ip.numOutput})
	}
	return [][]int{top}, params, nil
}

func (ip *innerProduct) forward(bottoms, tops, params []*Blob) error {
	x := mat.NewDense(ip.m, ip.k, toFloat64(bottoms[0].Data))
	var res mat.Dense
	if ip.transpose {
		res.Mul(x, mat.NewDense(ip.k, ip.numOutput, toFloat64(params[0].Data)))
	} else {
		res.Mul(x, mat.NewDense(ip.numOutput, ip.k, toFloat64(params[0].Data)).T())
	}

	out := make([]float32, ip.m*ip.numOutput)
	for i := range ip.m {
		for j, v := range res.RawRowView(i) {
			out[i*ip.numOutput+j] = float32(v)
		}
	}
	if ip.bias {
		b := params[1].Data
		for i := range ip.m {
			for j := range ip.numOutput {
				out[i*ip.numOutput+j] += b[j]
			}
		}
	}
	tops[0].Data = out
	return nil
}

func toFloat64(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
