package engine

import (
	"math"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/pkg/errors"
)

// registerPooling adds spatial pooling.
func (r *registry) registerPooling() {
	r.register("Pooling", newPooling)
}

// pooling reduces spatial windows of every channel. Output sizes follow
// Caffe's rounding: windows are counted with ceil, and a last window that
// would start inside the padding is dropped.
type pooling struct {
	method caffe.PoolMethod
	global bool
	kh, kw int
	ph, pw int
	sh, sw int

	height, width int
	outH, outW    int
}

func newPooling(spec *caffe.Layer, _ *env) (layer, error) {
	p := spec.PoolingParam
	if p == nil {
		p = &caffe.PoolingParameter{}
	}
	switch p.Pool {
	case caffe.PoolMax, caffe.PoolAve, caffe.PoolStochastic:
	default:
		return nil, errors.Errorf("unknown pooling method %s", p.Pool)
	}
	pl := &pooling{method: p.Pool, global: p.GlobalPooling}

	pl.kh, pl.kw = hw(p.KernelSize, p.KernelH, p.KernelW, 0)
	pl.ph, pl.pw = hw(p.Pad, p.PadH, p.PadW, 0)
	pl.sh, pl.sw = hw(p.Stride, p.StrideH, p.StrideW, 1)
	if pl.global {
		if pl.ph != 0 || pl.pw != 0 || pl.sh != 1 || pl.sw != 1 {
			return nil, errors.New("global pooling needs pad 0 and stride 1")
		}
		return pl, nil
	}
	if pl.kh <= 0 || pl.kw <= 0 {
		return nil, errors.New("kernel size must be specified and positive")
	}
	if pl.ph >= pl.kh || pl.pw >= pl.kw {
		return nil, errors.Errorf("pad (%d, %d) must be smaller than kernel (%d, %d)", pl.ph, pl.pw, pl.kh, pl.kw)
	}
	return pl, nil
}

// hw resolves a pooling size field and its _h/_w overrides.
func hw(size, h, w uint32, def int) (int, int) {
	if h != 0 || w != 0 {
		return int(h), int(w)
	}
	if size == 0 {
		return def, def
	}
	return int(size), int(size)
}

// poolOutSize returns the number of windows along one axis.
func poolOutSize(in, kernel, pad, stride int) (int, error) {
	if in+2*pad < kernel {
		return 0, errors.Errorf("kernel %d exceeds padded input %d", kernel, in+2*pad)
	}
	out := (in+2*pad-kernel+stride-1)/stride + 1
	if pad > 0 && (out-1)*stride >= in+pad {
		out--
	}
	return out, nil
}

func (pl *pooling) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	if err := need4D(in); err != nil {
		return nil, nil, err
	}
	pl.height, pl.width = in[2], in[3]
	if pl.global {
		pl.kh, pl.kw = pl.height, pl.width
	}
	if pl.outH, err = poolOutSize(pl.height, pl.kh, pl.ph, pl.sh); err != nil {
		return nil, nil, err
	}
	if pl.outW, err = poolOutSize(pl.width, pl.kw, pl.pw, pl.sw); err != nil {
		return nil, nil, err
	}
	return [][]int{{in[0], in[1], pl.outH, pl.outW}}, nil, nil
}

func (pl *pooling) forward(bottoms, tops, _ []*Blob) error {
	x, shape := bottoms[0].Data, bottoms[0].Shape
	planes := shape[0] * shape[1]
	inPlane, outPlane := pl.height*pl.width, pl.outH*pl.outW
	out := make([]float32, planes*outPlane)

	for p := range planes {
		src := x[p*inPlane : (p+1)*inPlane]
		dst := out[p*outPlane : (p+1)*outPlane]
		for oy := range pl.outH {
			for ox := range pl.outW {
				dst[oy*pl.outW+ox] = pl.window(src, oy, ox)
			}
		}
	}
	tops[0].Data = out
	return nil
}

// window reduces the window of output position (oy, ox) over one plane.
func (pl *pooling) window(src []float32, oy, ox int) float32 {
	switch pl.method {
	case caffe.PoolAve:
		y0, x0 := oy*pl.sh-pl.ph, ox*pl.sw-pl.pw
		y1, x1 := min(y0+pl.kh, pl.height+pl.ph), min(x0+pl.kw, pl.width+pl.pw)
		size := (y1 - y0) * (x1 - x0)
		y0, x0 = max(y0, 0), max(x0, 0)
		y1, x1 = min(y1, pl.height), min(x1, pl.width)
		var sum float32
		for y := y0; y < y1; y++ {
			for _, v := range src[y*pl.width+x0 : y*pl.width+x1] {
				sum += v
			}
		}
		return sum / float32(size)

	case caffe.PoolStochastic:
		// Test-time stochastic pooling: the activation-weighted average.
		y0, x0 := oy*pl.sh, ox*pl.sw
		y1, x1 := min(y0+pl.kh, pl.height), min(x0+pl.kw, pl.width)
		sum := float32(0x1p-126)
		var weighted float32
		for y := y0; y < y1; y++ {
			for _, v := range src[y*pl.width+x0 : y*pl.width+x1] {
				sum += v
				weighted += v * v
			}
		}
		return weighted / sum

	default:
		y0, x0 := oy*pl.sh-pl.ph, ox*pl.sw-pl.pw
		y1, x1 := min(y0+pl.kh, pl.height), min(x0+pl.kw, pl.width)
		y0, x0 = max(y0, 0), max(x0, 0)
		best := float32(math.Inf(-1))
		for y := y0; y < y1; y++ {
			for _, v := range src[y*pl.width+x0 : y*pl.width+x1] {
				best = max(best, v)
			}
		}
		return best
	}
}
