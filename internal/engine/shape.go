package engine

import (
	"slices"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/pkg/errors"
)

// registerShape adds inputs and the layers that only move data around.
func (r *registry) registerShape() {
	r.register("Input", newInput)
	r.register("Concat", newConcat)
	r.register("Flatten", newFlatten)
	r.register("Reshape", newReshape)
	r.register("Permute", newPermute)
}

// input declares net inputs. Its tops are filled by Forward or SetBlob.
type input struct {
	tops   int
	shapes []caffe.BlobShape
}

func newInput(spec *caffe.Layer, _ *env) (layer, error) {
	var shapes []caffe.BlobShape
	if spec.InputParam != nil {
		shapes = spec.InputParam.Shape
	}
	if len(shapes) != 1 && len(shapes) != len(spec.Top) {
		return nil, errors.Errorf("needs 1 shape or one per top (%d), got %d", len(spec.Top), len(shapes))
	}
	return &input{tops: len(spec.Top), shapes: shapes}, nil
}

func (in *input) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 0); err != nil {
		return nil, nil, err
	}
	tops = make([][]int, in.tops)
	for i := range tops {
		s := in.shapes[0]
		if len(in.shapes) > 1 {
			s = in.shapes[i]
		}
		tops[i] = s.Ints()
	}
	return tops, nil, nil
}

func (in *input) forward(_, _, _ []*Blob) error { return nil }

type concat struct {
	axis int

	outer   int
	extents []int // Bottom extents along the axis
	inner   int
	topAxis int
}

func newConcat(spec *caffe.Layer, _ *env) (layer, error) {
	return &concat{axis: spec.ConcatParam.AxisOrDefault()}, nil
}

func (c *concat) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if len(bottoms) == 0 {
		return nil, nil, errors.New("needs at least 1 bottom blob")
	}
	first := bottoms[0]
	axis, err := canonicalAxis(c.axis, len(first))
	if err != nil {
		return nil, nil, err
	}
	c.extents = c.extents[:0]
	c.topAxis = 0
	for i, b := range bottoms {
		if len(b) != len(first) {
			return nil, nil, errors.Errorf("bottom %d has %d axes, bottom 0 has %d", i, len(b), len(first))
		}
		for j := range b {
			if j != axis && b[j] != first[j] {
				return nil, nil, errors.Errorf("bottom %d has shape %v, incompatible with %v outside axis %d", i, b, first, axis)
			}
		}
		c.extents = append(c.extents, b[axis])
		c.topAxis += b[axis]
	}
	c.outer, c.inner = countRange(first, 0, axis), countRange(first, axis+1, len(first))

	top := slices.Clone(first)
	top[axis] = c.topAxis
	return [][]int{top}, nil, nil
}

func (c *concat) forward(bottoms, tops, _ []*Blob) error {
	out := make([]float32, c.outer*c.topAxis*c.inner)
	offset := 0
	for i, b := range bottoms {
		chunk := c.extents[i] * c.inner
		for o := range c.outer {
			copy(out[(o*c.topAxis*c.inner)+offset:], b.Data[o*chunk:(o+1)*chunk])
		}
		offset += chunk
	}
	tops[0].Data = out
	return nil
}

type flatten struct {
	axis, endAxis int
}

func newFlatten(spec *caffe.Layer, _ *env) (layer, error) {
	axis, endAxis := spec.FlattenParam.Axes()
	return &flatten{axis: axis, endAxis: endAxis}, nil
}

func (f *flatten) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	start, err := canonicalAxis(f.axis, len(in))
	if err != nil {
		return nil, nil, err
	}
	end, err := canonicalAxis(f.endAxis, len(in))
	if err != nil {
		return nil, nil, err
	}
	if end < start {
		return nil, nil, errors.Errorf("end_axis %d precedes axis %d", end, start)
	}
	top := slices.Clone(in[:start])
	top = append(top, countRange(in, start, end+1))
	top = append(top, in[end+1:]...)
	return [][]int{top}, nil, nil
}

func (f *flatten) forward(bottoms, tops, _ []*Blob) error {
	tops[0].Data = slices.Clone(bottoms[0].Data)
	return nil
}

// reshapeLayer changes the shape without moving data. In the target shape 0
// copies the corresponding bottom dimension and -1 is inferred from the count.
type reshapeLayer struct {
	shape   []int64
	axis    int
	numAxes int
}

func newReshape(spec *caffe.Layer, _ *env) (layer, error) {
	p := spec.ReshapeParam
	if p == nil || p.Shape == nil {
		return nil, errors.New("missing reshape_param shape")
	}
	inferred := 0
	for _, d := range p.Shape.Dim {
		switch {
		case d == -1:
			inferred++
		case d < -1:
			return nil, errors.Errorf("invalid dimension %d in reshape shape", d)
		}
	}
	if inferred > 1 {
		return nil, errors.New("at most one dimension may be inferred (-1)")
	}
	if p.NumAxesOrDefault() < -1 {
		return nil, errors.Errorf("num_axes must be non-negative or -1, got %d", p.NumAxesOrDefault())
	}
	return &reshapeLayer{shape: p.Shape.Dim, axis: int(p.Axis), numAxes: p.NumAxesOrDefault()}, nil
}

func (r *reshapeLayer) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	// The axis may point one past the last axis, to append dimensions.
	start := r.axis
	if start < 0 {
		start += len(in) + 1
	}
	if start < 0 || start > len(in) {
		return nil, nil, errors.Errorf("axis %d out of range for %d-D bottom", r.axis, len(in))
	}
	end := len(in)
	if r.numAxes >= 0 {
		end = start + r.numAxes
	}
	if end > len(in) {
		return nil, nil, errors.Errorf("axes [%d, %d) exceed %d-D bottom", start, end, len(in))
	}

	mid := make([]int, len(r.shape))
	inferAt := -1
	for i, d := range r.shape {
		switch d {
		case 0:
			if start+i >= len(in) {
				return nil, nil, errors.Errorf("dimension %d copies bottom axis %d, which does not exist", i, start+i)
			}
			mid[i] = in[start+i]
		case -1:
			inferAt = i
			mid[i] = 1
		default:
			mid[i] = int(d)
		}
	}
	top := slices.Concat(in[:start], mid, in[end:])
	if inferAt >= 0 {
		known := count(top)
		if count(in)%known != 0 {
			return nil, nil, errors.Errorf("cannot infer dimension: %d elements do not divide by %d", count(in), known)
		}
		top[start+inferAt] = count(in) / known
	}
	if count(top) != count(in) {
		return nil, nil, errors.Errorf("reshape %v to %v changes the element count", in, top)
	}
	return [][]int{top}, nil, nil
}

func (r *reshapeLayer) forward(bottoms, tops, _ []*Blob) error {
	tops[0].Data = slices.Clone(bottoms[0].Data)
	return nil
}

// permute reorders axes. Axes missing from the order follow in increasing
// order.
type permute struct {
	order []int

	inShape, outShape []int
}

func newPermute(spec *caffe.Layer, _ *env) (layer, error) {
	p := &permute{}
	if spec.PermuteParam != nil {
		for _, a := range spec.PermuteParam.Order {
			p.order = append(p.order, int(a))
		}
	}
	return p, nil
}

func (p *permute) reshape(bottoms [][]int) (tops, params [][]int, err error) {
	if err := needBottoms(bottoms, 1); err != nil {
		return nil, nil, err
	}
	in := bottoms[0]
	order := make([]int, 0, len(in))
	seen := make([]bool, len(in))
	for _, a := range p.order {
		if a >= len(in) {
			return nil, nil, errors.Errorf("order axis %d out of range for %d-D bottom", a, len(in))
		}
		if seen[a] {
			return nil, nil, errors.Errorf("order repeats axis %d", a)
		}
		seen[a] = true
		order = append(order, a)
	}
	for a := range in {
		if !seen[a] {
			order = append(order, a)
		}
	}
	p.order = order
	p.inShape = in
	p.outShape = make([]int, len(in))
	for i, a := range order {
		p.outShape[i] = in[a]
	}
	return [][]int{p.outShape}, nil, nil
}

func (p *permute) forward(bottoms, tops, _ []*Blob) error {
	x := bottoms[0].Data
	rank := len(p.inShape)
	inStrides := make([]int, rank)
	stride := 1
	for a := rank - 1; a >= 0; a-- {
		inStrides[a] = stride
		stride *= p.inShape[a]
	}

	out := make([]float32, len(x))
	idx := make([]int, rank) // Position in the output
	for i := range out {
		src := 0
		for d, a := range p.order {
			src += idx[d] * inStrides[a]
		}
		out[i] = x[src]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < p.outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	tops[0].Data = out
	return nil
}
