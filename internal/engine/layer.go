package engine

import (
	"math/rand/v2"
	"slices"
	"strconv"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/born-ml/caffegen/internal/parallel"
	"github.com/pkg/errors"
)

// layer is the runtime form of one LayerParameter.
type layer interface {
	// reshape validates the bottom shapes and returns the top shapes and the
	// shapes of the learnable blobs, in caffe.proto blob order.
	reshape(bottoms [][]int) (tops, params [][]int, err error)

	// forward computes the tops. Tops may alias bottoms (in-place layers), so
	// implementations read all bottom data before replacing top data.
	forward(bottoms, tops, params []*Blob) error
}

// env is the state shared by the layers of one net.
type env struct {
	phase    caffe.Phase
	rng      *rand.Rand
	parallel parallel.Config
}

// layerFactory creates a layer from its parameters.
type layerFactory func(spec *caffe.Layer, e *env) (layer, error)

// registry maps Caffe layer types to factories.
type registry struct {
	factories map[string]layerFactory
}

func newRegistry() *registry {
	r := &registry{factories: make(map[string]layerFactory)}
	r.registerDense()
	r.registerPooling()
	r.registerNormalization()
	r.registerElementwise()
	r.registerShape()
	return r
}

func (r *registry) register(layerType string, f layerFactory) {
	r.factories[layerType] = f
}

func (r *registry) get(layerType string) (layerFactory, bool) {
	f, ok := r.factories[layerType]
	return f, ok
}

// SupportedTypes returns the layer types Build understands, sorted.
func SupportedTypes() []string {
	r := newRegistry()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// count returns the number of elements of a shape.
func count(shape []int) int {
	c := 1
	for _, d := range shape {
		c *= d
	}
	return c
}

// countRange returns the product of shape[start:end].
func countRange(shape []int, start, end int) int {
	return count(shape[start:end])
}

func checkShape(shape []int) error {
	for _, d := range shape {
		if d <= 0 {
			return errors.Errorf("invalid shape %v: dimensions must be positive", shape)
		}
	}
	return checkCount(shape)
}

// checkCount rejects shapes holding more than caffe.MaxCount elements.
func checkCount(shape []int) error {
	n := 1
	for _, d := range shape {
		if d > caffe.MaxCount || (d > 0 && n > caffe.MaxCount/d) {
			return errors.Errorf("invalid shape %v: more than %d elements", shape, caffe.MaxCount)
		}
		n *= d
	}
	return nil
}

// canonicalAxis maps a possibly negative axis to [0, rank).
func canonicalAxis(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return 0, errors.Errorf("axis %d out of range for %d-D blob", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

func needBottoms(bottoms [][]int, n int) error {
	if len(bottoms) != n {
		return errors.Errorf("needs %d bottom blobs, got %d", n, len(bottoms))
	}
	return nil
}

func need4D(shape []int) error {
	if len(shape) != 4 {
		return errors.Errorf("needs a 4-D (N, C, H, W) bottom, got shape %v", shape)
	}
	return nil
}

func itoa(i int) string { return strconv.Itoa(i) }
