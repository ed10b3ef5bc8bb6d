// Package synth fills the parameter blobs of a Caffe net with synthetic values.
//
// Each layer's blobs are first resized to the shapes a reference graph reports
// for it, then filled by the policy registered for the layer type. Normalization
// layers get fixed constants so their statistics are well defined; every other
// layer gets small clipped normal noise.
package synth

import (
	"math/rand/v2"

	"github.com/born-ml/caffegen/internal/caffe"
	"k8s.io/klog/v2"
)

// ShapeSource reports the learnable blob shapes a reference graph built from
// the same topology allocates for a layer.
type ShapeSource interface {
	LayerBlobShapes(name string) ([]caffe.BlobShape, bool)
}

// Config configures synthesis.
type Config struct {
	// Seed for the random generator. -1 = random.
	Seed int64

	// Std is the standard deviation of the default policy's normal noise.
	Std float64

	// Clamp bounds default policy samples to [-Clamp, Clamp]. 0 = no clamping.
	Clamp float64

	// Observer, if set, is called after each layer is processed, including
	// layers that have no blobs. total is the number of layers in the net.
	Observer func(index, total int, layer *caffe.Layer)
}

// DefaultConfig returns the configuration matching Caffe generator defaults:
// N(0, 0.05) noise clipped to [-1, 1] and a random seed.
func DefaultConfig() Config {
	return Config{
		Seed:  -1,
		Std:   0.05,
		Clamp: 1.0,
	}
}

// Synthesizer fills net blobs using a registry of per-type fill policies.
type Synthesizer struct {
	config   Config
	policies map[string]FillPolicy
	fallback FillPolicy
}

// New creates a synthesizer with the built-in policies registered:
// "BN" and "BatchNorm" get constants, every other type gets GaussianPolicy.
func New(config Config) *Synthesizer {
	s := &Synthesizer{
		config:   config,
		policies: make(map[string]FillPolicy),
		fallback: GaussianPolicy(config.Std, config.Clamp),
	}
	s.Register("BN", ConstantPolicy(0.5, 0.101, 1.0, 0.3))
	s.Register("BatchNorm", ConstantPolicy(1.0, 0.001, 1.0))
	return s
}

// Register sets the policy for an exact layer type, replacing any previous one.
func (s *Synthesizer) Register(layerType string, policy FillPolicy) {
	s.policies[layerType] = policy
}

// Policy returns the policy applied to layers of the given type.
func (s *Synthesizer) Policy(layerType string) FillPolicy {
	if p, ok := s.policies[layerType]; ok {
		return p
	}
	return s.fallback
}

// Synthesize fills every layer of net in place.
//
// For each layer in order:
//  1. If ref reports shapes for the layer, its blobs are replaced by empty blobs
//     of those shapes. Otherwise the declared blobs are kept.
//  2. Layers without blobs are skipped.
//  3. The layer type's policy fills the blobs.
//  4. Every filled blob must hold exactly as many values as its shape describes.
//
// ref may be nil, in which case declared blob shapes are used as is.
// Synthesis stops at the first error; net may then be partially filled.
func (s *Synthesizer) Synthesize(net *caffe.Net, ref ShapeSource) error {
	rng := newRand(s.config.Seed)

	for i := range net.Layers {
		layer := &net.Layers[i]

		if ref != nil {
			if shapes, ok := ref.LayerBlobShapes(layer.Name); ok && len(shapes) > 0 {
				layer.Blobs = make([]caffe.Blob, len(shapes))
				for j := range shapes {
					layer.Blobs[j] = caffe.Blob{Shape: shapes[j].Clone()}
				}
			}
		}

		if len(layer.Blobs) > 0 {
			if klog.V(1).Enabled() {
				klog.Infof("layer %s (%s): %d blobs %s", layer.Name, layer.Type, len(layer.Blobs), blobShapes(layer))
			}
			if err := s.Policy(layer.Type)(layer, rng); err != nil {
				return err
			}
			if err := checkFilled(layer); err != nil {
				return err
			}
		}

		if s.config.Observer != nil {
			s.config.Observer(i, len(net.Layers), layer)
		}
	}
	return nil
}

// Synthesize fills net with a synthesizer built from config.
func Synthesize(net *caffe.Net, ref ShapeSource, config Config) error {
	return New(config).Synthesize(net, ref)
}

func newRand(seed int64) *rand.Rand {
	if seed < 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // User requested random seed
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed))) //nolint:gosec // Intentional deterministic seed for reproducibility
}

// checkFilled verifies that blobs holding data hold exactly a shape's worth.
func checkFilled(layer *caffe.Layer) error {
	for j := range layer.Blobs {
		b := &layer.Blobs[j]
		if len(b.Data) == 0 {
			continue
		}
		if want := b.Count(); int64(len(b.Data)) != want {
			return &ShapeMismatchError{Layer: layer.Name, Type: layer.Type, Blob: j, Want: want, Got: len(b.Data)}
		}
	}
	return nil
}

func blobShapes(layer *caffe.Layer) []string {
	shapes := make([]string, len(layer.Blobs))
	for j := range layer.Blobs {
		shapes[j] = layer.Blobs[j].Shape.String()
	}
	return shapes
}
