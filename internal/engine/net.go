// Package engine is a small CPU reference implementation of Caffe's Net.
//
// Build instantiates a topology the way Caffe does for a phase: it wires every
// layer's bottoms to earlier tops, infers top shapes, and allocates each
// layer's learnable blobs. The resulting Net reports those blob shapes (the
// shapes synthesized weights must have), accepts trained weights by layer name
// and runs a forward pass so intermediate blobs can be inspected.
//
// Only the layer types listed by SupportedTypes are understood. Data is float32
// in Caffe's row-major NCHW layout.
package engine

import (
	"context"
	"math/rand/v2"
	"slices"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/born-ml/caffegen/internal/parallel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Options configures Build.
type Options struct {
	// Phase selects which include/exclude rules apply and how phase dependent
	// layers (BatchNorm, Dropout) behave.
	Phase caffe.Phase

	// Seed for the generator used to fill the input blob and for dropout. -1 = random.
	Seed int64

	// Parallel controls how convolutions are spread over goroutines.
	Parallel parallel.Config
}

// DefaultOptions returns options for inference: TEST phase, random seed.
func DefaultOptions() Options {
	return Options{
		Phase:    caffe.PhaseTest,
		Seed:     -1,
		Parallel: parallel.DefaultConfig(),
	}
}

// Blob is a named, shaped float32 buffer.
type Blob struct {
	Name  string
	Shape []int
	Data  []float32
}

func newBlob(name string, shape []int) *Blob {
	return &Blob{Name: name, Shape: shape, Data: make([]float32, count(shape))}
}

type layerInstance struct {
	name    string
	typ     string
	impl    layer
	bottoms []*Blob
	tops    []*Blob
	params  []*Blob
}

// Net is an instantiated network.
type Net struct {
	name   string
	layers []*layerInstance
	byName map[string]*layerInstance
	blobs  map[string]*Blob
	order  []string // Blob names in creation order
	inputs []*Blob
	env    *env
}

// Build instantiates net for the phase in opts (DefaultOptions when omitted).
//
// It fails when a layer has an unknown type, reads a blob no earlier layer
// produced, or its bottom shapes do not fit its parameters.
func Build(net *caffe.Net, opts ...Options) (*Net, error) {
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}
	reg := newRegistry()
	n := &Net{
		name:   net.Name,
		byName: make(map[string]*layerInstance),
		blobs:  make(map[string]*Blob),
		env: &env{
			phase:    o.Phase,
			rng:      newRand(o.Seed),
			parallel: o.Parallel,
		},
	}

	if err := n.addNetInputs(net); err != nil {
		return nil, err
	}

	for i := range net.Layers {
		spec := &net.Layers[i]
		if !spec.IncludedIn(o.Phase) {
			klog.V(2).Infof("layer %s excluded from %s phase", spec.Name, o.Phase)
			continue
		}
		if err := n.addLayer(reg, spec); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("built net %q: %d layers, %d blobs", n.name, len(n.layers), len(n.blobs))
	return n, nil
}

// addNetInputs declares the legacy net-level inputs (input + input_shape or input_dim).
func (n *Net) addNetInputs(net *caffe.Net) error {
	for i, name := range net.Input {
		var shape []int
		switch {
		case i < len(net.InputShape):
			shape = net.InputShape[i].Ints()
		case 4*i+4 <= len(net.InputDim):
			for _, d := range net.InputDim[4*i : 4*i+4] {
				shape = append(shape, int(d))
			}
		default:
			return errors.Errorf("net input %q has no shape", name)
		}
		if err := checkShape(shape); err != nil {
			return errors.Wrapf(err, "net input %q", name)
		}
		blob := n.newTop(name, shape)
		n.inputs = append(n.inputs, blob)
	}
	return nil
}

func (n *Net) addLayer(reg *registry, spec *caffe.Layer) error {
	if _, dup := n.byName[spec.Name]; dup {
		return errors.Errorf("layer %q: duplicate layer name", spec.Name)
	}
	factory, ok := reg.get(spec.Type)
	if !ok {
		return errors.Errorf("layer %q: unknown layer type %q", spec.Name, spec.Type)
	}
	impl, err := factory(spec, n.env)
	if err != nil {
		return errors.WithMessagef(err, "layer %q (%s)", spec.Name, spec.Type)
	}

	inst := &layerInstance{name: spec.Name, typ: spec.Type, impl: impl}
	bottomShapes := make([][]int, len(spec.Bottom))
	for i, name := range spec.Bottom {
		b, ok := n.blobs[name]
		if !ok {
			return errors.Errorf("layer %q (%s): unknown bottom blob %q", spec.Name, spec.Type, name)
		}
		inst.bottoms = append(inst.bottoms, b)
		bottomShapes[i] = b.Shape
	}

	topShapes, paramShapes, err := impl.reshape(bottomShapes)
	if err != nil {
		return errors.WithMessagef(err, "layer %q (%s)", spec.Name, spec.Type)
	}
	if len(topShapes) != len(spec.Top) {
		return errors.Errorf("layer %q (%s): produces %d tops, %d declared", spec.Name, spec.Type, len(topShapes), len(spec.Top))
	}
	for i, name := range spec.Top {
		if err := checkShape(topShapes[i]); err != nil {
			return errors.Wrapf(err, "layer %q (%s): top %q", spec.Name, spec.Type, name)
		}
		if slices.Contains(spec.Bottom, name) {
			// In place: the top reuses the bottom blob.
			b := n.blobs[name]
			if !slices.Equal(b.Shape, topShapes[i]) {
				return errors.Errorf("layer %q (%s): in-place top %q changes shape %v to %v", spec.Name, spec.Type, name, b.Shape, topShapes[i])
			}
			inst.tops = append(inst.tops, b)
			continue
		}
		if _, exists := n.blobs[name]; exists {
			return errors.Errorf("layer %q (%s): top blob %q produced by multiple layers", spec.Name, spec.Type, name)
		}
		top := n.newTop(name, topShapes[i])
		inst.tops = append(inst.tops, top)
		if spec.Type == "Input" {
			n.inputs = append(n.inputs, top)
		}
	}
	for i, shape := range paramShapes {
		if err := checkCount(shape); err != nil {
			return errors.Wrapf(err, "layer %q (%s): param blob %d", spec.Name, spec.Type, i)
		}
		inst.params = append(inst.params, newBlob(spec.Name+"#"+itoa(i), shape))
	}

	if klog.V(1).Enabled() {
		klog.Infof("layer %s (%s): %v -> %v, params %v", spec.Name, spec.Type, bottomShapes, topShapes, paramShapes)
	}
	n.layers = append(n.layers, inst)
	n.byName[spec.Name] = inst
	return nil
}

func (n *Net) newTop(name string, shape []int) *Blob {
	b := newBlob(name, shape)
	n.blobs[name] = b
	n.order = append(n.order, name)
	return b
}

// Name returns the net name.
func (n *Net) Name() string { return n.name }

// LayerNames returns the names of the instantiated layers in execution order.
func (n *Net) LayerNames() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.name
	}
	return names
}

// BlobNames returns the names of all blobs in creation order.
func (n *Net) BlobNames() []string {
	return slices.Clone(n.order)
}

// InputNames returns the net's input blobs: net-level inputs, then Input layer tops.
func (n *Net) InputNames() []string {
	names := make([]string, len(n.inputs))
	for i, b := range n.inputs {
		names[i] = b.Name
	}
	return names
}

// LayerBlobShapes returns the shapes of the learnable blobs the layer allocates.
// It reports false for layers that are not part of the net.
func (n *Net) LayerBlobShapes(name string) ([]caffe.BlobShape, bool) {
	l, ok := n.byName[name]
	if !ok {
		return nil, false
	}
	shapes := make([]caffe.BlobShape, len(l.params))
	for i, p := range l.params {
		dims := make([]int64, len(p.Shape))
		for j, d := range p.Shape {
			dims[j] = int64(d)
		}
		shapes[i] = caffe.BlobShape{Dim: dims}
	}
	return shapes, true
}

// CopyTrainedLayersFrom copies the blobs of every model layer whose name
// matches a layer of the net. Model layers unknown to the net are ignored.
// Matching layers must carry the same number of blobs with the same element
// counts, and their shapes must agree. Net layers the model has no weights for
// keep their initial values and are logged.
func (n *Net) CopyTrainedLayersFrom(model *caffe.Net) error {
	for i := range model.Layers {
		src := &model.Layers[i]
		dst, ok := n.byName[src.Name]
		if !ok {
			klog.V(2).Infof("ignoring source layer %s", src.Name)
			continue
		}
		if len(src.Blobs) != len(dst.params) {
			return errors.Errorf("layer %q (%s): model has %d blobs, net expects %d", src.Name, dst.typ, len(src.Blobs), len(dst.params))
		}
		for j := range src.Blobs {
			sb, db := &src.Blobs[j], dst.params[j]
			if !sameShape(sb, db.Shape) {
				return errors.Errorf("layer %q (%s): blob %d has shape %s, net expects %v", src.Name, dst.typ, j, sb.Shape, db.Shape)
			}
			if !sb.Filled() {
				return errors.Errorf("layer %q (%s): blob %d holds %d values, shape needs %d", src.Name, dst.typ, j, len(sb.Data), sb.Count())
			}
			copy(db.Data, sb.Data)
		}
		klog.V(2).Infof("copied %d blobs into layer %s", len(src.Blobs), src.Name)
	}
	for _, name := range n.MissingWeights(model) {
		klog.Warningf("layer %s has no weights in the model, keeping its initial values", name)
	}
	return nil
}

// MissingWeights returns the net layers with parameter blobs that model has no
// layer for, in net order.
func (n *Net) MissingWeights(model *caffe.Net) []string {
	var missing []string
	for _, l := range n.layers {
		if len(l.params) == 0 {
			continue
		}
		if _, ok := model.Layer(l.name); !ok {
			missing = append(missing, l.name)
		}
	}
	return missing
}

// sameShape compares a model blob against a net blob shape. Legacy blobs
// (no shape) match on element count, like Caffe's ShapeEquals fallback.
func sameShape(b *caffe.Blob, shape []int) bool {
	if b.Shape == nil {
		return b.Count() == int64(count(shape))
	}
	return slices.Equal(b.Shape.Ints(), shape)
}

// Forward fills the first input blob with N(0, 1) samples and runs every layer
// in order. It returns all blobs by name; the slices are shared with the net
// and stay valid until the next Forward.
//
// ctx is checked between layers.
func (n *Net) Forward(ctx context.Context) (map[string][]float32, error) {
	n.fillInput()
	return n.Run(ctx)
}

// fillInput draws the first input blob from N(0, 1).
func (n *Net) fillInput() {
	if len(n.inputs) == 0 {
		return
	}
	in := n.inputs[0]
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: n.env.rng}
	data := make([]float32, len(in.Data))
	for i := range data {
		data[i] = float32(normal.Rand())
	}
	in.Data = data
}

// Run runs every layer in order on the current input values, as set by
// SetBlob, and returns all blobs by name like Forward.
func (n *Net) Run(ctx context.Context) (map[string][]float32, error) {
	for _, l := range n.layers {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "forward interrupted before layer %q", l.name)
		}
		if err := l.impl.forward(l.bottoms, l.tops, l.params); err != nil {
			return nil, errors.WithMessagef(err, "layer %q (%s) forward", l.name, l.typ)
		}
	}

	out := make(map[string][]float32, len(n.blobs))
	for name, b := range n.blobs {
		out[name] = b.Data
	}
	return out, nil
}

// Blob returns the data and shape of a named blob.
func (n *Net) Blob(name string) ([]float32, []int, bool) {
	b, ok := n.blobs[name]
	if !ok {
		return nil, nil, false
	}
	return b.Data, b.Shape, true
}

// SetBlob replaces the data of a named blob, typically an input before Run.
func (n *Net) SetBlob(name string, data []float32) error {
	b, ok := n.blobs[name]
	if !ok {
		return errors.Errorf("unknown blob %q", name)
	}
	if len(data) != len(b.Data) {
		return errors.Errorf("blob %q holds %d values, got %d", name, len(b.Data), len(data))
	}
	b.Data = slices.Clone(data)
	return nil
}

func newRand(seed int64) *rand.Rand {
	if seed < 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // User requested random seed
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed))) //nolint:gosec // Intentional deterministic seed for reproducibility
}
