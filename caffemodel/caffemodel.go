// Package caffemodel generates synthetic Caffe models for testing and
// benchmarking inference stacks without trained weights.
//
// Given a deploy prototxt, the package builds a reference graph to learn the
// parameter blob shapes of every layer, fills the blobs with synthetic values
// and writes a binary .caffemodel that Caffe and compatible loaders accept.
//
// # Supported Features
//
//   - Prototxt topologies (protobuf text format, legacy V1 input fields)
//   - Binary .caffemodel encode and decode (protobuf wire format)
//   - Fixed statistics for BN and BatchNorm layers, clipped normal noise elsewhere
//   - Reproducible synthesis with an explicit seed
//   - A reference forward pass to sanity check generated models
//
// # Example Usage
//
//	import "github.com/born-ml/caffegen/caffemodel"
//
//	// Generate weights for a topology
//	opts := caffemodel.DefaultGenerateOptions()
//	opts.Seed = 42
//	net, err := caffemodel.Generate("deploy.prototxt", "model.caffemodel", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(caffemodel.Summarize(net).Parameters)
//
//	// Dump the model as text, and encode it back
//	if err := caffemodel.Decode("model.caffemodel", "model.prototxt"); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := caffemodel.Encode("model.prototxt", "copy.caffemodel"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Supported Layers
//
// The reference graph understands the layer types returned by
// [SupportedLayerTypes]. Topologies using other types cannot be generated with
// shape inference; set [GenerateOptions].DeclaredShapes to synthesize from the
// blob shapes written in the prototxt instead.
package caffemodel

import (
	"context"

	"github.com/born-ml/caffegen/internal/caffe"
	"github.com/born-ml/caffegen/internal/engine"
	"github.com/born-ml/caffegen/internal/parallel"
	"github.com/born-ml/caffegen/internal/synth"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Net is a Caffe NetParameter: topology plus, once generated, weights.
type Net = caffe.Net

// Layer is a Caffe LayerParameter.
type Layer = caffe.Layer

// Blob is a Caffe BlobProto: a shaped float32 buffer.
type Blob = caffe.Blob

// BlobShape lists blob dimensions.
type BlobShape = caffe.BlobShape

// Error types. Match them with errors.As.
type (
	MalformedTopologyError = caffe.MalformedTopologyError
	CorruptWireFormatError = caffe.CorruptWireFormatError
	IncompleteBufferError  = caffe.IncompleteBufferError
	BufferArityError       = synth.BufferArityError
	ShapeMismatchError     = synth.ShapeMismatchError
)

// GenerateOptions configures Generate.
type GenerateOptions struct {
	// Seed for weight synthesis. -1 = random.
	Seed int64

	// Std is the standard deviation of the noise given to layers without a
	// dedicated fill policy.
	Std float64

	// Clamp bounds the noise to [-Clamp, Clamp]. 0 = no clamping.
	Clamp float64

	// DeclaredShapes skips the reference graph and fills the blobs the
	// prototxt declares, as written.
	DeclaredShapes bool

	// Observer, if set, is called after each layer is synthesized with the
	// layer's index and the number of layers in the net.
	Observer func(index, total int, layer *Layer)
}

// DefaultGenerateOptions returns the options of the Caffe generator:
// random seed, N(0, 0.05) noise clipped to [-1, 1], shapes from the reference graph.
func DefaultGenerateOptions() GenerateOptions {
	c := synth.DefaultConfig()
	return GenerateOptions{
		Seed:  c.Seed,
		Std:   c.Std,
		Clamp: c.Clamp,
	}
}

// Generate reads the topology at topologyPath, synthesizes weights for every
// layer and writes the binary model to modelPath.
//
// It returns the populated net. Nothing is written when synthesis fails.
//
// Example:
//
//	net, err := caffemodel.Generate("deploy.prototxt", "model.caffemodel",
//	    caffemodel.DefaultGenerateOptions())
//	if err != nil {
//	    var arity *caffemodel.BufferArityError
//	    if errors.As(err, &arity) {
//	        log.Fatalf("layer %s has too few blobs", arity.Layer)
//	    }
//	    log.Fatal(err)
//	}
func Generate(topologyPath, modelPath string, opts GenerateOptions) (*Net, error) {
	net, err := caffe.LoadTopology(topologyPath)
	if err != nil {
		return nil, err
	}

	var ref synth.ShapeSource
	if !opts.DeclaredShapes {
		graph, err := engine.Build(net, engine.Options{
			Phase:    caffe.PhaseTest,
			Seed:     opts.Seed,
			Parallel: parallel.Sequential(),
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "building reference graph for %s", topologyPath)
		}
		ref = graph
	}

	config := synth.Config{
		Seed:     opts.Seed,
		Std:      opts.Std,
		Clamp:    opts.Clamp,
		Observer: opts.Observer,
	}
	if err := synth.Synthesize(net, ref, config); err != nil {
		return nil, errors.WithMessagef(err, "synthesizing %s", topologyPath)
	}

	if err := caffe.WriteFile(modelPath, net); err != nil {
		return nil, err
	}
	klog.V(1).Infof("wrote %s (%d layers)", modelPath, len(net.Layers))
	return net, nil
}

// Encode reads a net in text form at textPath, a topology or a model dumped by
// Decode, and writes it to modelPath in binary form. Every blob it declares
// must already hold its values.
func Encode(textPath, modelPath string) (*Net, error) {
	net, err := caffe.ReadTextFile(textPath)
	if err != nil {
		return nil, err
	}
	if err := caffe.WriteFile(modelPath, net); err != nil {
		return nil, err
	}
	return net, nil
}

// Decode reads the binary model at modelPath and writes it as text to textPath.
func Decode(modelPath, textPath string) error {
	net, err := caffe.ReadFile(modelPath)
	if err != nil {
		return err
	}
	return caffe.WriteTextFile(textPath, net)
}

// ForwardOptions configures Forward.
type ForwardOptions struct {
	// Seed for the N(0, 1) values fed to the first input. -1 = random.
	Seed int64

	// Samples is the number of leading values reported per blob.
	Samples int

	// Workers bounds the goroutines convolutions use. 0 = one per CPU.
	Workers int
}

// DefaultForwardOptions returns options reporting the first 2 values of each
// blob from a randomly seeded input.
func DefaultForwardOptions() ForwardOptions {
	return ForwardOptions{Seed: -1, Samples: 2}
}

// BlobSample is the head of a blob after a forward pass.
type BlobSample struct {
	Name   string
	Shape  []int
	Count  int
	Values []float32 // First Samples values, fewer when the blob is smaller
}

// Forward builds the topology at topologyPath in the TEST phase, loads the
// weights of the model at modelPath, runs one forward pass on a random input
// and returns the leading values of each requested blob.
//
// A requested blob the net does not produce is an error.
//
// Example:
//
//	samples, err := caffemodel.Forward(ctx, "deploy.prototxt", "model.caffemodel",
//	    []string{"prob"}, caffemodel.DefaultForwardOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, s := range samples {
//	    fmt.Println(s.Name, s.Values)
//	}
func Forward(ctx context.Context, topologyPath, modelPath string, blobs []string, opts ForwardOptions) ([]BlobSample, error) {
	topology, err := caffe.LoadTopology(topologyPath)
	if err != nil {
		return nil, err
	}
	model, err := caffe.ReadFile(modelPath)
	if err != nil {
		return nil, err
	}

	engineOpts := engine.DefaultOptions()
	engineOpts.Seed = opts.Seed
	if opts.Workers > 0 {
		engineOpts.Parallel.Workers = opts.Workers
	}
	net, err := engine.Build(topology, engineOpts)
	if err != nil {
		return nil, errors.WithMessagef(err, "building %s", topologyPath)
	}
	if err := net.CopyTrainedLayersFrom(model); err != nil {
		return nil, errors.WithMessagef(err, "loading weights from %s", modelPath)
	}
	if _, err := net.Forward(ctx); err != nil {
		return nil, err
	}

	samples := make([]BlobSample, 0, len(blobs))
	for _, name := range blobs {
		data, shape, ok := net.Blob(name)
		if !ok {
			return nil, errors.Errorf("net %q has no blob %q", net.Name(), name)
		}
		n := min(max(opts.Samples, 0), len(data))
		samples = append(samples, BlobSample{
			Name:   name,
			Shape:  shape,
			Count:  len(data),
			Values: append([]float32(nil), data[:n]...),
		})
	}
	return samples, nil
}

// SupportedLayerTypes returns the layer types the reference graph understands.
func SupportedLayerTypes() []string {
	return engine.SupportedTypes()
}
