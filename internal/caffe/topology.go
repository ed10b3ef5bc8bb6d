package caffe

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParseTopology parses a prototxt topology into a net.
//
// Layers keep their declaration order. Blob shapes are taken as declared and are
// not checked against layer parameters; synthesis owns that.
func ParseTopology(text []byte) (*Net, error) {
	net, err := UnmarshalText(text)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("parsed topology %q: %d layers", net.Name, len(net.Layers))
	if n := textOnlyFields(net); n > 0 {
		klog.V(1).Infof("topology %q: %d fields outside the supported schema kept as text", net.Name, n)
	}
	return net, nil
}

// LoadTopology reads and parses a prototxt topology file.
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional for topology loading
func LoadTopology(path string) (*Net, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read topology %q", path)
	}
	net, err := ParseTopology(text)
	if err != nil {
		return nil, errors.WithMessagef(err, "topology %q", path)
	}
	return net, nil
}

// ReadFile reads and decodes a binary .caffemodel file.
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional for model loading
func ReadFile(path string) (*Net, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model %q", path)
	}
	net, err := Unmarshal(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", path)
	}
	return net, nil
}

// WriteFile encodes net and writes it to path as a binary .caffemodel.
func WriteFile(path string, net *Net) error {
	data, err := Marshal(net)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: model files are meant to be readable
		return errors.Wrapf(err, "failed to write model %q", path)
	}
	klog.V(1).Infof("wrote %d bytes to %s", len(data), path)
	return nil
}

// ReadTextFile reads and decodes a text-format net (topology or populated model).
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional
func ReadTextFile(path string) (*Net, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	net, err := UnmarshalText(text)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	return net, nil
}

// WriteTextFile writes net to path in the protobuf text format.
func WriteTextFile(path string, net *Net) error {
	text, err := MarshalText(net)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, text, 0o644); err != nil { //nolint:gosec // G306: text models are meant to be readable
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}
