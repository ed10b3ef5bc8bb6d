package synth

import (
	"math/rand/v2"

	"github.com/born-ml/caffegen/internal/caffe"
	"gonum.org/v1/gonum/stat/distuv"
)

// FillPolicy fills the blobs of a layer in place.
//
// A policy replaces the data of the blobs it fills with exactly Count() values.
// Blobs it does not touch keep their data.
type FillPolicy func(layer *caffe.Layer, rng *rand.Rand) error

// ConstantPolicy fills blob i with values[i] in every element.
// The layer needs at least len(values) blobs; extra blobs are left alone.
func ConstantPolicy(values ...float32) FillPolicy {
	return func(layer *caffe.Layer, _ *rand.Rand) error {
		if len(layer.Blobs) < len(values) {
			return &BufferArityError{Layer: layer.Name, Type: layer.Type, Want: len(values), Got: len(layer.Blobs)}
		}
		for i, v := range values {
			if err := fillBlob(layer, i, func() float32 { return v }); err != nil {
				return err
			}
		}
		return nil
	}
}

// GaussianPolicy fills every blob with samples of N(0, std).
// Samples outside [-clamp, clamp] are clipped to the bound, not redrawn.
// clamp <= 0 disables clipping.
func GaussianPolicy(std, clamp float64) FillPolicy {
	return func(layer *caffe.Layer, rng *rand.Rand) error {
		normal := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
		sample := func() float32 {
			x := normal.Rand()
			if clamp > 0 {
				x = min(max(x, -clamp), clamp)
			}
			return float32(x)
		}
		for i := range layer.Blobs {
			if err := fillBlob(layer, i, sample); err != nil {
				return err
			}
		}
		return nil
	}
}

// fillBlob replaces blob i's data with Count() values drawn from next. Blobs
// with an invalid shape are reported before anything is allocated.
func fillBlob(layer *caffe.Layer, i int, next func() float32) error {
	b := &layer.Blobs[i]
	count := b.Count()
	if count < 0 {
		return &ShapeMismatchError{Layer: layer.Name, Type: layer.Type, Blob: i, Want: count, Got: len(b.Data)}
	}
	data := make([]float32, count)
	for k := range data {
		data[k] = next()
	}
	b.Data = data
	b.DoubleData = nil
	return nil
}
