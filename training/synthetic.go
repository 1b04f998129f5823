package training

import (
	"github.com/pkg/errors"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// ClassLabel describes one class for synthesis: a human-readable name, the
// class attribute vector, and the index of the class in the full label
// space. Slices of ClassLabel preserve the caller's ordering, so a
// synthetic dataset builds deterministically.
type ClassLabel struct {
	Name      string
	Attribute []float32
	Index     int
}

// SyntheticExample is one generated training example: a synthetic feature
// vector paired with the attribute vector and label index of the class it
// was generated for.
type SyntheticExample struct {
	Features  []float32
	Attribute []float32
	Label     int
}

// SyntheticDataset is an ordered sequence of generated examples spanning
// every requested class.
type SyntheticDataset []SyntheticExample

// CreateSyntheticDataset generates feature vectors for the given classes by
// sampling fresh latent noise, broadcasting each class attribute across the
// batch and running the generator without gradient tracking. Every class
// yields SynPerClass examples, reduced by SynSeenOffset for label indices
// below UnseenIndexStart, so classes that also have real data contribute
// fewer synthetic ones. Output order follows the input slice.
func (t *Trainer) CreateSyntheticDataset(classes []ClassLabel) (SyntheticDataset, error) {
	dataset := make(SyntheticDataset, 0, len(classes)*t.config.SynPerClass)
	for _, class := range classes {
		if len(class.Attribute) != t.config.AttrDim {
			return nil, errors.Errorf("class %s: attribute dimension %d does not match configured %d",
				class.Name, len(class.Attribute), t.config.AttrDim)
		}

		count := t.config.SynPerClass
		if class.Index < t.config.UnseenIndexStart {
			count -= t.config.SynSeenOffset
		}

		attributes, err := broadcastAttribute(class.Attribute, count, t.config.Device)
		if err != nil {
			return nil, err
		}
		noise, err := t.sampleNoise(count)
		if err != nil {
			return nil, err
		}
		conditioned, err := ConditionalInput(noise, attributes)
		if err != nil {
			return nil, err
		}
		features, err := t.generator.Forward(conditioned, false)
		if err != nil {
			return nil, errors.Wrapf(err, "generation for class %s failed", class.Name)
		}

		data := features.Data()
		cols := features.Cols()
		for i := 0; i < count; i++ {
			dataset = append(dataset, SyntheticExample{
				Features:  append([]float32(nil), data[i*cols:(i+1)*cols]...),
				Attribute: class.Attribute,
				Label:     class.Index,
			})
		}
	}
	return dataset, nil
}

// broadcastAttribute tiles one attribute vector into a [rows len(attribute)]
// matrix.
func broadcastAttribute(attribute []float32, rows int, device tensor.DeviceType) (*tensor.Tensor, error) {
	cols := len(attribute)
	data := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		copy(data[i*cols:(i+1)*cols], attribute)
	}
	return tensor.NewTensor(rows, cols, device, data)
}

// Batches splits the dataset into batches of at most size examples,
// preserving dataset order. The batches carry feature vectors, so they are
// consumed by FitFinalClassifier with isFeatures set.
func (ds SyntheticDataset) Batches(size int, device tensor.DeviceType) ([]Batch, error) {
	if size <= 0 {
		return nil, errors.Errorf("batch size must be positive: %d", size)
	}
	if len(ds) == 0 {
		return nil, nil
	}

	featureDim := len(ds[0].Features)
	attrDim := len(ds[0].Attribute)

	var batches []Batch
	for start := 0; start < len(ds); start += size {
		end := start + size
		if end > len(ds) {
			end = len(ds)
		}
		chunk := ds[start:end]

		features := make([]float32, 0, len(chunk)*featureDim)
		attributes := make([]float32, 0, len(chunk)*attrDim)
		labels := make([]int, 0, len(chunk))
		for _, example := range chunk {
			features = append(features, example.Features...)
			attributes = append(attributes, example.Attribute...)
			labels = append(labels, example.Label)
		}

		inputs, err := tensor.NewTensor(len(chunk), featureDim, device, features)
		if err != nil {
			return nil, err
		}
		attrs, err := tensor.NewTensor(len(chunk), attrDim, device, attributes)
		if err != nil {
			return nil, err
		}
		batches = append(batches, Batch{Inputs: inputs, Attributes: attrs, Labels: labels})
	}
	return batches, nil
}
