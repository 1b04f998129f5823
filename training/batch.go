package training

import (
	"github.com/pkg/errors"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// Batch is one minibatch of training or evaluation data. Inputs holds one
// row per example; depending on the operation consuming the batch it is
// either raw input for the feature extractor or an already extracted
// feature matrix. Attributes holds the attribute vector of each example's
// class, and Labels the integer class indices.
type Batch struct {
	Inputs     *tensor.Tensor
	Attributes *tensor.Tensor
	Labels     []int
}

// Validate checks that the batch is complete and its parts agree on the
// number of examples.
func (b Batch) Validate() error {
	if b.Inputs == nil || b.Attributes == nil {
		return errors.New("batch inputs and attributes must not be nil")
	}
	if b.Inputs.Rows() != b.Attributes.Rows() {
		return errors.Errorf("batch size mismatch: %d input rows, %d attribute rows",
			b.Inputs.Rows(), b.Attributes.Rows())
	}
	if len(b.Labels) != b.Inputs.Rows() {
		return errors.Errorf("batch size mismatch: %d input rows, %d labels",
			b.Inputs.Rows(), len(b.Labels))
	}
	if b.Inputs.Rows() == 0 {
		return errors.New("batch must contain at least one example")
	}
	return nil
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	return b.Inputs.Rows()
}
