package training

import (
	"github.com/pkg/errors"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// TrainerConfig holds every knob of the training pipeline. The dimension
// fields describe the tensors flowing between components, the schedule
// fields drive the adversarial optimization, and the remaining fields
// configure synthesis, persistence and sampling.
type TrainerConfig struct {
	// Device every tensor is placed on.
	Device tensor.DeviceType

	// InputDim is the width of raw inputs fed to the feature extractor.
	InputDim int
	// XDim is the width of feature vectors, extracted or generated.
	XDim int
	// ZDim is the width of latent noise vectors.
	ZDim int
	// AttrDim is the width of class attribute vectors.
	AttrDim int
	// HiddenDim is the hidden-layer width shared by the generator and critic.
	HiddenDim int

	// SeenClasses is the label space of the auxiliary classifier;
	// TotalClasses covers seen and unseen labels and is the final
	// classifier's output width.
	SeenClasses  int
	TotalClasses int

	// NCritic is the number of critic updates per generator update.
	// Zero skips critic training while keeping generator updates.
	NCritic int
	// GradientPenaltyWeight scales the gradient penalty term in the
	// critic loss.
	GradientPenaltyWeight float32
	// ClassificationWeight scales the auxiliary classification term in
	// the generator loss.
	ClassificationWeight float32

	// LearningRate is shared by all four optimizers.
	LearningRate float64

	// SynPerClass is the number of synthetic examples generated per class.
	// Classes with an index below UnseenIndexStart receive SynPerClass -
	// SynSeenOffset examples instead, biasing the synthetic dataset toward
	// classes that have no real data of their own.
	SynPerClass      int
	SynSeenOffset    int
	UnseenIndexStart int

	// SaveDir is the directory model checkpoints are written to.
	SaveDir string
	// Seed initializes the latent-noise and interpolation samplers.
	Seed uint64
}

// DefaultTrainerConfig returns the configuration used for attribute
// datasets in the SUN mold: 2048-dimensional features, 102-dimensional
// attributes and 645 seen classes out of 717 total.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Device:                tensor.CPU,
		InputDim:              2048,
		XDim:                  2048,
		ZDim:                  102,
		AttrDim:               102,
		HiddenDim:             4096,
		SeenClasses:           645,
		TotalClasses:          717,
		NCritic:               5,
		GradientPenaltyWeight: 10.0,
		ClassificationWeight:  0.01,
		LearningRate:          0.001,
		SynPerClass:           50,
		SynSeenOffset:         15,
		UnseenIndexStart:      645,
		SaveDir:               "saved_models",
		Seed:                  1,
	}
}

// Validate checks the configuration for internal consistency.
func (c TrainerConfig) Validate() error {
	if c.InputDim <= 0 || c.XDim <= 0 || c.ZDim <= 0 || c.AttrDim <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("all dimensions must be positive: input %d, x %d, z %d, attr %d, hidden %d",
			c.InputDim, c.XDim, c.ZDim, c.AttrDim, c.HiddenDim)
	}
	if c.SeenClasses <= 0 {
		return errors.Errorf("seen class count must be positive: %d", c.SeenClasses)
	}
	if c.TotalClasses < c.SeenClasses {
		return errors.Errorf("total class count %d cannot be below seen class count %d",
			c.TotalClasses, c.SeenClasses)
	}
	if c.NCritic < 0 {
		return errors.Errorf("critic update count cannot be negative: %d", c.NCritic)
	}
	if c.GradientPenaltyWeight < 0 {
		return errors.Errorf("gradient penalty weight cannot be negative: %f", c.GradientPenaltyWeight)
	}
	if c.ClassificationWeight < 0 {
		return errors.Errorf("classification weight cannot be negative: %f", c.ClassificationWeight)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive: %f", c.LearningRate)
	}
	if c.SynPerClass <= 0 {
		return errors.Errorf("synthetic examples per class must be positive: %d", c.SynPerClass)
	}
	if c.SynSeenOffset < 0 || c.SynSeenOffset >= c.SynPerClass {
		return errors.Errorf("synthetic offset %d must lie in [0, %d)", c.SynSeenOffset, c.SynPerClass)
	}
	if c.UnseenIndexStart < 0 {
		return errors.Errorf("unseen index threshold cannot be negative: %d", c.UnseenIndexStart)
	}
	if c.SaveDir == "" {
		return errors.New("checkpoint directory must not be empty")
	}
	return nil
}
