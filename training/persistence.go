package training

import (
	"github.com/pkg/errors"

	"github.com/sebastko/Feature-Generating-Networks/checkpoints"
)

// ModelKind identifies one persistable parameter set of the trainer.
type ModelKind int

const (
	// ModelAuxClassifier is the auxiliary classifier over seen classes.
	ModelAuxClassifier ModelKind = iota
	// ModelGAN is the generator and critic pair.
	ModelGAN
	// ModelFinalClassifier is the deployable classifier over all classes.
	ModelFinalClassifier
)

func (k ModelKind) String() string {
	switch k {
	case ModelAuxClassifier:
		return "disc_classifier"
	case ModelGAN:
		return "gan"
	case ModelFinalClassifier:
		return "final_classifier"
	default:
		return "unknown"
	}
}

// Checkpoint names under the save directory. The GAN persists as two
// files, one per network.
const (
	checkpointAuxClassifier   = "disc_classifier"
	checkpointGenerator       = "generator"
	checkpointDiscriminator   = "discriminator"
	checkpointFinalClassifier = "final_classifier"
)

// Save persists the named model's parameters under the configured save
// directory, overwriting any previous checkpoint. Saving an unknown kind
// fails with ErrUnknownModel.
func (t *Trainer) Save(kind ModelKind) error {
	switch kind {
	case ModelAuxClassifier:
		return t.saveNet(checkpointAuxClassifier, t.auxClassifier)
	case ModelGAN:
		if err := t.saveNet(checkpointGenerator, t.generator); err != nil {
			return err
		}
		return t.saveNet(checkpointDiscriminator, t.critic)
	case ModelFinalClassifier:
		return t.saveNet(checkpointFinalClassifier, t.finalClassifier)
	default:
		return errors.Wrapf(ErrUnknownModel, "save %d", int(kind))
	}
}

// Load restores the named model's parameters from the save directory. A
// missing checkpoint is not an error: Load reports false and leaves the
// in-memory parameters untouched. The GAN pair loads atomically: unless
// both the generator and discriminator checkpoints are present and match
// their networks, neither network is modified. Loading an unknown kind
// fails with ErrUnknownModel.
func (t *Trainer) Load(kind ModelKind) (bool, error) {
	switch kind {
	case ModelAuxClassifier:
		return t.loadNet(checkpointAuxClassifier, t.auxClassifier)
	case ModelGAN:
		return t.loadGAN()
	case ModelFinalClassifier:
		return t.loadNet(checkpointFinalClassifier, t.finalClassifier)
	default:
		return false, errors.Wrapf(ErrUnknownModel, "load %d", int(kind))
	}
}

func (t *Trainer) saveNet(name string, net Net) error {
	checkpoint := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(name, net.Parameters()),
	}
	if err := t.saver.Save(name, checkpoint); err != nil {
		return errors.Wrapf(err, "failed to save %s", name)
	}
	return nil
}

func (t *Trainer) loadNet(name string, net Net) (bool, error) {
	if !t.saver.Exists(name) {
		return false, nil
	}
	checkpoint, err := t.saver.Load(name)
	if err != nil {
		return false, err
	}
	if err := checkpoints.ApplyWeights(checkpoint, net.Parameters()); err != nil {
		return false, errors.Wrapf(err, "checkpoint %s does not match model", name)
	}
	return true, nil
}

// loadGAN applies the generator and discriminator checkpoints together:
// both are read and verified before either network is touched.
func (t *Trainer) loadGAN() (bool, error) {
	if !t.saver.Exists(checkpointGenerator) || !t.saver.Exists(checkpointDiscriminator) {
		return false, nil
	}
	generatorCkpt, err := t.saver.Load(checkpointGenerator)
	if err != nil {
		return false, err
	}
	criticCkpt, err := t.saver.Load(checkpointDiscriminator)
	if err != nil {
		return false, err
	}
	if err := checkpoints.VerifyWeights(generatorCkpt, t.generator.Parameters()); err != nil {
		return false, errors.Wrap(err, "generator checkpoint does not match model")
	}
	if err := checkpoints.VerifyWeights(criticCkpt, t.critic.Parameters()); err != nil {
		return false, errors.Wrap(err, "discriminator checkpoint does not match model")
	}
	if err := checkpoints.ApplyWeights(generatorCkpt, t.generator.Parameters()); err != nil {
		return false, err
	}
	if err := checkpoints.ApplyWeights(criticCkpt, t.critic.Parameters()); err != nil {
		return false, err
	}
	return true, nil
}
