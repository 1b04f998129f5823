package training

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sebastko/Feature-Generating-Networks/checkpoints"
	"github.com/sebastko/Feature-Generating-Networks/models"
	"github.com/sebastko/Feature-Generating-Networks/optimizer"
	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// FeatureExtractor maps raw inputs to feature vectors. Implementations are
// frozen: extraction records no differentiation history and extractor
// parameters are never optimized.
type FeatureExtractor interface {
	Extract(inputs *tensor.Tensor) (*tensor.Tensor, error)
}

// Net is the contract every trainable component satisfies: a forward pass
// with selectable gradient tracking, parameter access for optimization and
// persistence, and a train/eval mode switch.
type Net interface {
	Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
}

// Trainer owns the four trainable components of the feature-generating
// pipeline and drives their optimization schedule: the auxiliary classifier
// learns seen classes from real features, the generator and critic play the
// Wasserstein game over conditioned features, and the final classifier
// learns the full label space from real plus synthetic data. All updates
// are sequential; each training step touches exactly one parameter set.
type Trainer struct {
	config TrainerConfig

	extractor       FeatureExtractor
	generator       Net
	critic          Net
	auxClassifier   Net
	finalClassifier Net

	generatorOptim optimizer.Optimizer
	criticOptim    optimizer.Optimizer
	auxOptim       optimizer.Optimizer
	finalOptim     optimizer.Optimizer

	saver *checkpoints.Saver

	noiseDist distuv.Normal  // latent noise, N(0, 1)
	mixDist   distuv.Uniform // interpolation coefficients, U(0, 1)

	history []GANMetrics
}

// NewTrainer assembles the pipeline from the configuration: the frozen
// feature extractor, the generator/critic pair, both classifiers, one Adam
// optimizer per trainable component, and a checkpoint saver rooted at the
// configured directory. The save directory is created if absent.
func NewTrainer(config TrainerConfig) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid trainer configuration")
	}

	extractor, err := models.NewEncoder(config.InputDim, config.XDim, config.Device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build feature extractor")
	}
	generator, err := models.NewGenerator(config.ZDim, config.AttrDim, config.HiddenDim, config.XDim, config.Device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build generator")
	}
	critic, err := models.NewCritic(config.XDim, config.AttrDim, config.HiddenDim, config.Device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build critic")
	}
	auxClassifier, err := models.NewSoftmaxClassifier(config.XDim+config.AttrDim, config.SeenClasses, config.Device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build auxiliary classifier")
	}
	finalClassifier, err := models.NewSoftmaxClassifier(config.XDim+config.AttrDim, config.TotalClasses, config.Device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build final classifier")
	}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = config.LearningRate

	generatorOptim, err := optimizer.NewAdam(generator.Parameters(), adamConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build generator optimizer")
	}
	criticOptim, err := optimizer.NewAdam(critic.Parameters(), adamConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build critic optimizer")
	}
	auxOptim, err := optimizer.NewAdam(auxClassifier.Parameters(), adamConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build auxiliary classifier optimizer")
	}
	finalOptim, err := optimizer.NewAdam(finalClassifier.Parameters(), adamConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build final classifier optimizer")
	}

	saver, err := checkpoints.NewSaver(config.SaveDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare checkpoint directory")
	}

	src := rand.NewSource(config.Seed)
	return &Trainer{
		config:          config,
		extractor:       extractor,
		generator:       generator,
		critic:          critic,
		auxClassifier:   auxClassifier,
		finalClassifier: finalClassifier,
		generatorOptim:  generatorOptim,
		criticOptim:     criticOptim,
		auxOptim:        auxOptim,
		finalOptim:      finalOptim,
		saver:           saver,
		noiseDist:       distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		mixDist:         distuv.Uniform{Min: 0, Max: 1, Src: src},
	}, nil
}

// Config returns the configuration the trainer was built with.
func (t *Trainer) Config() TrainerConfig {
	return t.config
}

// History returns the loss records of every adversarial step taken so far.
func (t *Trainer) History() []GANMetrics {
	return t.history
}

// SetLearningRate overrides the learning rate behind kind, letting callers
// drive external schedules between epochs. ModelGAN adjusts the generator
// and critic together.
func (t *Trainer) SetLearningRate(kind ModelKind, lr float64) error {
	switch kind {
	case ModelAuxClassifier:
		t.auxOptim.SetLR(lr)
	case ModelGAN:
		t.generatorOptim.SetLR(lr)
		t.criticOptim.SetLR(lr)
	case ModelFinalClassifier:
		t.finalOptim.SetLR(lr)
	default:
		return errors.Wrapf(ErrUnknownModel, "set learning rate for %d", int(kind))
	}
	return nil
}

// LearningRate reports the current learning rate behind kind.
func (t *Trainer) LearningRate(kind ModelKind) (float64, error) {
	switch kind {
	case ModelAuxClassifier:
		return t.auxOptim.GetLR(), nil
	case ModelGAN:
		return t.generatorOptim.GetLR(), nil
	case ModelFinalClassifier:
		return t.finalOptim.GetLR(), nil
	default:
		return 0, errors.Wrapf(ErrUnknownModel, "learning rate for %d", int(kind))
	}
}

// ConditionalInput concatenates each representation row with its class
// attribute vector, forming the conditioned input every component of the
// pipeline consumes. Both tensors must have the same number of rows.
func ConditionalInput(x, attributes *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Concat(x, attributes)
}

// FitClassifier performs one supervised update of the auxiliary classifier
// on a batch of raw inputs: extract features, condition them on the batch
// attributes, and take one cross-entropy step against the true labels.
// Only the auxiliary classifier's parameters change. Returns the batch loss.
func (t *Trainer) FitClassifier(batch Batch) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	t.auxClassifier.Train()

	features, err := t.extractor.Extract(batch.Inputs)
	if err != nil {
		return 0, errors.Wrap(err, "feature extraction failed")
	}
	conditioned, err := ConditionalInput(features, batch.Attributes)
	if err != nil {
		return 0, err
	}
	logits, err := t.auxClassifier.Forward(conditioned, true)
	if err != nil {
		return 0, err
	}
	loss, err := tensor.CrossEntropy(logits, batch.Labels)
	if err != nil {
		return 0, err
	}

	t.auxOptim.ZeroGrad()
	if err := tensor.Backward(loss); err != nil {
		return 0, err
	}
	if err := t.auxOptim.Step(); err != nil {
		return 0, err
	}
	return lossValue(loss)
}

// FitFinalClassifier performs one supervised update of the final classifier
// over the full label space. When isFeatures is true the batch inputs are
// consumed as feature vectors directly; otherwise they pass through the
// feature extractor first. Synthetic batches never touch the extractor, so
// they always set isFeatures.
func (t *Trainer) FitFinalClassifier(batch Batch, isFeatures bool) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	t.finalClassifier.Train()

	features := batch.Inputs
	if !isFeatures {
		var err error
		features, err = t.extractor.Extract(batch.Inputs)
		if err != nil {
			return 0, errors.Wrap(err, "feature extraction failed")
		}
	}
	conditioned, err := ConditionalInput(features, batch.Attributes)
	if err != nil {
		return 0, err
	}
	logits, err := t.finalClassifier.Forward(conditioned, true)
	if err != nil {
		return 0, err
	}
	loss, err := tensor.CrossEntropy(logits, batch.Labels)
	if err != nil {
		return 0, err
	}

	t.finalOptim.ZeroGrad()
	if err := tensor.Backward(loss); err != nil {
		return 0, err
	}
	if err := t.finalOptim.Step(); err != nil {
		return 0, err
	}
	return lossValue(loss)
}

// ExtractFeatures runs the frozen feature extractor over raw inputs. Callers
// assembling feature-space batches, such as evaluation sets, use this to
// match the representation the classifiers were trained on.
func (t *Trainer) ExtractFeatures(inputs *tensor.Tensor) (*tensor.Tensor, error) {
	return t.extractor.Extract(inputs)
}

// Evaluate scores the final classifier on a batch of feature vectors and
// returns the fraction of examples whose arg-max prediction matches the
// true label. No gradients are recorded and no parameters change.
func (t *Trainer) Evaluate(batch Batch) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	t.finalClassifier.Eval()

	conditioned, err := ConditionalInput(batch.Inputs, batch.Attributes)
	if err != nil {
		return 0, err
	}
	logits, err := t.finalClassifier.Forward(conditioned, false)
	if err != nil {
		return 0, err
	}

	predicted := logits.ArgmaxRows()
	correct := 0
	for i, label := range batch.Labels {
		if predicted[i] == label {
			correct++
		}
	}
	return float64(correct) / float64(len(batch.Labels)), nil
}

// sampleNoise draws a batch of latent vectors from N(0, 1). Noise is
// regenerated on every call and never reused.
func (t *Trainer) sampleNoise(rows int) (*tensor.Tensor, error) {
	data := make([]float32, rows*t.config.ZDim)
	for i := range data {
		data[i] = float32(t.noiseDist.Rand())
	}
	return tensor.NewTensor(rows, t.config.ZDim, t.config.Device, data)
}

func lossValue(loss *tensor.Tensor) (float64, error) {
	v, err := loss.Item()
	if err != nil {
		return 0, err
	}
	return float64(v), nil
}
