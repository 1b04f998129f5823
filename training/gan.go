package training

import (
	"github.com/pkg/errors"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// FitGAN performs one adversarial step on a batch of raw inputs: NCritic
// critic updates against fresh synthetic batches, each regularized by the
// gradient penalty, followed by exactly one generator update. With
// useClsLoss the generator loss additionally pulls generated features
// toward their class through the auxiliary classifier. Returns the critic
// loss accumulated over the inner updates and the generator loss.
func (t *Trainer) FitGAN(batch Batch, useClsLoss bool) (float64, float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, 0, err
	}
	t.generator.Train()
	t.critic.Train()

	features, err := t.extractor.Extract(batch.Inputs)
	if err != nil {
		return 0, 0, errors.Wrap(err, "feature extraction failed")
	}
	real, err := ConditionalInput(features, batch.Attributes)
	if err != nil {
		return 0, 0, err
	}

	var criticTotal float64
	for i := 0; i < t.config.NCritic; i++ {
		criticLoss, err := t.criticStep(real, batch.Attributes)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "critic update %d failed", i)
		}
		criticTotal += criticLoss
	}

	generatorLoss, err := t.generatorStep(batch.Attributes, batch.Labels, useClsLoss)
	if err != nil {
		return 0, 0, errors.Wrap(err, "generator update failed")
	}

	t.history = append(t.history, GANMetrics{
		Step:          len(t.history) + 1,
		CriticLoss:    criticTotal,
		GeneratorLoss: generatorLoss,
	})
	return criticTotal, generatorLoss, nil
}

// criticStep performs one Wasserstein critic update: the loss is
// mean(critic(fake)) - mean(critic(real)) plus the weighted gradient
// penalty. The synthetic batch is generated without history, so only the
// critic's parameters receive gradients.
func (t *Trainer) criticStep(real, attributes *tensor.Tensor) (float64, error) {
	fake, err := t.generate(attributes)
	if err != nil {
		return 0, err
	}

	fakeScore, err := t.critic.Forward(fake, true)
	if err != nil {
		return 0, err
	}
	realScore, err := t.critic.Forward(real, true)
	if err != nil {
		return 0, err
	}
	gap, err := tensor.Sub(fakeScore, realScore)
	if err != nil {
		return 0, err
	}
	loss, err := tensor.Mean(gap)
	if err != nil {
		return 0, err
	}

	penalty, err := t.gradientPenalty(real, fake)
	if err != nil {
		return 0, errors.Wrap(err, "gradient penalty failed")
	}
	weighted, err := tensor.Scale(penalty, t.config.GradientPenaltyWeight)
	if err != nil {
		return 0, err
	}
	loss, err = tensor.Add(loss, weighted)
	if err != nil {
		return 0, err
	}

	t.criticOptim.ZeroGrad()
	if err := tensor.Backward(loss); err != nil {
		return 0, err
	}
	if err := t.criticOptim.Step(); err != nil {
		return 0, err
	}
	return lossValue(loss)
}

// gradientPenalty enforces the critic's 1-Lipschitz constraint. Each
// example is mixed between its real and synthetic representation with a
// coefficient drawn fresh from U(0, 1); the mixture is re-wrapped as a
// differentiation leaf, the critic's input gradient at that point is taken
// with history enabled, and the penalty is the mean squared deviation of
// the per-example gradient norm from one. The result stays differentiable
// with respect to the critic's parameters.
func (t *Trainer) gradientPenalty(real, fake *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols := real.Rows(), real.Cols()
	mix := make([]float32, rows*cols)
	complement := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		eps := float32(t.mixDist.Rand())
		for j := 0; j < cols; j++ {
			mix[i*cols+j] = eps
			complement[i*cols+j] = 1 - eps
		}
	}
	epsT, err := tensor.NewTensor(rows, cols, t.config.Device, mix)
	if err != nil {
		return nil, err
	}
	compT, err := tensor.NewTensor(rows, cols, t.config.Device, complement)
	if err != nil {
		return nil, err
	}

	realPart, err := tensor.Mul(epsT, real)
	if err != nil {
		return nil, err
	}
	fakePart, err := tensor.Mul(compT, fake)
	if err != nil {
		return nil, err
	}
	interpolated, err := tensor.Add(realPart, fakePart)
	if err != nil {
		return nil, err
	}

	// Fresh leaf: the gradient is taken with respect to the mixture point
	// itself, not anything upstream of it.
	leaf := interpolated.Detach()
	leaf.SetRequiresGrad(true)

	score, err := t.critic.Forward(leaf, true)
	if err != nil {
		return nil, err
	}
	grad, err := tensor.Grad(score, leaf, true)
	if err != nil {
		return nil, err
	}

	squared, err := tensor.Square(grad)
	if err != nil {
		return nil, err
	}
	rowSums, err := tensor.SumDim1(squared)
	if err != nil {
		return nil, err
	}
	norms, err := tensor.Sqrt(rowSums)
	if err != nil {
		return nil, err
	}
	deviation, err := tensor.AddScalar(norms, -1)
	if err != nil {
		return nil, err
	}
	deviationSq, err := tensor.Square(deviation)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(deviationSq)
}

// generatorStep performs the single generator update that follows the
// critic loop. The critic scores a tracked synthetic batch and the
// generator descends -mean(score); with useClsLoss the auxiliary
// classifier's negative log-likelihood of the true labels, scaled by the
// classification weight, is added so generated features stay class
// discriminative.
func (t *Trainer) generatorStep(attributes *tensor.Tensor, labels []int, useClsLoss bool) (float64, error) {
	noise, err := t.sampleNoise(attributes.Rows())
	if err != nil {
		return 0, err
	}
	conditioned, err := ConditionalInput(noise, attributes)
	if err != nil {
		return 0, err
	}
	fake, err := t.generator.Forward(conditioned, true)
	if err != nil {
		return 0, err
	}
	fakeConditioned, err := ConditionalInput(fake, attributes)
	if err != nil {
		return 0, err
	}

	score, err := t.critic.Forward(fakeConditioned, true)
	if err != nil {
		return 0, err
	}
	meanScore, err := tensor.Mean(score)
	if err != nil {
		return 0, err
	}
	loss, err := tensor.Neg(meanScore)
	if err != nil {
		return 0, err
	}

	if useClsLoss {
		clsLoss, err := t.classificationLoss(fakeConditioned, labels)
		if err != nil {
			return 0, err
		}
		weighted, err := tensor.Scale(clsLoss, t.config.ClassificationWeight)
		if err != nil {
			return 0, err
		}
		loss, err = tensor.Add(loss, weighted)
		if err != nil {
			return 0, err
		}
	}

	t.generatorOptim.ZeroGrad()
	if err := tensor.Backward(loss); err != nil {
		return 0, err
	}
	if err := t.generatorOptim.Step(); err != nil {
		return 0, err
	}
	return lossValue(loss)
}

// classificationLoss is the auxiliary supervision on generated features:
// the mean negative log probability the auxiliary classifier assigns to
// each example's true label.
func (t *Trainer) classificationLoss(conditioned *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	logits, err := t.auxClassifier.Forward(conditioned, true)
	if err != nil {
		return nil, err
	}
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return nil, err
	}
	picked, err := tensor.Gather(probs, labels)
	if err != nil {
		return nil, err
	}
	logProbs, err := tensor.Log(picked)
	if err != nil {
		return nil, err
	}
	meanLog, err := tensor.Mean(logProbs)
	if err != nil {
		return nil, err
	}
	return tensor.Neg(meanLog)
}

// generate samples fresh noise and runs the generator without recording
// history, returning the conditioned synthetic features.
func (t *Trainer) generate(attributes *tensor.Tensor) (*tensor.Tensor, error) {
	noise, err := t.sampleNoise(attributes.Rows())
	if err != nil {
		return nil, err
	}
	conditioned, err := ConditionalInput(noise, attributes)
	if err != nil {
		return nil, err
	}
	fake, err := t.generator.Forward(conditioned, false)
	if err != nil {
		return nil, err
	}
	return ConditionalInput(fake, attributes)
}
