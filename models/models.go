package models

import (
	"fmt"

	"github.com/sebastko/Feature-Generating-Networks/layers"
	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// Slope shared by the hidden activations of the generator and the critic.
const leakySlope = 0.2

// Generator maps latent noise concatenated with a class attribute vector to
// a visual feature vector. The output ReLU keeps generated features in the
// non-negative range of real extracted ones.
type Generator struct {
	net *layers.Sequential
}

// NewGenerator builds the two-layer generator MLP:
// [z ++ attr] -> hidden (LeakyReLU) -> feature (ReLU).
func NewGenerator(zDim, attrDim, hiddenDim, featureDim int, device tensor.DeviceType) (*Generator, error) {
	fc1, err := layers.NewLinear(zDim+attrDim, hiddenDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("generator fc1: %v", err)
	}
	fc2, err := layers.NewLinear(hiddenDim, featureDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("generator fc2: %v", err)
	}
	return &Generator{
		net: layers.NewSequential(fc1, layers.NewLeakyReLU(leakySlope), fc2, layers.NewReLU()),
	}, nil
}

func (g *Generator) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	return g.net.Forward(input, track)
}

func (g *Generator) Parameters() []*tensor.Tensor { return g.net.Parameters() }
func (g *Generator) Train()                       { g.net.Train() }
func (g *Generator) Eval()                        { g.net.Eval() }
func (g *Generator) IsTraining() bool             { return g.net.IsTraining() }

// Critic scores conditioned feature vectors with an unbounded realness
// value. No output activation: Wasserstein training needs the raw score.
type Critic struct {
	net *layers.Sequential
}

// NewCritic builds the two-layer critic MLP:
// [feature ++ attr] -> hidden (LeakyReLU) -> score.
func NewCritic(featureDim, attrDim, hiddenDim int, device tensor.DeviceType) (*Critic, error) {
	fc1, err := layers.NewLinear(featureDim+attrDim, hiddenDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("critic fc1: %v", err)
	}
	fc2, err := layers.NewLinear(hiddenDim, 1, true, device)
	if err != nil {
		return nil, fmt.Errorf("critic fc2: %v", err)
	}
	return &Critic{
		net: layers.NewSequential(fc1, layers.NewLeakyReLU(leakySlope), fc2),
	}, nil
}

func (c *Critic) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	return c.net.Forward(input, track)
}

func (c *Critic) Parameters() []*tensor.Tensor { return c.net.Parameters() }
func (c *Critic) Train()                       { c.net.Train() }
func (c *Critic) Eval()                        { c.net.Eval() }
func (c *Critic) IsTraining() bool             { return c.net.IsTraining() }

// SoftmaxClassifier maps conditioned feature vectors to class logits. The
// softmax itself lives in the loss, so Forward returns raw logits.
type SoftmaxClassifier struct {
	net *layers.Sequential
}

func NewSoftmaxClassifier(inputDim, numClasses int, device tensor.DeviceType) (*SoftmaxClassifier, error) {
	fc, err := layers.NewLinear(inputDim, numClasses, true, device)
	if err != nil {
		return nil, fmt.Errorf("classifier fc: %v", err)
	}
	return &SoftmaxClassifier{net: layers.NewSequential(fc)}, nil
}

func (s *SoftmaxClassifier) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	return s.net.Forward(input, track)
}

func (s *SoftmaxClassifier) Parameters() []*tensor.Tensor { return s.net.Parameters() }
func (s *SoftmaxClassifier) Train()                       { s.net.Train() }
func (s *SoftmaxClassifier) Eval()                        { s.net.Eval() }
func (s *SoftmaxClassifier) IsTraining() bool             { return s.net.IsTraining() }

// Encoder is a frozen stand-in for a pretrained backbone: it maps raw
// inputs to feature vectors and never trains. Weights are deterministic
// for a given seed and its parameters do not require gradients.
type Encoder struct {
	net *layers.Sequential
}

// NewEncoder builds the frozen projection [input] -> feature (ReLU).
func NewEncoder(inputDim, featureDim int, device tensor.DeviceType) (*Encoder, error) {
	fc, err := layers.NewLinear(inputDim, featureDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("encoder fc: %v", err)
	}
	for _, p := range fc.Parameters() {
		p.SetRequiresGrad(false)
	}
	return &Encoder{net: layers.NewSequential(fc, layers.NewReLU())}, nil
}

// Extract runs the frozen mapping without recording any history.
func (e *Encoder) Extract(inputs *tensor.Tensor) (*tensor.Tensor, error) {
	return e.net.Forward(inputs, false)
}

func (e *Encoder) Parameters() []*tensor.Tensor { return e.net.Parameters() }
