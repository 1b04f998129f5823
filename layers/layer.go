package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// Package-level random source for deterministic weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed reseeds weight initialization.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is a unit of a network. The track flag on Forward selects whether
// the call records differentiation history: with track=false the module
// runs against detached views and produces no graph at all.
type Module interface {
	Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// Linear implements a fully connected layer: y = xW + b.
type Linear struct {
	weight   *tensor.Tensor // [in out]
	bias     *tensor.Tensor // [1 out], nil when disabled
	training bool
}

// NewLinear creates a Linear layer with Xavier uniform initialization:
// W ~ U(-sqrt(6/(in+out)), sqrt(6/(in+out))). Biases start at zero.
func NewLinear(inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid Linear dimensions %dx%d", inputSize, outputSize)
	}
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.NewTensor(inputSize, outputSize, device, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{weight: weight, training: true}
	if bias {
		biasT, err := tensor.Zeros(1, outputSize, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		l.bias = biasT
	}
	return l, nil
}

// Forward computes xW + b.
func (l *Linear) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	if input.Cols() != l.weight.Rows() {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Rows(), input.Cols())
	}
	w, b := l.weight, l.bias
	if !track {
		input = input.Detach()
		w = w.Detach()
		if b != nil {
			b = b.Detach()
		}
	}
	output, err := tensor.MatMul(input, w)
	if err != nil {
		return nil, err
	}
	if b != nil {
		output, err = tensor.AddBias(output, b)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}
	return output, nil
}

// Parameters returns the trainable parameters.
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU implements the rectified linear activation module.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	if !track {
		input = input.Detach()
	}
	return tensor.ReLU(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// LeakyReLU implements the leaky rectified linear activation module.
type LeakyReLU struct {
	slope    float32
	training bool
}

func NewLeakyReLU(slope float32) *LeakyReLU {
	return &LeakyReLU{slope: slope, training: true}
}

func (r *LeakyReLU) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	if !track {
		input = input.Detach()
	}
	return tensor.LeakyReLU(input, r.slope)
}

func (r *LeakyReLU) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (r *LeakyReLU) Train()                       { r.training = true }
func (r *LeakyReLU) Eval()                        { r.training = false }
func (r *LeakyReLU) IsTraining() bool             { return r.training }

// Sequential chains modules together.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Forward passes input through all modules in order.
func (s *Sequential) Forward(input *tensor.Tensor, track bool) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output, track)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules.
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Train sets all modules to training mode.
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode.
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the container.
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
