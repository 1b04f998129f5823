package optimizer

import (
	"fmt"
	"sync"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// dampening and Nesterov acceleration.
type SGD struct {
	parameters []*tensor.Tensor
	config     SGDConfig
	velocities map[*tensor.Tensor][]float32
	mutex      sync.RWMutex
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Nesterov && (config.Momentum == 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0 and zero dampening")
	}

	sgd := &SGD{
		parameters: parameters,
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}
	if config.Momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				sgd.velocities[param] = make([]float32, param.Rows()*param.Cols())
			}
		}
	}
	return sgd, nil
}

// Step performs a single optimization step over all parameters that hold an
// accumulated gradient.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data := param.Data()
		grad := param.Grad().Data()
		if len(grad) != len(data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad), len(data))
		}

		var velocity []float32
		if sgd.config.Momentum > 0 {
			velocity = sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float32, len(data))
				sgd.velocities[param] = velocity
			}
		}

		for i := range data {
			g := float64(grad[i])
			if sgd.config.WeightDecay > 0 {
				g += sgd.config.WeightDecay * float64(data[i])
			}

			if sgd.config.Momentum > 0 {
				// velocity = momentum * velocity + (1 - dampening) * g
				vi := sgd.config.Momentum*float64(velocity[i]) + (1.0-sgd.config.Dampening)*g
				velocity[i] = float32(vi)
				if sgd.config.Nesterov {
					g += sgd.config.Momentum * vi
				} else {
					g = vi
				}
			}

			data[i] -= float32(sgd.config.LearningRate * g)
		}
	}

	return nil
}

// ZeroGrad drops accumulated gradients for all parameters.
func (sgd *SGD) ZeroGrad() {
	zeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate.
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}
