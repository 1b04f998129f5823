package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates. Moment buffers are keyed by parameter tensor, so the
// same optimizer keeps tracking a parameter across checkpoint reloads that
// mutate its data in place.
type Adam struct {
	parameters []*tensor.Tensor
	config     AdamConfig
	step       int64
	m          map[*tensor.Tensor][]float32 // first moment estimates
	v          map[*tensor.Tensor][]float32 // second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, config AdamConfig) (*Adam, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}

	adam := &Adam{
		parameters: parameters,
		config:     config,
		m:          make(map[*tensor.Tensor][]float32),
		v:          make(map[*tensor.Tensor][]float32),
	}
	for _, param := range parameters {
		if param.RequiresGrad() {
			n := param.Rows() * param.Cols()
			adam.m[param] = make([]float32, n)
			adam.v[param] = make([]float32, n)
		}
	}
	return adam, nil
}

// Step performs a single optimization step over all parameters that hold an
// accumulated gradient. Parameters without a gradient are left untouched.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.config.Beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.config.Beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data := param.Data()
		grad := param.Grad().Data()
		if len(grad) != len(data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad), len(data))
		}

		m := adam.m[param]
		v := adam.v[param]
		if m == nil || v == nil {
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			adam.m[param] = m
			adam.v[param] = v
		}

		for i := range data {
			g := float64(grad[i])
			if adam.config.WeightDecay > 0 {
				g += adam.config.WeightDecay * float64(data[i])
			}

			// m = beta1 * m + (1 - beta1) * g
			mi := adam.config.Beta1*float64(m[i]) + (1.0-adam.config.Beta1)*g
			// v = beta2 * v + (1 - beta2) * g^2
			vi := adam.config.Beta2*float64(v[i]) + (1.0-adam.config.Beta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			data[i] -= float32(adam.config.LearningRate * mHat / (math.Sqrt(vHat) + adam.config.Epsilon))
		}
	}

	return nil
}

// ZeroGrad drops accumulated gradients for all parameters.
func (adam *Adam) ZeroGrad() {
	zeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

// StepCount returns the number of optimization steps taken so far.
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}
