package optimizer

import "github.com/sebastko/Feature-Generating-Networks/tensor"

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

func zeroGrad(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
