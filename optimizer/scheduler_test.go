package optimizer

import (
	"math"
	"testing"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

func TestStepDecay(t *testing.T) {
	schedule := NewStepDecay(2, 0.1)
	base := 0.1

	tests := []struct {
		epoch    int
		expected float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}
	for _, tt := range tests {
		lr := schedule.LR(tt.epoch, base)
		if math.Abs(lr-tt.expected) > 1e-9 {
			t.Errorf("epoch %d: expected LR %g, got %g", tt.epoch, tt.expected, lr)
		}
	}
}

func TestExponentialDecay(t *testing.T) {
	schedule := NewExponentialDecay(0.9)
	base := 0.1

	tests := []struct {
		epoch    int
		expected float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
	}
	for _, tt := range tests {
		lr := schedule.LR(tt.epoch, base)
		if math.Abs(lr-tt.expected) > 1e-9 {
			t.Errorf("epoch %d: expected LR %g, got %g", tt.epoch, tt.expected, lr)
		}
	}
}

func TestCosineAnnealing(t *testing.T) {
	schedule := NewCosineAnnealing(5, 0.0001)
	base := 0.01

	if lr := schedule.LR(0, base); math.Abs(lr-base) > 1e-9 {
		t.Errorf("epoch 0 should start at the base rate, got %g", lr)
	}
	if lr := schedule.LR(5, base); math.Abs(lr-0.0001) > 1e-9 {
		t.Errorf("epoch 5 should reach the floor, got %g", lr)
	}
	// Midpoint of the half cosine between base and floor.
	expected := 0.0001 + (base-0.0001)*(1+math.Cos(math.Pi*2.0/5.0))/2
	if lr := schedule.LR(2, base); math.Abs(lr-expected) > 1e-9 {
		t.Errorf("epoch 2: expected LR %g, got %g", expected, lr)
	}
	if lr := schedule.LR(10, base); lr != 0.0001 {
		t.Errorf("beyond the span the floor should hold, got %g", lr)
	}
}

func TestApplySchedule(t *testing.T) {
	param := newParam(t, 1, 1, []float32{1.0})
	opt, err := NewSGD([]*tensor.Tensor{param}, DefaultSGDConfig())
	if err != nil {
		t.Fatalf("Failed to create SGD optimizer: %v", err)
	}

	ApplySchedule(opt, NewStepDecay(2, 0.1), 4, 0.1)
	if lr := opt.GetLR(); math.Abs(lr-0.001) > 1e-9 {
		t.Errorf("expected scheduled LR 0.001, got %g", lr)
	}

	ApplySchedule(opt, Constant{}, 7, 0.05)
	if lr := opt.GetLR(); lr != 0.05 {
		t.Errorf("constant schedule should hand back the base rate, got %g", lr)
	}
}

func TestPlateauReducesOnStall(t *testing.T) {
	param := newParam(t, 1, 1, []float32{1.0})
	config := DefaultSGDConfig()
	config.LearningRate = 0.1
	opt, err := NewSGD([]*tensor.Tensor{param}, config)
	if err != nil {
		t.Fatalf("Failed to create SGD optimizer: %v", err)
	}

	plateau := NewPlateau(0.5, 2, 0.01)

	// First observation primes the monitor.
	if lr := plateau.Observe(opt, 1.0); lr != 0.1 {
		t.Errorf("priming observation should not change the LR, got %g", lr)
	}
	// Clear improvement resets the stall counter.
	if lr := plateau.Observe(opt, 0.95); lr != 0.1 {
		t.Errorf("improvement should not change the LR, got %g", lr)
	}
	// Two stalled observations trigger the reduction.
	if lr := plateau.Observe(opt, 0.95); lr != 0.1 {
		t.Errorf("first stall should not change the LR yet, got %g", lr)
	}
	if lr := plateau.Observe(opt, 0.95); math.Abs(lr-0.05) > 1e-9 {
		t.Errorf("second stall should halve the LR, got %g", lr)
	}
	if lr := opt.GetLR(); math.Abs(lr-0.05) > 1e-9 {
		t.Errorf("optimizer should carry the reduced LR, got %g", lr)
	}
}
