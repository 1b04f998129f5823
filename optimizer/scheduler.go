package optimizer

import "math"

// Schedule computes the learning rate for a given epoch from a base rate.
// Implementations are pure functions of their fields, so one schedule can
// serve any number of optimizers.
type Schedule interface {
	// LR returns the learning rate in effect at the given 0-based epoch.
	LR(epoch int, base float64) float64
	// Name identifies the schedule for reporting.
	Name() string
}

// ApplySchedule sets the optimizer's learning rate for the given epoch.
func ApplySchedule(opt Optimizer, s Schedule, epoch int, base float64) {
	opt.SetLR(s.LR(epoch, base))
}

// StepDecay multiplies the learning rate by Gamma once every Every epochs.
type StepDecay struct {
	Every int
	Gamma float64
}

// NewStepDecay creates a step schedule. Out-of-range arguments fall back to
// a reduction by 10x every 30 epochs.
func NewStepDecay(every int, gamma float64) *StepDecay {
	if every <= 0 {
		every = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepDecay{Every: every, Gamma: gamma}
}

func (s *StepDecay) LR(epoch int, base float64) float64 {
	return base * math.Pow(s.Gamma, float64(epoch/s.Every))
}

func (s *StepDecay) Name() string { return "StepDecay" }

// ExponentialDecay multiplies the learning rate by Gamma every epoch.
type ExponentialDecay struct {
	Gamma float64
}

// NewExponentialDecay creates an exponential schedule. An out-of-range
// gamma falls back to 0.95.
func NewExponentialDecay(gamma float64) *ExponentialDecay {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialDecay{Gamma: gamma}
}

func (s *ExponentialDecay) LR(epoch int, base float64) float64 {
	return base * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialDecay) Name() string { return "ExponentialDecay" }

// CosineAnnealing follows half a cosine wave from the base rate down to
// Floor over Span epochs, then stays at Floor.
type CosineAnnealing struct {
	Span  int
	Floor float64
}

// NewCosineAnnealing creates a cosine schedule over span epochs annealing
// to floor.
func NewCosineAnnealing(span int, floor float64) *CosineAnnealing {
	if span <= 0 {
		span = 100
	}
	if floor < 0 {
		floor = 0
	}
	return &CosineAnnealing{Span: span, Floor: floor}
}

func (s *CosineAnnealing) LR(epoch int, base float64) float64 {
	if epoch >= s.Span {
		return s.Floor
	}
	return s.Floor + (base-s.Floor)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.Span)))/2
}

func (s *CosineAnnealing) Name() string { return "CosineAnnealing" }

// Constant keeps the base learning rate unchanged.
type Constant struct{}

func (Constant) LR(epoch int, base float64) float64 { return base }

func (Constant) Name() string { return "Constant" }

// Plateau lowers an optimizer's learning rate when an observed loss stops
// improving. Unlike the pure schedules it tracks the best loss seen and the
// number of stalled observations, so one Plateau serves one optimizer.
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64

	best    float64
	stalled int
	primed  bool
}

// NewPlateau creates a plateau monitor that multiplies the learning rate by
// factor after patience observations without an improvement larger than
// threshold.
func NewPlateau(factor float64, patience int, threshold float64) *Plateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &Plateau{Factor: factor, Patience: patience, Threshold: threshold}
}

// Observe feeds one loss observation, rescaling the optimizer's learning
// rate when the loss has stalled for Patience observations. It returns the
// learning rate in effect afterwards.
func (p *Plateau) Observe(opt Optimizer, loss float64) float64 {
	if !p.primed {
		p.best = loss
		p.primed = true
		return opt.GetLR()
	}
	if loss < p.best-p.Threshold {
		p.best = loss
		p.stalled = 0
		return opt.GetLR()
	}
	p.stalled++
	if p.stalled >= p.Patience {
		opt.SetLR(opt.GetLR() * p.Factor)
		p.stalled = 0
	}
	return opt.GetLR()
}
