package training

// GANMetrics records the losses of one adversarial training step.
type GANMetrics struct {
	// Step is the 1-based index of the adversarial step that produced
	// this record.
	Step int
	// CriticLoss is the critic loss summed over the step's inner critic
	// updates, gradient penalty included.
	CriticLoss float64
	// GeneratorLoss is the generator's total loss for the step, including
	// the weighted auxiliary classification term when enabled.
	GeneratorLoss float64
}
