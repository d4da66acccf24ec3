package finetune

// Phase of the two-stage fine-tuning schedule.
type Phase int

const (
	// PhaseWarmup trains only the classifier head, with the
	// convolutional body frozen at the pre-trained weights.
	PhaseWarmup Phase = iota

	// PhaseFineTune trains the whole network.
	PhaseFineTune
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p == PhaseWarmup {
		return "warmup"
	}
	return "fine-tune"
}

// PhaseOfEpoch returns the phase of the given 1-based epoch: epochs
// before warmupEpochs run with the body frozen, the rest train the
// whole network. With the default warmupEpochs of 2 only the first
// epoch is a warmup.
func PhaseOfEpoch(epoch, warmupEpochs int) Phase {
	if epoch < warmupEpochs {
		return PhaseWarmup
	}
	return PhaseFineTune
}

// epochStep is one entry of the training schedule.
type epochStep struct {
	Epoch int
	Phase Phase

	// SwitchPhase marks the epochs where the trainer is rebuilt and
	// the body's trainability flips.
	SwitchPhase bool
}

// planEpochs lays out the 1-based epochs [1, epochs] with their phases.
// The phase switches at most once across the whole schedule.
func planEpochs(warmupEpochs, epochs int) []epochStep {
	plan := make([]epochStep, 0, epochs)
	previous := Phase(-1)
	for epoch := 1; epoch <= epochs; epoch++ {
		phase := PhaseOfEpoch(epoch, warmupEpochs)
		plan = append(plan, epochStep{
			Epoch:       epoch,
			Phase:       phase,
			SwitchPhase: phase != previous,
		})
		previous = phase
	}
	return plan
}
