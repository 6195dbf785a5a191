package training

import "github.com/tsawler/go-adversarial/engine"

// Adversarial iteration events, in the order the iteration fires them.
const (
	GeneratorForwardCompleted              engine.Event = "GENERATOR_FORWARD_COMPLETED"
	GeneratorDiscriminatorForwardCompleted engine.Event = "GENERATOR_DISCRIMINATOR_FORWARD_COMPLETED"
	ReconstructionLossCompleted            engine.Event = "RECONSTRUCTION_LOSS_COMPLETED"
	GeneratorLossCompleted                 engine.Event = "GENERATOR_LOSS_COMPLETED"
	GeneratorBackwardCompleted             engine.Event = "GENERATOR_BACKWARD_COMPLETED"
	GeneratorModelCompleted                engine.Event = "GENERATOR_MODEL_COMPLETED"
	DiscriminatorRealsForwardCompleted     engine.Event = "DISCRIMINATOR_REALS_FORWARD_COMPLETED"
	DiscriminatorFakesForwardCompleted     engine.Event = "DISCRIMINATOR_FAKES_FORWARD_COMPLETED"
	DiscriminatorLossCompleted             engine.Event = "DISCRIMINATOR_LOSS_COMPLETED"
	DiscriminatorBackwardCompleted         engine.Event = "DISCRIMINATOR_BACKWARD_COMPLETED"
)

// AdversarialEvents returns the adversarial events in firing order. The
// slice is a copy, so callers cannot reorder the registry.
func AdversarialEvents() []engine.Event {
	return []engine.Event{
		GeneratorForwardCompleted,
		GeneratorDiscriminatorForwardCompleted,
		ReconstructionLossCompleted,
		GeneratorLossCompleted,
		GeneratorBackwardCompleted,
		GeneratorModelCompleted,
		DiscriminatorRealsForwardCompleted,
		DiscriminatorFakesForwardCompleted,
		DiscriminatorLossCompleted,
		DiscriminatorBackwardCompleted,
	}
}
