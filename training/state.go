package training

import (
	"fmt"
	"maps"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/optimizer"
	"github.com/tsawler/go-adversarial/tensor"
)

// Snapshot keys written by GetState.
const (
	StateEngine                 = "engine"
	StateGenerator              = "generator"
	StateGeneratorOptimizer     = "generator_optimizer"
	StateGeneratorScaler        = "generator_scaler"
	StateGeneratorLoss          = "generator_loss"
	StateDiscriminator          = "discriminator"
	StateDiscriminatorOptimizer = "discriminator_optimizer"
	StateDiscriminatorScaler    = "discriminator_scaler"
	StateDiscriminatorLoss      = "discriminator_loss"
)

// StateOptions selects the components GetState includes.
type StateOptions struct {
	IncludeEngine                 bool
	IncludeGenerator              bool
	IncludeGeneratorOptimizer     bool
	IncludeGeneratorScaler        bool
	IncludeGeneratorLoss          bool
	IncludeDiscriminator          bool
	IncludeDiscriminatorOptimizer bool
	IncludeDiscriminatorScaler    bool
	IncludeDiscriminatorLoss      bool

	// AdditionalStates is merged into the snapshot last and overrides
	// components with the same key.
	AdditionalStates map[string]any
}

// DefaultStateOptions includes everything except the AMP scalers.
func DefaultStateOptions() StateOptions {
	return StateOptions{
		IncludeEngine:                 true,
		IncludeGenerator:              true,
		IncludeGeneratorOptimizer:     true,
		IncludeGeneratorLoss:          true,
		IncludeDiscriminator:          true,
		IncludeDiscriminatorOptimizer: true,
		IncludeDiscriminatorLoss:      true,
	}
}

// GetState collects the trainer state for a checkpoint. It never fails:
// every component that is switched off or unavailable is reported as a
// warning on the trainer logger and left out.
func (t *AdversarialTrainer) GetState(opts StateOptions) checkpoints.Snapshot {
	snapshot := checkpoints.Snapshot{}

	if opts.IncludeEngine {
		snapshot[StateEngine] = t.engine.StateDict()
	} else {
		t.notIncluded(StateEngine, "Engine state")
	}

	if opts.IncludeGenerator {
		snapshot[StateGenerator] = t.gNetwork.StateDict()
	} else {
		t.notIncluded(StateGenerator, "Generator state")
	}
	t.optimizerState(snapshot, opts.IncludeGeneratorOptimizer, StateGeneratorOptimizer, "Generator", t.gOptimizer)
	t.scalerState(snapshot, opts.IncludeGeneratorScaler, StateGeneratorScaler, "Generator", t.gScaler)
	t.lossState(snapshot, opts.IncludeGeneratorLoss, StateGeneratorLoss, "Generator", t.gLoss)

	if opts.IncludeDiscriminator {
		snapshot[StateDiscriminator] = t.dNetwork.StateDict()
	} else {
		t.notIncluded(StateDiscriminator, "Discriminator state")
	}
	t.optimizerState(snapshot, opts.IncludeDiscriminatorOptimizer, StateDiscriminatorOptimizer, "Discriminator", t.dOptimizer)
	t.scalerState(snapshot, opts.IncludeDiscriminatorScaler, StateDiscriminatorScaler, "Discriminator", t.dScaler)
	t.lossState(snapshot, opts.IncludeDiscriminatorLoss, StateDiscriminatorLoss, "Discriminator", t.dLoss)

	maps.Copy(snapshot, opts.AdditionalStates)
	return snapshot
}

func (t *AdversarialTrainer) notIncluded(component, what string) {
	t.logger.Warn(what+" not included in checkpoint. This might cause issues when resuming training.",
		"component", component)
}

func (t *AdversarialTrainer) optimizerState(snapshot checkpoints.Snapshot, include bool, key, owner string, opt optimizer.Optimizer) {
	if !include {
		t.notIncluded(key, owner+" optimizer state")
		return
	}
	state, err := opt.GetState()
	if err != nil {
		t.logger.Warn(owner+" optimizer state could not be extracted and is not included in checkpoint.",
			"component", key, "error", err)
		return
	}
	snapshot[key] = state
}

func (t *AdversarialTrainer) scalerState(snapshot checkpoints.Snapshot, include bool, key, owner string, scaler *GradScaler) {
	if !include {
		t.notIncluded(key, owner+" AMP scaler state")
		return
	}
	if scaler == nil {
		t.logger.Warn(owner+" AMP scaler was required in checkpoint but not found due to AMP being disabled.",
			"component", key)
		return
	}
	snapshot[key] = scaler.StateDict()
}

func (t *AdversarialTrainer) lossState(snapshot checkpoints.Snapshot, include bool, key, owner string, loss any) {
	if !include {
		t.notIncluded(key, owner+" loss function state")
		return
	}
	stateful, ok := loss.(StatefulLoss)
	if !ok {
		t.logger.Warn(owner+" loss does not have a state dict. Make sure this is the intended behaviour.",
			"component", key, "loss", fmt.Sprintf("%T", loss))
		return
	}
	snapshot[key] = stateful.StateDict()
}

// LoadState restores every component present in snapshot. Components the
// trainer cannot hold, such as scalers without AMP, are an error. The
// snapshot may come from GetState or from a checkpoint file.
func (t *AdversarialTrainer) LoadState(snapshot checkpoints.Snapshot) error {
	if v, ok := snapshot[StateEngine]; ok {
		if err := t.engine.LoadStateDict(v); err != nil {
			return err
		}
	}

	networks := []struct {
		key     string
		network Module
	}{
		{StateGenerator, t.gNetwork},
		{StateDiscriminator, t.dNetwork},
	}
	for _, n := range networks {
		v, ok := snapshot[n.key]
		if !ok {
			continue
		}
		var weights map[string]*tensor.Tensor
		if err := checkpoints.DecodeInto(v, &weights); err != nil {
			return fmt.Errorf("failed to load %s: %w", n.key, err)
		}
		if err := n.network.LoadStateDict(weights); err != nil {
			return fmt.Errorf("failed to load %s: %w", n.key, err)
		}
	}

	optimizers := []struct {
		key string
		opt optimizer.Optimizer
	}{
		{StateGeneratorOptimizer, t.gOptimizer},
		{StateDiscriminatorOptimizer, t.dOptimizer},
	}
	for _, o := range optimizers {
		v, ok := snapshot[o.key]
		if !ok {
			continue
		}
		var state optimizer.OptimizerState
		if err := checkpoints.DecodeInto(v, &state); err != nil {
			return fmt.Errorf("failed to load %s: %w", o.key, err)
		}
		if err := o.opt.LoadState(&state); err != nil {
			return fmt.Errorf("failed to load %s: %w", o.key, err)
		}
	}

	scalers := []struct {
		key    string
		scaler *GradScaler
	}{
		{StateGeneratorScaler, t.gScaler},
		{StateDiscriminatorScaler, t.dScaler},
	}
	for _, s := range scalers {
		v, ok := snapshot[s.key]
		if !ok {
			continue
		}
		if s.scaler == nil {
			return fmt.Errorf("failed to load %s: AMP is disabled", s.key)
		}
		if err := s.scaler.LoadStateDict(v); err != nil {
			return fmt.Errorf("failed to load %s: %w", s.key, err)
		}
	}

	losses := []struct {
		key  string
		loss any
	}{
		{StateGeneratorLoss, t.gLoss},
		{StateDiscriminatorLoss, t.dLoss},
	}
	for _, l := range losses {
		v, ok := snapshot[l.key]
		if !ok {
			continue
		}
		stateful, ok := l.loss.(StatefulLoss)
		if !ok {
			t.logger.Warn("Loss has no state to restore, ignoring checkpoint entry.", "component", l.key)
			continue
		}
		var state map[string]any
		if err := checkpoints.DecodeInto(v, &state); err != nil {
			return fmt.Errorf("failed to load %s: %w", l.key, err)
		}
		if err := stateful.LoadStateDict(state); err != nil {
			return fmt.Errorf("failed to load %s: %w", l.key, err)
		}
	}
	return nil
}
