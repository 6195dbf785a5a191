package training

import (
	"fmt"
	"math"
	"reflect"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/optimizer"
	"github.com/tsawler/go-adversarial/tensor"
)

// GradScalerConfig holds the dynamic loss scaling parameters.
type GradScalerConfig struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultGradScalerConfig returns the usual dynamic scaling defaults: start
// at 2^16, halve on overflow, double after 2000 clean steps.
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler scales losses before backward so small half precision
// gradients do not underflow, then unscales gradients before the optimizer
// step and skips steps whose gradients overflowed.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int

	// Optimizers need not be comparable, so per-step states are a list
	// matched with sameOptimizer.
	perOptimizer []*scalerStepState
}

type scalerStepState struct {
	opt      optimizer.Optimizer
	unscaled bool
	foundInf bool
}

// NewGradScaler validates config and creates a scaler.
func NewGradScaler(config GradScalerConfig) (*GradScaler, error) {
	if config.InitScale <= 0 {
		return nil, fmt.Errorf("init scale must be positive: %g", config.InitScale)
	}
	if config.GrowthFactor <= 1 {
		return nil, fmt.Errorf("growth factor must be greater than 1: %g", config.GrowthFactor)
	}
	if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
		return nil, fmt.Errorf("backoff factor must be in (0, 1): %g", config.BackoffFactor)
	}
	if config.GrowthInterval <= 0 {
		return nil, fmt.Errorf("growth interval must be positive: %d", config.GrowthInterval)
	}
	return &GradScaler{
		scale:          config.InitScale,
		growthFactor:   config.GrowthFactor,
		backoffFactor:  config.BackoffFactor,
		growthInterval: config.GrowthInterval,
	}, nil
}

// GetScale returns the current loss scale.
func (s *GradScaler) GetScale() float64 {
	return s.scale
}

// Scale multiplies loss by the current scale, keeping it in the graph.
func (s *GradScaler) Scale(loss *tensor.Tensor) (*tensor.Tensor, error) {
	scaled, err := tensor.ScaleAutograd(loss, s.scale)
	if err != nil {
		return nil, fmt.Errorf("failed to scale loss: %w", err)
	}
	return scaled, nil
}

func (s *GradScaler) stateFor(opt optimizer.Optimizer) *scalerStepState {
	for _, st := range s.perOptimizer {
		if sameOptimizer(st.opt, opt) {
			return st
		}
	}
	st := &scalerStepState{opt: opt}
	s.perOptimizer = append(s.perOptimizer, st)
	return st
}

// sameOptimizer compares pointer optimizers by identity and any other
// optimizer by the parameter tensors it updates.
func sameOptimizer(a, b optimizer.Optimizer) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta.Kind() == reflect.Pointer {
		return a == b
	}
	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

// Unscale divides the gradients of opt's parameters by the scale in place
// and records whether any of them is infinite or NaN. It may be called once
// per optimizer between updates.
func (s *GradScaler) Unscale(opt optimizer.Optimizer) error {
	st := s.stateFor(opt)
	if st.unscaled {
		return fmt.Errorf("unscale has already been called on this optimizer since the last update")
	}

	inv := 1.0 / s.scale
	for i, p := range opt.Parameters() {
		g := p.Grad()
		if g == nil {
			continue
		}
		data, err := g.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to unscale gradient %d: %w", i, err)
		}
		for j, v := range data {
			if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
				st.foundInf = true
			}
			data[j] = float32(float64(v) * inv)
		}
	}
	st.unscaled = true
	return nil
}

// Step unscales gradients if needed and runs opt.Step unless they
// overflowed. It reports whether the optimizer stepped.
func (s *GradScaler) Step(opt optimizer.Optimizer) (bool, error) {
	st := s.stateFor(opt)
	if !st.unscaled {
		if err := s.Unscale(opt); err != nil {
			return false, err
		}
	}
	if st.foundInf {
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, fmt.Errorf("optimizer step failed: %w", err)
	}
	return true, nil
}

// Update adjusts the scale for the next iteration: it backs off when any
// optimizer saw an overflow and grows after GrowthInterval clean updates.
func (s *GradScaler) Update() {
	foundInf := false
	for _, st := range s.perOptimizer {
		foundInf = foundInf || st.foundInf
	}

	if foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker == s.growthInterval {
			s.scale *= s.growthFactor
			s.growthTracker = 0
		}
	}
	s.perOptimizer = nil
}

// StateDict returns the scaler state for checkpointing.
func (s *GradScaler) StateDict() map[string]any {
	return map[string]any{
		"scale":           s.scale,
		"growth_factor":   s.growthFactor,
		"backoff_factor":  s.backoffFactor,
		"growth_interval": s.growthInterval,
		"growth_tracker":  s.growthTracker,
	}
}

// LoadStateDict restores a state written by StateDict.
func (s *GradScaler) LoadStateDict(state any) error {
	var rec struct {
		Scale          *float64 `json:"scale"`
		GrowthFactor   *float64 `json:"growth_factor"`
		BackoffFactor  *float64 `json:"backoff_factor"`
		GrowthInterval *int     `json:"growth_interval"`
		GrowthTracker  *int     `json:"growth_tracker"`
	}
	if err := checkpoints.DecodeInto(state, &rec); err != nil {
		return fmt.Errorf("failed to load scaler state: %w", err)
	}
	if rec.Scale == nil || *rec.Scale <= 0 {
		return fmt.Errorf("failed to load scaler state: missing or invalid scale")
	}
	s.scale = *rec.Scale
	if rec.GrowthFactor != nil {
		s.growthFactor = *rec.GrowthFactor
	}
	if rec.BackoffFactor != nil {
		s.backoffFactor = *rec.BackoffFactor
	}
	if rec.GrowthInterval != nil {
		s.growthInterval = *rec.GrowthInterval
	}
	if rec.GrowthTracker != nil {
		s.growthTracker = *rec.GrowthTracker
	}
	return nil
}
