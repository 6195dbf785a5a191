package training

import (
	"context"
	"fmt"
	"math"

	"github.com/tsawler/go-adversarial/engine"
	"github.com/tsawler/go-adversarial/optimizer"
)

// LRScheduler maps an epoch to a learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MetricScheduler is an LRScheduler driven by a monitored metric.
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs with no improvement before a reduction
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one epoch's metric and returns the learning rate to use next
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// LRSchedulerHandler applies a scheduler to an optimizer after every epoch.
// A MetricScheduler is stepped with State.Metrics[MetricName].
type LRSchedulerHandler struct {
	Scheduler  LRScheduler
	Optimizer  optimizer.Optimizer
	MetricName string
	Name       string

	baseLR float64
}

// NewLRSchedulerHandler validates its arguments and creates the handler.
// name labels log records, e.g. "generator".
func NewLRSchedulerHandler(name string, scheduler LRScheduler, opt optimizer.Optimizer, metricName string) (*LRSchedulerHandler, error) {
	if scheduler == nil || opt == nil {
		return nil, fmt.Errorf("%w: scheduler and optimizer are required", ErrInvalidConfig)
	}
	if _, ok := scheduler.(MetricScheduler); ok && metricName == "" {
		return nil, fmt.Errorf("%w: %s needs a metric name", ErrInvalidConfig, scheduler.GetName())
	}
	return &LRSchedulerHandler{
		Scheduler:  scheduler,
		Optimizer:  opt,
		MetricName: metricName,
		Name:       name,
		baseLR:     float64(opt.GetLR()),
	}, nil
}

func (h *LRSchedulerHandler) Attach(e *engine.Engine) error {
	return e.On(engine.EpochCompleted, h.epochCompleted)
}

func (h *LRSchedulerHandler) epochCompleted(ctx context.Context, e *engine.Engine) error {
	st := e.State()
	current := float64(h.Optimizer.GetLR())

	var lr float64
	if ms, ok := h.Scheduler.(MetricScheduler); ok {
		metric, found := st.Metrics[h.MetricName]
		if !found {
			return fmt.Errorf("%s: metric %q is not available", h.Scheduler.GetName(), h.MetricName)
		}
		lr = ms.Step(metric, current)
	} else {
		lr = h.Scheduler.GetLR(st.Epoch, st.Iteration, h.baseLR)
	}

	if lr != current {
		h.Optimizer.UpdateLearningRate(float32(lr))
		engine.LoggerFrom(ctx).Debug("Learning rate updated.",
			"component", h.Name, "scheduler", h.Scheduler.GetName(), "epoch", st.Epoch, "lr", lr)
	}
	return nil
}
