package engine

import (
	"fmt"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/tensor"
)

// State is the mutable record of a run. It is created with the engine and
// updated in place on every iteration.
type State struct {
	Epoch       int
	Iteration   int
	MaxEpochs   int
	EpochLength int
	Device      tensor.DeviceType

	// Batch is the raw batch of the current iteration, Output what the
	// iteration function returned for it.
	Batch            any
	Output           any
	DecollatedOutput any

	// Metrics holds the values computed at the end of the latest epoch.
	Metrics         map[string]float64
	KeyMetricName   string
	BestMetric      float64
	BestMetricEpoch int

	// Counters holds the per-attribute counts of events mapped through
	// Config.EventToAttr.
	Counters map[string]int

	// Err is set while ExceptionRaised observers run.
	Err error
}

func newState(cfg Config) *State {
	return &State{
		MaxEpochs:       cfg.MaxEpochs,
		EpochLength:     cfg.EpochLength,
		Device:          cfg.Device,
		Metrics:         make(map[string]float64),
		BestMetric:      -1,
		BestMetricEpoch: -1,
		Counters:        make(map[string]int),
	}
}

// StateDict returns the resumable part of the engine state.
func (e *Engine) StateDict() map[string]any {
	counters := make(map[string]any, len(e.state.Counters))
	for k, v := range e.state.Counters {
		counters[k] = v
	}
	return map[string]any{
		"epoch":             e.state.Epoch,
		"iteration":         e.state.Iteration,
		"max_epochs":        e.state.MaxEpochs,
		"epoch_length":      e.state.EpochLength,
		"best_metric":       e.state.BestMetric,
		"best_metric_epoch": e.state.BestMetricEpoch,
		"counters":          counters,
	}
}

type engineStateRecord struct {
	Epoch           *int           `json:"epoch"`
	Iteration       *int           `json:"iteration"`
	MaxEpochs       *int           `json:"max_epochs"`
	EpochLength     *int           `json:"epoch_length"`
	BestMetric      *float64       `json:"best_metric"`
	BestMetricEpoch *int           `json:"best_metric_epoch"`
	Counters        map[string]int `json:"counters"`
}

// LoadStateDict restores counters written by StateDict, so a later Run
// resumes after the saved epoch. sd may come straight from StateDict or from
// a decoded checkpoint.
func (e *Engine) LoadStateDict(sd any) error {
	if e.running {
		return fmt.Errorf("failed to load engine state: %w", ErrEngineRunning)
	}
	var rec engineStateRecord
	if err := checkpoints.DecodeInto(sd, &rec); err != nil {
		return fmt.Errorf("failed to load engine state: %w", err)
	}
	if rec.Epoch == nil || rec.Iteration == nil {
		return fmt.Errorf("failed to load engine state: epoch and iteration are required")
	}

	e.state.Epoch = *rec.Epoch
	e.state.Iteration = *rec.Iteration
	if rec.MaxEpochs != nil {
		e.state.MaxEpochs = *rec.MaxEpochs
	}
	if rec.EpochLength != nil {
		e.state.EpochLength = *rec.EpochLength
	}
	if rec.BestMetric != nil {
		e.state.BestMetric = *rec.BestMetric
	}
	if rec.BestMetricEpoch != nil {
		e.state.BestMetricEpoch = *rec.BestMetricEpoch
	}
	for k, v := range rec.Counters {
		e.state.Counters[k] = v
	}
	return nil
}
