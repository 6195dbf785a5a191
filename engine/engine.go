// Package engine implements a generic event-driven training loop. An Engine
// pulls batches from a DataSource, hands each one to a pluggable
// IterationFunc and fires lifecycle events around every step so handlers can
// observe or extend the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tsawler/go-adversarial/tensor"
)

// IterationFunc processes one batch and returns the iteration output.
type IterationFunc func(ctx context.Context, e *Engine, batch any) (any, error)

// DataSource yields the batches of one epoch. Reset rewinds it to the start.
// A negative Len means the length is unknown and the epoch ends when Next
// reports no more batches.
type DataSource interface {
	Len() int
	Reset() error
	Next(ctx context.Context) (batch any, ok bool, err error)
}

// Config holds the construction parameters of an Engine.
type Config struct {
	MaxEpochs int
	// EpochLength overrides the number of iterations per epoch. Zero means
	// Data.Len().
	EpochLength int
	Device      tensor.DeviceType
	Data        DataSource
	Iteration   IterationFunc

	// EventToAttr maps an event to a counter in State.Counters that is
	// incremented every time the event fires.
	EventToAttr map[Event]string

	Logger *slog.Logger
}

// Engine runs the epoch and iteration loop and dispatches events.
type Engine struct {
	cfg         Config
	state       *State
	data        DataSource
	iteration   IterationFunc
	observers   map[Event][]EventHandler
	order       []Event
	eventToAttr map[Event]string
	logger      *slog.Logger

	running   bool
	terminate bool
}

// New validates cfg and creates an engine with every built-in event
// registered.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxEpochs <= 0 {
		return nil, fmt.Errorf("max epochs must be positive: %d", cfg.MaxEpochs)
	}
	if cfg.EpochLength < 0 {
		return nil, fmt.Errorf("epoch length cannot be negative: %d", cfg.EpochLength)
	}
	if cfg.Data == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if cfg.EpochLength == 0 {
		cfg.EpochLength = cfg.Data.Len()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:         cfg,
		state:       newState(cfg),
		data:        cfg.Data,
		iteration:   cfg.Iteration,
		observers:   make(map[Event][]EventHandler),
		eventToAttr: make(map[Event]string),
		logger:      cfg.Logger,
	}
	if err := e.RegisterEvents(BuiltinEvents...); err != nil {
		return nil, err
	}
	for ev, attr := range cfg.EventToAttr {
		e.eventToAttr[ev] = attr
		e.state.Counters[attr] = 0
	}
	return e, nil
}

// State returns the live run state.
func (e *Engine) State() *State {
	return e.state
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// SetIterationFunc replaces the iteration strategy.
func (e *Engine) SetIterationFunc(fn IterationFunc) error {
	if e.running {
		return fmt.Errorf("failed to set iteration function: %w", ErrEngineRunning)
	}
	e.iteration = fn
	return nil
}

// MapEventToAttr makes every Fire of ev increment State.Counters[attr].
func (e *Engine) MapEventToAttr(ev Event, attr string) error {
	if !e.IsRegistered(ev) {
		return fmt.Errorf("failed to map %s: %w", ev, ErrUnregisteredEvent)
	}
	e.eventToAttr[ev] = attr
	if _, ok := e.state.Counters[attr]; !ok {
		e.state.Counters[attr] = 0
	}
	return nil
}

// Attach lets each handler register its observers.
func (e *Engine) Attach(handlers ...Handler) error {
	for i, h := range handlers {
		if h == nil {
			return fmt.Errorf("handler %d cannot be nil", i)
		}
		if err := h.Attach(e); err != nil {
			return fmt.Errorf("failed to attach handler %d (%T): %w", i, h, err)
		}
	}
	return nil
}

// Terminate stops the run after the current iteration. COMPLETED still fires.
func (e *Engine) Terminate() {
	e.terminate = true
}

// Run executes epochs until MaxEpochs is reached, the context is cancelled
// or Terminate is called. A finished engine starts over from epoch zero; an
// engine restored with LoadStateDict resumes after the restored epoch.
func (e *Engine) Run(ctx context.Context) error {
	if e.running {
		return fmt.Errorf("failed to start run: %w", ErrEngineRunning)
	}
	if e.iteration == nil {
		return fmt.Errorf("iteration function is not set")
	}
	if e.state.Epoch >= e.state.MaxEpochs {
		e.state.Epoch = 0
		e.state.Iteration = 0
	}

	e.running = true
	e.terminate = false
	defer func() { e.running = false }()

	ctx = WithLogger(ctx, e.logger)
	e.logger.Info("Engine run starting.",
		"max_epochs", e.state.MaxEpochs,
		"epoch_length", e.state.EpochLength,
		"start_epoch", e.state.Epoch)

	if err := e.run(ctx); err != nil {
		return e.handleException(ctx, err)
	}

	e.logger.Info("Engine run completed.", "epoch", e.state.Epoch, "iteration", e.state.Iteration)
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	if err := e.Fire(ctx, Started); err != nil {
		return err
	}

	for e.state.Epoch < e.state.MaxEpochs && !e.terminate {
		e.state.Epoch++
		if err := e.Fire(ctx, EpochStarted); err != nil {
			return err
		}
		if err := e.runEpoch(ctx); err != nil {
			return err
		}
		if err := e.Fire(ctx, EpochCompleted); err != nil {
			return err
		}
	}

	return e.Fire(ctx, Completed)
}

func (e *Engine) runEpoch(ctx context.Context) error {
	if err := e.data.Reset(); err != nil {
		return fmt.Errorf("failed to reset data source: %w", err)
	}

	for i := 0; e.state.EpochLength <= 0 || i < e.state.EpochLength; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled at iteration %d: %w", e.state.Iteration, err)
		}

		if err := e.Fire(ctx, GetBatchStarted); err != nil {
			return err
		}
		batch, ok, err := e.nextBatch(ctx, i)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		e.state.Batch = batch
		if err := e.Fire(ctx, GetBatchCompleted); err != nil {
			return err
		}

		e.state.Iteration++
		if err := e.Fire(ctx, IterationStarted); err != nil {
			return err
		}
		output, err := e.iteration(ctx, e, batch)
		if err != nil {
			return fmt.Errorf("iteration %d failed: %w", e.state.Iteration, err)
		}
		e.state.Output = output
		if err := e.Fire(ctx, IterationCompleted); err != nil {
			return err
		}

		if e.terminate {
			e.logger.Info("Engine terminated.", "epoch", e.state.Epoch, "iteration", e.state.Iteration)
			break
		}
	}
	return nil
}

// nextBatch reads the next batch. When a fixed epoch length outlasts the
// source, the source is rewound once and read again.
func (e *Engine) nextBatch(ctx context.Context, i int) (any, bool, error) {
	batch, ok, err := e.data.Next(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch batch: %w", err)
	}
	if ok || e.state.EpochLength <= 0 || i == 0 {
		return batch, ok, nil
	}

	if err := e.data.Reset(); err != nil {
		return nil, false, fmt.Errorf("failed to reset data source: %w", err)
	}
	batch, ok, err = e.data.Next(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch batch: %w", err)
	}
	return batch, ok, nil
}

// handleException records err in the state and fires EXCEPTION_RAISED. The
// original error is always returned, joined with any observer failure.
func (e *Engine) handleException(ctx context.Context, err error) error {
	e.state.Err = err
	defer func() { e.state.Err = nil }()

	e.logger.Error("Engine run failed.", "epoch", e.state.Epoch, "iteration", e.state.Iteration, "error", err)
	if fireErr := e.Fire(ctx, ExceptionRaised); fireErr != nil {
		return errors.Join(err, fireErr)
	}
	return err
}

// SliceSource is a DataSource over an in-memory list of batches.
type SliceSource struct {
	batches []any
	pos     int
}

// NewSliceSource returns a DataSource yielding batches in order.
func NewSliceSource(batches ...any) *SliceSource {
	return &SliceSource{batches: batches}
}

func (s *SliceSource) Len() int { return len(s.batches) }

func (s *SliceSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *SliceSource) Next(ctx context.Context) (any, bool, error) {
	if s.pos >= len(s.batches) {
		return nil, false, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, true, nil
}
