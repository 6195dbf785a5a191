package engine

import (
	"context"
	"errors"
	"fmt"
)

// Event names a point in the engine lifecycle that observers can attach to.
type Event string

// Built-in events, fired by Run in this order for every epoch and iteration.
const (
	Started            Event = "STARTED"
	EpochStarted       Event = "EPOCH_STARTED"
	GetBatchStarted    Event = "GET_BATCH_STARTED"
	GetBatchCompleted  Event = "GET_BATCH_COMPLETED"
	IterationStarted   Event = "ITERATION_STARTED"
	IterationCompleted Event = "ITERATION_COMPLETED"
	EpochCompleted     Event = "EPOCH_COMPLETED"
	Completed          Event = "COMPLETED"
	ExceptionRaised    Event = "EXCEPTION_RAISED"
)

// BuiltinEvents lists the events every engine knows without registration.
var BuiltinEvents = []Event{
	Started,
	EpochStarted,
	GetBatchStarted,
	GetBatchCompleted,
	IterationStarted,
	IterationCompleted,
	EpochCompleted,
	Completed,
	ExceptionRaised,
}

var (
	// ErrUnregisteredEvent is returned when firing or observing an unknown event.
	ErrUnregisteredEvent = errors.New("event is not registered")

	// ErrEventRegistered is returned when an event name is registered twice.
	ErrEventRegistered = errors.New("event is already registered")

	// ErrEngineRunning is returned when the registry is changed during Run.
	ErrEngineRunning = errors.New("engine is running")
)

// EventHandler observes a single event. Returning an error stops the
// remaining observers and aborts the run.
type EventHandler func(ctx context.Context, e *Engine) error

// Handler attaches itself to an engine, typically by registering one or more
// EventHandlers.
type Handler interface {
	Attach(e *Engine) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(e *Engine) error

func (f HandlerFunc) Attach(e *Engine) error {
	return f(e)
}

// RegisterEvents adds custom events to the registry. It must be called before
// Run; names are unique across built-in and custom events.
func (e *Engine) RegisterEvents(events ...Event) error {
	if e.running {
		return fmt.Errorf("failed to register events: %w", ErrEngineRunning)
	}
	for _, ev := range events {
		if _, exists := e.observers[ev]; exists {
			return fmt.Errorf("failed to register %s: %w", ev, ErrEventRegistered)
		}
	}
	for _, ev := range events {
		e.logger.Debug("Registering event.", "event", string(ev))
		e.observers[ev] = nil
		e.order = append(e.order, ev)
	}
	return nil
}

// IsRegistered reports whether ev can be fired.
func (e *Engine) IsRegistered(ev Event) bool {
	_, ok := e.observers[ev]
	return ok
}

// RegisteredEvents returns every known event in registration order.
func (e *Engine) RegisteredEvents() []Event {
	return append([]Event(nil), e.order...)
}

// On appends h to the observers of ev. Observers run in the order they
// were added.
func (e *Engine) On(ev Event, h EventHandler) error {
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", ev)
	}
	observers, ok := e.observers[ev]
	if !ok {
		return fmt.Errorf("failed to observe %s: %w", ev, ErrUnregisteredEvent)
	}
	e.observers[ev] = append(observers, h)
	return nil
}

// HasObservers reports whether any observer is attached to ev.
func (e *Engine) HasObservers(ev Event) bool {
	return len(e.observers[ev]) > 0
}

// Fire runs every observer of ev synchronously, in attachment order. If ev
// is mapped to a state attribute, that counter is incremented first.
func (e *Engine) Fire(ctx context.Context, ev Event) error {
	observers, ok := e.observers[ev]
	if !ok {
		return fmt.Errorf("failed to fire %s: %w", ev, ErrUnregisteredEvent)
	}

	if attr, ok := e.eventToAttr[ev]; ok {
		e.state.Counters[attr]++
	}

	for i, h := range observers {
		if err := h(ctx, e); err != nil {
			return fmt.Errorf("observer %d of %s failed: %w", i, ev, err)
		}
	}
	return nil
}
