package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tsawler/go-adversarial/checkpoints"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Data == nil {
		cfg.Data = NewSliceSource(1, 2, 3)
	}
	if cfg.MaxEpochs == 0 {
		cfg.MaxEpochs = 1
	}
	if cfg.Iteration == nil {
		cfg.Iteration = func(ctx context.Context, e *Engine, batch any) (any, error) {
			return batch, nil
		}
	}
	cfg.Logger = quietLogger()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func recordEvents(t *testing.T, e *Engine, events ...Event) *[]Event {
	t.Helper()
	var fired []Event
	for _, ev := range events {
		ev := ev
		if err := e.On(ev, func(ctx context.Context, e *Engine) error {
			fired = append(fired, ev)
			return nil
		}); err != nil {
			t.Fatalf("On(%s) failed: %v", ev, err)
		}
	}
	return &fired
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero epochs", Config{MaxEpochs: 0, Data: NewSliceSource(1)}},
		{"negative epoch length", Config{MaxEpochs: 1, EpochLength: -1, Data: NewSliceSource(1)}},
		{"missing data", Config{MaxEpochs: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunEventOrder(t *testing.T) {
	e := newTestEngine(t, Config{MaxEpochs: 1, Data: NewSliceSource("a", "b")})
	fired := recordEvents(t, e, BuiltinEvents...)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	iteration := []Event{GetBatchStarted, GetBatchCompleted, IterationStarted, IterationCompleted}
	want := []Event{Started, EpochStarted}
	want = append(want, iteration...)
	want = append(want, iteration...)
	want = append(want, EpochCompleted, Completed)
	if diff := cmp.Diff(want, *fired); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	st := e.State()
	if st.Epoch != 1 || st.Iteration != 2 {
		t.Errorf("epoch/iteration = %d/%d, want 1/2", st.Epoch, st.Iteration)
	}
	if st.Output != "b" || st.Batch != "b" {
		t.Errorf("last output/batch = %v/%v", st.Output, st.Batch)
	}
}

func TestEpochLength(t *testing.T) {
	t.Run("shorter than source", func(t *testing.T) {
		e := newTestEngine(t, Config{MaxEpochs: 2, EpochLength: 2, Data: NewSliceSource(1, 2, 3)})
		if err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if e.State().Iteration != 4 {
			t.Errorf("iterations = %d, want 4", e.State().Iteration)
		}
	})

	t.Run("longer than source rewinds", func(t *testing.T) {
		var seen []any
		e := newTestEngine(t, Config{
			MaxEpochs:   1,
			EpochLength: 3,
			Data:        NewSliceSource(1, 2),
			Iteration: func(ctx context.Context, e *Engine, batch any) (any, error) {
				seen = append(seen, batch)
				return nil, nil
			},
		})
		if err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if diff := cmp.Diff([]any{1, 2, 1}, seen); diff != "" {
			t.Errorf("batches mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRegisterEvents(t *testing.T) {
	e := newTestEngine(t, Config{})

	if err := e.RegisterEvents("CUSTOM_A", "CUSTOM_B"); err != nil {
		t.Fatalf("RegisterEvents failed: %v", err)
	}
	if !e.IsRegistered("CUSTOM_A") || !e.IsRegistered(Started) {
		t.Error("expected custom and built-in events to be registered")
	}

	t.Run("duplicate", func(t *testing.T) {
		err := e.RegisterEvents("CUSTOM_C", "CUSTOM_A")
		if !errors.Is(err, ErrEventRegistered) {
			t.Fatalf("expected ErrEventRegistered, got %v", err)
		}
		if e.IsRegistered("CUSTOM_C") {
			t.Error("a failed registration must not register any event")
		}
	})

	t.Run("builtin name", func(t *testing.T) {
		if err := e.RegisterEvents(Completed); !errors.Is(err, ErrEventRegistered) {
			t.Errorf("expected ErrEventRegistered, got %v", err)
		}
	})

	t.Run("unregistered", func(t *testing.T) {
		if err := e.Fire(context.Background(), "NOPE"); !errors.Is(err, ErrUnregisteredEvent) {
			t.Errorf("Fire: expected ErrUnregisteredEvent, got %v", err)
		}
		noop := func(ctx context.Context, e *Engine) error { return nil }
		if err := e.On("NOPE", noop); !errors.Is(err, ErrUnregisteredEvent) {
			t.Errorf("On: expected ErrUnregisteredEvent, got %v", err)
		}
	})

	t.Run("while running", func(t *testing.T) {
		var regErr error
		_ = e.On(IterationStarted, func(ctx context.Context, e *Engine) error {
			regErr = e.RegisterEvents("LATE")
			return nil
		})
		if err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !errors.Is(regErr, ErrEngineRunning) {
			t.Errorf("expected ErrEngineRunning, got %v", regErr)
		}
	})
}

func TestFireObserverOrderAndError(t *testing.T) {
	e := newTestEngine(t, Config{})
	_ = e.RegisterEvents("STEP")

	var calls []int
	boom := errors.New("boom")
	for i, result := range []error{nil, boom, nil} {
		i, result := i, result
		_ = e.On("STEP", func(ctx context.Context, e *Engine) error {
			calls = append(calls, i+1)
			return result
		})
	}

	err := e.Fire(context.Background(), "STEP")
	if !errors.Is(err, boom) {
		t.Fatalf("expected observer error, got %v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, calls); diff != "" {
		t.Errorf("observer calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEventCounters(t *testing.T) {
	e := newTestEngine(t, Config{
		MaxEpochs:   2,
		Data:        NewSliceSource(1, 2, 3),
		EventToAttr: map[Event]string{IterationCompleted: "steps"},
	})
	_ = e.RegisterEvents("SUB_STEP")
	if err := e.MapEventToAttr("SUB_STEP", "sub_steps"); err != nil {
		t.Fatalf("MapEventToAttr failed: %v", err)
	}
	_ = e.SetIterationFunc(func(ctx context.Context, e *Engine, batch any) (any, error) {
		return nil, e.Fire(ctx, "SUB_STEP")
	})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := map[string]int{"steps": 6, "sub_steps": 6}
	if diff := cmp.Diff(want, e.State().Counters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if err := e.MapEventToAttr("NOPE", "x"); !errors.Is(err, ErrUnregisteredEvent) {
		t.Errorf("expected ErrUnregisteredEvent, got %v", err)
	}
}

func TestRunIterationError(t *testing.T) {
	boom := errors.New("nan loss")
	e := newTestEngine(t, Config{
		Iteration: func(ctx context.Context, e *Engine, batch any) (any, error) {
			return nil, boom
		},
	})

	var seen error
	completed := false
	_ = e.On(ExceptionRaised, func(ctx context.Context, e *Engine) error {
		seen = e.State().Err
		return nil
	})
	_ = e.On(Completed, func(ctx context.Context, e *Engine) error {
		completed = true
		return nil
	})

	err := e.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected iteration error, got %v", err)
	}
	if !errors.Is(seen, boom) {
		t.Errorf("EXCEPTION_RAISED observer saw %v", seen)
	}
	if completed {
		t.Error("COMPLETED must not fire after a failure")
	}
	if e.State().Err != nil {
		t.Error("state error should be cleared after the exception observers ran")
	}

	t.Run("observer failure is joined", func(t *testing.T) {
		handlerErr := errors.New("handler failed")
		_ = e.On(ExceptionRaised, func(ctx context.Context, e *Engine) error { return handlerErr })
		err := e.Run(context.Background())
		if !errors.Is(err, boom) || !errors.Is(err, handlerErr) {
			t.Errorf("expected both errors, got %v", err)
		}
	})
}

func TestTerminateAndCancel(t *testing.T) {
	t.Run("terminate", func(t *testing.T) {
		e := newTestEngine(t, Config{MaxEpochs: 5})
		fired := recordEvents(t, e, Completed)
		_ = e.On(IterationCompleted, func(ctx context.Context, e *Engine) error {
			if e.State().Iteration == 2 {
				e.Terminate()
			}
			return nil
		})
		if err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if e.State().Iteration != 2 || e.State().Epoch != 1 {
			t.Errorf("stopped at epoch %d iteration %d", e.State().Epoch, e.State().Iteration)
		}
		if len(*fired) != 1 {
			t.Error("COMPLETED should fire after Terminate")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		e := newTestEngine(t, Config{MaxEpochs: 3})
		_ = e.On(IterationCompleted, func(ctx context.Context, e *Engine) error {
			cancel()
			return nil
		})
		err := e.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if e.State().Iteration != 1 {
			t.Errorf("iteration = %d, want 1", e.State().Iteration)
		}
	})
}

func TestAttach(t *testing.T) {
	e := newTestEngine(t, Config{})
	count := 0
	h := HandlerFunc(func(e *Engine) error {
		return e.On(IterationCompleted, func(ctx context.Context, e *Engine) error {
			count++
			if LoggerFrom(ctx) != e.Logger() {
				t.Error("observer context should carry the engine logger")
			}
			return nil
		})
	})
	if err := e.Attach(h); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := e.Attach(nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if count != 3 {
		t.Errorf("observer ran %d times, want 3", count)
	}
}

func TestStateDictResume(t *testing.T) {
	src := newTestEngine(t, Config{MaxEpochs: 2, EventToAttr: map[Event]string{IterationCompleted: "steps"}})
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	src.State().BestMetric = 0.75
	src.State().BestMetricEpoch = 2

	// Decode through a checkpoint record as a file load would.
	var decoded map[string]any
	if err := checkpoints.DecodeInto(src.StateDict(), &decoded); err != nil {
		t.Fatalf("DecodeInto failed: %v", err)
	}

	dst := newTestEngine(t, Config{MaxEpochs: 3})
	if err := dst.LoadStateDict(decoded); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	st := dst.State()
	if st.Epoch != 2 || st.Iteration != 6 || st.MaxEpochs != 2 || st.BestMetric != 0.75 || st.Counters["steps"] != 6 {
		t.Errorf("unexpected restored state: %+v", st)
	}

	// Resume for one more epoch.
	st.MaxEpochs = 3
	if err := dst.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Epoch != 3 || st.Iteration != 9 {
		t.Errorf("resumed run ended at epoch %d iteration %d", st.Epoch, st.Iteration)
	}

	if err := dst.LoadStateDict(map[string]any{"epoch": 1}); err == nil {
		t.Error("expected error for missing iteration")
	}
}
