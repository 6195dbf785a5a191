package training

import (
	"context"
	"math"
	"testing"

	"github.com/tsawler/go-adversarial/engine"
	"github.com/tsawler/go-adversarial/tensor"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{5, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
		{4, 0.06561},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
		tolerance  float64
	}{
		{0, 0.01, 1e-6},
		{5, 0.0001, 1e-6},
		{2, 0.006580, 1e-6},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > tt.tolerance {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}

	if lr := scheduler.GetLR(10, 0, baseLR); lr != 0.0001 {
		t.Errorf("Beyond TMax: expected LR %f, got %f", 0.0001, lr)
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")

	steps := []struct {
		name   string
		metric float64
		want   float64
	}{
		{"initial", 1.0, 0.1},
		{"improvement", 0.98, 0.1},
		{"no improvement 1", 0.99, 0.1},
		{"no improvement 2", 0.99, 0.05},
	}

	currentLR := 0.1
	for _, s := range steps {
		currentLR = scheduler.Step(s.metric, currentLR)
		if currentLR != s.want {
			t.Errorf("%s: expected LR %f, got %f", s.name, s.want, currentLR)
		}
	}
	if lr := scheduler.GetLR(9, 0, 1); lr != 0.05 {
		t.Errorf("GetLR after steps: expected %f, got %f", 0.05, lr)
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{NewReduceLROnPlateauScheduler(0.1, 10, 0.001, "min"), "ReduceLROnPlateau"},
	}

	for _, tt := range tests {
		if name := tt.scheduler.GetName(); name != tt.expected {
			t.Errorf("Expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestLRSchedulerHandler(t *testing.T) {
	newEngine := func(t *testing.T, epochs int) *engine.Engine {
		t.Helper()
		e, err := engine.New(engine.Config{
			MaxEpochs: epochs,
			Data:      engine.NewSliceSource(1),
			Iteration: func(context.Context, *engine.Engine, any) (any, error) { return nil, nil },
		})
		if err != nil {
			t.Fatalf("engine.New failed: %v", err)
		}
		return e
	}

	t.Run("epoch scheduler", func(t *testing.T) {
		opt := mustSGD(t, []*tensor.Tensor{newParam(t, 1)})
		h, err := NewLRSchedulerHandler("generator", NewStepLRScheduler(1, 0.5), opt, "")
		if err != nil {
			t.Fatalf("NewLRSchedulerHandler failed: %v", err)
		}
		e := newEngine(t, 2)
		if err := e.Attach(h); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		if err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		// 0.01 * 0.5^2 after the second epoch
		if got := opt.GetLR(); math.Abs(float64(got)-0.0025) > 1e-7 {
			t.Errorf("Expected LR 0.0025, got %f", got)
		}
	})

	t.Run("metric scheduler", func(t *testing.T) {
		opt := mustSGD(t, []*tensor.Tensor{newParam(t, 1)})
		h, err := NewLRSchedulerHandler("discriminator", NewReduceLROnPlateauScheduler(0.5, 1, 0, "min"), opt, "d_loss")
		if err != nil {
			t.Fatalf("NewLRSchedulerHandler failed: %v", err)
		}
		e := newEngine(t, 3)
		if err := e.On(engine.EpochCompleted, func(_ context.Context, e *engine.Engine) error {
			e.State().Metrics["d_loss"] = 1
			return nil
		}); err != nil {
			t.Fatalf("On failed: %v", err)
		}
		if err := e.Attach(h); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		if err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		// Two epochs without improvement after the first.
		if got := opt.GetLR(); math.Abs(float64(got)-0.0025) > 1e-7 {
			t.Errorf("Expected LR 0.0025, got %f", got)
		}
	})

	t.Run("missing metric", func(t *testing.T) {
		opt := mustSGD(t, []*tensor.Tensor{newParam(t, 1)})
		h, _ := NewLRSchedulerHandler("discriminator", NewReduceLROnPlateauScheduler(0.5, 1, 0, "min"), opt, "absent")
		e := newEngine(t, 1)
		if err := e.Attach(h); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		if err := e.Run(context.Background()); err == nil {
			t.Error("Expected error for a missing metric")
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		opt := mustSGD(t, []*tensor.Tensor{newParam(t, 1)})
		if _, err := NewLRSchedulerHandler("g", nil, opt, ""); err == nil {
			t.Error("Expected error for nil scheduler")
		}
		if _, err := NewLRSchedulerHandler("g", NewReduceLROnPlateauScheduler(0.5, 1, 0, "min"), opt, ""); err == nil {
			t.Error("Expected error for a metric scheduler without metric name")
		}
	})
}
