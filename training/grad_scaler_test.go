package training

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tsawler/go-adversarial/optimizer"
	"github.com/tsawler/go-adversarial/tensor"
)

func newParam(t *testing.T, values ...float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{len(values)}, tensor.Float32, tensor.CPU, values)
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	p.SetRequiresGrad(true)
	return p
}

func setGrad(t *testing.T, p *tensor.Tensor, values ...float32) {
	t.Helper()
	g, err := tensor.NewTensor([]int{len(values)}, tensor.Float32, tensor.CPU, values)
	if err != nil {
		t.Fatalf("failed to create gradient: %v", err)
	}
	p.SetGrad(g)
}

func TestNewGradScaler(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GradScalerConfig)
		wantErr bool
	}{
		{"defaults", func(*GradScalerConfig) {}, false},
		{"zero init scale", func(c *GradScalerConfig) { c.InitScale = 0 }, true},
		{"growth factor of one", func(c *GradScalerConfig) { c.GrowthFactor = 1 }, true},
		{"backoff factor of one", func(c *GradScalerConfig) { c.BackoffFactor = 1 }, true},
		{"zero growth interval", func(c *GradScalerConfig) { c.GrowthInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultGradScalerConfig()
			tt.mutate(&config)
			_, err := NewGradScaler(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGradScaler() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGradScalerMatchesUnscaledStep(t *testing.T) {
	run := func(scaled bool) []float32 {
		w := newParam(t, 0.5, -0.25)
		x, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{2, 4})
		prod, err := tensor.MulAutograd(w, x)
		if err != nil {
			t.Fatalf("MulAutograd failed: %v", err)
		}
		loss, err := tensor.SumAutograd(prod)
		if err != nil {
			t.Fatalf("SumAutograd failed: %v", err)
		}
		opt := mustSGD(t, []*tensor.Tensor{w})

		if scaled {
			scaler, _ := NewGradScaler(DefaultGradScalerConfig())
			scaledLoss, err := scaler.Scale(loss)
			if err != nil {
				t.Fatalf("Scale failed: %v", err)
			}
			if err := scaledLoss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			stepped, err := scaler.Step(opt)
			if err != nil || !stepped {
				t.Fatalf("Step = %v, %v; want true, nil", stepped, err)
			}
			scaler.Update()
		} else {
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			if err := opt.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
		}
		return append([]float32(nil), w.Data.([]float32)...)
	}

	plain, scaled := run(false), run(true)
	if diff := cmp.Diff(plain, scaled); diff != "" {
		t.Errorf("scaled update differs (-plain +scaled):\n%s", diff)
	}
}

func TestGradScalerOverflow(t *testing.T) {
	w := newParam(t, 1, 1)
	opt := mustSGD(t, []*tensor.Tensor{w})
	scaler, _ := NewGradScaler(GradScalerConfig{InitScale: 8, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 2})

	setGrad(t, w, float32(math.Inf(1)), 1)
	stepped, err := scaler.Step(opt)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if stepped {
		t.Error("step should be skipped on infinite gradients")
	}
	if opt.GetStepCount() != 0 {
		t.Errorf("optimizer stepped %d times, want 0", opt.GetStepCount())
	}
	if w.Data.([]float32)[1] != 1 {
		t.Error("parameters changed on a skipped step")
	}

	scaler.Update()
	if got := scaler.GetScale(); got != 4 {
		t.Errorf("scale after overflow = %g, want 4", got)
	}
}

func TestGradScalerGrowth(t *testing.T) {
	w := newParam(t, 1)
	opt := mustSGD(t, []*tensor.Tensor{w})
	scaler, _ := NewGradScaler(GradScalerConfig{InitScale: 8, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 2})

	for i, want := range []float64{8, 16, 16, 32} {
		setGrad(t, w, 8)
		if _, err := scaler.Step(opt); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		scaler.Update()
		if got := scaler.GetScale(); got != want {
			t.Errorf("scale after update %d = %g, want %g", i+1, got, want)
		}
	}
}

func TestGradScalerUnscaleTwice(t *testing.T) {
	w := newParam(t, 1)
	setGrad(t, w, 4)
	opt := mustSGD(t, []*tensor.Tensor{w})
	scaler, _ := NewGradScaler(GradScalerConfig{InitScale: 4, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 10})

	if err := scaler.Unscale(opt); err != nil {
		t.Fatalf("Unscale failed: %v", err)
	}
	if got := w.Grad().Data.([]float32)[0]; got != 1 {
		t.Errorf("unscaled gradient = %g, want 1", got)
	}
	if err := scaler.Unscale(opt); err == nil {
		t.Error("expected error on second unscale")
	}
	if stepped, err := scaler.Step(opt); err != nil || !stepped {
		t.Errorf("Step after explicit unscale = %v, %v", stepped, err)
	}
}

// taggedOptimizer is a value type that cannot be compared with ==.
type taggedOptimizer struct {
	optimizer.Optimizer
	tags []string
}

func TestGradScalerValueOptimizer(t *testing.T) {
	w := newParam(t, 1)
	setGrad(t, w, 4)
	inner := mustSGD(t, []*tensor.Tensor{w})
	scaler, _ := NewGradScaler(GradScalerConfig{InitScale: 4, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 10})

	if err := scaler.Unscale(taggedOptimizer{Optimizer: inner, tags: []string{"g"}}); err != nil {
		t.Fatalf("Unscale failed: %v", err)
	}
	// A second value over the same parameters is the same optimizer.
	again := taggedOptimizer{Optimizer: inner, tags: []string{"g"}}
	if err := scaler.Unscale(again); err == nil {
		t.Error("expected error on second unscale through a copied value")
	}
	if stepped, err := scaler.Step(again); err != nil || !stepped {
		t.Fatalf("Step = %v, %v", stepped, err)
	}
	if got := w.Grad().Data.([]float32)[0]; got != 1 {
		t.Errorf("gradient = %g, want 1 after a single unscale", got)
	}

	other := taggedOptimizer{Optimizer: mustSGD(t, []*tensor.Tensor{newParam(t, 2)})}
	if err := scaler.Unscale(other); err != nil {
		t.Errorf("Unscale of a distinct optimizer failed: %v", err)
	}
	scaler.Update()
	setGrad(t, w, 4)
	if err := scaler.Unscale(again); err != nil {
		t.Errorf("Unscale after Update failed: %v", err)
	}
}

func TestGradScalerStateDict(t *testing.T) {
	src, _ := NewGradScaler(GradScalerConfig{InitScale: 8, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 3})
	src.Update()

	dst, _ := NewGradScaler(DefaultGradScalerConfig())
	if err := dst.LoadStateDict(src.StateDict()); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if diff := cmp.Diff(src.StateDict(), dst.StateDict()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	if err := dst.LoadStateDict(map[string]any{"growth_tracker": 1}); err == nil {
		t.Error("expected error for missing scale")
	}
}
