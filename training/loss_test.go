package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-adversarial/tensor"
)

func lossInput(t *testing.T, shape []int, values ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, values)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	return x
}

func TestMSELoss(t *testing.T) {
	t.Run("Basic MSE computation", func(t *testing.T) {
		predicted := lossInput(t, []int{2, 2}, 1.0, 2.0, 3.0, 4.0)
		target := lossInput(t, []int{2, 2}, 1.5, 2.5, 2.5, 3.5)

		loss, err := NewMSELoss("mean").Forward(predicted, target)
		if err != nil {
			t.Fatalf("MSE forward failed: %v", err)
		}

		// ((0.5)^2 * 4) / 4
		if got := scalar(t, loss); math.Abs(got-0.25) > 1e-6 {
			t.Errorf("Expected loss 0.25, got %.6f", got)
		}
	})

	t.Run("MSE backward pass", func(t *testing.T) {
		predicted := lossInput(t, []int{1, 2}, 1.0, 2.0)
		predicted.SetRequiresGrad(true)
		target := lossInput(t, []int{1, 2}, 1.5, 1.5)

		loss, err := NewMSELoss("mean").Forward(predicted, target)
		if err != nil {
			t.Fatalf("MSE forward failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("MSE backward failed: %v", err)
		}

		// 2 * (predicted - target) / N
		expectedGrad := []float32{-0.5, 0.5}
		actualGrad := predicted.Grad().Data.([]float32)
		for i, expected := range expectedGrad {
			if math.Abs(float64(actualGrad[i]-expected)) > 1e-6 {
				t.Errorf("Gradient[%d]: expected %.6f, got %.6f", i, expected, actualGrad[i])
			}
		}
	})

	t.Run("MSE with sum reduction", func(t *testing.T) {
		predicted := lossInput(t, []int{2, 1}, 1.0, 2.0)
		target := lossInput(t, []int{2, 1}, 0.0, 0.0)

		loss, err := NewMSELoss("sum").Forward(predicted, target)
		if err != nil {
			t.Fatalf("MSE forward with sum reduction failed: %v", err)
		}
		if got := scalar(t, loss); math.Abs(got-5.0) > 1e-6 {
			t.Errorf("Expected loss 5.0, got %.6f", got)
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		predicted := lossInput(t, []int{2}, 1, 2)
		target := lossInput(t, []int{1, 2}, 1, 2)
		if _, err := NewMSELoss("mean").Forward(predicted, target); err == nil {
			t.Error("Expected error for mismatched shapes")
		}
	})

	t.Run("Unknown reduction", func(t *testing.T) {
		x := lossInput(t, []int{1}, 1)
		if _, err := NewMSELoss("max").Forward(x, x); err == nil {
			t.Error("Expected error for unknown reduction")
		}
	})
}

func TestL1Loss(t *testing.T) {
	predicted := lossInput(t, []int{4}, 1, -2, 3, 0)
	target := lossInput(t, []int{4}, 0, 0, 0, 0)

	tests := []struct {
		reduction string
		want      float64
	}{
		{"mean", 1.5},
		{"sum", 6},
	}
	for _, tt := range tests {
		t.Run(tt.reduction, func(t *testing.T) {
			loss, err := NewL1Loss(tt.reduction).Forward(predicted, target)
			if err != nil {
				t.Fatalf("L1 forward failed: %v", err)
			}
			if got := scalar(t, loss); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Expected loss %.4f, got %.4f", tt.want, got)
			}
		})
	}

	t.Run("none", func(t *testing.T) {
		loss, err := NewL1Loss("none").Forward(predicted, target)
		if err != nil {
			t.Fatalf("L1 forward failed: %v", err)
		}
		if len(loss.Shape) != 1 || loss.Shape[0] != 4 {
			t.Errorf("Expected shape [4], got %v", loss.Shape)
		}
	})
}

func TestAdversarialLosses(t *testing.T) {
	// softplus(0) = ln 2
	ln2 := math.Log(2)
	zeros := lossInput(t, []int{2, 1}, 0, 0)

	t.Run("Non-saturating generator loss", func(t *testing.T) {
		loss, err := NewNonSaturatingLoss("mean").Forward(zeros)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := scalar(t, loss); math.Abs(got-ln2) > 1e-5 {
			t.Errorf("Expected %.6f, got %.6f", ln2, got)
		}

		// A confident discriminator on fakes gives a small generator loss.
		confident := lossInput(t, []int{1}, 10)
		small, err := NewNonSaturatingLoss("mean").Forward(confident)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := scalar(t, small); got > 1e-3 {
			t.Errorf("Expected near-zero loss, got %.6f", got)
		}
	})

	t.Run("BCE discriminator loss", func(t *testing.T) {
		loss, err := NewBCEDiscriminatorLoss("mean").Forward(zeros, zeros)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := scalar(t, loss); math.Abs(got-2*ln2) > 1e-5 {
			t.Errorf("Expected %.6f, got %.6f", 2*ln2, got)
		}

		real := lossInput(t, []int{2, 1}, 10, 10)
		fake := lossInput(t, []int{2, 1}, -10, -10)
		separated, err := NewBCEDiscriminatorLoss("mean").Forward(real, fake)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := scalar(t, separated); got > 1e-3 {
			t.Errorf("Expected near-zero loss for separated logits, got %.6f", got)
		}
	})

	t.Run("Wasserstein losses", func(t *testing.T) {
		real := lossInput(t, []int{2}, 3, 1)
		fake := lossInput(t, []int{2}, 1, -1)

		g, err := WassersteinGeneratorLoss{}.Forward(fake)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := g.Data.([]float32); got[0] != -1 || got[1] != 1 {
			t.Errorf("Expected [-1 1], got %v", got)
		}

		d, err := WassersteinDiscriminatorLoss{}.Forward(real, fake)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := d.Data.([]float32); got[0] != -2 || got[1] != -2 {
			t.Errorf("Expected [-2 -2], got %v", got)
		}
	})

	t.Run("Function adapters", func(t *testing.T) {
		var g GeneratorLoss = GeneratorLossFunc(func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return tensor.ScaleAutograd(x, 2)
		})
		out, err := g.Forward(lossInput(t, []int{1}, 3))
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := scalar(t, out); got != 6 {
			t.Errorf("Expected 6, got %g", got)
		}
	})
}

func TestWeightedLoss(t *testing.T) {
	predicted := lossInput(t, []int{2}, 1, 3)
	target := lossInput(t, []int{2}, 0, 0)

	w := NewWeightedLoss(NewL1Loss("mean"), 0.5)
	loss, err := w.Forward(predicted, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got := scalar(t, loss); math.Abs(got-1) > 1e-6 {
		t.Errorf("Expected weighted loss 1, got %.6f", got)
	}

	restored := NewWeightedLoss(NewL1Loss("mean"), 1)
	if err := restored.LoadStateDict(w.StateDict()); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if restored.Weight != 0.5 || restored.Calls != 1 {
		t.Errorf("Expected weight 0.5 and 1 call, got %g and %d", restored.Weight, restored.Calls)
	}

	if err := restored.LoadStateDict(map[string]any{"calls": 3}); err == nil {
		t.Error("Expected error for missing weight")
	}
}
