package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tsawler/go-adversarial/tensor"
)

func TestDefaultPrepareBatch(t *testing.T) {
	image := lossInput(t, []int{2, 1}, 1, 2)
	label := lossInput(t, []int{2, 1}, 3, 4)

	tests := []struct {
		name        string
		batch       any
		wantTargets *tensor.Tensor
		wantArgs    []any
	}{
		{"single tensor", image, nil, nil},
		{"pair", []*tensor.Tensor{image, label}, label, nil},
		{"map", map[string]*tensor.Tensor{KeyImage: image, KeyLabel: label}, label, nil},
		{"args batch", ArgsBatch{Image: image, Label: label, Args: []any{1}}, label, []any{1}},
		{"args batch pointer", &ArgsBatch{Image: image, Args: []any{"x"}}, nil, []any{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb, err := DefaultPrepareBatch(tt.batch, tensor.CPU, false, nil)
			if err != nil {
				t.Fatalf("DefaultPrepareBatch failed: %v", err)
			}
			if pb.Inputs != image {
				t.Error("inputs should be the batch image")
			}
			if pb.Targets != tt.wantTargets {
				t.Errorf("targets = %v, want %v", pb.Targets, tt.wantTargets)
			}
			if diff := cmp.Diff(tt.wantArgs, pb.Args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("dtype option casts", func(t *testing.T) {
		pb, err := DefaultPrepareBatch([]*tensor.Tensor{image, label}, tensor.CPU, true, map[string]any{"dtype": tensor.Float16})
		if err != nil {
			t.Fatalf("DefaultPrepareBatch failed: %v", err)
		}
		if pb.Inputs.DType != tensor.Float16 || pb.Targets.DType != tensor.Float16 {
			t.Errorf("dtypes = %v, %v; want Float16", pb.Inputs.DType, pb.Targets.DType)
		}
	})

	errorCases := []struct {
		name  string
		batch any
	}{
		{"three tensors", []*tensor.Tensor{image, label, label}},
		{"map without image", map[string]*tensor.Tensor{KeyLabel: label}},
		{"unsupported type", "batch"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DefaultPrepareBatch(tt.batch, tensor.CPU, false, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecollate(t *testing.T) {
	loss := lossInput(t, []int{1}, 0.5)
	out := Output{
		KeyImage: lossInput(t, []int{2, 2}, 1, 2, 3, 4),
		KeyPred:  lossInput(t, []int{2}, 7, 8),
		KeyLoss:  loss,
	}

	samples, err := Decollate(out)
	if err != nil {
		t.Fatalf("Decollate failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}

	if diff := cmp.Diff([]float32{3, 4}, samples[1][KeyImage].Data.([]float32)); diff != "" {
		t.Errorf("sample image mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, samples[1][KeyPred].Shape); diff != "" {
		t.Errorf("per-sample scalar shape mismatch (-want +got):\n%s", diff)
	}
	if samples[0][KeyLoss] != loss || samples[1][KeyLoss] != loss {
		t.Error("batch-level entries should be shared")
	}

	// Samples are copies.
	samples[0][KeyImage].Data.([]float32)[0] = 100
	if out[KeyImage].Data.([]float32)[0] != 1 {
		t.Error("decollated sample aliases the batch")
	}

	if _, err := Decollate(Output{KeyLoss: loss}); err == nil {
		t.Error("expected error without an image")
	}
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Epoch 1/2", 4)
	pb.Update(2, map[string]float64{"loss": 0.25, "d_loss": 1})

	line := buf.String()
	for _, want := range []string{"Epoch 1/2:", " 50%", "2/4", "d_loss=1.000, loss=0.250"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line %q does not contain %q", line, want)
		}
	}

	pb.Finish()
	if !strings.Contains(buf.String(), "4/4") || !strings.HasSuffix(buf.String(), "]\n") {
		t.Errorf("finished bar should be full and end the line: %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{65 * time.Second, "01:05"},
		{61 * time.Minute, "61:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
