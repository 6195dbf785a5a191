package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		State: Snapshot{
			"engine": map[string]interface{}{
				"epoch":     3,
				"iteration": 30,
			},
			"generator_optimizer": &OptimizerState{
				Type: "Adam",
				Parameters: map[string]interface{}{
					"learning_rate": 0.001,
					"step_count":    30,
				},
				StateData: []OptimizerTensor{
					{Name: "momentum_0", Shape: []int{2}, Data: []float32{0.5, -0.25}, StateType: "momentum"},
				},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-adversarial",
			CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			Epoch:       3,
			Iteration:   30,
			Description: "Test checkpoint",
			Tags:        []string{"test"},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	formats := []CheckpointFormat{FormatJSON, FormatProto, FormatProtoJSON}

	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "checkpoint"+format.Extension())

			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(testCheckpoint(), path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			if _, err := os.Stat(path); err != nil {
				t.Fatalf("Checkpoint file was not created: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			want := testCheckpoint().Metadata
			if diff := cmp.Diff(want, loaded.Metadata); diff != "" {
				t.Errorf("metadata mismatch (-want +got):\n%s", diff)
			}

			var opt OptimizerState
			if err := DecodeInto(loaded.State["generator_optimizer"], &opt); err != nil {
				t.Fatalf("DecodeInto failed: %v", err)
			}
			wantOpt := testCheckpoint().State["generator_optimizer"].(*OptimizerState)
			if diff := cmp.Diff(wantOpt.StateData, opt.StateData); diff != "" {
				t.Errorf("optimizer tensors mismatch (-want +got):\n%s", diff)
			}
			if opt.Type != "Adam" {
				t.Errorf("optimizer type = %q", opt.Type)
			}

			var engineState struct {
				Epoch     int `json:"epoch"`
				Iteration int `json:"iteration"`
			}
			if err := DecodeInto(loaded.State["engine"], &engineState); err != nil {
				t.Fatalf("DecodeInto failed: %v", err)
			}
			if engineState.Epoch != 3 || engineState.Iteration != 30 {
				t.Errorf("engine state = %+v", engineState)
			}
		})
	}
}

func TestSaveFillsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	cp := &Checkpoint{State: Snapshot{}}
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(cp, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if cp.Metadata.Framework != "go-adversarial" || cp.Metadata.CreatedAt.IsZero() {
		t.Errorf("metadata not filled: %+v", cp.Metadata)
	}
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(nil, path); err == nil {
		t.Error("expected error for nil checkpoint")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	garbage := filepath.Join(dir, "garbage.pb")
	if err := os.WriteFile(garbage, []byte{0xff, 0xff, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCheckpointSaver(FormatProto).LoadCheckpoint(garbage); err == nil {
		t.Error("expected error for corrupt protobuf")
	}

	if _, err := NewCheckpointSaver(CheckpointFormat(42)).LoadCheckpoint(garbage); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name string
		want CheckpointFormat
		ok   bool
	}{
		{"", FormatJSON, true},
		{"JSON", FormatJSON, true},
		{"proto", FormatProto, true},
		{"pb", FormatProto, true},
		{"protojson", FormatProtoJSON, true},
		{"onnx", FormatJSON, false},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("ParseFormat(%q) error = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSnapshotKeys(t *testing.T) {
	s := Snapshot{"a": 1, "b": 2}
	if len(s.Keys()) != 2 {
		t.Errorf("Keys() = %v", s.Keys())
	}
	if err := DecodeInto(nil, &struct{}{}); err == nil {
		t.Error("expected error decoding nil")
	}
}
