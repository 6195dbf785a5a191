package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Epochs != 5 || cfg.BatchSize != 8 || cfg.CheckpointFormat != "json" || cfg.AMP {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("GAN_EPOCHS", "7")
	t.Setenv("GAN_BATCH_SIZE", "16")
	t.Setenv("GAN_CHECKPOINT_FORMAT", "proto")

	cfg, err := loadConfig([]string{"-batch-size", "4", "-amp"})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Epochs != 7 {
		t.Errorf("expected env epochs 7, got %d", cfg.Epochs)
	}
	if cfg.BatchSize != 4 {
		t.Errorf("expected flag batch size 4, got %d", cfg.BatchSize)
	}
	if !cfg.AMP || cfg.CheckpointFormat != "proto" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigTelemetry(t *testing.T) {
	t.Setenv("GAN_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("GAN_OTEL_SAMPLE_RATIO", "0.5")

	cfg, err := loadConfig([]string{"-otel-sample-ratio", "0.1"})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	tc := cfg.Telemetry
	if !tc.Enabled || tc.Endpoint != "http://collector:4318" {
		t.Errorf("expected tracing enabled for the env endpoint, got %+v", tc)
	}
	if tc.SampleRatio != 0.1 {
		t.Errorf("expected flag sample ratio 0.1, got %g", tc.SampleRatio)
	}
	if tc.ServiceName != serviceName || tc.ServiceVersion == "" {
		t.Errorf("expected service identity to be filled in, got %+v", tc)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"bad env", map[string]string{"GAN_EPOCHS": "many"}, nil, "parse env"},
		{"zero epochs", nil, []string{"-epochs", "0"}, "epochs must be positive"},
		{"negative lr", nil, []string{"-lr", "-1"}, "learning rate"},
		{"bad format", nil, []string{"-checkpoint-format", "yaml"}, "unsupported checkpoint format"},
		{"unknown flag", nil, []string{"-nope"}, "flag provided but not defined"},
		{"sample ratio above one", nil, []string{"-otel-sample-ratio", "2"}, "otel sample ratio"},
		{"bad env sample ratio", map[string]string{"GAN_OTEL_SAMPLE_RATIO": "-0.5"}, nil, "otel sample ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("loadConfig() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRunWritesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig([]string{
		"-epochs", "2",
		"-samples", "8",
		"-batch-size", "4",
		"-image-size", "4",
		"-hidden", "8",
		"-checkpoint-dir", dir,
	})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, name := range []string{"checkpoint_epoch_1_iter_2.json", "checkpoint_epoch_2_iter_4.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	cfg.Resume = filepath.Join(dir, "checkpoint_epoch_1_iter_2.json")
	cfg.CheckpointDir = t.TempDir()
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.CheckpointDir, "checkpoint_epoch_2_iter_4.json")); err != nil {
		t.Errorf("resumed run should continue at epoch 2: %v", err)
	}
}
