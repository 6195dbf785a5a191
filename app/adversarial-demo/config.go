package main

import (
	"errors"
	"flag"
	"fmt"
	"runtime/debug"

	"github.com/caarlos0/env/v11"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/telemetry"
)

// config holds the demo settings. Environment variables provide the
// defaults and command-line flags override them.
type config struct {
	Epochs       int     `env:"GAN_EPOCHS" envDefault:"5"`
	Samples      int     `env:"GAN_SAMPLES" envDefault:"64"`
	BatchSize    int     `env:"GAN_BATCH_SIZE" envDefault:"8"`
	ImageSize    int     `env:"GAN_IMAGE_SIZE" envDefault:"8"`
	Hidden       int     `env:"GAN_HIDDEN" envDefault:"32"`
	LearningRate float64 `env:"GAN_LR" envDefault:"0.001"`
	LRStep       int     `env:"GAN_LR_STEP" envDefault:"2"`
	ReconWeight  float64 `env:"GAN_RECON_WEIGHT" envDefault:"10"`
	AMP          bool    `env:"GAN_AMP" envDefault:"false"`
	Seed         int64   `env:"GAN_SEED" envDefault:"42"`

	CheckpointDir    string `env:"GAN_CHECKPOINT_DIR" envDefault:"./checkpoints"`
	CheckpointFormat string `env:"GAN_CHECKPOINT_FORMAT" envDefault:"json"`
	CheckpointEvery  int    `env:"GAN_CHECKPOINT_EVERY" envDefault:"1"`
	KeepCheckpoints  int    `env:"GAN_KEEP_CHECKPOINTS" envDefault:"3"`
	Resume           string `env:"GAN_RESUME"`

	PlotURL string `env:"GAN_PLOT_URL"`
	Verbose bool   `env:"GAN_VERBOSE" envDefault:"false"`

	Telemetry telemetry.Config
}

// loadConfig reads the environment first and then parses args.
func loadConfig(args []string) (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("adversarial-demo", flag.ContinueOnError)
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of training epochs")
	fs.IntVar(&cfg.Samples, "samples", cfg.Samples, "number of synthetic images")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "images per batch")
	fs.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "height and width of every image")
	fs.IntVar(&cfg.Hidden, "hidden", cfg.Hidden, "hidden units of both networks")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "initial learning rate of both optimizers")
	fs.IntVar(&cfg.LRStep, "lr-step", cfg.LRStep, "epochs between learning rate decays")
	fs.Float64Var(&cfg.ReconWeight, "recon-weight", cfg.ReconWeight, "weight of the reconstruction loss")
	fs.BoolVar(&cfg.AMP, "amp", cfg.AMP, "train with mixed precision and gradient scaling")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "directory for checkpoints")
	fs.StringVar(&cfg.CheckpointFormat, "checkpoint-format", cfg.CheckpointFormat, "json, proto or protojson")
	fs.IntVar(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "epochs between checkpoints (0 disables)")
	fs.IntVar(&cfg.KeepCheckpoints, "keep-checkpoints", cfg.KeepCheckpoints, "periodic checkpoints to keep (0 keeps all)")
	fs.StringVar(&cfg.Resume, "resume", cfg.Resume, "checkpoint file to resume from")
	fs.StringVar(&cfg.PlotURL, "plot-url", cfg.PlotURL, "plotting service URL (empty disables plots)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "debug logging")
	fs.StringVar(&cfg.Telemetry.Endpoint, "otel-endpoint", cfg.Telemetry.Endpoint, "OTLP/HTTP collector URL (empty disables tracing)")
	fs.Float64Var(&cfg.Telemetry.SampleRatio, "otel-sample-ratio", cfg.Telemetry.SampleRatio, "fraction of runs traced")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Telemetry.ServiceName = serviceName
	cfg.Telemetry.ServiceVersion = serviceVersion()
	return cfg, cfg.validate()
}

// serviceVersion reports the module version the binary was built from.
func serviceVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func (c config) validate() error {
	var errs []error
	if c.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be positive: %d", c.Epochs))
	}
	if c.Samples <= 0 || c.BatchSize <= 0 || c.ImageSize <= 0 || c.Hidden <= 0 {
		errs = append(errs, errors.New("samples, batch size, image size and hidden units must be positive"))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning rate must be positive: %g", c.LearningRate))
	}
	if c.LRStep <= 0 {
		errs = append(errs, fmt.Errorf("lr step must be positive: %d", c.LRStep))
	}
	if c.CheckpointEvery < 0 || c.KeepCheckpoints < 0 {
		errs = append(errs, errors.New("checkpoint frequency and retention cannot be negative"))
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
