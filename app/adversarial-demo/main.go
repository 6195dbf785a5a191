// Command adversarial-demo trains a small reconstruction GAN on synthetic
// blob images. The generator maps an image back onto itself while a critic
// learns to tell generated images from real ones.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/tsawler/go-adversarial/async"
	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/engine"
	"github.com/tsawler/go-adversarial/optimizer"
	"github.com/tsawler/go-adversarial/telemetry"
	"github.com/tsawler/go-adversarial/tensor"
	"github.com/tsawler/go-adversarial/training"
)

const serviceName = "adversarial-demo"

// stateReconstructionWeight is the checkpoint entry holding the weight of
// the reconstruction loss, which the trainer does not save itself.
const stateReconstructionWeight = "reconstruction_weight"

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := runWithTelemetry(cfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

// runWithTelemetry installs the tracer provider for the duration of the
// run and flushes it afterwards.
func runWithTelemetry(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", serviceName, err)
		}
	}()

	return run(ctx, cfg)
}

// newNetworks builds an image to image generator and a critic producing
// one logit per image.
func newNetworks(cfg config) (generator, critic *training.Sequential, err error) {
	pixels := cfg.ImageSize * cfg.ImageSize

	gIn, err := training.NewLinear(pixels, cfg.Hidden, true, tensor.CPU)
	if err != nil {
		return nil, nil, err
	}
	gOut, err := training.NewLinear(cfg.Hidden, pixels, true, tensor.CPU)
	if err != nil {
		return nil, nil, err
	}
	generator = training.NewSequential(
		training.NewFlatten(),
		gIn,
		training.NewLeakyReLU(0.2),
		gOut,
		training.NewTanh(),
		training.NewUnflatten(1, cfg.ImageSize, cfg.ImageSize),
	)

	dIn, err := training.NewLinear(pixels, cfg.Hidden, true, tensor.CPU)
	if err != nil {
		return nil, nil, err
	}
	dOut, err := training.NewLinear(cfg.Hidden, 1, true, tensor.CPU)
	if err != nil {
		return nil, nil, err
	}
	critic = training.NewSequential(
		training.NewFlatten(),
		dIn,
		training.NewLeakyReLU(0.2),
		dOut,
	)
	return generator, critic, nil
}

func run(ctx context.Context, cfg config) error {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	training.SetRandomSeed(cfg.Seed)

	dataset, err := training.NewBlobDataset(cfg.Samples, cfg.ImageSize, cfg.ImageSize, cfg.Seed)
	if err != nil {
		return err
	}
	cached, err := training.NewCachedDataset(dataset, cfg.Samples)
	if err != nil {
		return err
	}
	loader, err := training.NewDataLoader(cached, training.DataLoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Device:    tensor.CPU,
	})
	if err != nil {
		return err
	}

	prefetcher, err := async.NewPrefetcher(loader, async.PrefetcherConfig{PrefetchDepth: 2})
	if err != nil {
		return err
	}
	defer prefetcher.Stop()

	generator, critic, err := newNetworks(cfg)
	if err != nil {
		return fmt.Errorf("failed to build networks: %w", err)
	}

	adam := optimizer.DefaultAdamConfig()
	adam.LearningRate = float32(cfg.LearningRate)
	adam.Beta1 = 0.5
	gOpt, err := optimizer.NewAdamOptimizer(adam, generator.Parameters())
	if err != nil {
		return fmt.Errorf("failed to create generator optimizer: %w", err)
	}
	dOpt, err := optimizer.NewAdamOptimizer(adam, critic.Parameters())
	if err != nil {
		return fmt.Errorf("failed to create discriminator optimizer: %w", err)
	}

	gSchedule, err := training.NewLRSchedulerHandler("generator", training.NewStepLRScheduler(cfg.LRStep, 0.5), gOpt, "")
	if err != nil {
		return err
	}
	dSchedule, err := training.NewLRSchedulerHandler("discriminator", training.NewStepLRScheduler(cfg.LRStep, 0.5), dOpt, "")
	if err != nil {
		return err
	}

	reconLoss := training.NewWeightedLoss(training.NewL1Loss("mean"), cfg.ReconWeight)
	collector := training.NewVisualizationCollector(serviceName, map[string]training.LRSource{
		"generator":     gOpt,
		"discriminator": dOpt,
	})

	handlers := []engine.Handler{
		training.NewStatsHandler(os.Stdout),
		gSchedule,
		dSchedule,
		collector,
		telemetry.NewTraceHandler(nil),
	}
	if cfg.PlotURL != "" {
		plotConfig := training.DefaultPlottingServiceConfig()
		plotConfig.BaseURL = cfg.PlotURL
		plots := training.NewPlottingService(plotConfig)
		plots.Enable()
		if err := plots.CheckHealth(ctx); err != nil {
			logger.Warn("Plotting service unavailable, plots disabled.", "url", cfg.PlotURL, "error", err)
			plots.Disable()
		}
		handlers = append(handlers, plots.Handler(collector))
	}

	trainer, err := training.NewAdversarialTrainer(training.AdversarialTrainerConfig{
		Device:     tensor.CPU,
		MaxEpochs:  cfg.Epochs,
		Data:       prefetcher,
		GNetwork:   generator,
		GOptimizer: gOpt,
		GLoss:      training.NewNonSaturatingLoss("mean"),
		ReconLoss:  reconLoss,
		DNetwork:   critic,
		DOptimizer: dOpt,
		DLoss:      training.NewBCEDiscriminatorLoss("mean"),
		KeyTrainMetric: map[string]training.Metric{
			"recon_mae": training.NewRegressionMetric(training.MAE),
		},
		AdditionalMetrics: map[string]training.Metric{
			training.KeyGeneratorLoss:     training.NewAverageMetric(training.KeyGeneratorLoss),
			training.KeyDiscriminatorLoss: training.NewAverageMetric(training.KeyDiscriminatorLoss),
		},
		MetricCmpFn: training.LessIsBetter,
		Handlers:    handlers,
		AMP:         cfg.AMP,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return err
	}
	state := training.DefaultStateOptions()
	state.IncludeGeneratorScaler = cfg.AMP
	state.IncludeDiscriminatorScaler = cfg.AMP
	state.AdditionalStates = map[string]any{stateReconstructionWeight: map[string]any{"weight": reconLoss.Weight}}

	ckptConfig := training.DefaultCheckpointConfig()
	ckptConfig.SaveDirectory = cfg.CheckpointDir
	ckptConfig.SaveFrequency = cfg.CheckpointEvery
	ckptConfig.MaxCheckpoints = cfg.KeepCheckpoints
	ckptConfig.Format = format
	ckptConfig.State = state
	manager, err := training.NewCheckpointManager(trainer, ckptConfig)
	if err != nil {
		return err
	}
	if err := trainer.Engine().Attach(manager); err != nil {
		return err
	}

	if cfg.Resume != "" {
		checkpoint, err := manager.LoadCheckpoint(cfg.Resume)
		if err != nil {
			return err
		}
		if rec, ok := checkpoint.State[stateReconstructionWeight].(map[string]any); ok {
			if err := reconLoss.LoadStateDict(rec); err != nil {
				return fmt.Errorf("failed to restore reconstruction loss: %w", err)
			}
		}
		logger.Info("Resumed from checkpoint.", "path", cfg.Resume, "epoch", trainer.State().Epoch)
	}

	start := time.Now()
	if err := trainer.Run(ctx); err != nil {
		return err
	}

	st := trainer.State()
	fmt.Printf("Finished %d epochs (%d iterations) in %s\n", st.Epoch, st.Iteration, time.Since(start).Round(time.Millisecond))
	fmt.Printf("Best %s: %.6f at epoch %d\n", st.KeyMetricName, st.BestMetric, st.BestMetricEpoch)
	logger.Debug("Dataset cache.", "stats", cached.Stats().String())
	for _, path := range manager.SavedFiles() {
		fmt.Printf("Checkpoint: %s\n", path)
	}
	return nil
}
