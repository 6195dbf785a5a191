package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tsawler/go-adversarial/engine"
	"github.com/tsawler/go-adversarial/optimizer"
	"github.com/tsawler/go-adversarial/tensor"
)

var (
	// ErrMissingBatch is returned when an iteration receives no batch data.
	ErrMissingBatch = errors.New("must provide batch data for current iteration")

	// ErrInvalidConfig is returned by constructors given an unusable configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// AutocastConfig configures the mixed precision scope of an AMP iteration.
type AutocastConfig struct {
	// DType is the autocast precision. Nil means Float16; an explicit
	// value must be Float16 or Float32.
	DType *tensor.DType
}

// dtype resolves the configured autocast precision.
func (c AutocastConfig) dtype() (tensor.DType, error) {
	if c.DType == nil {
		return tensor.Float16, nil
	}
	switch *c.DType {
	case tensor.Float16, tensor.Float32:
		return *c.DType, nil
	default:
		return 0, fmt.Errorf("%w: unsupported autocast dtype %v", ErrInvalidConfig, *c.DType)
	}
}

// PostprocessFunc transforms one output record after an iteration. With
// decollation enabled it runs once per sample.
type PostprocessFunc func(out map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

// AdversarialTrainerConfig holds everything an AdversarialTrainer is built
// from. Fields are fixed for the lifetime of the trainer.
type AdversarialTrainerConfig struct {
	Device    tensor.DeviceType
	MaxEpochs int
	Data      engine.DataSource

	GNetwork   Module
	GOptimizer optimizer.Optimizer
	GLoss      GeneratorLoss
	ReconLoss  ReconstructionLoss

	DNetwork   Module
	DOptimizer optimizer.Optimizer
	DLoss      DiscriminatorLoss

	// EpochLength overrides the number of iterations per epoch. Zero uses
	// the data source length.
	EpochLength int
	NonBlocking bool
	// PrepareBatch defaults to DefaultPrepareBatch.
	PrepareBatch PrepareBatchFunc
	// IterationUpdate replaces the adversarial iteration when set.
	IterationUpdate engine.IterationFunc

	// GInferer and DInferer default to SimpleInferer.
	GInferer Inferer
	DInferer Inferer

	Postprocessing    PostprocessFunc
	KeyTrainMetric    map[string]Metric
	AdditionalMetrics map[string]Metric
	// MetricCmpFn defaults to GreaterIsBetter.
	MetricCmpFn MetricCmpFunc
	Handlers    []engine.Handler

	AMP         bool
	EventNames  []engine.Event
	EventToAttr map[engine.Event]string
	// Decollate splits every output into per-sample records stored in
	// State.DecollatedOutput.
	Decollate      bool
	OptimSetToNone bool
	ToKwargs       map[string]any
	// AMPKwargs.DType defaults to Float16 when left nil.
	AMPKwargs AutocastConfig
	// GradScalerConfig configures both scalers when AMP is on. The zero
	// value means DefaultGradScalerConfig.
	GradScalerConfig GradScalerConfig

	Logger *slog.Logger
}

// AdversarialTrainer trains a generator and a discriminator in alternation.
// Every iteration fires the adversarial events in a fixed order so handlers
// can observe each phase.
type AdversarialTrainer struct {
	engine *engine.Engine

	gNetwork   Module
	gOptimizer optimizer.Optimizer
	gLoss      GeneratorLoss
	reconLoss  ReconstructionLoss
	gInferer   Inferer
	gScaler    *GradScaler

	dNetwork   Module
	dOptimizer optimizer.Optimizer
	dLoss      DiscriminatorLoss
	dInferer   Inferer
	dScaler    *GradScaler

	device         tensor.DeviceType
	nonBlocking    bool
	prepareBatch   PrepareBatchFunc
	amp            bool
	ampDType       tensor.DType
	optimSetToNone bool
	toKwargs       map[string]any
	logger         *slog.Logger
}

// NewAdversarialTrainer validates config, builds the underlying engine and
// registers the adversarial and custom events, output processing, metrics
// and handlers, in that order.
func NewAdversarialTrainer(config AdversarialTrainerConfig) (*AdversarialTrainer, error) {
	if err := validateTrainerConfig(config); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ampDType, err := config.AMPKwargs.dtype()
	if err != nil {
		return nil, err
	}

	t := &AdversarialTrainer{
		gNetwork:       config.GNetwork,
		gOptimizer:     config.GOptimizer,
		gLoss:          config.GLoss,
		reconLoss:      config.ReconLoss,
		gInferer:       config.GInferer,
		dNetwork:       config.DNetwork,
		dOptimizer:     config.DOptimizer,
		dLoss:          config.DLoss,
		dInferer:       config.DInferer,
		device:         config.Device,
		nonBlocking:    config.NonBlocking,
		prepareBatch:   config.PrepareBatch,
		amp:            config.AMP,
		ampDType:       ampDType,
		optimSetToNone: config.OptimSetToNone,
		toKwargs:       config.ToKwargs,
		logger:         logger,
	}
	if t.gInferer == nil {
		t.gInferer = SimpleInferer{}
	}
	if t.dInferer == nil {
		t.dInferer = SimpleInferer{}
	}
	if t.prepareBatch == nil {
		t.prepareBatch = DefaultPrepareBatch
	}

	if t.amp {
		scalerConfig := config.GradScalerConfig
		if scalerConfig == (GradScalerConfig{}) {
			scalerConfig = DefaultGradScalerConfig()
		}
		if t.gScaler, err = NewGradScaler(scalerConfig); err != nil {
			return nil, fmt.Errorf("%w: generator scaler: %v", ErrInvalidConfig, err)
		}
		if t.dScaler, err = NewGradScaler(scalerConfig); err != nil {
			return nil, fmt.Errorf("%w: discriminator scaler: %v", ErrInvalidConfig, err)
		}
	}

	iteration := config.IterationUpdate
	if iteration == nil {
		iteration = t.Iteration
	}
	e, err := engine.New(engine.Config{
		MaxEpochs:   config.MaxEpochs,
		EpochLength: config.EpochLength,
		Device:      config.Device,
		Data:        config.Data,
		Iteration:   iteration,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	t.engine = e

	if err := e.RegisterEvents(AdversarialEvents()...); err != nil {
		return nil, fmt.Errorf("failed to register adversarial events: %w", err)
	}
	if len(config.EventNames) > 0 {
		if err := e.RegisterEvents(config.EventNames...); err != nil {
			return nil, fmt.Errorf("failed to register custom events: %w", err)
		}
	}
	for ev, attr := range config.EventToAttr {
		if err := e.MapEventToAttr(ev, attr); err != nil {
			return nil, err
		}
	}

	if config.Decollate || config.Postprocessing != nil {
		if err := e.Attach(&outputProcessor{decollate: config.Decollate, postprocess: config.Postprocessing}); err != nil {
			return nil, err
		}
	}
	if len(config.KeyTrainMetric) > 0 || len(config.AdditionalMetrics) > 0 {
		metrics, err := NewMetricsHandler(config.KeyTrainMetric, config.AdditionalMetrics, config.MetricCmpFn)
		if err != nil {
			return nil, err
		}
		if err := e.Attach(metrics); err != nil {
			return nil, err
		}
	}
	if err := e.Attach(config.Handlers...); err != nil {
		return nil, err
	}

	logger.Debug("Adversarial trainer created.",
		"amp", t.amp,
		"max_epochs", config.MaxEpochs,
		"epoch_length", e.State().EpochLength,
		"generator_params", len(config.GNetwork.Parameters()),
		"discriminator_params", len(config.DNetwork.Parameters()))
	return t, nil
}

func validateTrainerConfig(config AdversarialTrainerConfig) error {
	required := []struct {
		name  string
		isNil bool
	}{
		{"data source", config.Data == nil},
		{"generator network", config.GNetwork == nil},
		{"generator optimizer", config.GOptimizer == nil},
		{"generator loss", config.GLoss == nil},
		{"reconstruction loss", config.ReconLoss == nil},
		{"discriminator network", config.DNetwork == nil},
		{"discriminator optimizer", config.DOptimizer == nil},
		{"discriminator loss", config.DLoss == nil},
	}
	for _, r := range required {
		if r.isNil {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, r.name)
		}
	}
	if config.MaxEpochs <= 0 {
		return fmt.Errorf("%w: max epochs must be positive: %d", ErrInvalidConfig, config.MaxEpochs)
	}
	return nil
}

// Engine returns the underlying engine, e.g. to attach more handlers.
func (t *AdversarialTrainer) Engine() *engine.Engine {
	return t.engine
}

// State returns the live run state.
func (t *AdversarialTrainer) State() *engine.State {
	return t.engine.State()
}

// AMP reports whether mixed precision is enabled.
func (t *AdversarialTrainer) AMP() bool {
	return t.amp
}

// GeneratorScaler returns the generator gradient scaler, nil without AMP.
func (t *AdversarialTrainer) GeneratorScaler() *GradScaler {
	return t.gScaler
}

// DiscriminatorScaler returns the discriminator gradient scaler, nil without AMP.
func (t *AdversarialTrainer) DiscriminatorScaler() *GradScaler {
	return t.dScaler
}

// Run trains until the engine finishes. See engine.Engine.Run.
func (t *AdversarialTrainer) Run(ctx context.Context) error {
	return t.engine.Run(ctx)
}

// Iteration runs one generator update followed by one discriminator update
// and returns the Output record. It is the default engine iteration.
func (t *AdversarialTrainer) Iteration(ctx context.Context, e *engine.Engine, batch any) (any, error) {
	if batch == nil {
		return nil, ErrMissingBatch
	}
	pb, err := t.prepareBatch(batch, t.device, t.nonBlocking, t.toKwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}
	inputs, targets := pb.Inputs, pb.Targets
	if targets == nil {
		// Unsupervised batches reconstruct their own inputs.
		targets = inputs
	}

	out := Output{KeyImage: inputs, KeyLabel: targets, KeyReals: inputs}
	e.State().Output = out

	if err := t.trainGenerator(ctx, e, out, pb.Args, pb.Kwargs); err != nil {
		return nil, err
	}
	if err := t.trainDiscriminator(ctx, e, out, pb.Args, pb.Kwargs); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *AdversarialTrainer) trainGenerator(ctx context.Context, e *engine.Engine, out Output, args []any, kwargs map[string]any) error {
	t.gNetwork.Train()
	t.gOptimizer.ZeroGrad(t.optimSetToNone)

	compute := func() error {
		fakes, err := t.gInferer.Infer(out[KeyImage], t.gNetwork, args, kwargs)
		if err != nil {
			return fmt.Errorf("generator forward failed: %w", err)
		}
		out[KeyFakes] = fakes
		out[KeyPred] = fakes
		if err := e.Fire(ctx, GeneratorForwardCompleted); err != nil {
			return err
		}

		dInput, err := fakes.Float()
		if err != nil {
			return fmt.Errorf("failed to coerce fakes: %w", err)
		}
		if dInput, err = dInput.Contiguous(); err != nil {
			return fmt.Errorf("failed to coerce fakes: %w", err)
		}
		logits, err := t.dInferer.Infer(dInput, t.dNetwork, args, kwargs)
		if err != nil {
			return fmt.Errorf("discriminator forward on fakes failed: %w", err)
		}
		out[KeyGFakeLogits] = logits
		out[KeyFakeLogits] = logits
		if err := e.Fire(ctx, GeneratorDiscriminatorForwardCompleted); err != nil {
			return err
		}

		recon, err := t.reconLoss.Forward(fakes, out[KeyLabel])
		if err != nil {
			return fmt.Errorf("reconstruction loss failed: %w", err)
		}
		if out[KeyReconstructionLoss], err = tensor.MeanAutograd(recon); err != nil {
			return fmt.Errorf("failed to reduce reconstruction loss: %w", err)
		}
		if err := e.Fire(ctx, ReconstructionLossCompleted); err != nil {
			return err
		}

		adv, err := t.gLoss.Forward(logits)
		if err != nil {
			return fmt.Errorf("generator loss failed: %w", err)
		}
		if out[KeyGeneratorLoss], err = tensor.MeanAutograd(adv); err != nil {
			return fmt.Errorf("failed to reduce generator loss: %w", err)
		}
		return e.Fire(ctx, GeneratorLossCompleted)
	}

	if err := t.autocast(compute); err != nil {
		return err
	}

	loss, err := tensor.AddAutograd(out[KeyReconstructionLoss], out[KeyGeneratorLoss])
	if err != nil {
		return fmt.Errorf("failed to combine generator losses: %w", err)
	}
	out[KeyLoss] = loss

	if t.amp {
		if err := t.scaledBackward(t.gScaler, loss); err != nil {
			return fmt.Errorf("generator backward failed: %w", err)
		}
		if err := e.Fire(ctx, GeneratorBackwardCompleted); err != nil {
			return err
		}
		if err := t.scaledStep(ctx, "generator", t.gScaler, t.gOptimizer); err != nil {
			return err
		}
	} else {
		if err := loss.Backward(); err != nil {
			return fmt.Errorf("generator backward failed: %w", err)
		}
		if err := e.Fire(ctx, GeneratorBackwardCompleted); err != nil {
			return err
		}
		if err := t.gOptimizer.Step(); err != nil {
			return fmt.Errorf("generator optimizer step failed: %w", err)
		}
	}
	return e.Fire(ctx, GeneratorModelCompleted)
}

func (t *AdversarialTrainer) trainDiscriminator(ctx context.Context, e *engine.Engine, out Output, args []any, kwargs map[string]any) error {
	t.dNetwork.Train()
	t.dNetwork.ZeroGrad(t.optimSetToNone)

	compute := func() error {
		reals, err := out[KeyReals].Contiguous()
		if err != nil {
			return fmt.Errorf("failed to prepare reals: %w", err)
		}
		realLogits, err := t.dInferer.Infer(reals.Detach(), t.dNetwork, args, kwargs)
		if err != nil {
			return fmt.Errorf("discriminator forward on reals failed: %w", err)
		}
		out[KeyRealLogits] = realLogits
		if err := e.Fire(ctx, DiscriminatorRealsForwardCompleted); err != nil {
			return err
		}

		fakes, err := out[KeyFakes].Contiguous()
		if err != nil {
			return fmt.Errorf("failed to prepare fakes: %w", err)
		}
		fakeLogits, err := t.dInferer.Infer(fakes.Detach(), t.dNetwork, args, kwargs)
		if err != nil {
			return fmt.Errorf("discriminator forward on fakes failed: %w", err)
		}
		out[KeyFakeLogits] = fakeLogits
		if err := e.Fire(ctx, DiscriminatorFakesForwardCompleted); err != nil {
			return err
		}

		dLoss, err := t.dLoss.Forward(realLogits, fakeLogits)
		if err != nil {
			return fmt.Errorf("discriminator loss failed: %w", err)
		}
		if out[KeyDiscriminatorLoss], err = tensor.MeanAutograd(dLoss); err != nil {
			return fmt.Errorf("failed to reduce discriminator loss: %w", err)
		}
		return e.Fire(ctx, DiscriminatorLossCompleted)
	}

	if err := t.autocast(compute); err != nil {
		return err
	}

	if t.amp {
		if err := t.scaledBackward(t.dScaler, out[KeyDiscriminatorLoss]); err != nil {
			return fmt.Errorf("discriminator backward failed: %w", err)
		}
		if err := e.Fire(ctx, DiscriminatorBackwardCompleted); err != nil {
			return err
		}
		return t.scaledStep(ctx, "discriminator", t.dScaler, t.dOptimizer)
	}

	// The full precision path fires no backward event.
	if err := out[KeyDiscriminatorLoss].Backward(); err != nil {
		return fmt.Errorf("discriminator backward failed: %w", err)
	}
	if err := t.dOptimizer.Step(); err != nil {
		return fmt.Errorf("discriminator optimizer step failed: %w", err)
	}
	return nil
}

// autocast runs fn inside a mixed precision scope when AMP is enabled.
func (t *AdversarialTrainer) autocast(fn func() error) error {
	if !t.amp {
		return fn()
	}
	return tensor.Autocast(t.ampDType, fn)
}

func (t *AdversarialTrainer) scaledBackward(scaler *GradScaler, loss *tensor.Tensor) error {
	scaled, err := scaler.Scale(loss)
	if err != nil {
		return err
	}
	return scaled.Backward()
}

func (t *AdversarialTrainer) scaledStep(ctx context.Context, component string, scaler *GradScaler, opt optimizer.Optimizer) error {
	stepped, err := scaler.Step(opt)
	if err != nil {
		return fmt.Errorf("%s scaler step failed: %w", component, err)
	}
	if !stepped {
		engine.LoggerFrom(ctx).Debug("Skipped optimizer step on overflowing gradients.",
			"component", component, "scale", scaler.GetScale())
	}
	scaler.Update()
	return nil
}

// outputProcessor decollates and postprocesses every iteration output.
type outputProcessor struct {
	decollate   bool
	postprocess PostprocessFunc
}

func (p *outputProcessor) Attach(e *engine.Engine) error {
	return e.On(engine.IterationCompleted, p.process)
}

func (p *outputProcessor) process(ctx context.Context, e *engine.Engine) error {
	st := e.State()
	out, ok := st.Output.(Output)
	if !ok {
		return fmt.Errorf("cannot process output of type %T", st.Output)
	}

	if !p.decollate {
		processed, err := p.postprocess(out)
		if err != nil {
			return fmt.Errorf("postprocessing failed: %w", err)
		}
		st.Output = Output(processed)
		return nil
	}

	samples, err := Decollate(out)
	if err != nil {
		return err
	}
	if p.postprocess != nil {
		for i, s := range samples {
			if samples[i], err = p.postprocess(s); err != nil {
				return fmt.Errorf("postprocessing sample %d failed: %w", i, err)
			}
		}
	}
	st.DecollatedOutput = samples
	return nil
}
