package training

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/engine"
	"github.com/tsawler/go-adversarial/optimizer"
	"github.com/tsawler/go-adversarial/tensor"
)

// scaleNet multiplies its input by a single learnable weight. With the
// weight at 1 it is an identity generator that still has a parameter.
type scaleNet struct {
	mode
	weight *tensor.Tensor
	calls  int
}

func newScaleNet(t *testing.T, w float32) *scaleNet {
	t.Helper()
	weight, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{w})
	if err != nil {
		t.Fatalf("failed to create weight: %v", err)
	}
	weight.SetRequiresGrad(true)
	return &scaleNet{mode: mode{true}, weight: weight}
}

func (n *scaleNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	n.calls++
	return tensor.MulAutograd(input, n.weight)
}

func (n *scaleNet) Parameters() []*tensor.Tensor { return []*tensor.Tensor{n.weight} }

func (n *scaleNet) ZeroGrad(setToNone bool) { tensor.ZeroGrad(n.Parameters(), setToNone) }

func (n *scaleNet) StateDict() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": n.weight}
}

func (n *scaleNet) LoadStateDict(state map[string]*tensor.Tensor) error {
	return loadInto(n.StateDict(), state)
}

// countingNet counts forward passes of the wrapped module.
type countingNet struct {
	Module
	calls int
}

func (n *countingNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	n.calls++
	return n.Module.Forward(input)
}

// newCritic returns a discriminator scoring each sample of the given
// per-sample size with one logit.
func newCritic(t *testing.T, features int) *countingNet {
	t.Helper()
	linear, err := NewLinear(features, 1, true, tensor.CPU)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}
	return &countingNet{Module: NewSequential(NewFlatten(), linear)}
}

// meanLogitLoss returns the logits unchanged, so the trainer's mean makes
// it the mean logit. It counts its calls as state.
type meanLogitLoss struct {
	Calls int
}

func (l *meanLogitLoss) Forward(fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	l.Calls++
	return fakeLogits, nil
}

func (l *meanLogitLoss) StateDict() map[string]any { return map[string]any{"calls": l.Calls} }

func (l *meanLogitLoss) LoadStateDict(state map[string]any) error {
	var rec struct {
		Calls int `json:"calls"`
	}
	if err := checkpoints.DecodeInto(state, &rec); err != nil {
		return err
	}
	l.Calls = rec.Calls
	return nil
}

// logitGapLoss scores fake minus real logits.
type logitGapLoss struct {
	Calls int
}

func (l *logitGapLoss) Forward(realLogits, fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	l.Calls++
	return tensor.SubAutograd(fakeLogits, realLogits)
}

func (l *logitGapLoss) StateDict() map[string]any { return map[string]any{"calls": l.Calls} }

func (l *logitGapLoss) LoadStateDict(state map[string]any) error {
	var rec struct {
		Calls int `json:"calls"`
	}
	if err := checkpoints.DecodeInto(state, &rec); err != nil {
		return err
	}
	l.Calls = rec.Calls
	return nil
}

// failingStateOptimizer reports an error when asked for its state.
type failingStateOptimizer struct {
	optimizer.Optimizer
}

func (failingStateOptimizer) GetState() (*optimizer.OptimizerState, error) {
	return nil, fmt.Errorf("state unavailable")
}

// recordHandler keeps every log record for inspection.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// warnings returns the messages of WARN records.
func (h *recordHandler) warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, r := range h.records {
		if r.Level == slog.LevelWarn {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

func (h *recordHandler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
}

// randomImages returns a [n, 1, size, size] batch with values in [0, 1).
func randomImages(t *testing.T, n, size int, seed int64) *tensor.Tensor {
	t.Helper()
	img, err := tensor.RandomWithSource([]int{n, 1, size, size}, tensor.Float32, tensor.CPU, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("failed to create images: %v", err)
	}
	return img
}

func mustSGD(t *testing.T, params []*tensor.Tensor) optimizer.Optimizer {
	t.Helper()
	opt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: 0.01}, params)
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}
	return opt
}

type trainerFixture struct {
	trainer *AdversarialTrainer
	gNet    *scaleNet
	dNet    *countingNet
	gOpt    optimizer.Optimizer
	dOpt    optimizer.Optimizer
	gLoss   *meanLogitLoss
	dLoss   *logitGapLoss
	logs    *recordHandler
	batch   []*tensor.Tensor
}

// newTrainerFixture builds a trainer over one [4,1,32,32] image/target
// batch with an identity generator and a linear critic. mutate may adjust
// the configuration before the trainer is created.
func newTrainerFixture(t *testing.T, amp bool, mutate func(*AdversarialTrainerConfig)) *trainerFixture {
	t.Helper()
	image := randomImages(t, 4, 32, 1)
	target, err := image.Clone()
	if err != nil {
		t.Fatalf("failed to clone image: %v", err)
	}

	f := &trainerFixture{
		gNet:  newScaleNet(t, 1),
		dNet:  newCritic(t, 32*32),
		gLoss: &meanLogitLoss{},
		dLoss: &logitGapLoss{},
		logs:  &recordHandler{},
		batch: []*tensor.Tensor{image, target},
	}
	f.gOpt = mustSGD(t, f.gNet.Parameters())
	f.dOpt = mustSGD(t, f.dNet.Parameters())

	config := AdversarialTrainerConfig{
		Device:     tensor.CPU,
		MaxEpochs:  1,
		Data:       engine.NewSliceSource(f.batch),
		GNetwork:   f.gNet,
		GOptimizer: f.gOpt,
		GLoss:      f.gLoss,
		ReconLoss:  NewMSELoss("mean"),
		DNetwork:   f.dNet,
		DOptimizer: f.dOpt,
		DLoss:      f.dLoss,
		AMP:        amp,
		GradScalerConfig: GradScalerConfig{
			InitScale:      1024,
			GrowthFactor:   2,
			BackoffFactor:  0.5,
			GrowthInterval: 2000,
		},
		Logger: slog.New(f.logs),
	}
	if mutate != nil {
		mutate(&config)
	}

	if f.trainer, err = NewAdversarialTrainer(config); err != nil {
		t.Fatalf("NewAdversarialTrainer failed: %v", err)
	}
	return f
}

// recordEvents appends the name of every observed event to a slice.
func recordEvents(t *testing.T, e *engine.Engine, events []engine.Event) *[]engine.Event {
	t.Helper()
	var fired []engine.Event
	for _, ev := range events {
		ev := ev
		if err := e.On(ev, func(context.Context, *engine.Engine) error {
			fired = append(fired, ev)
			return nil
		}); err != nil {
			t.Fatalf("failed to observe %s: %v", ev, err)
		}
	}
	return &fired
}

func scalar(t *testing.T, x *tensor.Tensor) float64 {
	t.Helper()
	v, err := x.Float64()
	if err != nil {
		t.Fatalf("failed to read scalar: %v", err)
	}
	return v
}
