package training

import (
	"fmt"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/tensor"
)

// GeneratorLoss scores generator output from the discriminator's logits on fakes.
type GeneratorLoss interface {
	Forward(fakeLogits *tensor.Tensor) (*tensor.Tensor, error)
}

// ReconstructionLoss compares generated samples with their targets.
type ReconstructionLoss interface {
	Forward(fakes, targets *tensor.Tensor) (*tensor.Tensor, error)
}

// DiscriminatorLoss scores the discriminator from real and fake logits jointly.
type DiscriminatorLoss interface {
	Forward(realLogits, fakeLogits *tensor.Tensor) (*tensor.Tensor, error)
}

// StatefulLoss is implemented by losses carrying state worth checkpointing.
type StatefulLoss interface {
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// GeneratorLossFunc adapts a function to GeneratorLoss.
type GeneratorLossFunc func(fakeLogits *tensor.Tensor) (*tensor.Tensor, error)

func (f GeneratorLossFunc) Forward(fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	return f(fakeLogits)
}

// ReconstructionLossFunc adapts a function to ReconstructionLoss.
type ReconstructionLossFunc func(fakes, targets *tensor.Tensor) (*tensor.Tensor, error)

func (f ReconstructionLossFunc) Forward(fakes, targets *tensor.Tensor) (*tensor.Tensor, error) {
	return f(fakes, targets)
}

// DiscriminatorLossFunc adapts a function to DiscriminatorLoss.
type DiscriminatorLossFunc func(realLogits, fakeLogits *tensor.Tensor) (*tensor.Tensor, error)

func (f DiscriminatorLossFunc) Forward(realLogits, fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	return f(realLogits, fakeLogits)
}

// reduce applies a reduction: "mean", "sum" or "none".
func reduce(t *tensor.Tensor, reduction string) (*tensor.Tensor, error) {
	switch reduction {
	case "", "mean":
		return tensor.MeanAutograd(t)
	case "sum":
		return tensor.SumAutograd(t)
	case "none":
		return t, nil
	default:
		return nil, fmt.Errorf("unknown reduction %q", reduction)
	}
}

func checkSameShape(a, b *tensor.Tensor) error {
	if !sameShape(a.Shape, b.Shape) {
		return fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean", "sum" or "none"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return nil, err
	}
	diff, err := tensor.SubAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %w", err)
	}
	squared, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %w", err)
	}
	return reduce(squared, mse.reduction)
}

// L1Loss implements mean absolute error
type L1Loss struct {
	reduction string
}

// NewL1Loss creates a new L1 loss function
func NewL1Loss(reduction string) *L1Loss {
	if reduction == "" {
		reduction = "mean"
	}
	return &L1Loss{reduction: reduction}
}

// Forward computes |y_pred - y_true|
func (l1 *L1Loss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return nil, err
	}
	diff, err := tensor.SubAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %w", err)
	}
	abs, err := tensor.AbsAutograd(diff)
	if err != nil {
		return nil, fmt.Errorf("abs failed: %w", err)
	}
	return reduce(abs, l1.reduction)
}

// bceWithLogits returns softplus(-x) when the label is real and softplus(x)
// when it is fake, i.e. binary cross entropy on sigmoid(x).
func bceWithLogits(logits *tensor.Tensor, real bool) (*tensor.Tensor, error) {
	x := logits
	if real {
		neg, err := tensor.ScaleAutograd(logits, -1)
		if err != nil {
			return nil, err
		}
		x = neg
	}
	return tensor.SoftplusAutograd(x)
}

// NonSaturatingLoss is the generator loss -log(sigmoid(D(G(z)))).
type NonSaturatingLoss struct {
	reduction string
}

func NewNonSaturatingLoss(reduction string) *NonSaturatingLoss {
	return &NonSaturatingLoss{reduction: reduction}
}

func (l *NonSaturatingLoss) Forward(fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	loss, err := bceWithLogits(fakeLogits, true)
	if err != nil {
		return nil, fmt.Errorf("non-saturating loss failed: %w", err)
	}
	return reduce(loss, l.reduction)
}

// BCEDiscriminatorLoss labels real logits 1 and fake logits 0.
type BCEDiscriminatorLoss struct {
	reduction string
}

func NewBCEDiscriminatorLoss(reduction string) *BCEDiscriminatorLoss {
	return &BCEDiscriminatorLoss{reduction: reduction}
}

func (l *BCEDiscriminatorLoss) Forward(realLogits, fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	realLoss, err := bceWithLogits(realLogits, true)
	if err != nil {
		return nil, fmt.Errorf("real term failed: %w", err)
	}
	fakeLoss, err := bceWithLogits(fakeLogits, false)
	if err != nil {
		return nil, fmt.Errorf("fake term failed: %w", err)
	}
	loss, err := tensor.AddAutograd(realLoss, fakeLoss)
	if err != nil {
		return nil, fmt.Errorf("failed to combine discriminator terms: %w", err)
	}
	return reduce(loss, l.reduction)
}

// WassersteinGeneratorLoss is -D(G(z)).
type WassersteinGeneratorLoss struct{}

func (WassersteinGeneratorLoss) Forward(fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ScaleAutograd(fakeLogits, -1)
}

// WassersteinDiscriminatorLoss is D(G(z)) - D(x).
type WassersteinDiscriminatorLoss struct{}

func (WassersteinDiscriminatorLoss) Forward(realLogits, fakeLogits *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SubAutograd(fakeLogits, realLogits)
}

// WeightedLoss scales a reconstruction loss and counts its evaluations. Its
// weight and count are saved with the trainer state.
type WeightedLoss struct {
	Loss   ReconstructionLoss
	Weight float64
	Calls  int
}

// NewWeightedLoss wraps loss with a constant weight.
func NewWeightedLoss(loss ReconstructionLoss, weight float64) *WeightedLoss {
	return &WeightedLoss{Loss: loss, Weight: weight}
}

func (w *WeightedLoss) Forward(fakes, targets *tensor.Tensor) (*tensor.Tensor, error) {
	loss, err := w.Loss.Forward(fakes, targets)
	if err != nil {
		return nil, err
	}
	w.Calls++
	return tensor.ScaleAutograd(loss, w.Weight)
}

func (w *WeightedLoss) StateDict() map[string]any {
	return map[string]any{"weight": w.Weight, "calls": w.Calls}
}

func (w *WeightedLoss) LoadStateDict(state map[string]any) error {
	var rec struct {
		Weight *float64 `json:"weight"`
		Calls  *int     `json:"calls"`
	}
	if err := checkpoints.DecodeInto(state, &rec); err != nil {
		return fmt.Errorf("failed to load weighted loss state: %w", err)
	}
	if rec.Weight == nil {
		return fmt.Errorf("failed to load weighted loss state: missing weight")
	}
	w.Weight = *rec.Weight
	if rec.Calls != nil {
		w.Calls = *rec.Calls
	}
	return nil
}
