package training

import "github.com/tsawler/go-adversarial/tensor"

// Keys of the adversarial iteration output.
const (
	KeyImage              = "image"
	KeyLabel              = "label"
	KeyPred               = "pred"
	KeyLoss               = "loss"
	KeyReals              = "reals"
	KeyFakes              = "fakes"
	KeyRealLogits         = "real_logits"
	KeyFakeLogits         = "fake_logits"
	KeyGFakeLogits        = "g_fake_logits"
	KeyReconstructionLoss = "reconstruction_loss"
	KeyGeneratorLoss      = "generator_loss"
	KeyDiscriminatorLoss  = "discriminator_loss"
)

// OutputKeys lists every key an adversarial iteration writes.
var OutputKeys = []string{
	KeyImage,
	KeyLabel,
	KeyPred,
	KeyLoss,
	KeyReals,
	KeyFakes,
	KeyRealLogits,
	KeyFakeLogits,
	KeyGFakeLogits,
	KeyReconstructionLoss,
	KeyGeneratorLoss,
	KeyDiscriminatorLoss,
}

// Output is the record an adversarial iteration produces. It is rebuilt
// for every batch.
type Output map[string]*tensor.Tensor

// Scalar returns the value of a single element entry.
func (o Output) Scalar(key string) (float64, bool) {
	t, ok := o[key]
	if !ok || t == nil || t.NumElems != 1 {
		return 0, false
	}
	v, err := t.Float64()
	if err != nil {
		return 0, false
	}
	return v, true
}
