package training

import (
	"fmt"

	"github.com/tsawler/go-adversarial/tensor"
)

// PreparedBatch is a batch moved to the training device and split into
// network inputs, targets and optional extra arguments.
type PreparedBatch struct {
	Inputs  *tensor.Tensor
	Targets *tensor.Tensor
	Args    []any
	Kwargs  map[string]any
}

// PrepareBatchFunc converts a raw batch for the iteration. kwargs carries
// the trainer's prepare-batch options.
type PrepareBatchFunc func(batch any, device tensor.DeviceType, nonBlocking bool, kwargs map[string]any) (PreparedBatch, error)

// ArgsBatch is a batch carrying extra network arguments.
type ArgsBatch struct {
	Image  *tensor.Tensor
	Label  *tensor.Tensor
	Args   []any
	Kwargs map[string]any
}

// DefaultPrepareBatch accepts a single tensor, an image/label pair given as
// a two element slice, a map keyed by KeyImage and KeyLabel or an
// ArgsBatch. Only ArgsBatch yields extra arguments. A "dtype" entry in
// kwargs casts inputs and targets.
func DefaultPrepareBatch(batch any, device tensor.DeviceType, nonBlocking bool, kwargs map[string]any) (PreparedBatch, error) {
	var pb PreparedBatch
	switch b := batch.(type) {
	case *tensor.Tensor:
		pb.Inputs = b
	case []*tensor.Tensor:
		if len(b) != 2 {
			return pb, fmt.Errorf("expected an image/label pair, got %d tensors", len(b))
		}
		pb.Inputs, pb.Targets = b[0], b[1]
	case map[string]*tensor.Tensor:
		pb.Inputs, pb.Targets = b[KeyImage], b[KeyLabel]
	case ArgsBatch:
		pb = PreparedBatch{Inputs: b.Image, Targets: b.Label, Args: b.Args, Kwargs: b.Kwargs}
	case *ArgsBatch:
		pb = PreparedBatch{Inputs: b.Image, Targets: b.Label, Args: b.Args, Kwargs: b.Kwargs}
	default:
		return pb, fmt.Errorf("unsupported batch type %T: expected a tensor, an image/label pair or a map", batch)
	}
	if pb.Inputs == nil {
		return pb, fmt.Errorf("batch has no %q tensor", KeyImage)
	}

	var err error
	if pb.Inputs, err = moveTo(pb.Inputs, device, nonBlocking, kwargs); err != nil {
		return pb, fmt.Errorf("failed to move inputs: %w", err)
	}
	if pb.Targets != nil {
		if pb.Targets, err = moveTo(pb.Targets, device, nonBlocking, kwargs); err != nil {
			return pb, fmt.Errorf("failed to move targets: %w", err)
		}
	}
	return pb, nil
}

func moveTo(t *tensor.Tensor, device tensor.DeviceType, nonBlocking bool, kwargs map[string]any) (*tensor.Tensor, error) {
	out, err := t.ToDevice(device, nonBlocking)
	if err != nil {
		return nil, err
	}
	if dt, ok := kwargs["dtype"].(tensor.DType); ok && out.DType != dt {
		return tensor.CastAutograd(out, dt)
	}
	return out, nil
}

// Decollate splits a batch-first output into one record per sample. Tensors
// whose leading dimension equals the batch size are sliced; everything else,
// such as scalar losses, is shared by every sample.
func Decollate(out Output) ([]map[string]*tensor.Tensor, error) {
	image, ok := out[KeyImage]
	if !ok || image == nil || image.Dim() == 0 {
		return nil, fmt.Errorf("cannot decollate output without a batch-first %q", KeyImage)
	}
	batchSize := image.Shape[0]

	samples := make([]map[string]*tensor.Tensor, batchSize)
	for i := range samples {
		samples[i] = make(map[string]*tensor.Tensor, len(out))
	}
	for key, t := range out {
		if t == nil {
			continue
		}
		if t.Dim() == 0 || t.Shape[0] != batchSize {
			for i := range samples {
				samples[i][key] = t
			}
			continue
		}
		for i := range samples {
			s, err := sliceSample(t, i)
			if err != nil {
				return nil, fmt.Errorf("failed to decollate %q: %w", key, err)
			}
			samples[i][key] = s
		}
	}
	return samples, nil
}

// sliceSample copies sample i of a batch-first tensor, detached from the graph.
func sliceSample(t *tensor.Tensor, i int) (*tensor.Tensor, error) {
	size := t.NumElems / t.Shape[0]
	shape := t.Shape[1:]
	if len(shape) == 0 {
		shape = []int{1}
	}
	switch data := t.Data.(type) {
	case []float32:
		return tensor.NewTensor(shape, t.DType, t.Device, append([]float32(nil), data[i*size:(i+1)*size]...))
	case []int32:
		return tensor.NewTensor(shape, t.DType, t.Device, append([]int32(nil), data[i*size:(i+1)*size]...))
	default:
		return nil, fmt.Errorf("unsupported data %T", t.Data)
	}
}
