package optimizer

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/tensor"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// ZeroGrad clears the gradients of every parameter. With setToNone the
	// gradient tensors are dropped instead of being filled with zeros.
	ZeroGrad(setToNone bool)

	// Step performs a single optimization step using the accumulated gradients.
	// Parameters without a gradient are skipped.
	Step() error

	// Parameters returns the tensors the optimizer updates
	Parameters() []*tensor.Tensor

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLR returns the current learning rate
	GetLR() float32

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// paramSet holds what every optimizer shares: its parameters, step counter
// and a learning rate that schedulers may update from another goroutine.
type paramSet struct {
	params    []*tensor.Tensor
	stepCount uint64

	mu           sync.RWMutex
	learningRate float32
}

func newParamSet(params []*tensor.Tensor, lr float32) (*paramSet, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return nil, fmt.Errorf("parameter %d is nil", i)
		}
		if !p.DType.IsFloating() {
			return nil, fmt.Errorf("parameter %d has non floating point dtype %s", i, p.DType)
		}
	}
	if lr < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", lr)
	}
	return &paramSet{params: params, learningRate: lr}, nil
}

func (ps *paramSet) ZeroGrad(setToNone bool) {
	tensor.ZeroGrad(ps.params, setToNone)
}

func (ps *paramSet) Parameters() []*tensor.Tensor {
	return ps.params
}

func (ps *paramSet) GetStepCount() uint64 {
	return ps.stepCount
}

func (ps *paramSet) GetLR() float32 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.learningRate
}

func (ps *paramSet) UpdateLearningRate(lr float32) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.learningRate = lr
}

// gradients returns the float data of a parameter and its gradient, or
// ok=false when the parameter has not received a gradient.
func gradients(p *tensor.Tensor) (data, grad []float32, ok bool, err error) {
	if p.Grad() == nil {
		return nil, nil, false, nil
	}
	data, err = p.GetFloat32Data()
	if err != nil {
		return nil, nil, false, err
	}
	grad, err = p.Grad().GetFloat32Data()
	if err != nil {
		return nil, nil, false, err
	}
	if len(grad) != len(data) {
		return nil, nil, false, fmt.Errorf("gradient has %d elements, parameter has %d", len(grad), len(data))
	}
	return data, grad, true, nil
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
