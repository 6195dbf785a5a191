package optimizer

import (
	"fmt"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/tensor"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	*paramSet

	Momentum    float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float32 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	// Momentum buffers, allocated lazily on the first step of each parameter
	MomentumBuffers [][]float32
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	ps, err := newParamSet(params, config.LearningRate)
	if err != nil {
		return nil, err
	}

	return &SGDOptimizerState{
		paramSet:        ps,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make([][]float32, len(params)),
	}, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	lr := sgd.GetLR()
	sgd.stepCount++

	for i, p := range sgd.params {
		data, grad, ok, err := gradients(p)
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		if !ok {
			continue
		}

		var buf []float32
		if sgd.Momentum > 0 {
			buf = sgd.MomentumBuffers[i]
		}
		firstStep := sgd.Momentum > 0 && buf == nil
		if firstStep {
			buf = make([]float32, len(data))
			sgd.MomentumBuffers[i] = buf
		}

		for j := range data {
			g := grad[j] + sgd.WeightDecay*data[j]

			if buf != nil {
				if firstStep {
					buf[j] = g
				} else {
					buf[j] = sgd.Momentum*buf[j] + g
				}
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}

			data[j] -= lr * g
		}
	}

	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	if sgd.Momentum > 0 {
		for i, buffer := range sgd.MomentumBuffers {
			if t := extractBufferState(buffer, sgd.params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
				stateData = append(stateData, *t)
			}
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.GetLR(),
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.UpdateLearningRate(extractFloat32Param(state.Parameters, "learning_rate", sgd.GetLR()))
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	sgd.MomentumBuffers = allocateFor(sgd.params, state, "momentum")
	return restoreBuffers(sgd.MomentumBuffers, state, "momentum")
}

// allocateFor creates zeroed buffers for every parameter that has a saved
// stateType tensor, leaving the rest nil so they initialise on first step.
func allocateFor(params []*tensor.Tensor, state *OptimizerState, stateType string) [][]float32 {
	buffers := make([][]float32, len(params))
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx >= 0 && idx < len(params) {
			buffers[idx] = make([]float32, params[idx].NumElems)
		}
	}
	return buffers
}
