package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/tensor"
)

// AdamOptimizerState holds Adam hyperparameters and moment buffers
type AdamOptimizerState struct {
	*paramSet

	Beta1       float32 // Momentum decay (typically 0.9)
	Beta2       float32 // Variance decay (typically 0.999)
	Epsilon     float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter
	paramSteps      []uint64    // Steps taken by each parameter, for bias correction
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizerState, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	ps, err := newParamSet(params, config.LearningRate)
	if err != nil {
		return nil, err
	}

	adam := &AdamOptimizerState{
		paramSet:        ps,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
		paramSteps:      make([]uint64, len(params)),
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float32, p.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.NumElems)
	}

	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	lr := float64(adam.GetLR())
	adam.stepCount++

	for i, p := range adam.params {
		data, grad, ok, err := gradients(p)
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		if !ok {
			continue
		}

		adam.paramSteps[i]++
		step := float64(adam.paramSteps[i])
		bias1 := 1 - math.Pow(float64(adam.Beta1), step)
		bias2 := 1 - math.Pow(float64(adam.Beta2), step)

		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j := range data {
			g := grad[j] + adam.WeightDecay*data[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g

			mHat := float64(m[j]) / bias1
			vHat := float64(v[j]) / bias2
			data[j] -= float32(lr * mHat / (math.Sqrt(vHat) + float64(adam.Epsilon)))
		}
	}

	return nil
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.stepCount,
		LearningRate:    adam.GetLR(),
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.params),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int
}

// getTotalBufferSize calculates bytes used by optimizer state
func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for i := range adam.MomentumBuffers {
		total += (len(adam.MomentumBuffers[i]) + len(adam.VarianceBuffers[i])) * 4
	}
	return total
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))

	for i, p := range adam.params {
		stateData = append(stateData,
			*extractBufferState(adam.MomentumBuffers[i], p.Shape, fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], p.Shape, fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	paramSteps := make([]interface{}, len(adam.paramSteps))
	for i, s := range adam.paramSteps {
		paramSteps[i] = s
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.GetLR(),
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.stepCount,
			"param_steps":   paramSteps,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.UpdateLearningRate(extractFloat32Param(state.Parameters, "learning_rate", adam.GetLR()))
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)

	if steps, ok := state.Parameters["param_steps"].([]interface{}); ok && len(steps) == len(adam.paramSteps) {
		for i, s := range steps {
			adam.paramSteps[i] = extractUint64Param(map[string]interface{}{"s": s}, "s", adam.stepCount)
		}
	} else {
		for i := range adam.paramSteps {
			adam.paramSteps[i] = adam.stepCount
		}
	}

	if err := restoreBuffers(adam.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBuffers(adam.VarianceBuffers, state, "variance")
}
