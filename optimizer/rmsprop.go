package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/tensor"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages
type RMSPropOptimizerState struct {
	*paramSet

	Alpha       float32 // Smoothing constant (typically 0.99)
	Epsilon     float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float32 // L2 regularization coefficient
	Momentum    float32 // Momentum coefficient (0.0 for no momentum)
	Centered    bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers [][]float32 // Running average of squared gradients
	MomentumBuffers       [][]float32 // Only allocated when Momentum > 0
	GradientAvgBuffers    [][]float32 // Only allocated when Centered
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*tensor.Tensor) (*RMSPropOptimizerState, error) {
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	ps, err := newParamSet(params, config.LearningRate)
	if err != nil {
		return nil, err
	}

	rms := &RMSPropOptimizerState{
		paramSet:              ps,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: zeroBuffers(params),
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = zeroBuffers(params)
	}
	if config.Centered {
		rms.GradientAvgBuffers = zeroBuffers(params)
	}

	return rms, nil
}

func zeroBuffers(params []*tensor.Tensor) [][]float32 {
	buffers := make([][]float32, len(params))
	for i, p := range params {
		buffers[i] = make([]float32, p.NumElems)
	}
	return buffers
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step() error {
	lr := rms.GetLR()
	rms.stepCount++

	for i, p := range rms.params {
		data, grad, ok, err := gradients(p)
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		if !ok {
			continue
		}

		sq := rms.SquaredGradAvgBuffers[i]
		for j := range data {
			g := grad[j] + rms.WeightDecay*data[j]
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*g*g

			avg := sq[j]
			if rms.Centered {
				ga := rms.GradientAvgBuffers[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*g
				avg -= ga[j] * ga[j]
			}
			denom := float32(math.Sqrt(float64(avg))) + rms.Epsilon

			if rms.Momentum > 0 {
				buf := rms.MomentumBuffers[i]
				buf[j] = rms.Momentum*buf[j] + g/denom
				data[j] -= lr * buf[j]
			} else {
				data[j] -= lr * g / denom
			}
		}
	}

	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	for i, p := range rms.params {
		stateData = append(stateData, *extractBufferState(rms.SquaredGradAvgBuffers[i], p.Shape,
			fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if rms.MomentumBuffers != nil {
			stateData = append(stateData, *extractBufferState(rms.MomentumBuffers[i], p.Shape,
				fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if rms.GradientAvgBuffers != nil {
			stateData = append(stateData, *extractBufferState(rms.GradientAvgBuffers[i], p.Shape,
				fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.GetLR(),
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
			"step_count":    rms.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rms.UpdateLearningRate(extractFloat32Param(state.Parameters, "learning_rate", rms.GetLR()))
	rms.Alpha = extractFloat32Param(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloat32Param(state.Parameters, "momentum", rms.Momentum)
	rms.Centered = extractBoolParam(state.Parameters, "centered", rms.Centered)
	rms.stepCount = extractUint64Param(state.Parameters, "step_count", rms.stepCount)

	if rms.Momentum > 0 && rms.MomentumBuffers == nil {
		rms.MomentumBuffers = zeroBuffers(rms.params)
	}
	if rms.Centered && rms.GradientAvgBuffers == nil {
		rms.GradientAvgBuffers = zeroBuffers(rms.params)
	}

	if err := restoreBuffers(rms.SquaredGradAvgBuffers, state, "squared_grad_avg"); err != nil {
		return err
	}
	if rms.MomentumBuffers != nil {
		if err := restoreBuffers(rms.MomentumBuffers, state, "momentum"); err != nil {
			return err
		}
	}
	if rms.GradientAvgBuffers != nil {
		if err := restoreBuffers(rms.GradientAvgBuffers, state, "gradient_avg"); err != nil {
			return err
		}
	}
	return nil
}
