package tensor

import (
	"fmt"
	"math"
)

// track wires result into the graph when any input requires a gradient.
// Results computed only from constants stay leaves so no graph is kept.
func track(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

func expectInputs(name string, inputs []*Tensor, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%s requires exactly %d input(s), got %d", name, n, len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("%s: input %d is nil", name, i)
		}
	}
	return nil
}

// AddOp implements the Operation interface for tensor addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("AddOp", inputs, 2); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1, reduced over broadcast dimensions
	gradA, err := SumToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input A: %w", err)
	}
	gradB, err := SumToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input B: %w", err)
	}
	return []*Tensor{gradA, gradB}, nil
}

// SubOp implements the Operation interface for tensor subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("SubOp", inputs, 2); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := SumToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input A: %w", err)
	}
	neg, err := Scale(gradOut, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to negate gradient: %w", err)
	}
	gradB, err := SumToShape(neg, op.inputs[1].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input B: %w", err)
	}
	return []*Tensor{gradA, gradB}, nil
}

// MulOp implements the Operation interface for element-wise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("MulOp", inputs, 2); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	gradAFull, err := Mul(gradOut, b)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed for gradA: %w", err)
	}
	gradA, err := SumToShape(gradAFull, a.Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input A: %w", err)
	}

	gradBFull, err := Mul(gradOut, a)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed for gradB: %w", err)
	}
	gradB, err := SumToShape(gradBFull, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input B: %w", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// ScaleOp multiplies its input by a constant factor.
type ScaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("ScaleOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := Scale(inputs[0], op.factor)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Scale(gradOut, op.factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// AddScalarOp adds a constant to its input.
type AddScalarOp struct {
	inputs []*Tensor
	value  float64
}

func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("AddScalarOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := AddScalar(inputs[0], op.value)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *AddScalarOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut}, nil
}

// MatMulOp implements the Operation interface for matrix multiplication.
// Inside an autocast scope both operands are rounded to the autocast dtype
// and the product is produced in that dtype.
type MatMulOp struct {
	inputs []*Tensor
	a, b   *Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("MatMulOp", inputs, 2); err != nil {
		return nil, err
	}
	op.inputs = inputs
	op.a, op.b = inputs[0], inputs[1]

	if dtype, ok := AutocastDType(); ok && dtype != Float32 {
		var err error
		if op.a.DType != dtype {
			if op.a, err = castData(op.a, dtype); err != nil {
				return nil, fmt.Errorf("autocast failed for input A: %w", err)
			}
		}
		if op.b.DType != dtype {
			if op.b, err = castData(op.b, dtype); err != nil {
				return nil, fmt.Errorf("autocast failed for input B: %w", err)
			}
		}
	}

	result, err := MatMul(op.a, op.b)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(A @ B)/∂A = gradOut @ B^T, ∂(A @ B)/∂B = A^T @ gradOut
	bT, err := Transpose(op.b, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to transpose B: %w", err)
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed for gradA: %w", err)
	}

	aT, err := Transpose(op.a, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to transpose A: %w", err)
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed for gradB: %w", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// TransposeOp swaps the two dimensions of a matrix.
type TransposeOp struct {
	inputs []*Tensor
}

func (op *TransposeOp) Inputs() []*Tensor { return op.inputs }

func (op *TransposeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("TransposeOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := Transpose(inputs[0], 0, 1)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *TransposeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Transpose(gradOut, 0, 1)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// unaryGradOp covers the element-wise activations whose derivative can be
// expressed from the input and the output.
type unaryGradOp struct {
	name    string
	inputs  []*Tensor
	output  *Tensor
	forward func(*Tensor) (*Tensor, error)
	deriv   func(x, y float32) float32
}

func (op *unaryGradOp) Inputs() []*Tensor { return op.inputs }

func (op *unaryGradOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs(op.name, inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := op.forward(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	op.output = result
	return track(result, op, inputs...), nil
}

func (op *unaryGradOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, err := op.inputs[0].floats()
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", op.name, err)
	}
	y := op.output.Data.([]float32)
	g, err := gradOut.floats()
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", op.name, err)
	}
	if len(g) != len(x) {
		return nil, fmt.Errorf("%s backward: gradient has %d elements, input has %d", op.name, len(g), len(x))
	}

	out := make([]float32, len(x))
	for i := range x {
		out[i] = g[i] * op.deriv(x[i], y[i])
	}
	grad, err := NewTensor(op.inputs[0].Shape, Float32, gradOut.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func newReLUOp() *unaryGradOp {
	return &unaryGradOp{name: "ReLUOp", forward: ReLU, deriv: func(x, _ float32) float32 {
		if x > 0 {
			return 1
		}
		return 0
	}}
}

func newLeakyReLUOp(slope float32) *unaryGradOp {
	return &unaryGradOp{
		name:    "LeakyReLUOp",
		forward: func(t *Tensor) (*Tensor, error) { return LeakyReLU(t, slope) },
		deriv: func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return slope
		},
	}
}

func newSigmoidOp() *unaryGradOp {
	return &unaryGradOp{name: "SigmoidOp", forward: Sigmoid, deriv: func(_, y float32) float32 {
		return y * (1 - y)
	}}
}

func newTanhOp() *unaryGradOp {
	return &unaryGradOp{name: "TanhOp", forward: Tanh, deriv: func(_, y float32) float32 {
		return 1 - y*y
	}}
}

func newAbsOp() *unaryGradOp {
	return &unaryGradOp{name: "AbsOp", forward: Abs, deriv: func(x, _ float32) float32 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		default:
			return 0
		}
	}}
}

func newSoftplusOp() *unaryGradOp {
	return &unaryGradOp{name: "SoftplusOp", forward: Softplus, deriv: func(x, _ float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}}
}

// MeanOp averages all elements into a tensor of shape [1].
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("MeanOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := MeanAll(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *MeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Float64()
	if err != nil {
		return nil, fmt.Errorf("MeanOp backward: %w", err)
	}
	in := op.inputs[0]
	grad, err := Full(in.Shape, float32(g/float64(in.NumElems)), Float32, in.Device)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// SumOp sums all elements into a tensor of shape [1].
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("SumOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	if !inputs[0].DType.IsFloating() {
		return nil, fmt.Errorf("SumOp requires a floating point input, got %s", inputs[0].DType)
	}
	result, err := SumAll(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *SumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Float64()
	if err != nil {
		return nil, fmt.Errorf("SumOp backward: %w", err)
	}
	in := op.inputs[0]
	grad, err := Full(in.Shape, float32(g), Float32, in.Device)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// ReshapeOp changes the shape of its input while keeping it in the graph.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("ReshapeOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := inputs[0].Reshape(op.shape)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return track(result, op, inputs...), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// CastOp converts its input to another dtype. The gradient is cast back to
// the dtype of the input.
type CastOp struct {
	inputs []*Tensor
	dtype  DType
}

func (op *CastOp) Inputs() []*Tensor { return op.inputs }

func (op *CastOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if err := expectInputs("CastOp", inputs, 1); err != nil {
		return nil, err
	}
	op.inputs = inputs
	result, err := castData(inputs[0], op.dtype)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	result.requiresGrad = false
	return track(result, op, inputs...), nil
}

func (op *CastOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := castData(gradOut, op.inputs[0].DType)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// High-level autograd functions that create and execute operations

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	return (&SubOp{}).Forward(a, b)
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MulOp{}).Forward(a, b)
}

func ScaleAutograd(a *Tensor, factor float64) (*Tensor, error) {
	return (&ScaleOp{factor: factor}).Forward(a)
}

func AddScalarAutograd(a *Tensor, value float64) (*Tensor, error) {
	return (&AddScalarOp{value: value}).Forward(a)
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MatMulOp{}).Forward(a, b)
}

func TransposeAutograd(a *Tensor) (*Tensor, error) {
	return (&TransposeOp{}).Forward(a)
}

func ReLUAutograd(a *Tensor) (*Tensor, error) {
	return newReLUOp().Forward(a)
}

func LeakyReLUAutograd(a *Tensor, slope float32) (*Tensor, error) {
	return newLeakyReLUOp(slope).Forward(a)
}

func SigmoidAutograd(a *Tensor) (*Tensor, error) {
	return newSigmoidOp().Forward(a)
}

func TanhAutograd(a *Tensor) (*Tensor, error) {
	return newTanhOp().Forward(a)
}

func AbsAutograd(a *Tensor) (*Tensor, error) {
	return newAbsOp().Forward(a)
}

func SoftplusAutograd(a *Tensor) (*Tensor, error) {
	return newSoftplusOp().Forward(a)
}

func MeanAutograd(a *Tensor) (*Tensor, error) {
	return (&MeanOp{}).Forward(a)
}

func SumAutograd(a *Tensor) (*Tensor, error) {
	return (&SumOp{}).Forward(a)
}

func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{shape: append([]int(nil), shape...)}).Forward(a)
}

func CastAutograd(a *Tensor, dtype DType) (*Tensor, error) {
	return (&CastOp{dtype: dtype}).Forward(a)
}

// CloneAutograd copies a tensor while keeping the copy in the graph.
func CloneAutograd(a *Tensor) (*Tensor, error) {
	return (&CastOp{dtype: a.DType}).Forward(a)
}

// Backward computes gradients of t with respect to every leaf tensor that
// requires them. t must hold a single element; use BackwardWithGrad to seed
// the pass with an explicit gradient.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward can only be called implicitly on single element tensors, got shape %v", t.Shape)
	}
	seed, err := Ones(t.Shape, Float32, t.Device)
	if err != nil {
		return err
	}
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad propagates seed from t through the graph, accumulating
// into the Grad of each leaf that requires one.
func (t *Tensor) BackwardWithGrad(seed *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad and has no creator")
	}
	if !shapesEqual(seed.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		grad, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.requiresGrad {
				if err := node.accumulateGrad(grad); err != nil {
					return err
				}
			}
			continue
		}

		inputGrads, err := node.creator.Backward(grad)
		if err != nil {
			return fmt.Errorf("backward through %T failed: %w", node.creator, err)
		}
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			if !in.requiresGrad || inputGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				sum, err := Add(prev, inputGrads[j])
				if err != nil {
					return fmt.Errorf("failed to accumulate gradient: %w", err)
				}
				grads[in] = sum
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}

	return nil
}

// topologicalOrder lists every tensor reachable from root with inputs
// before the tensors computed from them.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

// accumulateGrad adds grad into the leaf's gradient, allocating it in the
// leaf's dtype on first use.
func (t *Tensor) accumulateGrad(grad *Tensor) error {
	if !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match leaf shape %v", grad.Shape, t.Shape)
	}
	src, err := grad.floats()
	if err != nil {
		return fmt.Errorf("failed to accumulate gradient: %w", err)
	}

	if t.grad == nil {
		data := make([]float32, len(src))
		copy(data, src)
		g, err := NewTensor(t.Shape, t.DType, t.Device, data)
		if err != nil {
			return err
		}
		t.grad = g
		return nil
	}

	dst, err := t.grad.floats()
	if err != nil {
		return err
	}
	for i, v := range src {
		dst[i] += v
	}
	if t.grad.DType == Float16 {
		roundToHalf(dst)
	}
	return nil
}
