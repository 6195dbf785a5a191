package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType.IsFloating() != t2.DType.IsFloating() {
		return fmt.Errorf("tensors must have compatible dtypes: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// resultDType promotes Float16 to Float32 when the operands disagree.
func resultDType(t1, t2 *Tensor) DType {
	if t1.DType == t2.DType {
		return t1.DType
	}
	return Float32
}

// binaryOp applies f element-wise after broadcasting both operands.
func binaryOp(name string, t1, t2 *Tensor, f func(a, b float32) float32, fi func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	a, b, err := BroadcastTensorsForOperation(t1, t2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	dtype := resultDType(t1, t2)
	result, err := Zeros(a.Shape, dtype, a.Device)
	if err != nil {
		return nil, err
	}

	switch {
	case dtype.IsFloating():
		data1 := a.Data.([]float32)
		data2 := b.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < result.NumElems; i++ {
			resultData[i] = f(data1[i], data2[i])
		}
		if dtype == Float16 {
			roundToHalf(resultData)
		}
	case dtype == Int32 && fi != nil:
		data1 := a.Data.([]int32)
		data2 := b.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < result.NumElems; i++ {
			resultData[i] = fi(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, dtype)
	}

	return result, nil
}

// unaryOp applies f to every element of a floating point tensor.
func unaryOp(name string, t *Tensor, f func(x float32) float32) (*Tensor, error) {
	data, err := t.floats()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = f(v)
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Add", t1, t2,
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", t1, t2,
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", t1, t2,
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Div", t1, t2,
		func(a, b float32) float32 { return a / b },
		nil)
}

// Scale multiplies every element by a constant.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	if t.DType == Int32 {
		data := t.Data.([]int32)
		out := make([]int32, len(data))
		for i, v := range data {
			out[i] = int32(float64(v) * factor)
		}
		return NewTensor(t.Shape, t.DType, t.Device, out)
	}
	f := float32(factor)
	return unaryOp("Scale", t, func(x float32) float32 { return x * f })
}

// AddScalar adds a constant to every element.
func AddScalar(t *Tensor, value float64) (*Tensor, error) {
	v := float32(value)
	return unaryOp("AddScalar", t, func(x float32) float32 { return x + v })
}

func ReLU(t *Tensor) (*Tensor, error) {
	if t.DType == Int32 {
		data := t.Data.([]int32)
		out := make([]int32, len(data))
		for i, v := range data {
			if v > 0 {
				out[i] = v
			}
		}
		return NewTensor(t.Shape, t.DType, t.Device, out)
	}
	return unaryOp("ReLU", t, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func LeakyReLU(t *Tensor, slope float32) (*Tensor, error) {
	return unaryOp("LeakyReLU", t, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return slope * x
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryOp("Sigmoid", t, func(x float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	})
}

func Tanh(t *Tensor) (*Tensor, error) {
	return unaryOp("Tanh", t, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp("Exp", t, func(x float32) float32 {
		return float32(math.Exp(float64(x)))
	})
}

func Log(t *Tensor) (*Tensor, error) {
	return unaryOp("Log", t, func(x float32) float32 {
		return float32(math.Log(float64(x)))
	})
}

func Abs(t *Tensor) (*Tensor, error) {
	return unaryOp("Abs", t, func(x float32) float32 {
		return float32(math.Abs(float64(x)))
	})
}

// Softplus computes log(1 + exp(x)) without overflowing for large x.
func Softplus(t *Tensor) (*Tensor, error) {
	return unaryOp("Softplus", t, func(x float32) float32 {
		v := float64(x)
		if v > 20 {
			return x
		}
		return float32(math.Log1p(math.Exp(v)))
	})
}

func Sqrt(t *Tensor) (*Tensor, error) {
	return unaryOp("Sqrt", t, func(x float32) float32 {
		return float32(math.Sqrt(float64(x)))
	})
}
