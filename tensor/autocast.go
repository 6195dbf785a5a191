package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// autocastStack holds the compute dtype of each active autocast scope.
// Training runs on a single goroutine, so the stack is not synchronised.
var autocastStack []DType

// Autocast runs fn with lower precision compute enabled. Inside the scope
// matrix products round their operands and results to dtype, mirroring the
// way mixed precision kernels run matmuls in half precision while the
// elementwise and reduction ops stay in Float32.
func Autocast(dtype DType, fn func() error) error {
	if dtype != Float16 && dtype != Float32 {
		return fmt.Errorf("unsupported autocast dtype: %s", dtype)
	}
	autocastStack = append(autocastStack, dtype)
	defer func() {
		autocastStack = autocastStack[:len(autocastStack)-1]
	}()
	return fn()
}

// AutocastDType returns the innermost autocast dtype and whether a scope is active.
func AutocastDType() (DType, bool) {
	if len(autocastStack) == 0 {
		return Float32, false
	}
	return autocastStack[len(autocastStack)-1], true
}

// roundToHalf rounds every value in place to the nearest float16.
func roundToHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// HalfPrecisionValue rounds a single value through float16.
func HalfPrecisionValue(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// castData converts t's values to dtype without touching autograd state.
func castData(t *Tensor, dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone()
	}
	switch {
	case t.DType.IsFloating() && dtype.IsFloating():
		src := t.Data.([]float32)
		out := make([]float32, len(src))
		copy(out, src)
		return NewTensor(t.Shape, dtype, t.Device, out)
	case t.DType == Int32 && dtype.IsFloating():
		src := t.Data.([]int32)
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float32(v)
		}
		return NewTensor(t.Shape, dtype, t.Device, out)
	case t.DType.IsFloating() && dtype == Int32:
		src := t.Data.([]float32)
		out := make([]int32, len(src))
		for i, v := range src {
			out[i] = int32(v)
		}
		return NewTensor(t.Shape, dtype, t.Device, out)
	default:
		return nil, fmt.Errorf("unsupported cast from %s to %s", t.DType, dtype)
	}
}
