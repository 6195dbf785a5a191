package tensor

import (
	"fmt"
)

func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-dimensional tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	dtype := resultDType(t1, t2)
	result, err := Zeros([]int{rows1, cols2}, dtype, t1.Device)
	if err != nil {
		return nil, err
	}

	switch {
	case dtype.IsFloating():
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < rows1; i++ {
			for k := 0; k < cols1; k++ {
				a := data1[i*cols1+k]
				if a == 0 {
					continue
				}
				row := data2[k*cols2 : (k+1)*cols2]
				out := resultData[i*cols2 : (i+1)*cols2]
				for j, b := range row {
					out[j] += a * b
				}
			}
		}
		if dtype == Float16 {
			roundToHalf(resultData)
		}
	case dtype == Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < rows1; i++ {
			for j := 0; j < cols2; j++ {
				var sum int32
				for k := 0; k < cols1; k++ {
					sum += data1[i*cols1+k] * data2[k*cols2+j]
				}
				resultData[i*cols2+j] = sum
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", dtype)
	}

	return result, nil
}

func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose supports 2-dimensional tensors, got %v", t.Shape)
	}
	if dim0 < 0 || dim0 > 1 || dim1 < 0 || dim1 > 1 {
		return nil, fmt.Errorf("transpose dimensions (%d, %d) out of range for 2-dimensional tensor", dim0, dim1)
	}
	if dim0 == dim1 {
		return t.Clone()
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows}, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	switch src := t.Data.(type) {
	case []float32:
		dst := result.Data.([]float32)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dst[j*rows+i] = src[i*cols+j]
			}
		}
	case []int32:
		dst := result.Data.([]int32)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dst[j*rows+i] = src[i*cols+j]
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	return t.Reshape(newShape)
}

func Flatten(t *Tensor) (*Tensor, error) {
	return t.Reshape([]int{t.NumElems})
}

// SumAll reduces every element to a tensor of shape [1].
func SumAll(t *Tensor) (*Tensor, error) {
	switch data := t.Data.(type) {
	case []float32:
		var sum float64
		for _, v := range data {
			sum += float64(v)
		}
		return NewTensor([]int{1}, t.DType, t.Device, []float32{float32(sum)})
	case []int32:
		var sum int32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, t.DType, t.Device, []int32{sum})
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}
}

// MeanAll averages every element into a tensor of shape [1].
// Reductions always accumulate and return Float32, as autocast would.
func MeanAll(t *Tensor) (*Tensor, error) {
	data, err := t.floats()
	if err != nil {
		return nil, fmt.Errorf("mean: %w", err)
	}
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return NewTensor([]int{1}, Float32, t.Device, []float32{float32(sum / float64(len(data)))})
}

// SumToShape sums a broadcast gradient back down to targetShape.
func SumToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}
	if calculateNumElements(targetShape) == 1 {
		total, err := SumAll(grad)
		if err != nil {
			return nil, err
		}
		return total.Reshape(append([]int(nil), targetShape...))
	}

	gradData, err := grad.floats()
	if err != nil {
		return nil, err
	}

	result, err := Zeros(targetShape, grad.DType, grad.Device)
	if err != nil {
		return nil, err
	}
	resultData := result.Data.([]float32)

	numDims := len(grad.Shape)
	targetDims := len(targetShape)
	if targetDims > numDims {
		return nil, fmt.Errorf("cannot reduce gradient of shape %v to larger shape %v", grad.Shape, targetShape)
	}
	targetStrides := calculateStrides(targetShape)
	coords := make([]int, numDims)

	for idx, v := range gradData {
		remaining := idx
		for i := numDims - 1; i >= 0; i-- {
			coords[i] = remaining % grad.Shape[i]
			remaining /= grad.Shape[i]
		}
		dst := 0
		for i := 0; i < targetDims; i++ {
			coord := coords[i+numDims-targetDims]
			if targetShape[i] == 1 {
				coord = 0
			}
			dst += coord * targetStrides[i]
		}
		resultData[dst] += v
	}

	return result, nil
}
