package tensor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Reshape returns a new tensor with the same data but different shape
// The new shape must have the same total number of elements
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	newShape = append([]int(nil), newShape...)
	newNumElems := 1
	hasNegOne := false
	negOneIdx := -1

	for i, dim := range newShape {
		if dim < 0 {
			if dim != -1 {
				return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
			}
			if hasNegOne {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			hasNegOne = true
			negOneIdx = i
		} else if dim == 0 {
			return nil, fmt.Errorf("dimension %d cannot be 0", i)
		} else {
			newNumElems *= dim
		}
	}

	if hasNegOne {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		inferredDim := t.NumElems / newNumElems
		newShape[negOneIdx] = inferredDim
		newNumElems *= inferredDim
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, newNumElems)
	}

	// The reshaped view shares storage but is detached from the graph;
	// ReshapeAutograd keeps the graph connected.
	return &Tensor{
		Shape:    newShape,
		Strides:  calculateStrides(newShape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        make([]int, len(t.Shape)),
		Strides:      make([]int, len(t.Strides)),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)

	switch data := t.Data.(type) {
	case []float32:
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case []int32:
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case nil:
		return nil, fmt.Errorf("tensor has nil data")
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

// Detach returns a tensor sharing t's storage that the autograd graph
// treats as a constant.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// IsContiguous reports whether the strides describe a dense row-major layout.
func (t *Tensor) IsContiguous() bool {
	expected := calculateStrides(t.Shape)
	if len(expected) != len(t.Strides) {
		return false
	}
	for i := range expected {
		if t.Shape[i] != 1 && expected[i] != t.Strides[i] {
			return false
		}
	}
	return true
}

// Contiguous returns t itself when it is already dense, otherwise a dense
// copy that stays connected to the graph.
func (t *Tensor) Contiguous() (*Tensor, error) {
	if t.IsContiguous() {
		return t, nil
	}
	return CloneAutograd(t)
}

// Float coerces a tensor to Float32, returning t itself when it already is.
func (t *Tensor) Float() (*Tensor, error) {
	if t.DType == Float32 {
		return t, nil
	}
	return CastAutograd(t, Float32)
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if !t.DType.IsFloating() {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item returns the value of a single element tensor.
func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d elements", t.NumElems)
	}

	switch data := t.Data.(type) {
	case []float32:
		return data[0], nil
	case []int32:
		return data[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// Float64 returns the value of a single element floating point tensor.
func (t *Tensor) Float64() (float64, error) {
	v, err := t.Item()
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case int32:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unsupported item type %T", v)
	}
}

func (t *Tensor) At(indices ...int) (interface{}, error) {
	if len(indices) != len(t.Shape) {
		return nil, fmt.Errorf("number of indices (%d) must match tensor dimensions (%d)", len(indices), len(t.Shape))
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return nil, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	flatIndex := 0
	for i, idx := range indices {
		flatIndex += idx * t.Strides[i]
	}

	switch data := t.Data.(type) {
	case []float32:
		return data[flatIndex], nil
	case []int32:
		return data[flatIndex], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

func (t *Tensor) Size() []int {
	size := make([]int, len(t.Shape))
	copy(size, t.Shape)
	return size
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || t.Device != other.Device || !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch data1 := t.Data.(type) {
	case []float32:
		data2 := other.Data.([]float32)
		for i := range data1 {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	case []int32:
		data2 := other.Data.([]int32)
		for i := range data1 {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

// AllClose reports whether every element of t is within tol of other.
func (t *Tensor) AllClose(other *Tensor, tol float64) (bool, error) {
	a, err := t.floats()
	if err != nil {
		return false, err
	}
	b, err := other.floats()
	if err != nil {
		return false, err
	}
	if !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false, nil
		}
	}
	return true, nil
}

// HasNonFinite reports whether any element is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	data, ok := t.Data.([]float32)
	if !ok {
		return false
	}
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// ToDevice moves the tensor to device. With a single CPU backend the copy is
// synchronous, so nonBlocking is accepted as a hint only.
func (t *Tensor) ToDevice(device DeviceType, nonBlocking bool) (*Tensor, error) {
	if t.Device == device {
		return t, nil
	}
	return nil, fmt.Errorf("unsupported device transfer from %s to %s", t.Device, device)
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")

	count := t.NumElems
	if maxElements > 0 && count > maxElements {
		count = maxElements
	}

	switch data := t.Data.(type) {
	case []float32:
		for i := 0; i < count; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%.4f", data[i]))
		}
	case []int32:
		for i := 0; i < count; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%d", data[i]))
		}
	}

	if count < t.NumElems {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")

	return sb.String()
}

// ZeroGrad clears the gradients of tensors. With setToNone the gradient is
// dropped entirely, otherwise it is filled with zeros.
func ZeroGrad(tensors []*Tensor, setToNone bool) {
	for _, t := range tensors {
		if t == nil || t.grad == nil {
			continue
		}
		if setToNone {
			t.grad = nil
			continue
		}
		switch data := t.grad.Data.(type) {
		case []float32:
			for i := range data {
				data[i] = 0
			}
		case []int32:
			for i := range data {
				data[i] = 0
			}
		}
	}
}

type tensorJSON struct {
	Shape []int     `json:"shape"`
	DType string    `json:"dtype"`
	Data  []float32 `json:"data,omitempty"`
	Ints  []int32   `json:"ints,omitempty"`
}

// MarshalJSON encodes shape, dtype and values. Autograd state is not encoded.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	out := tensorJSON{Shape: t.Shape, DType: t.DType.String()}
	switch data := t.Data.(type) {
	case []float32:
		out.Data = data
	case []int32:
		out.Ints = data
	}
	return json.Marshal(out)
}

func (t *Tensor) UnmarshalJSON(b []byte) error {
	var in tensorJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	dtype, err := ParseDType(in.DType)
	if err != nil {
		return err
	}
	var data interface{} = in.Data
	if dtype == Int32 {
		data = in.Ints
	}
	decoded, err := NewTensor(in.Shape, dtype, CPU, data)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

// ParseDType maps the String form of a dtype back to its value.
func ParseDType(name string) (DType, error) {
	switch name {
	case "Float32", "":
		return Float32, nil
	case "Float16":
		return Float16, nil
	case "Int32":
		return Int32, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", name)
	}
}
