package training

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/tsawler/go-adversarial/tensor"
)

// Global random source for deterministic initialization
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is a trainable network. Generators and discriminators are Modules.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Trainable parameters (requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool
	ZeroGrad(setToNone bool)
	StateDict() map[string]*tensor.Tensor
	LoadStateDict(state map[string]*tensor.Tensor) error
}

// ArgsModule is implemented by networks that take extra positional and
// keyword arguments besides their input.
type ArgsModule interface {
	Module
	ForwardWithArgs(input *tensor.Tensor, args []any, kwargs map[string]any) (*tensor.Tensor, error)
}

// mode carries the training flag shared by every module.
type mode struct {
	training bool
}

func (m *mode) Train() { m.training = true }
func (m *mode) Eval() { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

// stateless provides the parameter methods of modules without weights.
type stateless struct {
	mode
}

func (stateless) Parameters() []*tensor.Tensor { return nil }
func (stateless) ZeroGrad(bool) {}
func (stateless) StateDict() map[string]*tensor.Tensor { return map[string]*tensor.Tensor{} }
func (stateless) LoadStateDict(map[string]*tensor.Tensor) error { return nil }

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	mode
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear sizes must be positive: %d -> %d", inputSize, outputSize)
	}

	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, device, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{mode: mode{training: true}, weight: weight}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("linear matmul failed: %w", err)
	}
	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) ZeroGrad(setToNone bool) {
	tensor.ZeroGrad(l.Parameters(), setToNone)
}

func (l *Linear) StateDict() map[string]*tensor.Tensor {
	sd := map[string]*tensor.Tensor{"weight": l.weight}
	if l.bias != nil {
		sd["bias"] = l.bias
	}
	return sd
}

func (l *Linear) LoadStateDict(state map[string]*tensor.Tensor) error {
	return loadInto(l.StateDict(), state)
}

// Activation applies an elementwise autograd function.
type Activation struct {
	stateless
	name string
	fn   func(*tensor.Tensor) (*tensor.Tensor, error)
}

// NewReLU creates a new ReLU activation module
func NewReLU() *Activation {
	return &Activation{stateless: stateless{mode{true}}, name: "ReLU", fn: tensor.ReLUAutograd}
}

// NewLeakyReLU creates a LeakyReLU activation with the given negative slope
func NewLeakyReLU(slope float32) *Activation {
	return &Activation{stateless: stateless{mode{true}}, name: "LeakyReLU", fn: func(t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.LeakyReLUAutograd(t, slope)
	}}
}

// NewTanh creates a Tanh activation module
func NewTanh() *Activation {
	return &Activation{stateless: stateless{mode{true}}, name: "Tanh", fn: tensor.TanhAutograd}
}

// NewSigmoid creates a Sigmoid activation module
func NewSigmoid() *Activation {
	return &Activation{stateless: stateless{mode{true}}, name: "Sigmoid", fn: tensor.SigmoidAutograd}
}

func (a *Activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := a.fn(input)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", a.name, err)
	}
	return out, nil
}

// Identity returns its input unchanged.
type Identity struct {
	stateless
}

func NewIdentity() *Identity {
	return &Identity{stateless{mode{true}}}
}

func (i *Identity) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return input, nil
}

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	stateless
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{stateless{mode{true}}}
}

// Forward flattens the input tensor to [batch_size, -1]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}
	batchSize := input.Shape[0]
	return tensor.ReshapeAutograd(input, []int{batchSize, input.NumElems / batchSize})
}

// Unflatten reshapes [batch_size, n] back into [batch_size, shape...].
type Unflatten struct {
	stateless
	shape []int
}

// NewUnflatten creates an Unflatten layer producing per-sample shape.
func NewUnflatten(shape ...int) *Unflatten {
	return &Unflatten{stateless: stateless{mode{true}}, shape: append([]int(nil), shape...)}
}

func (u *Unflatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 1 {
		return nil, fmt.Errorf("Unflatten expects a batch dimension, got shape %v", input.Shape)
	}
	return tensor.ReshapeAutograd(input, append([]int{input.Shape[0]}, u.shape...))
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	mode
	modules []Module
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{mode: mode{training: true}, modules: modules}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) ZeroGrad(setToNone bool) {
	for _, module := range s.modules {
		module.ZeroGrad(setToNone)
	}
}

// StateDict prefixes each child entry with its index, e.g. "0.weight".
func (s *Sequential) StateDict() map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor)
	for i, module := range s.modules {
		for name, t := range module.StateDict() {
			sd[fmt.Sprintf("%d.%s", i, name)] = t
		}
	}
	return sd
}

func (s *Sequential) LoadStateDict(state map[string]*tensor.Tensor) error {
	return loadInto(s.StateDict(), state)
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// loadInto copies the values of src into the live tensors of dst. Every key
// of dst must be present in src with a matching shape.
func loadInto(dst, src map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(dst))
	for name := range dst {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		from, ok := src[name]
		if !ok || from == nil {
			return fmt.Errorf("missing key %q in state dict", name)
		}
		to := dst[name]
		if !sameShape(to.Shape, from.Shape) {
			return fmt.Errorf("shape mismatch for %q: expected %v, got %v", name, to.Shape, from.Shape)
		}
		values, err := from.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", name, err)
		}
		copy(to.Data.([]float32), values)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
