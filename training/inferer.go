package training

import (
	"fmt"

	"github.com/tsawler/go-adversarial/tensor"
)

// Inferer runs a network on inputs. Strategies such as sliding windows or
// patch-based inference implement it; SimpleInferer calls Forward directly.
type Inferer interface {
	Infer(inputs *tensor.Tensor, network Module, args []any, kwargs map[string]any) (*tensor.Tensor, error)
}

// InfererFunc adapts a plain function to Inferer.
type InfererFunc func(inputs *tensor.Tensor, network Module, args []any, kwargs map[string]any) (*tensor.Tensor, error)

func (f InfererFunc) Infer(inputs *tensor.Tensor, network Module, args []any, kwargs map[string]any) (*tensor.Tensor, error) {
	return f(inputs, network, args, kwargs)
}

// SimpleInferer runs the network's forward pass with no pre or post processing.
type SimpleInferer struct{}

// Infer calls ForwardWithArgs when the network accepts extra arguments and
// Forward otherwise.
func (SimpleInferer) Infer(inputs *tensor.Tensor, network Module, args []any, kwargs map[string]any) (*tensor.Tensor, error) {
	if network == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if am, ok := network.(ArgsModule); ok {
		return am.ForwardWithArgs(inputs, args, kwargs)
	}
	if len(args) > 0 || len(kwargs) > 0 {
		return nil, fmt.Errorf("network %T does not accept extra arguments", network)
	}
	return network.Forward(inputs)
}
