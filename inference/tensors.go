// Package inference - The boundary between the pipeline and a model runtime.
//
// Models are reached through the Invoker capability: named float32 tensors in,
// named float32 tensors out. The adapters in this package turn pixel buffers
// into model inputs and model outputs back into detections or pixels.
package inference

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrMissingTensor is returned when an expected input or output name is
// absent.
var ErrMissingTensor = errors.New("missing tensor")

// Tensors maps tensor names to their values.
type Tensors map[string]*tensor.Dense

// Invoker runs a model on named inputs and returns its named outputs.
//
// Implementations must not retain the input tensors after returning.
type Invoker interface {
	Invoke(ctx context.Context, inputs Tensors) (Tensors, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inputs Tensors) (Tensors, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inputs Tensors) (Tensors, error) {
	return f(ctx, inputs)
}

// NewTensor wraps data in a float32 tensor of the given shape. The data is
// not copied.
//
// Arguments:
//   - shape: The tensor dimensions.
//   - data: The row-major backing data, len(data) must equal the shape's volume.
//
// Returns:
//   - *tensor.Dense: The tensor.
//   - error: An error if the shape and the data disagree.
func NewTensor(shape []int, data []float32) (*tensor.Dense, error) {
	volume := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("invalid tensor shape %v", shape)
		}
		volume *= d
	}
	if volume != len(data) {
		return nil, errors.Errorf("tensor shape %v needs %d values, got %d", shape, volume, len(data))
	}
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32), tensor.WithBacking(data)), nil
}

// Float32s returns the values of t as a flat slice.
//
// A scalar tensor yields a slice of one element.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrap(ErrMissingTensor, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("tensor has dtype %v, want float32", t.Dtype())
	}
	switch v := t.Data().(type) {
	case []float32:
		return v, nil
	case float32:
		return []float32{v}, nil
	default:
		return nil, errors.Errorf("unexpected tensor data %T", v)
	}
}

// Get returns the float32 values of the tensor called name.
func (t Tensors) Get(name string) ([]float32, error) {
	v, ok := t[name]
	if !ok || v == nil {
		return nil, errors.Wrapf(ErrMissingTensor, "%q", name)
	}
	values, err := Float32s(v)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	return values, nil
}

// Names returns the tensor names in no particular order.
func (t Tensors) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}
