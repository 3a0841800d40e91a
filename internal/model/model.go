package model

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"boxforge/internal/device"
)

var (
	// ErrNotTraining is returned by Backward when the model is in eval mode.
	ErrNotTraining = errors.New("model: backward called in eval mode")
	// ErrShapeMismatch is returned when a tensor does not have the expected shape.
	ErrShapeMismatch = errors.New("model: shape mismatch")
)

// Batch represents a minibatch of inputs and labels. Both tensors share
// their leading (batch) dimension.
type Batch struct {
	Inputs *tensor.Dense
	Labels *tensor.Dense
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	shape := b.Inputs.Shape()
	if len(shape) == 0 {
		return 0
	}
	return shape[0]
}

// Model maps an input batch to an output batch.
type Model interface {
	Forward(x *tensor.Dense) (*tensor.Dense, error)
	// To places the model's parameters on d.
	To(d device.Device) error
	// SetTraining toggles mode-sensitive behaviour such as input caching
	// for the backward pass.
	SetTraining(training bool)
}

// Differentiable is implemented by models that accept the gradient of a
// scalar loss with respect to their last output.
type Differentiable interface {
	Backward(gradOut *tensor.Dense) error
}

// Criterion compares a model output against labels.
type Criterion interface {
	Loss(out, labels *tensor.Dense) (Loss, error)
}

// Loss is a scalar produced by a Criterion.
type Loss interface {
	Value() float64
	// Backward accumulates gradients into the model's parameters.
	Backward() error
}

// Optimizer updates parameters from accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step() error
}

// Loader produces a finite sequence of batches. Each call to Iter starts
// a new traversal.
type Loader interface {
	Iter(ctx context.Context) (BatchIterator, error)
}

// BatchIterator walks one traversal of a Loader. Next returns false once
// the traversal is exhausted.
type BatchIterator interface {
	Next() (Batch, bool, error)
	Close() error
}

// Param is a trainable tensor and its accumulated gradient, stored flat.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, size int) *Param {
	return &Param{Name: name, Value: make([]float64, size), Grad: make([]float64, size)}
}

// Float64s returns the backing slice of a contiguous float64 tensor.
func Float64s(t *tensor.Dense) ([]float64, error) {
	if t == nil {
		return nil, errors.New("model: nil tensor")
	}
	if t.Dtype() != tensor.Float64 {
		return nil, errors.Errorf("model: want float64 tensor, got %v", t.Dtype())
	}
	return t.Float64s(), nil
}

// Matrix wraps data as a rows x cols tensor.
func Matrix(rows, cols int, data []float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func rowsCols(t *tensor.Dense) (int, int, error) {
	if t == nil {
		return 0, 0, errors.New("model: nil tensor")
	}
	shape := t.Shape()
	if len(shape) != 2 {
		return 0, 0, errors.Wrapf(ErrShapeMismatch, "want 2-D tensor, got %v", shape)
	}
	return shape[0], shape[1], nil
}
