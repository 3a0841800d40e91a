package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// MSE is the mean squared error over every element of the output.
type MSE struct {
	net Differentiable
}

// NewMSE binds the criterion to the model its gradients flow into. A nil
// net yields losses that can be evaluated but not back-propagated.
func NewMSE(net Differentiable) *MSE {
	return &MSE{net: net}
}

// Loss computes mean((out-labels)^2).
func (m *MSE) Loss(out, labels *tensor.Dense) (Loss, error) {
	rows, cols, err := rowsCols(out)
	if err != nil {
		return nil, err
	}
	lr, lc, err := rowsCols(labels)
	if err != nil {
		return nil, err
	}
	if rows != lr || cols != lc {
		return nil, errors.Wrapf(ErrShapeMismatch, "mse: output %dx%d labels %dx%d", rows, cols, lr, lc)
	}
	o, err := Float64s(out)
	if err != nil {
		return nil, err
	}
	y, err := Float64s(labels)
	if err != nil {
		return nil, err
	}
	n := float64(rows * cols)
	if n == 0 {
		return nil, errors.New("mse: empty output")
	}
	grad := make([]float64, len(o))
	sum := 0.0
	for i := range o {
		d := o[i] - y[i]
		sum += d * d
		grad[i] = 2 * d / n
	}
	return &mseLoss{value: sum / n, grad: Matrix(rows, cols, grad), net: m.net}, nil
}

type mseLoss struct {
	value float64
	grad  *tensor.Dense
	net   Differentiable
}

func (l *mseLoss) Value() float64 { return l.value }

func (l *mseLoss) Backward() error {
	if l.net == nil {
		return errors.New("mse: loss is not bound to a differentiable model")
	}
	return l.net.Backward(l.grad)
}
