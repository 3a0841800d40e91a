package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"boxforge/internal/device"
)

// Linear is a dense layer out = x·W + b with a gradient buffer per
// parameter. W is stored row-major as [in][out].
type Linear struct {
	in, out  int
	weight   *Param
	bias     *Param
	training bool
	placed   device.Device

	lastInput []float64
	lastRows  int
}

// NewLinear constructs the layer with small random weights.
func NewLinear(in, out int, seed int64) *Linear {
	if in <= 0 {
		in = 1
	}
	if out <= 0 {
		out = 1
	}
	rng := rand.New(rand.NewSource(seed))
	weight := newParam("weight", in*out)
	for i := range weight.Value {
		weight.Value[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &Linear{
		in:       in,
		out:      out,
		weight:   weight,
		bias:     newParam("bias", out),
		training: true,
		placed:   device.CPU,
	}
}

// Parameters returns the trainable parameters.
func (l *Linear) Parameters() []*Param {
	return []*Param{l.weight, l.bias}
}

// Training reports the current mode.
func (l *Linear) Training() bool { return l.training }

// SetTraining switches between training and eval mode. Leaving training
// mode drops the cached input.
func (l *Linear) SetTraining(training bool) {
	l.training = training
	if !training {
		l.lastInput = nil
		l.lastRows = 0
	}
}

// To places the layer on d. Only the host is supported.
func (l *Linear) To(d device.Device) error {
	if !d.IsCPU() {
		return errors.Wrapf(device.ErrUnsupported, "linear layer to %s", d)
	}
	l.placed = device.CPU
	return nil
}

// Forward computes x·W + b for a [rows, in] input.
func (l *Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	rows, cols, err := rowsCols(x)
	if err != nil {
		return nil, err
	}
	if cols != l.in {
		return nil, errors.Wrapf(ErrShapeMismatch, "linear: want %d input features, got %d", l.in, cols)
	}
	input, err := Float64s(x)
	if err != nil {
		return nil, err
	}
	out := make([]float64, rows*l.out)
	for r := 0; r < rows; r++ {
		row := input[r*l.in : (r+1)*l.in]
		dst := out[r*l.out : (r+1)*l.out]
		copy(dst, l.bias.Value)
		for i, v := range row {
			if v == 0 {
				continue
			}
			w := l.weight.Value[i*l.out : (i+1)*l.out]
			for o := range dst {
				dst[o] += v * w[o]
			}
		}
	}
	if l.training {
		l.lastInput = append(l.lastInput[:0], input...)
		l.lastRows = rows
	}
	return Matrix(rows, l.out, out), nil
}

// Backward accumulates dL/dW and dL/db from dL/dout of the last Forward.
func (l *Linear) Backward(gradOut *tensor.Dense) error {
	if !l.training {
		return ErrNotTraining
	}
	if l.lastInput == nil {
		return errors.New("linear: backward before forward")
	}
	rows, cols, err := rowsCols(gradOut)
	if err != nil {
		return err
	}
	if rows != l.lastRows || cols != l.out {
		return errors.Wrapf(ErrShapeMismatch, "linear: gradient %dx%d for output %dx%d", rows, cols, l.lastRows, l.out)
	}
	grad, err := Float64s(gradOut)
	if err != nil {
		return err
	}
	for r := 0; r < rows; r++ {
		g := grad[r*l.out : (r+1)*l.out]
		x := l.lastInput[r*l.in : (r+1)*l.in]
		for o, v := range g {
			l.bias.Grad[o] += v
		}
		for i, xv := range x {
			if xv == 0 {
				continue
			}
			wg := l.weight.Grad[i*l.out : (i+1)*l.out]
			for o, v := range g {
				wg[o] += xv * v
			}
		}
	}
	return nil
}
