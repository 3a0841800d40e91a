package optim

import (
	"github.com/pkg/errors"

	"boxforge/internal/model"
)

// SGD is stochastic gradient descent with classical momentum.
type SGD struct {
	params   []*model.Param
	lr       float64
	momentum float64
	velocity [][]float64
	steps    int
}

// NewSGD binds the optimizer to params.
func NewSGD(params []*model.Param, lr, momentum float64) (*SGD, error) {
	if lr <= 0 {
		return nil, errors.Errorf("sgd: learning rate must be > 0 (got %g)", lr)
	}
	if momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("sgd: momentum must be in [0, 1) (got %g)", momentum)
	}
	velocity := make([][]float64, len(params))
	for i, p := range params {
		if len(p.Grad) != len(p.Value) {
			return nil, errors.Errorf("sgd: param %q has %d values and %d grads", p.Name, len(p.Value), len(p.Grad))
		}
		velocity[i] = make([]float64, len(p.Value))
	}
	return &SGD{params: params, lr: lr, momentum: momentum, velocity: velocity}, nil
}

// ZeroGrad clears every accumulated gradient.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Step applies v = momentum*v + grad; value -= lr*v.
func (s *SGD) Step() error {
	for i, p := range s.params {
		v := s.velocity[i]
		for j, g := range p.Grad {
			v[j] = s.momentum*v[j] + g
			p.Value[j] -= s.lr * v[j]
		}
	}
	s.steps++
	return nil
}

// Steps returns how many updates have been applied.
func (s *SGD) Steps() int { return s.steps }
