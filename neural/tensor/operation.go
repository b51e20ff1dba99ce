package tensor

import (
	"fmt"

	"github.com/viterin/vek"
)

// Operation is a node of the computation graph. Backward receives the
// gradient of the operation output and accumulates into its inputs.
type Operation interface {
	Inputs() []*Tensor
	Backward(grad *Tensor) error
}

type addOperation struct {
	a, b *Tensor
}

func (op *addOperation) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOperation) Backward(grad *Tensor) error {
	op.a.accumulate(0, grad.Data)
	op.b.accumulate(0, grad.Data)
	return nil
}

// Add returns t + other for tensors of identical shape.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if !sameShape(t.Shape, other.Shape) {
		return nil, fmt.Errorf("add %v and %v: %w", t.Shape, other.Shape, ErrShape)
	}
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	vek.Add_Inplace(data, other.Data)
	return result(NewTensor(t.Shape, data, false), &addOperation{a: t, b: other}), nil
}

type addBroadcastOperation struct {
	t, bias *Tensor
}

func (op *addBroadcastOperation) Inputs() []*Tensor { return []*Tensor{op.t, op.bias} }

func (op *addBroadcastOperation) Backward(grad *Tensor) error {
	op.t.accumulate(0, grad.Data)
	if op.bias.RequiresGrad {
		n := op.bias.Size()
		for r := 0; r < grad.Size()/n; r++ {
			op.bias.accumulate(0, grad.Data[r*n:(r+1)*n])
		}
	}
	return nil
}

// AddWithBroadcast adds a bias vector to every row of a [rows, n] tensor.
func (t *Tensor) AddWithBroadcast(bias *Tensor) (*Tensor, error) {
	n := bias.Size()
	if len(t.Shape) != 2 || t.Shape[1] != n {
		return nil, fmt.Errorf("broadcast bias %v over %v: %w", bias.Shape, t.Shape, ErrShape)
	}
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	for r := 0; r < t.Shape[0]; r++ {
		vek.Add_Inplace(data[r*n:(r+1)*n], bias.Data)
	}
	return result(NewTensor(t.Shape, data, false), &addBroadcastOperation{t: t, bias: bias}), nil
}

type mulOperation struct {
	a, b *Tensor
}

func (op *mulOperation) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOperation) Backward(grad *Tensor) error {
	if op.a.RequiresGrad {
		op.a.accumulate(0, vek.Mul(grad.Data, op.b.Data))
	}
	if op.b.RequiresGrad {
		op.b.accumulate(0, vek.Mul(grad.Data, op.a.Data))
	}
	return nil
}

// Mul is the element-wise product of two tensors of identical shape.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	if !sameShape(t.Shape, other.Shape) {
		return nil, fmt.Errorf("mul %v and %v: %w", t.Shape, other.Shape, ErrShape)
	}
	return result(NewTensor(t.Shape, vek.Mul(t.Data, other.Data), false), &mulOperation{a: t, b: other}), nil
}

type scaleOperation struct {
	t *Tensor
	s float64
}

func (op *scaleOperation) Inputs() []*Tensor { return []*Tensor{op.t} }

func (op *scaleOperation) Backward(grad *Tensor) error {
	op.t.accumulate(0, vek.MulNumber(grad.Data, op.s))
	return nil
}

// MulScalar multiplies every element by s.
func (t *Tensor) MulScalar(s float64) *Tensor {
	return result(NewTensor(t.Shape, vek.MulNumber(t.Data, s), false), &scaleOperation{t: t, s: s})
}

// DivScalar divides every element by s.
func (t *Tensor) DivScalar(s float64) (*Tensor, error) {
	if s == 0 {
		return nil, fmt.Errorf("division of tensor by zero")
	}
	return t.MulScalar(1 / s), nil
}

type sumOperation struct {
	t *Tensor
}

func (op *sumOperation) Inputs() []*Tensor { return []*Tensor{op.t} }

func (op *sumOperation) Backward(grad *Tensor) error {
	if !op.t.RequiresGrad {
		return nil
	}
	g := make([]float64, op.t.Size())
	for i := range g {
		g[i] = grad.Data[0]
	}
	op.t.accumulate(0, g)
	return nil
}

// Sum reduces all elements to a [1] tensor.
func (t *Tensor) Sum() *Tensor {
	return result(NewTensor([]int{1}, []float64{vek.Sum(t.Data)}, false), &sumOperation{t: t})
}
