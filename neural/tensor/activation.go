package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/viterin/vek"
)

type sigmoidOperation struct {
	in, out *Tensor
}

func (op *sigmoidOperation) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *sigmoidOperation) Backward(grad *Tensor) error {
	g := make([]float64, len(grad.Data))
	for i, y := range op.out.Data {
		g[i] = grad.Data[i] * y * (1 - y)
	}
	op.in.accumulate(0, g)
	return nil
}

// Sigmoid applies the logistic function element-wise.
func (t *Tensor) Sigmoid() *Tensor {
	out := NewTensor(t.Shape, nil, false)
	for i, x := range t.Data {
		out.Data[i] = 1 / (1 + math.Exp(-x))
	}
	return result(out, &sigmoidOperation{in: t, out: out})
}

type tanhOperation struct {
	in, out *Tensor
}

func (op *tanhOperation) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *tanhOperation) Backward(grad *Tensor) error {
	g := make([]float64, len(grad.Data))
	for i, y := range op.out.Data {
		g[i] = grad.Data[i] * (1 - y*y)
	}
	op.in.accumulate(0, g)
	return nil
}

// Tanh applies the hyperbolic tangent element-wise.
func (t *Tensor) Tanh() *Tensor {
	out := NewTensor(t.Shape, nil, false)
	for i, x := range t.Data {
		out.Data[i] = math.Tanh(x)
	}
	return result(out, &tanhOperation{in: t, out: out})
}

// Softmax returns the probabilities of a single row of logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	m := vek.Max(logits)
	sum := 0.0
	for i, x := range logits {
		out[i] = math.Exp(x - m)
		sum += out[i]
	}
	vek.DivNumber_Inplace(out, sum)
	return out
}

type maskedSoftmaxOperation struct {
	in, out *Tensor
}

func (op *maskedSoftmaxOperation) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *maskedSoftmaxOperation) Backward(grad *Tensor) error {
	n := op.in.Shape[1]
	g := make([]float64, len(grad.Data))
	for r := 0; r < op.in.Shape[0]; r++ {
		y := op.out.Data[r*n : (r+1)*n]
		gy := grad.Data[r*n : (r+1)*n]
		dot := vek.Dot(y, gy)
		for j := range y {
			g[r*n+j] = y[j] * (gy[j] - dot)
		}
	}
	op.in.accumulate(0, g)
	return nil
}

// MaskedSoftmax normalises each row of a [B, N] tensor over the positions
// whose mask entry is zero. Masked positions get a weight of exactly 0, and a
// row with every position masked is all zeros.
func (t *Tensor) MaskedSoftmax(mask *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || !sameShape(t.Shape, mask.Shape) {
		return nil, fmt.Errorf("masked softmax of %v with mask %v: %w", t.Shape, mask.Shape, ErrShape)
	}
	n := t.Shape[1]
	out := NewTensor(t.Shape, nil, false)
	for r := 0; r < t.Shape[0]; r++ {
		m := math.Inf(-1)
		for j := 0; j < n; j++ {
			if mask.Data[r*n+j] == 0 && t.Data[r*n+j] > m {
				m = t.Data[r*n+j]
			}
		}
		if math.IsInf(m, -1) {
			continue
		}
		sum := 0.0
		for j := 0; j < n; j++ {
			if mask.Data[r*n+j] != 0 {
				continue
			}
			e := math.Exp(t.Data[r*n+j] - m)
			out.Data[r*n+j] = e
			sum += e
		}
		vek.DivNumber_Inplace(out.Data[r*n:(r+1)*n], sum)
	}
	return result(out, &maskedSoftmaxOperation{in: t, out: out}), nil
}

type dropoutOperation struct {
	in   *Tensor
	keep []float64
}

func (op *dropoutOperation) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *dropoutOperation) Backward(grad *Tensor) error {
	op.in.accumulate(0, vek.Mul(grad.Data, op.keep))
	return nil
}

// Dropout zeroes each element with probability p and scales the survivors by
// 1/(1-p). A rate of zero returns t unchanged.
func (t *Tensor) Dropout(p float64, rng *rand.Rand) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout rate %v outside [0, 1)", p)
	}
	if p == 0 {
		return t, nil
	}
	scale := 1 / (1 - p)
	keep := make([]float64, len(t.Data))
	for i := range keep {
		if rng.Float64() >= p {
			keep[i] = scale
		}
	}
	return result(NewTensor(t.Shape, vek.Mul(t.Data, keep), false), &dropoutOperation{in: t, keep: keep}), nil
}
