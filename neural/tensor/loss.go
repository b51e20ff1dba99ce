package tensor

import (
	"fmt"
	"math"

	"github.com/viterin/vek"
)

type crossEntropyOperation struct {
	logits  *Tensor
	probs   []float64
	targets []int
}

func (op *crossEntropyOperation) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *crossEntropyOperation) Backward(grad *Tensor) error {
	v := op.logits.Shape[1]
	g := vek.MulNumber(op.probs, grad.Data[0])
	for r, target := range op.targets {
		g[r*v+target] -= grad.Data[0]
	}
	op.logits.accumulate(0, g)
	return nil
}

// CrossEntropy is the summed negative log-likelihood of targets under the
// row-wise softmax of a [n, V] logits tensor. It returns a [1] tensor.
func (t *Tensor) CrossEntropy(targets []int) (*Tensor, error) {
	if len(t.Shape) != 2 || t.Shape[0] != len(targets) {
		return nil, fmt.Errorf("cross entropy of %v against %d targets: %w", t.Shape, len(targets), ErrShape)
	}
	v := t.Shape[1]
	probs := make([]float64, 0, len(t.Data))
	loss := 0.0
	for r, target := range targets {
		if target < 0 || target >= v {
			return nil, fmt.Errorf("cross entropy target %d outside vocabulary of %d", target, v)
		}
		row := t.Data[r*v : (r+1)*v]
		p := Softmax(row)
		loss -= math.Log(math.Max(p[target], math.SmallestNonzeroFloat64))
		probs = append(probs, p...)
	}
	return result(NewTensor([]int{1}, []float64{loss}, false), &crossEntropyOperation{logits: t, probs: probs, targets: targets}), nil
}

// Argmax returns the index of the largest value in every row of a 2-D tensor.
func (t *Tensor) Argmax() []int {
	out := make([]int, t.Rows())
	for r := range out {
		out[r] = vek.ArgMax(t.Row(r))
	}
	return out
}
