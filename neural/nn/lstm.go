package nn

import (
	"fmt"
	"math/rand"

	. "github.com/borkdominik/CM2ML/neural/tensor"
)

// LSTMCell represents a single LSTM cell. Each gate reads the concatenation
// of the input and the previous hidden state. The cell keeps no per-call
// state so it can be applied many times within one graph.
type LSTMCell struct {
	InputSize  int
	HiddenSize int

	// Weight matrices
	Wf, Wi, Wc, Wo *Tensor
	// Bias vectors
	Bf, Bi, Bc, Bo *Tensor
}

// NewLSTMCell creates a new LSTMCell.
func NewLSTMCell(inputSize, hiddenSize int, rng *rand.Rand) (*LSTMCell, error) {
	gates := make([]*Linear, 4)
	for i := range gates {
		l, err := NewLinear(inputSize+hiddenSize, hiddenSize, rng)
		if err != nil {
			return nil, fmt.Errorf("lstm gate: %w", err)
		}
		gates[i] = l
	}
	return &LSTMCell{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		Wf:         gates[0].Weights,
		Wi:         gates[1].Weights,
		Wc:         gates[2].Weights,
		Wo:         gates[3].Weights,
		Bf:         gates[0].Biases,
		Bi:         gates[1].Biases,
		Bc:         gates[2].Biases,
		Bo:         gates[3].Biases,
	}, nil
}

// Parameters returns all learnable parameters of the LSTMCell.
func (c *LSTMCell) Parameters() []*Tensor {
	return []*Tensor{c.Wf, c.Wi, c.Wc, c.Wo, c.Bf, c.Bi, c.Bc, c.Bo}
}

func gate(combined, w, b *Tensor) (*Tensor, error) {
	out, err := combined.MatMul(w)
	if err != nil {
		return nil, err
	}
	return out.AddWithBroadcast(b)
}

// Forward advances a batch of rows by one step and returns the new hidden
// and cell states.
func (c *LSTMCell) Forward(input, prevHidden, prevCell *Tensor) (*Tensor, *Tensor, error) {
	combined, err := Concat([]*Tensor{input, prevHidden}, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("lstm input concat: %w", err)
	}
	if combined.Shape[1] != c.InputSize+c.HiddenSize {
		return nil, nil, fmt.Errorf("lstm expects %d input features, got %d", c.InputSize+c.HiddenSize, combined.Shape[1])
	}

	f, err := gate(combined, c.Wf, c.Bf)
	if err != nil {
		return nil, nil, fmt.Errorf("forget gate: %w", err)
	}
	i, err := gate(combined, c.Wi, c.Bi)
	if err != nil {
		return nil, nil, fmt.Errorf("input gate: %w", err)
	}
	g, err := gate(combined, c.Wc, c.Bc)
	if err != nil {
		return nil, nil, fmt.Errorf("candidate: %w", err)
	}
	o, err := gate(combined, c.Wo, c.Bo)
	if err != nil {
		return nil, nil, fmt.Errorf("output gate: %w", err)
	}

	kept, err := f.Sigmoid().Mul(prevCell)
	if err != nil {
		return nil, nil, err
	}
	written, err := i.Sigmoid().Mul(g.Tanh())
	if err != nil {
		return nil, nil, err
	}
	cell, err := kept.Add(written)
	if err != nil {
		return nil, nil, err
	}
	hidden, err := o.Sigmoid().Mul(cell.Tanh())
	if err != nil {
		return nil, nil, err
	}
	return hidden, cell, nil
}
