package nn

import (
	"fmt"
	"math"
	"math/rand"

	. "github.com/borkdominik/CM2ML/neural/tensor"
)

// Linear represents a fully connected layer computing x·W + b.
type Linear struct {
	Weights *Tensor
	Biases  *Tensor
}

// NewLinear creates a Linear layer with He-initialised weights and zero
// biases.
func NewLinear(inputDim, outputDim int, rng *rand.Rand) (*Linear, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, fmt.Errorf("linear layer needs positive dimensions, got %dx%d", inputDim, outputDim)
	}
	stdDev := math.Sqrt(2.0 / float64(inputDim))
	weights := NewTensor([]int{inputDim, outputDim}, nil, true)
	for i := range weights.Data {
		weights.Data[i] = rng.NormFloat64() * stdDev
	}
	biases := NewTensor([]int{outputDim}, nil, true)
	return &Linear{Weights: weights, Biases: biases}, nil
}

// Parameters returns all learnable parameters of the layer.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.Weights, l.Biases}
}

// Forward applies the layer to a [rows, inputDim] tensor.
func (l *Linear) Forward(input *Tensor) (*Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("Linear.Forward received a nil input tensor")
	}
	out, err := input.MatMul(l.Weights)
	if err != nil {
		return nil, fmt.Errorf("linear layer matrix multiplication failed: %w", err)
	}
	out, err = out.AddWithBroadcast(l.Biases)
	if err != nil {
		return nil, fmt.Errorf("linear layer bias addition failed: %w", err)
	}
	return out, nil
}

// InitUniform overwrites every parameter with values drawn from U(-scale, scale).
func InitUniform(params []*Tensor, scale float64, rng *rand.Rand) {
	for _, p := range params {
		for i := range p.Data {
			p.Data[i] = (rng.Float64()*2 - 1) * scale
		}
	}
}
