package nn

import (
	"fmt"
	"math/rand"

	. "github.com/borkdominik/CM2ML/neural/tensor"
)

// Embedding maps token ids to learned vectors.
type Embedding struct {
	VocabSize int
	DimModel  int
	Weight    *Tensor // [VocabSize, DimModel]
}

// NewEmbedding creates an embedding table initialised in [-0.1, 0.1].
func NewEmbedding(vocabSize, dimModel int, rng *rand.Rand) (*Embedding, error) {
	if vocabSize <= 0 || dimModel <= 0 {
		return nil, fmt.Errorf("embedding needs positive dimensions, got %dx%d", vocabSize, dimModel)
	}
	weight := NewTensor([]int{vocabSize, dimModel}, nil, true)
	for i := range weight.Data {
		weight.Data[i] = (rng.Float64()*2 - 1) * 0.1
	}
	return &Embedding{VocabSize: vocabSize, DimModel: dimModel, Weight: weight}, nil
}

// Parameters returns all learnable parameters of the layer.
func (e *Embedding) Parameters() []*Tensor {
	return []*Tensor{e.Weight}
}

// Forward looks up one row per id and returns a [len(ids), DimModel] tensor.
func (e *Embedding) Forward(ids []int) (*Tensor, error) {
	refs := make([]Ref, len(ids))
	for i, id := range ids {
		if id < 0 || id >= e.VocabSize {
			return nil, fmt.Errorf("token id %d outside embedding table of %d", id, e.VocabSize)
		}
		refs[i] = Ref{Src: e.Weight, Index: id}
	}
	return Gather(refs)
}
