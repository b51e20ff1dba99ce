package tree2tree

import (
	"fmt"

	"github.com/borkdominik/CM2ML/neural/tensor"
)

// AttentionWeights scores every encoded node against the decoder hidden
// state by dot product and normalises the scores over the unpadded nodes.
// states is [B, N, H], mask is [B, N] and hidden is [B, H].
func AttentionWeights(states, mask, hidden *tensor.Tensor) (*tensor.Tensor, error) {
	scores, err := tensor.BatchMatVec(states, hidden)
	if err != nil {
		return nil, fmt.Errorf("attention scores: %w", err)
	}
	return scores.MaskedSoftmax(mask)
}

// Attend returns tanh(W·[hidden ‖ context] + b) where context is the
// attention-weighted sum of the encoded nodes.
func (m *Model) Attend(states, mask, hidden *tensor.Tensor) (*tensor.Tensor, error) {
	weights, err := AttentionWeights(states, mask, hidden)
	if err != nil {
		return nil, err
	}
	context, err := tensor.WeightedSum(weights, states)
	if err != nil {
		return nil, fmt.Errorf("attention context: %w", err)
	}
	joined, err := tensor.Concat([]*tensor.Tensor{hidden, context}, 1)
	if err != nil {
		return nil, err
	}
	out, err := m.attention.Forward(joined)
	if err != nil {
		return nil, fmt.Errorf("attention projection: %w", err)
	}
	return out.Tanh(), nil
}

// predict turns decoder hidden states into vocabulary logits. The second
// result is the attention output that children receive when parent feeding
// is on.
func (m *Model) predict(hidden, states, mask *tensor.Tensor, training bool) (*tensor.Tensor, *tensor.Tensor, error) {
	attended := hidden
	out := hidden
	if !m.cfg.NoAttention {
		var err error
		if attended, err = m.Attend(states, mask, hidden); err != nil {
			return nil, nil, err
		}
		out = attended
		if training {
			if out, err = attended.Dropout(m.cfg.DropoutRate, m.rng); err != nil {
				return nil, nil, err
			}
		}
	}
	logits, err := m.projection.Forward(out)
	if err != nil {
		return nil, nil, fmt.Errorf("output projection: %w", err)
	}
	return logits, attended, nil
}
