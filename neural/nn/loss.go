package nn

import (
	"fmt"

	"github.com/borkdominik/CM2ML/neural/tensor"
)

// CrossEntropyLoss returns the summed cross-entropy of targets under the
// softmax of each logits row as a differentiable [1] tensor.
func CrossEntropyLoss(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	loss, err := logits.CrossEntropy(targets)
	if err != nil {
		return nil, fmt.Errorf("cross entropy loss: %w", err)
	}
	return loss, nil
}
