package dataset

import (
	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tree"
)

// Example is one encoded training pair together with the binary trees the
// model works on. The managers are built once and reused across epochs.
type Example struct {
	Source     *tree.EncodedNode
	Target     *tree.EncodedNode
	SourceTree *tree.Manager
	TargetTree *tree.Manager
}

// Prepare encodes every pair with the given vocabularies.
func Prepare(pairs []tree.Pair, source, target *vocab.Vocabulary) []Example {
	out := make([]Example, len(pairs))
	for i, p := range pairs {
		src := source.Encode(p.Source)
		tgt := target.Encode(p.Target)
		out[i] = Example{
			Source:     src,
			Target:     tgt,
			SourceTree: tree.Encode(src),
			TargetTree: tree.Encode(tgt),
		}
	}
	return out
}
