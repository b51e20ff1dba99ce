package tree2tree

import (
	"github.com/borkdominik/CM2ML/neural/tree"
)

// branch is one side (left or right) of a decoded node after its logits
// are known.
type branch struct {
	aligned   int  // target node the child would align to, tree.None if none
	predicted int  // argmax of the branch logits
	forced    bool // the first real node under the GO root always grows
}

// expansion decides which children the decoder grows. It is the only part
// of decoding that differs between teacher forcing and free running.
type expansion interface {
	// next returns the token of the child to grow on b, or false when the
	// branch closes.
	next(target *tree.Manager, b branch) (int, bool, error)
	// records reports whether grown nodes carry their token as prediction.
	records() bool
}

// teacherForcing grows exactly the children present in the target tree and
// feeds their true tokens.
type teacherForcing struct{}

func (teacherForcing) next(target *tree.Manager, b branch) (int, bool, error) {
	if b.aligned == tree.None {
		return 0, false, nil
	}
	n, err := target.Node(b.aligned)
	if err != nil {
		return 0, false, err
	}
	return n.Value, true, nil
}

func (teacherForcing) records() bool { return false }

// greedy grows a child for every branch whose most likely token is not EOS
// and feeds that token.
type greedy struct{}

func (greedy) next(_ *tree.Manager, b branch) (int, bool, error) {
	if !b.forced && b.predicted == tree.EOSID {
		return 0, false, nil
	}
	return b.predicted, true, nil
}

func (greedy) records() bool { return true }
