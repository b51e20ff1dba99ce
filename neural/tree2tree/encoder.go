package tree2tree

import (
	"fmt"

	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/tensor"
	"github.com/borkdominik/CM2ML/neural/tree"
)

// EncoderOutput holds the encoded batch.
type EncoderOutput struct {
	States *tensor.Tensor // [B, maxN, H], padded with zero states
	Mask   *tensor.Tensor // [B, maxN], 1 marks padding
	RootH  []tensor.Ref   // per tree, rows of the wave that computed the root
	RootC  []tensor.Ref
}

type nodeRef struct {
	tree, node int
}

func (g treeGate) apply(x, hl, hr *tensor.Tensor) (*tensor.Tensor, error) {
	ax, err := g.X.Forward(x)
	if err != nil {
		return nil, err
	}
	al, err := g.L.Forward(hl)
	if err != nil {
		return nil, err
	}
	ar, err := g.R.Forward(hr)
	if err != nil {
		return nil, err
	}
	sum, err := ax.Add(al)
	if err != nil {
		return nil, err
	}
	return sum.Add(ar)
}

// EncodeBatch runs the Tree-LSTM bottom-up over all trees at once. A wave
// holds every node, across the batch, whose children are already computed.
// Each tree keeps a frontier pointer that scans from its highest index down
// while nodes are ready. The states of every tree are cleared first.
func (m *Model) EncodeBatch(trees []*tree.Manager) (*EncoderOutput, error) {
	if len(trees) == 0 {
		return nil, fmt.Errorf("encode: empty batch")
	}
	seen := make(map[*tree.Manager]bool, len(trees))
	maxNodes := 0
	for i, t := range trees {
		if seen[t] {
			return nil, fmt.Errorf("encode: tree %d appears twice in the batch", i)
		}
		seen[t] = true
		if t.Len() == 0 {
			return nil, fmt.Errorf("encode: tree %d is empty: %w", i, tree.ErrCorruptTree)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("encode: tree %d: %w", i, err)
		}
		t.ClearStates()
		maxNodes = max(maxNodes, t.Len())
	}

	zero := tensor.Zeros(1, m.cfg.HiddenSize)
	frontier := make([]int, len(trees))
	var pending []nodeRef
	var err error
	for i, t := range trees {
		if frontier[i], pending, err = scan(t, i, t.Len()-1, pending); err != nil {
			return nil, err
		}
	}

	for len(pending) > 0 {
		wave := pending
		pending = nil
		h, c, err := m.encodeWave(trees, wave, zero)
		if err != nil {
			return nil, err
		}
		for i, ref := range wave {
			t := trees[ref.tree]
			n, err := t.Node(ref.node)
			if err != nil {
				return nil, err
			}
			n.State = tree.VisitedState(tree.Cell{H: tensor.Ref{Src: h, Index: i}, C: tensor.Ref{Src: c, Index: i}})
			if n.Parent != tree.None && n.Parent == frontier[ref.tree] {
				if frontier[ref.tree], pending, err = scan(t, ref.tree, frontier[ref.tree], pending); err != nil {
					return nil, err
				}
			}
		}
	}

	out := &EncoderOutput{RootH: make([]tensor.Ref, len(trees)), RootC: make([]tensor.Ref, len(trees))}
	refs := make([]tensor.Ref, 0, len(trees)*maxNodes)
	mask := tensor.Zeros(len(trees), maxNodes)
	for b, t := range trees {
		for i := 0; i < maxNodes; i++ {
			if i >= t.Len() {
				refs = append(refs, tensor.Ref{Src: zero})
				mask.Data[b*maxNodes+i] = 1
				continue
			}
			n, err := t.Node(i)
			if err != nil {
				return nil, err
			}
			if !n.State.Visited() {
				return nil, fmt.Errorf("encode: node %d of tree %d was never reached: %w", i, b, tree.ErrCorruptTree)
			}
			refs = append(refs, n.State.Top().H)
		}
		root, err := t.Node(0)
		if err != nil {
			return nil, err
		}
		out.RootH[b], out.RootC[b] = root.State.Top().H, root.State.Top().C
	}
	flat, err := tensor.Gather(refs)
	if err != nil {
		return nil, err
	}
	if out.States, err = flat.Reshape(len(trees), maxNodes, m.cfg.HiddenSize); err != nil {
		return nil, err
	}
	out.Mask = mask
	return out, nil
}

// scan queues ready nodes of tree t from index idx downwards and returns the
// index of the first node that is not ready yet (None when all are queued).
func scan(t *tree.Manager, ti, idx int, pending []nodeRef) (int, []nodeRef, error) {
	for ; idx >= 0; idx-- {
		n, err := t.Node(idx)
		if err != nil {
			return idx, pending, err
		}
		ready, err := childrenVisited(t, n)
		if err != nil {
			return idx, pending, err
		}
		if !ready {
			break
		}
		pending = append(pending, nodeRef{tree: ti, node: idx})
	}
	return idx, pending, nil
}

func childrenVisited(t *tree.Manager, n *tree.BinaryNode) (bool, error) {
	for _, c := range []int{n.Left, n.Right} {
		if c == tree.None {
			continue
		}
		child, err := t.Node(c)
		if err != nil {
			return false, err
		}
		if !child.State.Visited() {
			return false, nil
		}
	}
	return true, nil
}

// childState returns the state rows of child c, or the zero row when absent.
func childState(t *tree.Manager, c int, zero *tensor.Tensor) (tensor.Ref, tensor.Ref, error) {
	if c == tree.None {
		return tensor.Ref{Src: zero}, tensor.Ref{Src: zero}, nil
	}
	n, err := t.Node(c)
	if err != nil {
		return tensor.Ref{}, tensor.Ref{}, err
	}
	cell := n.State.Top()
	return cell.H, cell.C, nil
}

// encodeWave computes the Tree-LSTM cell for every node of one wave:
//
//	i, o = σ(gate(x, hl, hr)), u = tanh(gate(x, hl, hr))
//	fl = σ(fx + Wl·hl), fr = σ(fx + Wr·hr)
//	c = i⊙u + fl⊙cl + fr⊙cr, h = o⊙tanh(c)
func (m *Model) encodeWave(trees []*tree.Manager, wave []nodeRef, zero *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	ids := make([]int, len(wave))
	hl := make([]tensor.Ref, len(wave))
	cl := make([]tensor.Ref, len(wave))
	hr := make([]tensor.Ref, len(wave))
	cr := make([]tensor.Ref, len(wave))
	for i, ref := range wave {
		t := trees[ref.tree]
		n, err := t.Node(ref.node)
		if err != nil {
			return nil, nil, err
		}
		ids[i] = n.Value
		if hl[i], cl[i], err = childState(t, n.Left, zero); err != nil {
			return nil, nil, err
		}
		if hr[i], cr[i], err = childState(t, n.Right, zero); err != nil {
			return nil, nil, err
		}
	}

	x, err := m.encoderEmbedding.Forward(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("encoder embedding: %w", err)
	}
	var stacked [4]*tensor.Tensor
	for k, refs := range [][]tensor.Ref{hl, cl, hr, cr} {
		if stacked[k], err = tensor.Gather(refs); err != nil {
			return nil, nil, err
		}
	}
	hL, cL, hR, cR := stacked[0], stacked[1], stacked[2], stacked[3]

	i, err := m.input.apply(x, hL, hR)
	if err != nil {
		return nil, nil, fmt.Errorf("input gate: %w", err)
	}
	o, err := m.output.apply(x, hL, hR)
	if err != nil {
		return nil, nil, fmt.Errorf("output gate: %w", err)
	}
	u, err := m.update.apply(x, hL, hR)
	if err != nil {
		return nil, nil, fmt.Errorf("update: %w", err)
	}

	fx, err := m.forget.X.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	forget := func(lin *nn.Linear, h, c *tensor.Tensor) (*tensor.Tensor, error) {
		fh, err := lin.Forward(h)
		if err != nil {
			return nil, err
		}
		f, err := fx.Add(fh)
		if err != nil {
			return nil, err
		}
		return f.Sigmoid().Mul(c)
	}
	keptL, err := forget(m.forget.L, hL, cL)
	if err != nil {
		return nil, nil, fmt.Errorf("left forget gate: %w", err)
	}
	keptR, err := forget(m.forget.R, hR, cR)
	if err != nil {
		return nil, nil, fmt.Errorf("right forget gate: %w", err)
	}

	written, err := i.Sigmoid().Mul(u.Tanh())
	if err != nil {
		return nil, nil, err
	}
	c, err := written.Add(keptL)
	if err != nil {
		return nil, nil, err
	}
	if c, err = c.Add(keptR); err != nil {
		return nil, nil, err
	}
	h, err := o.Sigmoid().Mul(c.Tanh())
	if err != nil {
		return nil, nil, err
	}
	return h, c, nil
}
