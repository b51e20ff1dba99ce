package tree2tree

import (
	"fmt"

	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/tensor"
	"github.com/borkdominik/CM2ML/neural/tree"
)

// Step is the output of one side of one decoder wave.
type Step struct {
	Logits  *tensor.Tensor // [n, TargetVocabSize]
	Targets []int
}

// Result is the outcome of a forward pass.
type Result struct {
	// Loss is the summed cross entropy of every step divided by the batch size.
	Loss  *tensor.Tensor
	Steps []Step
	// Predictions holds one decoded tree per example. Node 0 is the GO root.
	Predictions []*tree.Manager
}

type queued struct {
	tree, node int
}

type layerStates struct {
	h, c []*tensor.Tensor
}

func (s layerStates) cells(i int) []tree.Cell {
	out := make([]tree.Cell, len(s.h))
	for k := range s.h {
		out[k] = tree.Cell{H: tensor.Ref{Src: s.h[k], Index: i}, C: tensor.Ref{Src: s.c[k], Index: i}}
	}
	return out
}

type side struct {
	logits    *tensor.Tensor
	targets   []int
	states    layerStates
	attention *tensor.Tensor
}

// Forward encodes sources and decodes one tree per example top-down. With
// feedPrevious false the decoder is teacher forced along targets and dropout
// is active; otherwise it feeds its own greedy predictions. In both modes a
// node is only stepped while it is aligned to a target node, so the loss is
// defined and decoding ends once the target tree is exhausted.
func (m *Model) Forward(sources, targets []*tree.Manager, feedPrevious bool) (*Result, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("forward: %d sources for %d targets", len(sources), len(targets))
	}
	enc, err := m.EncodeBatch(sources)
	if err != nil {
		return nil, err
	}
	var strategy expansion = teacherForcing{}
	if feedPrevious {
		strategy = greedy{}
	}
	training := !feedPrevious

	preds := make([]*tree.Manager, len(targets))
	queue := make([]queued, 0, len(targets))
	for b, t := range targets {
		if t.Len() == 0 {
			return nil, fmt.Errorf("forward: target %d is empty: %w", b, tree.ErrCorruptTree)
		}
		pm := tree.NewManager()
		id := pm.CreateNode(tree.GoID, tree.None, 0)
		root, err := pm.Node(id)
		if err != nil {
			return nil, err
		}
		cells := make([]tree.Cell, m.cfg.NumLayers)
		for k := range cells {
			cells[k] = tree.Cell{H: enc.RootH[b], C: enc.RootC[b]}
		}
		root.State = tree.VisitedState(cells...)
		root.Target = 0
		preds[b] = pm
		queue = append(queue, queued{tree: b, node: id})
	}

	res := &Result{Predictions: preds}
	var total *tensor.Tensor
	for len(queue) > 0 {
		wave := queue[:0:0]
		for _, q := range queue {
			n, err := preds[q.tree].Node(q.node)
			if err != nil {
				return nil, err
			}
			if n.Target != tree.None {
				wave = append(wave, q)
			}
		}
		queue = nil
		if len(wave) == 0 {
			break
		}

		left, right, err := m.decodeWave(enc, preds, targets, wave, training)
		if err != nil {
			return nil, err
		}
		for _, s := range []side{left, right} {
			res.Steps = append(res.Steps, Step{Logits: s.logits, Targets: s.targets})
			loss, err := nn.CrossEntropyLoss(s.logits, s.targets)
			if err != nil {
				return nil, err
			}
			if total == nil {
				total = loss
			} else if total, err = total.Add(loss); err != nil {
				return nil, err
			}
		}

		predL, predR := left.logits.Argmax(), right.logits.Argmax()
		for i, q := range wave {
			grown, err := m.expand(strategy, preds[q.tree], targets[q.tree], q, i, left, right, predL[i], predR[i])
			if err != nil {
				return nil, err
			}
			queue = append(queue, grown...)
		}
	}

	if res.Loss, err = total.DivScalar(float64(len(sources))); err != nil {
		return nil, err
	}
	return res, nil
}

// expand grows the children of wave entry i and returns them for the next
// wave. The right branch of a node aligned to the target root is never
// grown: the root has no siblings.
func (m *Model) expand(strategy expansion, pm, target *tree.Manager, q queued, i int, left, right side, predL, predR int) ([]queued, error) {
	n, err := pm.Node(q.node)
	if err != nil {
		return nil, err
	}
	aligned := n.Target
	tn, err := target.Node(aligned)
	if err != nil {
		return nil, err
	}
	isRoot := q.node == 0
	alignedL, alignedR := tn.Left, tn.Right
	if isRoot {
		alignedL = aligned
	}

	var out []queued
	tok, ok, err := strategy.next(target, branch{aligned: alignedL, predicted: predL, forced: isRoot})
	if err != nil {
		return nil, err
	}
	if ok {
		id, err := grow(pm, q.node, tok, alignedL, strategy.records(), left.states.cells(i), tensor.Ref{Src: left.attention, Index: i}, true)
		if err != nil {
			return nil, err
		}
		out = append(out, queued{tree: q.tree, node: id})
	}
	if aligned == 0 {
		return out, nil
	}
	tok, ok, err = strategy.next(target, branch{aligned: alignedR, predicted: predR})
	if err != nil {
		return nil, err
	}
	if ok {
		id, err := grow(pm, q.node, tok, alignedR, strategy.records(), right.states.cells(i), tensor.Ref{Src: right.attention, Index: i}, false)
		if err != nil {
			return nil, err
		}
		out = append(out, queued{tree: q.tree, node: id})
	}
	return out, nil
}

func grow(pm *tree.Manager, parent, token, aligned int, record bool, cells []tree.Cell, attention tensor.Ref, left bool) (int, error) {
	p, err := pm.Node(parent)
	if err != nil {
		return 0, err
	}
	id := pm.CreateNode(token, parent, p.Depth+1)
	child, err := pm.Node(id)
	if err != nil {
		return 0, err
	}
	child.Target = aligned
	if record {
		child.Prediction = token
	}
	child.State = tree.VisitedState(cells...)
	child.Attention = attention

	// CreateNode may have moved the arena.
	if p, err = pm.Node(parent); err != nil {
		return 0, err
	}
	if left {
		p.Left = id
	} else {
		p.Right = id
	}
	return id, nil
}

// lossTargets returns the tokens the left and right logits of node q are
// scored against. The GO root predicts the target root on its left and EOS
// on its right; every other node predicts the children of its aligned
// target node, EOS where a child is missing.
func lossTargets(target *tree.Manager, q queued, aligned int) (int, int, error) {
	tn, err := target.Node(aligned)
	if err != nil {
		return 0, 0, err
	}
	if q.node == 0 {
		return tn.Value, tree.EOSID, nil
	}
	value := func(id int) (int, error) {
		if id == tree.None {
			return tree.EOSID, nil
		}
		c, err := target.Node(id)
		if err != nil {
			return 0, err
		}
		return c.Value, nil
	}
	l, err := value(tn.Left)
	if err != nil {
		return 0, 0, err
	}
	r, err := value(tn.Right)
	if err != nil {
		return 0, 0, err
	}
	return l, r, nil
}

// decodeWave advances every node of the wave by one step of the left and
// the right LSTM stack. Both stacks start from the node's state.
func (m *Model) decodeWave(enc *EncoderOutput, preds, targets []*tree.Manager, wave []queued, training bool) (side, side, error) {
	n := len(wave)
	values := make([]int, n)
	feed := make([]tensor.Ref, n)
	encRefs := make([]tensor.Ref, n)
	maskRefs := make([]tensor.Ref, n)
	hRefs := make([][]tensor.Ref, m.cfg.NumLayers)
	cRefs := make([][]tensor.Ref, m.cfg.NumLayers)
	for k := range hRefs {
		hRefs[k] = make([]tensor.Ref, n)
		cRefs[k] = make([]tensor.Ref, n)
	}
	left := side{targets: make([]int, n)}
	right := side{targets: make([]int, n)}
	zero := tensor.Zeros(1, m.cfg.HiddenSize)

	for i, q := range wave {
		node, err := preds[q.tree].Node(q.node)
		if err != nil {
			return side{}, side{}, err
		}
		values[i] = node.Value
		feed[i] = node.Attention
		if !feed[i].Valid() {
			feed[i] = tensor.Ref{Src: zero}
		}
		cells := node.State.Cells()
		if len(cells) != m.cfg.NumLayers {
			return side{}, side{}, fmt.Errorf("decoder node %d of tree %d has %d layer states, want %d", q.node, q.tree, len(cells), m.cfg.NumLayers)
		}
		for k, c := range cells {
			hRefs[k][i], cRefs[k][i] = c.H, c.C
		}
		encRefs[i] = tensor.Ref{Src: enc.States, Index: q.tree}
		maskRefs[i] = tensor.Ref{Src: enc.Mask, Index: q.tree}
		if left.targets[i], right.targets[i], err = lossTargets(targets[q.tree], q, node.Target); err != nil {
			return side{}, side{}, err
		}
	}

	x, err := m.decoderEmbedding.Forward(values)
	if err != nil {
		return side{}, side{}, fmt.Errorf("decoder embedding: %w", err)
	}
	if m.cfg.parentFeeding() {
		fed, err := tensor.Gather(feed)
		if err != nil {
			return side{}, side{}, err
		}
		if x, err = tensor.Concat([]*tensor.Tensor{x, fed}, 1); err != nil {
			return side{}, side{}, err
		}
	}
	states, err := tensor.Gather(encRefs)
	if err != nil {
		return side{}, side{}, err
	}
	mask, err := tensor.Gather(maskRefs)
	if err != nil {
		return side{}, side{}, err
	}
	h0 := make([]*tensor.Tensor, m.cfg.NumLayers)
	c0 := make([]*tensor.Tensor, m.cfg.NumLayers)
	for k := range h0 {
		if h0[k], err = tensor.Gather(hRefs[k]); err != nil {
			return side{}, side{}, err
		}
		if c0[k], err = tensor.Gather(cRefs[k]); err != nil {
			return side{}, side{}, err
		}
	}

	for _, s := range []struct {
		cells []*nn.LSTMCell
		out   *side
	}{{m.decoderL, &left}, {m.decoderR, &right}} {
		if s.out.states, err = m.runStack(s.cells, x, h0, c0, training); err != nil {
			return side{}, side{}, err
		}
		top := s.out.states.h[len(s.out.states.h)-1]
		if s.out.logits, s.out.attention, err = m.predict(top, states, mask, training); err != nil {
			return side{}, side{}, err
		}
	}
	return left, right, nil
}

// runStack feeds x through a stack of LSTM cells, one step, applying
// dropout between layers while training.
func (m *Model) runStack(cells []*nn.LSTMCell, x *tensor.Tensor, h0, c0 []*tensor.Tensor, training bool) (layerStates, error) {
	out := layerStates{h: make([]*tensor.Tensor, len(cells)), c: make([]*tensor.Tensor, len(cells))}
	input := x
	for k, cell := range cells {
		if k > 0 && training {
			var err error
			if input, err = input.Dropout(m.cfg.DropoutRate, m.rng); err != nil {
				return layerStates{}, err
			}
		}
		h, c, err := cell.Forward(input, h0[k], c0[k])
		if err != nil {
			return layerStates{}, fmt.Errorf("decoder layer %d: %w", k, err)
		}
		out.h[k], out.c[k] = h, c
		input = h
	}
	return out, nil
}
