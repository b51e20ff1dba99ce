package tree

import (
	"errors"
	"fmt"

	"github.com/borkdominik/CM2ML/neural/tensor"
)

// None marks an absent node index.
const None = -1

// ErrCorruptTree reports a structurally invalid tree or an index that does
// not belong to the tree.
var ErrCorruptTree = errors.New("corrupt tree")

// Cell is one (hidden, cell) pair of recurrent state. Both halves are rows
// of the batch tensors produced by the wave that computed the node.
type Cell struct {
	H, C tensor.Ref
}

// StateKind tells whether a node has been computed in the current pass.
type StateKind int

const (
	Unvisited StateKind = iota
	Visited
)

// State is the transient recurrent state of a node: Unvisited, or Visited
// with one Cell per recurrent layer (the encoder uses a single layer).
type State struct {
	kind  StateKind
	cells []Cell
}

// VisitedState builds the state of a computed node.
func VisitedState(cells ...Cell) State {
	return State{kind: Visited, cells: cells}
}

// Kind returns the variant of s.
func (s State) Kind() StateKind { return s.kind }

// Visited reports whether the node has been computed.
func (s State) Visited() bool { return s.kind == Visited }

// Cells returns the per-layer states of a visited node.
func (s State) Cells() []Cell { return s.cells }

// Top returns the state of the last layer.
func (s State) Top() Cell { return s.cells[len(s.cells)-1] }

// BinaryNode is one node of the binary encoding. Child, parent and target
// links are indices, None when absent.
type BinaryNode struct {
	Value      int
	Left       int
	Right      int
	Parent     int
	Depth      int
	State      State
	Target     int // index into the aligned target tree
	Prediction int // greedy token in free-running decoding, None otherwise
	Attention  tensor.Ref
}

// Manager owns the nodes of one binary tree. Nodes are only ever appended,
// so an index stays valid for the manager's lifetime.
type Manager struct {
	nodes []BinaryNode
}

// NewManager returns an empty tree.
func NewManager() *Manager {
	return &Manager{}
}

// CreateNode appends a node and returns its index.
func (m *Manager) CreateNode(value, parent, depth int) int {
	m.nodes = append(m.nodes, BinaryNode{
		Value:      value,
		Left:       None,
		Right:      None,
		Parent:     parent,
		Depth:      depth,
		Target:     None,
		Prediction: None,
	})
	return len(m.nodes) - 1
}

// Node returns the node at id.
func (m *Manager) Node(id int) (*BinaryNode, error) {
	if id < 0 || id >= len(m.nodes) {
		return nil, fmt.Errorf("node %d of a %d-node tree: %w", id, len(m.nodes), ErrCorruptTree)
	}
	return &m.nodes[id], nil
}

// Len returns the number of nodes.
func (m *Manager) Len() int { return len(m.nodes) }

// ClearStates resets the transient per-pass fields of every node.
func (m *Manager) ClearStates() {
	for i := range m.nodes {
		m.nodes[i].State = State{}
		m.nodes[i].Attention = tensor.Ref{}
	}
}

// Validate checks the structural invariants: children come after their
// parent, point back to it and sit one level deeper.
func (m *Manager) Validate() error {
	for i := range m.nodes {
		n := &m.nodes[i]
		for _, c := range []int{n.Left, n.Right} {
			if c == None {
				continue
			}
			if c <= i || c >= len(m.nodes) {
				return fmt.Errorf("node %d has child index %d: %w", i, c, ErrCorruptTree)
			}
			child := &m.nodes[c]
			if child.Parent != i {
				return fmt.Errorf("node %d names %d as parent, expected %d: %w", c, child.Parent, i, ErrCorruptTree)
			}
			if child.Depth != n.Depth+1 {
				return fmt.Errorf("node %d at depth %d under node %d at depth %d: %w", c, child.Depth, i, n.Depth, ErrCorruptTree)
			}
		}
	}
	return nil
}

// Encode builds the binary encoding of n. A leaf gets an EOS left child. The
// first child becomes the left child, every later child is the right child
// of its previous sibling, and an EOS terminator closes the sibling chain.
func Encode(n *EncodedNode) *Manager {
	m := NewManager()
	m.encode(n, None, 0)
	return m
}

func (m *Manager) encode(n *EncodedNode, parent, depth int) int {
	id := m.CreateNode(n.Value, parent, depth)
	if len(n.Children) == 0 {
		m.nodes[id].Left = m.CreateNode(EOSID, id, depth+1)
		return id
	}
	prev := m.encode(n.Children[0], id, depth+1)
	m.nodes[id].Left = prev
	for _, child := range n.Children[1:] {
		next := m.encode(child, prev, m.nodes[prev].Depth+1)
		m.nodes[prev].Right = next
		prev = next
	}
	m.nodes[prev].Right = m.CreateNode(EOSID, prev, m.nodes[prev].Depth+1)
	return id
}
