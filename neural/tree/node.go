// Package tree holds the n-ary model trees read from datasets and their
// left-child/right-sibling binary encoding used by the encoder and decoder.
package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved token ids shared by every vocabulary.
const (
	PadID = iota
	GoID
	EOSID
	UnkID
	NTID
	LeftBracketID
	RightBracketID
)

// ReservedTokens lists the reserved symbols in id order.
var ReservedTokens = []string{"_PAD", "_GO", "_EOS", "_UNK", "_NT", "(", ")"}

// Node is an n-ary tree node as it appears in a dataset file.
type Node struct {
	Value    string  `json:"value"`
	Children []*Node `json:"children"`
}

// UnmarshalJSON accepts string, number and boolean values and keeps their
// textual form.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value    json.RawMessage `json:"value"`
		Children []*Node         `json:"children"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, err := stringify(raw.Value)
	if err != nil {
		return err
	}
	n.Value = value
	n.Children = raw.Children
	return nil
}

func stringify(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("tree node without value: %w", ErrCorruptTree)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case 't', 'f':
		b, err := strconv.ParseBool(string(raw))
		if err != nil {
			return "", fmt.Errorf("tree node value %s: %w", raw, ErrCorruptTree)
		}
		return strconv.FormatBool(b), nil
	case '{', '[', 'n':
		return "", fmt.Errorf("tree node value %s is not a scalar: %w", raw, ErrCorruptTree)
	default:
		return string(raw), nil
	}
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Value: n.Value, Children: make([]*Node, len(n.Children))}
	for i, child := range n.Children {
		c.Children[i] = child.Clone()
	}
	return c
}

// Walk visits n and its descendants in pre-order.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// CountNodes returns the number of nodes in the tree rooted at n.
func CountNodes(n *Node) int {
	count := 0
	n.Walk(func(*Node) { count++ })
	return count
}

// Pair is one training example: the source tree and the tree to produce.
type Pair struct {
	Source *Node
	Target *Node
}

// EncodedNode is a Node whose values were replaced by token ids.
type EncodedNode struct {
	Value    int
	Children []*EncodedNode
}
