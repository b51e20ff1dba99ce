package tree

// Serialize writes n in bracket form: "(" value children... ")".
func Serialize(n *EncodedNode) []int {
	var out []int
	var walk func(*EncodedNode)
	walk = func(n *EncodedNode) {
		out = append(out, LeftBracketID, n.Value)
		for _, c := range n.Children {
			walk(c)
		}
		out = append(out, RightBracketID)
	}
	walk(n)
	return out
}

// PreOrder lists the values of n in pre-order.
func PreOrder(n *EncodedNode) []int {
	var out []int
	var walk func(*EncodedNode)
	walk = func(n *EncodedNode) {
		out = append(out, n.Value)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

// Sequence turns the predictions of a decoded tree back into bracket form,
// starting at node start. A node that predicted EOS closes its branch.
func (m *Manager) Sequence(start int) ([]int, error) {
	var out []int
	var walk func(id int) error
	walk = func(id int) error {
		n, err := m.Node(id)
		if err != nil {
			return err
		}
		if n.Prediction == EOSID {
			return nil
		}
		out = append(out, LeftBracketID, n.Prediction)
		if n.Left != None {
			if err := walk(n.Left); err != nil {
				return err
			}
		}
		out = append(out, RightBracketID)
		if n.Right != None {
			return walk(n.Right)
		}
		return nil
	}
	if err := walk(start); err != nil {
		return nil, err
	}
	return out, nil
}
