// Package vocab maps tree node values to token ids.
package vocab

import (
	"errors"
	"fmt"

	"github.com/borkdominik/CM2ML/neural/nnu/gobs"
	"github.com/borkdominik/CM2ML/neural/tree"
)

// ErrReservedIDs is returned for mappings that break the reserved-id layout.
var ErrReservedIDs = errors.New("vocabulary does not follow the reserved id layout")

// UnknownToken is printed for ids outside the vocabulary.
const UnknownToken = "none"

// Vocabulary is a frozen token↔id mapping whose first ids are the reserved
// tokens of package tree.
type Vocabulary struct {
	tokens []string
	ids    map[string]int
}

func newVocabulary(corpus []string) *Vocabulary {
	v := &Vocabulary{ids: make(map[string]int, len(tree.ReservedTokens)+len(corpus))}
	for _, tok := range tree.ReservedTokens {
		v.add(tok)
	}
	for _, tok := range corpus {
		v.add(tok)
	}
	return v
}

func (v *Vocabulary) add(tok string) {
	if _, ok := v.ids[tok]; ok {
		return
	}
	v.ids[tok] = len(v.tokens)
	v.tokens = append(v.tokens, tok)
}

// collect appends the values of every tree in pre-order.
func collect(corpus []string, roots ...*tree.Node) []string {
	for _, r := range roots {
		r.Walk(func(n *tree.Node) { corpus = append(corpus, n.Value) })
	}
	return corpus
}

// Build creates separate source and target vocabularies. Tokens are numbered
// in first-seen order walking the pairs in order and each tree in pre-order.
func Build(pairs []tree.Pair) (source, target *Vocabulary) {
	var src, tgt []string
	for _, p := range pairs {
		src = collect(src, p.Source)
		tgt = collect(tgt, p.Target)
	}
	return newVocabulary(src), newVocabulary(tgt)
}

// BuildShared creates one vocabulary over the source and then the target
// tree of every pair.
func BuildShared(pairs []tree.Pair) *Vocabulary {
	var corpus []string
	for _, p := range pairs {
		corpus = collect(corpus, p.Source, p.Target)
	}
	return newVocabulary(corpus)
}

// FromMapping adopts an externally supplied mapping. Reserved tokens may be
// omitted but, when present, must hold their reserved ids; corpus ids must
// fill 7..n-1 without gaps.
func FromMapping(m map[string]int) (*Vocabulary, error) {
	size := len(tree.ReservedTokens)
	for tok, id := range m {
		if id < 0 {
			return nil, fmt.Errorf("token %q has negative id %d: %w", tok, id, ErrReservedIDs)
		}
		if !isReserved(tok) && id+1 > size {
			size = id + 1
		}
	}
	tokens := make([]string, size)
	copy(tokens, tree.ReservedTokens)
	filled := make([]bool, size)
	for i := range tree.ReservedTokens {
		filled[i] = true
	}
	for tok, id := range m {
		if isReserved(tok) {
			if id >= len(tree.ReservedTokens) || tree.ReservedTokens[id] != tok {
				return nil, fmt.Errorf("reserved token %q mapped to %d: %w", tok, id, ErrReservedIDs)
			}
			continue
		}
		if id < len(tree.ReservedTokens) {
			return nil, fmt.Errorf("token %q uses reserved id %d: %w", tok, id, ErrReservedIDs)
		}
		if filled[id] {
			return nil, fmt.Errorf("id %d assigned twice: %w", id, ErrReservedIDs)
		}
		tokens[id] = tok
		filled[id] = true
	}
	for id, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("id %d is unassigned: %w", id, ErrReservedIDs)
		}
	}
	return newVocabulary(tokens[len(tree.ReservedTokens):]), nil
}

func isReserved(tok string) bool {
	for _, r := range tree.ReservedTokens {
		if r == tok {
			return true
		}
	}
	return false
}

// ID returns the id of token, or the unknown id.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return tree.UnkID
}

// Token returns the token of id, or UnknownToken.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return UnknownToken
	}
	return v.tokens[id]
}

// Size is the number of ids including the reserved ones.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// Tokens returns the tokens in id order.
func (v *Vocabulary) Tokens() []string {
	return append([]string(nil), v.tokens...)
}

// Encode returns a copy of n with every value replaced by its id.
func (v *Vocabulary) Encode(n *tree.Node) *tree.EncodedNode {
	e := &tree.EncodedNode{Value: v.ID(n.Value), Children: make([]*tree.EncodedNode, len(n.Children))}
	for i, c := range n.Children {
		e.Children[i] = v.Encode(c)
	}
	return e
}

// PreOrderTokens lists the tokens of an encoded tree in pre-order.
func (v *Vocabulary) PreOrderTokens(n *tree.EncodedNode) []string {
	return v.Tokenize(tree.PreOrder(n))
}

// Tokenize maps ids to tokens.
func (v *Vocabulary) Tokenize(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = v.Token(id)
	}
	return out
}

// SerializeSequence maps a bracketed id sequence to tokens and drops the
// brackets.
func (v *Vocabulary) SerializeSequence(seq []int) []string {
	out := make([]string, 0, len(seq))
	for _, id := range seq {
		if id == tree.LeftBracketID || id == tree.RightBracketID {
			continue
		}
		out = append(out, v.Token(id))
	}
	return out
}

// Save writes the vocabulary to a gob file.
func (v *Vocabulary) Save(path string) error {
	return gobs.SaveGOB(path, v.tokens)
}

// Load reads a vocabulary written by Save.
func Load(path string) (*Vocabulary, error) {
	var tokens []string
	if err := gobs.LoadGOB(path, &tokens); err != nil {
		return nil, err
	}
	if len(tokens) < len(tree.ReservedTokens) {
		return nil, fmt.Errorf("vocabulary %s has %d tokens: %w", path, len(tokens), ErrReservedIDs)
	}
	for i, r := range tree.ReservedTokens {
		if tokens[i] != r {
			return nil, fmt.Errorf("vocabulary %s has %q at id %d: %w", path, tokens[i], i, ErrReservedIDs)
		}
	}
	v := newVocabulary(tokens[len(tree.ReservedTokens):])
	if v.Size() != len(tokens) {
		return nil, fmt.Errorf("vocabulary %s contains duplicate tokens: %w", path, ErrReservedIDs)
	}
	return v, nil
}
