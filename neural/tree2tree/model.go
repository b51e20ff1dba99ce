// Package tree2tree implements a tree-to-tree encoder/decoder: a binary
// Tree-LSTM encoder, attention over the encoded nodes and a decoder that
// grows the output tree top-down with one LSTM stack per child side.
package tree2tree

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/nnu/gobs"
	"github.com/borkdominik/CM2ML/neural/tensor"
)

// Config fixes the architecture of a Model.
type Config struct {
	SourceVocabSize int
	TargetVocabSize int
	EmbeddingSize   int
	HiddenSize      int
	NumLayers       int
	DropoutRate     float64
	NoAttention     bool
	NoParentFeeding bool
}

// parentFeeding reports whether a node's attention output is fed to its
// children. It needs attention.
func (c Config) parentFeeding() bool {
	return !c.NoAttention && !c.NoParentFeeding
}

// Validate checks that the sizes describe a buildable model.
func (c Config) Validate() error {
	switch {
	case c.SourceVocabSize <= 0 || c.TargetVocabSize <= 0:
		return fmt.Errorf("vocabulary sizes must be positive, got %d and %d", c.SourceVocabSize, c.TargetVocabSize)
	case c.EmbeddingSize <= 0 || c.HiddenSize <= 0:
		return fmt.Errorf("embedding and hidden sizes must be positive, got %d and %d", c.EmbeddingSize, c.HiddenSize)
	case c.NumLayers < 1:
		return fmt.Errorf("need at least one decoder layer, got %d", c.NumLayers)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return fmt.Errorf("dropout rate %v outside [0, 1)", c.DropoutRate)
	}
	return nil
}

// treeGate combines a node input with the hidden states of both children.
type treeGate struct {
	X, L, R *nn.Linear
}

func newTreeGate(inputSize, hiddenSize int, rng *rand.Rand) (treeGate, error) {
	x, err := nn.NewLinear(inputSize, hiddenSize, rng)
	if err != nil {
		return treeGate{}, err
	}
	l, err := nn.NewLinear(hiddenSize, hiddenSize, rng)
	if err != nil {
		return treeGate{}, err
	}
	r, err := nn.NewLinear(hiddenSize, hiddenSize, rng)
	if err != nil {
		return treeGate{}, err
	}
	return treeGate{X: x, L: l, R: r}, nil
}

// Model is the tree-to-tree network.
type Model struct {
	cfg Config
	rng *rand.Rand

	encoderEmbedding *nn.Embedding
	input, output    treeGate
	update, forget   treeGate

	decoderEmbedding *nn.Embedding
	decoderL         []*nn.LSTMCell
	decoderR         []*nn.LSTMCell
	attention        *nn.Linear
	projection       *nn.Linear
}

// New builds a model. rng drives initialisation and dropout.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg, rng: rng}
	var err error
	if m.encoderEmbedding, err = nn.NewEmbedding(cfg.SourceVocabSize, cfg.EmbeddingSize, rng); err != nil {
		return nil, err
	}
	for _, g := range []*treeGate{&m.input, &m.output, &m.update, &m.forget} {
		if *g, err = newTreeGate(cfg.EmbeddingSize, cfg.HiddenSize, rng); err != nil {
			return nil, err
		}
	}
	if m.decoderEmbedding, err = nn.NewEmbedding(cfg.TargetVocabSize, cfg.EmbeddingSize, rng); err != nil {
		return nil, err
	}
	inputSize := cfg.EmbeddingSize
	if cfg.parentFeeding() {
		inputSize += cfg.HiddenSize
	}
	for k := 0; k < cfg.NumLayers; k++ {
		size := inputSize
		if k > 0 {
			size = cfg.HiddenSize
		}
		l, err := nn.NewLSTMCell(size, cfg.HiddenSize, rng)
		if err != nil {
			return nil, err
		}
		r, err := nn.NewLSTMCell(size, cfg.HiddenSize, rng)
		if err != nil {
			return nil, err
		}
		m.decoderL = append(m.decoderL, l)
		m.decoderR = append(m.decoderR, r)
	}
	if m.attention, err = nn.NewLinear(2*cfg.HiddenSize, cfg.HiddenSize, rng); err != nil {
		return nil, err
	}
	if m.projection, err = nn.NewLinear(cfg.HiddenSize, cfg.TargetVocabSize, rng); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the architecture of m.
func (m *Model) Config() Config { return m.cfg }

type namedParam struct {
	name string
	t    *tensor.Tensor
}

func (m *Model) namedParameters() []namedParam {
	var out []namedParam
	add := func(prefix string, ts ...*tensor.Tensor) {
		for i, t := range ts {
			out = append(out, namedParam{name: fmt.Sprintf("%s.%d", prefix, i), t: t})
		}
	}
	add("encoder.embedding", m.encoderEmbedding.Parameters()...)
	for name, g := range map[string]treeGate{"i": m.input, "o": m.output, "u": m.update, "f": m.forget} {
		add("encoder."+name+".x", g.X.Parameters()...)
		add("encoder."+name+".l", g.L.Parameters()...)
		add("encoder."+name+".r", g.R.Parameters()...)
	}
	add("decoder.embedding", m.decoderEmbedding.Parameters()...)
	for k := range m.decoderL {
		add(fmt.Sprintf("decoder.l.%d", k), m.decoderL[k].Parameters()...)
		add(fmt.Sprintf("decoder.r.%d", k), m.decoderR[k].Parameters()...)
	}
	add("attention", m.attention.Parameters()...)
	add("output", m.projection.Parameters()...)
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Parameters returns every learnable tensor in a stable order.
func (m *Model) Parameters() []*tensor.Tensor {
	named := m.namedParameters()
	out := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		out[i] = p.t
	}
	return out
}

// InitWeights draws every parameter from U(-scale, scale).
func (m *Model) InitWeights(scale float64) {
	nn.InitUniform(m.Parameters(), scale, m.rng)
}

// StateDict returns detached copies of all parameters keyed by name.
func (m *Model) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, p := range m.namedParameters() {
		out[p.name] = p.t.Detach()
	}
	return out
}

// LoadStateDict copies values from a state dict produced by a model with
// the same configuration.
func (m *Model) LoadStateDict(state map[string]*tensor.Tensor) error {
	named := m.namedParameters()
	if len(state) != len(named) {
		return fmt.Errorf("state dict has %d tensors, model has %d", len(state), len(named))
	}
	for _, p := range named {
		src, ok := state[p.name]
		if !ok {
			return fmt.Errorf("state dict is missing %s", p.name)
		}
		if len(src.Data) != len(p.t.Data) {
			return fmt.Errorf("%s has %d values, want %d: %w", p.name, len(src.Data), len(p.t.Data), tensor.ErrShape)
		}
	}
	for _, p := range named {
		copy(p.t.Data, state[p.name].Data)
	}
	return nil
}

type savedModel struct {
	Config Config
	State  map[string]*tensor.Tensor
}

// Save writes the configuration and parameters to a gob file.
func (m *Model) Save(path string) error {
	return gobs.SaveGOB(path, savedModel{Config: m.cfg, State: m.StateDict()})
}

// Load restores a model written by Save.
func Load(path string, rng *rand.Rand) (*Model, error) {
	var saved savedModel
	if err := gobs.LoadGOB(path, &saved); err != nil {
		return nil, err
	}
	m, err := New(saved.Config, rng)
	if err != nil {
		return nil, fmt.Errorf("model in %s: %w", path, err)
	}
	if err := m.LoadStateDict(saved.State); err != nil {
		return nil, fmt.Errorf("model in %s: %w", path, err)
	}
	return m, nil
}
