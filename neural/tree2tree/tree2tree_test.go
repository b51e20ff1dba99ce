package tree2tree

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tensor"
	"github.com/borkdominik/CM2ML/neural/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(v int) *tree.EncodedNode { return &tree.EncodedNode{Value: v} }

func node(v int, children ...*tree.EncodedNode) *tree.EncodedNode {
	return &tree.EncodedNode{Value: v, Children: children}
}

func smallConfig() Config {
	return Config{
		SourceVocabSize: 12,
		TargetVocabSize: 12,
		EmbeddingSize:   6,
		HiddenSize:      8,
		NumLayers:       1,
	}
}

func newModel(t *testing.T, cfg Config, seed int64) *Model {
	t.Helper()
	m, err := New(cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, smallConfig().Validate())
	for name, mutate := range map[string]func(*Config){
		"vocab":   func(c *Config) { c.TargetVocabSize = 0 },
		"hidden":  func(c *Config) { c.HiddenSize = -1 },
		"layers":  func(c *Config) { c.NumLayers = 0 },
		"dropout": func(c *Config) { c.DropoutRate = 1 },
	} {
		c := smallConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
	c := smallConfig()
	c.NoAttention = true
	assert.False(t, c.parentFeeding())
}

func TestEncodeBatchShapesAndMask(t *testing.T) {
	m := newModel(t, smallConfig(), 1)
	small := tree.Encode(leaf(7))                           // 2 nodes
	large := tree.Encode(node(7, leaf(8), node(9, leaf(10)))) // 8 nodes

	out, err := m.EncodeBatch([]*tree.Manager{small, large})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8}, out.States.Shape)
	assert.Equal(t, []int{2, 8}, out.Mask.Shape)
	assert.Equal(t, []float64{0, 0, 1, 1, 1, 1, 1, 1}, out.Mask.Row(0))
	assert.Equal(t, make([]float64, 8), out.Mask.Row(1))

	// padded rows hold zero states
	for i := 2; i < 8; i++ {
		assert.Equal(t, make([]float64, 8), out.States.Data[(i)*8:(i+1)*8])
	}
	for _, mgr := range []*tree.Manager{small, large} {
		for i := 0; i < mgr.Len(); i++ {
			n, err := mgr.Node(i)
			require.NoError(t, err)
			assert.True(t, n.State.Visited())
		}
	}
	root, err := large.Node(0)
	require.NoError(t, err)
	assert.Equal(t, root.State.Top().H, out.RootH[1])
}

func TestEncodeBatchIsBatchIndependent(t *testing.T) {
	m := newModel(t, smallConfig(), 2)
	a := tree.Encode(node(7, leaf(8), leaf(9)))
	alone, err := m.EncodeBatch([]*tree.Manager{a})
	require.NoError(t, err)
	want := append([]float64(nil), alone.States.Data...)

	b := tree.Encode(node(10, node(11, leaf(8))))
	both, err := m.EncodeBatch([]*tree.Manager{b, a})
	require.NoError(t, err)
	n := a.Len() * 8
	off := both.States.Shape[1] * 8
	assert.InDeltaSlice(t, want, both.States.Data[off:off+n], 1e-12)
}

func TestEncodeBatchRejects(t *testing.T) {
	m := newModel(t, smallConfig(), 1)
	_, err := m.EncodeBatch(nil)
	assert.Error(t, err)

	a := tree.Encode(leaf(7))
	_, err = m.EncodeBatch([]*tree.Manager{a, a})
	assert.Error(t, err)

	_, err = m.EncodeBatch([]*tree.Manager{tree.NewManager()})
	assert.ErrorIs(t, err, tree.ErrCorruptTree)

	broken := tree.Encode(node(7, leaf(8)))
	n, err := broken.Node(1)
	require.NoError(t, err)
	n.Depth = 5
	_, err = m.EncodeBatch([]*tree.Manager{broken})
	assert.ErrorIs(t, err, tree.ErrCorruptTree)
}

func TestAttentionIgnoresPadding(t *testing.T) {
	states := tensor.NewTensor([]int{1, 3, 2}, []float64{1, 0, 0, 1, 5, 5}, false)
	mask := tensor.NewTensor([]int{1, 3}, []float64{0, 0, 1}, false)
	hidden := tensor.NewTensor([]int{1, 2}, []float64{1, 1}, false)

	w, err := AttentionWeights(states, mask, hidden)
	require.NoError(t, err)
	assert.Equal(t, 0.0, w.Data[2])
	assert.InDelta(t, 0.5, w.Data[0], 1e-12)
	assert.InDelta(t, 1.0, w.Data[0]+w.Data[1], 1e-12)
}

func TestTeacherForcedSteps(t *testing.T) {
	m := newModel(t, smallConfig(), 3)
	src := tree.Encode(node(7, leaf(8)))
	tgt := tree.Encode(node(7, leaf(9))) // A, C, EOS, EOS

	res, err := m.Forward([]*tree.Manager{src}, []*tree.Manager{tgt}, false)
	require.NoError(t, err)
	require.Len(t, res.Steps, 8)
	var got [][]int
	for _, s := range res.Steps {
		got = append(got, s.Targets)
	}
	assert.Equal(t, [][]int{
		{7}, {tree.EOSID}, // GO
		{9}, {tree.EOSID}, // A
		{tree.EOSID}, {tree.EOSID}, // C
		{tree.EOSID, tree.EOSID}, {tree.EOSID, tree.EOSID}, // terminators
	}, got)

	pred := res.Predictions[0]
	assert.Equal(t, tgt.Len()+1, pred.Len())
	for i := 1; i < pred.Len(); i++ {
		n, err := pred.Node(i)
		require.NoError(t, err)
		aligned, err := tgt.Node(n.Target)
		require.NoError(t, err)
		assert.Equal(t, aligned.Value, n.Value)
		assert.Equal(t, tree.None, n.Prediction)
	}
	assert.Greater(t, res.Loss.Item(), 0.0)
}

func TestFreeRunningTerminates(t *testing.T) {
	cfg := smallConfig()
	cfg.NumLayers = 2
	m := newModel(t, cfg, 4)
	src := tree.Encode(node(7, leaf(8), leaf(9)))
	tgt := tree.Encode(node(7, node(8, leaf(9)), leaf(10)))

	res, err := m.Forward([]*tree.Manager{src}, []*tree.Manager{tgt}, true)
	require.NoError(t, err)
	pred := res.Predictions[0]
	require.Greater(t, pred.Len(), 1)
	// every predicted node is aligned to at most one distinct target node
	seen := map[int]bool{}
	for i := 1; i < pred.Len(); i++ {
		n, err := pred.Node(i)
		require.NoError(t, err)
		assert.Equal(t, n.Value, n.Prediction)
		if n.Target != tree.None {
			assert.False(t, seen[n.Target])
			seen[n.Target] = true
		}
	}
	root, err := pred.Node(0)
	require.NoError(t, err)
	assert.Equal(t, tree.None, root.Right)
	assert.NotEqual(t, tree.None, root.Left)
}

func TestForwardRejects(t *testing.T) {
	m := newModel(t, smallConfig(), 1)
	src := tree.Encode(leaf(7))
	_, err := m.Forward([]*tree.Manager{src}, nil, false)
	assert.Error(t, err)
	_, err = m.Forward([]*tree.Manager{src}, []*tree.Manager{tree.NewManager()}, false)
	assert.ErrorIs(t, err, tree.ErrCorruptTree)
}

// Backpropagation through the encoder, attention and the two-layer decoder
// agrees with central differences of the loss.
func TestForwardGradients(t *testing.T) {
	cfg := Config{SourceVocabSize: 12, TargetVocabSize: 12, EmbeddingSize: 3, HiddenSize: 4, NumLayers: 2}
	m := newModel(t, cfg, 11)
	m.InitWeights(0.5)
	sources := []*tree.Manager{
		tree.Encode(node(7, leaf(8), node(9, leaf(10)))),
		tree.Encode(leaf(11)),
	}
	targets := []*tree.Manager{
		tree.Encode(node(7, node(8, leaf(9)))),
		tree.Encode(node(10, leaf(11), leaf(8))),
	}
	loss := func() float64 {
		res, err := m.Forward(sources, targets, false)
		require.NoError(t, err)
		return res.Loss.Item()
	}

	params := m.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}
	res, err := m.Forward(sources, targets, false)
	require.NoError(t, err)
	require.NoError(t, res.Loss.Backward(nil))

	const eps = 1e-6
	rng := rand.New(rand.NewSource(3))
	for k, p := range params {
		for n := 0; n < 4; n++ {
			i := rng.Intn(len(p.Data))
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus := loss()
			p.Data[i] = orig - eps
			minus := loss()
			p.Data[i] = orig
			analytic := 0.0
			if p.Grad != nil {
				analytic = p.Grad.Data[i]
			}
			assert.InDelta(t, (plus-minus)/(2*eps), analytic, 1e-6, "parameter %d element %d", k, i)
		}
	}
}

func TestNoAttentionForward(t *testing.T) {
	cfg := smallConfig()
	cfg.NoAttention = true
	m := newModel(t, cfg, 5)
	src := tree.Encode(node(7, leaf(8)))
	tgt := tree.Encode(node(9, leaf(10)))
	res, err := m.Forward([]*tree.Manager{src}, []*tree.Manager{tgt}, false)
	require.NoError(t, err)
	require.NoError(t, res.Loss.Backward(nil))
}

func TestSaveLoad(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg, 6)
	m.InitWeights(0.1)
	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path, rand.New(rand.NewSource(0)))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded.Config())
	want := m.StateDict()
	for name, p := range loaded.StateDict() {
		assert.Equal(t, want[name].Data, p.Data, name)
	}

	other := newModel(t, Config{SourceVocabSize: 12, TargetVocabSize: 12, EmbeddingSize: 6, HiddenSize: 4, NumLayers: 1}, 1)
	assert.Error(t, other.LoadStateDict(want))
}

// A model trained on a single pair reproduces it: the node decoded for the
// target root A gets a left child C.
func TestOverfitSinglePair(t *testing.T) {
	pair := tree.Pair{
		Source: &tree.Node{Value: "A", Children: []*tree.Node{{Value: "B"}}},
		Target: &tree.Node{Value: "A", Children: []*tree.Node{{Value: "C"}}},
	}
	v := vocab.BuildShared([]tree.Pair{pair})
	require.Equal(t, 7, v.ID("A"))
	require.Equal(t, 8, v.ID("B"))
	require.Equal(t, 9, v.ID("C"))

	cfg := Config{SourceVocabSize: v.Size(), TargetVocabSize: v.Size(), EmbeddingSize: 8, HiddenSize: 16, NumLayers: 1}
	m := newModel(t, cfg, 7)
	src := tree.Encode(v.Encode(pair.Source))
	tgt := tree.Encode(v.Encode(pair.Target))
	opt := nn.NewAdam(m.Parameters(), 0.02)

	var first, last float64
	for i := 0; i < 300; i++ {
		opt.ZeroGrad()
		res, err := m.Forward([]*tree.Manager{src}, []*tree.Manager{tgt}, false)
		require.NoError(t, err)
		require.NoError(t, res.Loss.Backward(nil))
		nn.ClipGradNorm(m.Parameters(), 5)
		opt.Step()
		if i == 0 {
			first = res.Loss.Item()
		}
		last = res.Loss.Item()
	}
	assert.Less(t, last, first/10)

	res, err := m.Forward([]*tree.Manager{src}, []*tree.Manager{tgt}, true)
	require.NoError(t, err)
	pred := res.Predictions[0]
	rootA, err := pred.Node(1)
	require.NoError(t, err)
	assert.Equal(t, 7, rootA.Value)
	child, err := pred.Node(rootA.Left)
	require.NoError(t, err)
	assert.Equal(t, 9, child.Value)
	// wave two, left side, first row
	assert.Greater(t, tensor.Softmax(res.Steps[2].Logits.Row(0))[9], 0.9)

	seq, err := pred.Sequence(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, v.SerializeSequence(seq))
}

func BenchmarkForward(b *testing.B) {
	m, err := New(Config{SourceVocabSize: 12, TargetVocabSize: 12, EmbeddingSize: 16, HiddenSize: 32, NumLayers: 1}, rand.New(rand.NewSource(1)))
	require.NoError(b, err)
	var sources, targets []*tree.Manager
	for i := 0; i < 8; i++ {
		sources = append(sources, tree.Encode(node(7, leaf(8), node(9, leaf(10), leaf(11)))))
		targets = append(targets, tree.Encode(node(7, node(8, leaf(9)), leaf(10))))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := m.Forward(sources, targets, false)
		if err != nil {
			b.Fatal(err)
		}
		if err := res.Loss.Backward(nil); err != nil {
			b.Fatal(err)
		}
	}
}
