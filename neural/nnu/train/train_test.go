package train

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borkdominik/CM2ML/internal/config"
	"github.com/borkdominik/CM2ML/neural/nnu/calc"
	"github.com/borkdominik/CM2ML/neural/nnu/dataset"
	"github.com/borkdominik/CM2ML/neural/nnu/gobs"
	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tree"
	"github.com/borkdominik/CM2ML/neural/tree2tree"
)

func n(value string, children ...*tree.Node) *tree.Node {
	return &tree.Node{Value: value, Children: children}
}

func fixture(t *testing.T) ([]dataset.Example, *vocab.Vocabulary, *tree2tree.Model) {
	t.Helper()
	pairs := []tree.Pair{
		{Source: n("A", n("B")), Target: n("A", n("C"))},
		{Source: n("D", n("B"), n("E")), Target: n("D", n("C", n("E")))},
	}
	v := vocab.BuildShared(pairs)
	m, err := tree2tree.New(tree2tree.Config{
		SourceVocabSize: v.Size(),
		TargetVocabSize: v.Size(),
		EmbeddingSize:   6,
		HiddenSize:      8,
		NumLayers:       1,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	m.InitWeights(0.1)
	return dataset.Prepare(pairs, v, v), v, m
}

func trainingConfig() config.TrainingConfig {
	tc := config.Default().Training
	tc.Epochs = 3
	tc.BatchSize = 1
	tc.LearningRate = 0.01
	tc.DecayFactor = 0.5
	tc.DecayEpochs = 1
	return tc
}

func TestEarlyStopping(t *testing.T) {
	tests := []struct {
		name     string
		patience int
		losses   []float64
		stopAt   int // index of the epoch that stops, -1 for none
	}{
		{"improving", 2, []float64{3, 2, 1, 0.5}, -1},
		{"plateau", 2, []float64{1, 2, 2, 2}, 2},
		{"reset", 2, []float64{1, 2, 0.5, 3, 3}, 4},
		{"zero patience", 0, []float64{1, 1}, 1},
		{"nan", 1, []float64{1, math.NaN()}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEarlyStopping(tt.patience)
			got := -1
			for i, l := range tt.losses {
				if e.Observe(l) {
					got = i
					break
				}
			}
			assert.Equal(t, tt.stopAt, got)
		})
	}
}

func TestFitCheckpointsAndDecays(t *testing.T) {
	examples, _, m := fixture(t)
	store := gobs.FileStore{Dir: t.TempDir()}
	tr := New(m, trainingConfig(), WithStore(store), WithName("seed-1"), WithRand(rand.New(rand.NewSource(2))))

	h, err := tr.Fit(context.Background(), examples, examples[:1])
	require.NoError(t, err)
	require.Len(t, h.Epochs, 3)
	assert.NotEmpty(t, h.RunID)
	assert.Equal(t, 1, h.Epochs[0].Epoch)
	// two steps per epoch, decay every two steps
	assert.InDelta(t, 0.005, h.Epochs[0].LearningRate, 1e-12)
	assert.InDelta(t, 0.00125, tr.LearningRate(), 1e-12)
	for _, e := range h.Epochs {
		assert.False(t, math.IsNaN(float64(e.TrainLoss)))
		assert.False(t, math.IsNaN(float64(e.ValidationLoss)))
	}

	epochs, err := store.Epochs("seed-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, epochs)

	require.NoError(t, tr.Restore(0))
	assert.InDelta(t, 0.005, tr.LearningRate(), 1e-12)
	assert.ErrorIs(t, tr.Restore(9), gobs.ErrNotFound)

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, h.Save(path))
	loaded, err := LoadHistory(path)
	require.NoError(t, err)
	assert.Equal(t, h.RunID, loaded.RunID)
	assert.Len(t, loaded.Epochs, 3)
}

func TestFitReducesLoss(t *testing.T) {
	examples, _, m := fixture(t)
	tc := trainingConfig()
	tc.Epochs = 40
	tc.DecayEpochs = 100
	tr := New(m, tc)

	before, err := tr.Loss(examples)
	require.NoError(t, err)
	h, err := tr.Fit(context.Background(), examples, nil)
	require.NoError(t, err)
	assert.False(t, h.StoppedEarly)
	assert.Equal(t, -1, h.BestEpoch)
	assert.True(t, math.IsNaN(float64(h.Epochs[0].ValidationLoss)))
	last := h.Epochs[len(h.Epochs)-1]
	assert.Less(t, float64(last.TrainLoss), float64(h.Epochs[0].TrainLoss))

	after, err := tr.Loss(examples)
	require.NoError(t, err)
	assert.Less(t, after, before)
}

func TestFitHonoursContext(t *testing.T) {
	examples, _, m := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(m, trainingConfig()).Fit(ctx, examples, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepLeavesTreesClear(t *testing.T) {
	examples, _, m := fixture(t)
	tr := New(m, trainingConfig())
	_, _, err := tr.Step(examples, false)
	require.NoError(t, err)
	for _, ex := range examples {
		for i := 0; i < ex.SourceTree.Len(); i++ {
			node, err := ex.SourceTree.Node(i)
			require.NoError(t, err)
			assert.False(t, node.State.Visited())
		}
	}
}

func TestEvaluate(t *testing.T) {
	examples, v, m := fixture(t)
	tr := New(m, trainingConfig())
	r, loss, err := tr.Evaluate(examples, v)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	// labels: [C] and [C, E]
	assert.Equal(t, calc.Score(3), r.MacroAvg.Support)
	assert.GreaterOrEqual(t, float64(r.Accuracy), 0.0)
	assert.LessOrEqual(t, float64(r.Accuracy), 1.0)
}
