package plot

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borkdominik/CM2ML/neural/nnu/calc"
	"github.com/borkdominik/CM2ML/neural/nnu/train"
)

func TestLossCurves(t *testing.T) {
	h := &train.History{RunID: "r", Name: "seed-42", Epochs: []train.EpochStats{
		{Epoch: 1, TrainLoss: 3, ValidationLoss: calc.Score(math.NaN())},
		{Epoch: 2, TrainLoss: 2, ValidationLoss: 2.5},
		{Epoch: 3, TrainLoss: 1, ValidationLoss: 2.2},
	}}
	path := filepath.Join(t.TempDir(), "loss.png")
	require.NoError(t, LossCurves(h, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestLossCurvesRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	assert.Error(t, LossCurves(&train.History{}, path))
	assert.Error(t, LossCurves(&train.History{Epochs: []train.EpochStats{
		{Epoch: 1, TrainLoss: calc.Score(math.NaN()), ValidationLoss: calc.Score(math.NaN())},
	}}, path))
}
