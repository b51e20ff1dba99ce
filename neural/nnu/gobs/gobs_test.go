package gobs

import (
	"path/filepath"
	"testing"

	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadGOB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "v.gob")
	require.NoError(t, SaveGOB(path, map[string]int{"a": 1}))
	var got map[string]int
	require.NoError(t, LoadGOB(path, &got))
	assert.Equal(t, map[string]int{"a": 1}, got)

	require.NoError(t, DeleteGobFile(path))
	assert.Error(t, LoadGOB(path, &got))
}

func checkpoint(epoch int) *Checkpoint {
	return &Checkpoint{
		Name:  "run",
		Epoch: epoch,
		Model: map[string]*tensor.Tensor{
			"output.0": tensor.NewTensor([]int{2, 2}, []float64{1, 2, 3, float64(epoch)}, true),
		},
		Optimizer: nn.AdamState{Step: epoch, LearningRate: 0.005, M: [][]float64{{0.1}}, V: [][]float64{{0.2}}},
	}
}

func TestStores(t *testing.T) {
	sqlStore, err := OpenSQLStore(filepath.Join(t.TempDir(), "db", "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	for name, s := range map[string]Store{
		"file": FileStore{Dir: t.TempDir()},
		"sql":  sqlStore,
	} {
		t.Run(name, func(t *testing.T) {
			epochs, err := s.Epochs("run")
			require.NoError(t, err)
			assert.Empty(t, epochs)

			_, err = LoadCheckpoint(s, "run", 1)
			assert.ErrorIs(t, err, ErrNotFound)

			for _, e := range []int{2, 0, 1} {
				_, err := SaveCheckpoint(s, checkpoint(e))
				require.NoError(t, err)
			}
			// overwrite keeps a single entry per epoch
			size, err := SaveCheckpoint(s, checkpoint(1))
			require.NoError(t, err)
			assert.Positive(t, size)
			_, err = SaveCheckpoint(s, &Checkpoint{Name: "other", Epoch: 5})
			require.NoError(t, err)

			epochs, err = s.Epochs("run")
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2}, epochs)

			got, err := LoadCheckpoint(s, "run", 2)
			require.NoError(t, err)
			want := checkpoint(2)
			assert.Equal(t, want.Name, got.Name)
			assert.Equal(t, want.Epoch, got.Epoch)
			assert.Equal(t, want.Optimizer, got.Optimizer)
			assert.Equal(t, want.Model["output.0"].Data, got.Model["output.0"].Data)
			assert.Equal(t, want.Model["output.0"].Shape, got.Model["output.0"].Shape)
		})
	}
}
