package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borkdominik/CM2ML/neural/nnu/calc"
)

const sampleDataset = `{
  "__metadata__": {"vocabulary": []},
  "data": {
    "m1": {"tree": {"root": {"value": "Model", "children": [
      {"value": "Class", "children": [
        {"value": "Person", "children": []},
        {"value": "attrs", "children": [
          {"value": "xmi:type", "children": [{"value": "uml:Class", "children": []}]},
          {"value": "isAbstract", "children": [{"value": false, "children": []}]}
        ]}
      ]}
    ]}}},
    "m2": {"tree": {"root": {"value": "Model", "children": [
      {"value": "Class", "children": [
        {"value": "Order", "children": []},
        {"value": "attrs", "children": [
          {"value": "xmi:type", "children": [{"value": "uml:Interface", "children": []}]}
        ]}
      ]}
    ]}}}
  }
}`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTrainEvaluateAggregatePlot(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(data, []byte(sampleDataset), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
model:
  embedding_size: 6
  hidden_size: 8
  dropout_rate: 0
training:
  epochs: 2
  batch_size: 2
data:
  cache_dir: %[1]s/cache
output:
  report_dir: %[1]s/reports
  model_dir: %[1]s/models
  checkpoint_dir: %[1]s/checkpoints
  checkpoint_store: sqlite
seeds: [1, 2]
log:
  level: error
`, dir)), 0o644))

	_, err := run(t, "train", "--config", cfgPath, data, data, data)
	require.NoError(t, err)

	for _, seed := range []string{"1", "2"} {
		assert.FileExists(t, filepath.Join(dir, "reports", seed, "test.json"))
		assert.FileExists(t, filepath.Join(dir, "models", "neuralnetwork-"+seed+".gob"))
	}
	assert.FileExists(t, filepath.Join(dir, "reports", calc.FinalReportFile))
	assert.FileExists(t, filepath.Join(dir, "checkpoints", "checkpoints.db"))

	out, err := run(t, "evaluate", "--config", cfgPath, filepath.Join(dir, "models", "neuralnetwork-1.gob"), data)
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Contains(t, report, "accuracy")
	assert.Contains(t, report, "weighted avg")

	out, err = run(t, "aggregate", "--config", cfgPath)
	require.NoError(t, err)
	var summary map[string]calc.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Contains(t, summary, "test")

	png := filepath.Join(dir, "plots", "loss.png")
	_, err = run(t, "plot", filepath.Join(dir, "models", "history-1.json"), png)
	require.NoError(t, err)
	assert.FileExists(t, png)
}

func TestTrainNeedsThreeDatasets(t *testing.T) {
	_, err := run(t, "train", "only-one.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train, validation, and test")
}
