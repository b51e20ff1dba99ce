package calc

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassificationReport(t *testing.T) {
	labels := []string{"a", "a", "b", "c"}
	preds := []string{"a", "b", "b", "d"}
	r := ClassificationReport(labels, preds)

	assert.InDelta(t, 0.5, float64(r.Accuracy), 1e-12)
	a := r.Classes["a"]
	assert.InDelta(t, 1.0, float64(a.Precision), 1e-12)
	assert.InDelta(t, 0.5, float64(a.Recall), 1e-12)
	assert.InDelta(t, 2.0/3, float64(a.F1), 1e-12)
	assert.Equal(t, Score(2), a.Support)

	c := r.Classes["c"]
	assert.True(t, math.IsNaN(float64(c.Precision)))
	assert.Equal(t, Score(0), c.Recall)
	assert.Equal(t, Score(0), c.F1)

	d := r.Classes["d"]
	assert.Equal(t, Score(0), d.Precision)
	assert.True(t, math.IsNaN(float64(d.Recall)))

	// precision: a=1, b=0.5, d=0 (c undefined)
	assert.InDelta(t, 0.5, float64(r.MacroAvg.Precision), 1e-12)
	// recall weighted by support: (2*0.5 + 1*1 + 1*0) / 4
	assert.InDelta(t, 0.5, float64(r.WeightedAvg.Recall), 1e-12)
	assert.Equal(t, Score(4), r.MacroAvg.Support)
	assert.Equal(t, Score(4), r.WeightedAvg.Support)
}

func TestReportJSON(t *testing.T) {
	r := ClassificationReport([]string{"x"}, []string{"y"})
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.ElementsMatch(t, []string{"accuracy", "weighted avg", "macro avg"}, keys(raw))
	macro := raw["macro avg"].(map[string]any)
	assert.ElementsMatch(t, []string{"f1-score", "precision", "recall", "support"}, keys(macro))

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Score(0), back.Accuracy)
}

func TestScoreNaNIsNull(t *testing.T) {
	data, err := json.Marshal(Score(math.NaN()))
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var s Score
	require.NoError(t, json.Unmarshal([]byte("null"), &s))
	assert.True(t, math.IsNaN(float64(s)))
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, []string{"a", MissingPrediction}, Flatten([]string{"x", "y"}, []string{"a"}))
	assert.Equal(t, []string{"a"}, Flatten([]string{"x"}, []string{"a", "b"}))
	assert.Empty(t, Flatten(nil, []string{"a"}))
}

func TestAggregate(t *testing.T) {
	dir := t.TempDir()
	for seed, acc := range map[string]float64{"42": 0.5, "43": 0.7} {
		r := Report{
			Accuracy:    Score(acc),
			WeightedAvg: Metrics{F1: Score(acc), Precision: Score(math.NaN()), Recall: 1, Support: 10},
			MacroAvg:    Metrics{F1: 0.25, Precision: 0.25, Recall: 0.25, Support: 10},
		}
		data, err := json.Marshal(r)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, seed), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, seed, "test.json"), data, 0o644))
	}

	out, err := Aggregate(dir)
	require.NoError(t, err)
	s := out["test"]
	assert.Equal(t, 2, s.Runs)
	assert.Equal(t, Score(60), s.Accuracy.Mean)
	assert.Equal(t, Score(10), s.Accuracy.Std)
	assert.Equal(t, Score(25), s.MacroAvg.F1.Mean)
	assert.Equal(t, Score(0), s.MacroAvg.F1.Std)
	assert.True(t, math.IsNaN(float64(s.WeightedAvg.Precision.Mean)))
	assert.Equal(t, Score(1000), s.WeightedAvg.Support.Mean)

	data, err := os.ReadFile(filepath.Join(dir, FinalReportFile))
	require.NoError(t, err)
	var final map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Contains(t, final, "test")

	_, err = Aggregate(t.TempDir())
	assert.Error(t, err)
}

func keys(m map[string]any) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
