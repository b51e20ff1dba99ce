package calc

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// FinalReportFile is written to the report directory by Aggregate.
const FinalReportFile = "final_report.json"

// Spread is the mean and standard deviation of a metric across runs, in
// percent.
type Spread struct {
	Mean Score `json:"mean"`
	Std  Score `json:"std"`
}

// SpreadMetrics holds one Spread per metric of an average.
type SpreadMetrics struct {
	F1        Spread `json:"f1-score"`
	Precision Spread `json:"precision"`
	Recall    Spread `json:"recall"`
	Support   Spread `json:"support"`
}

// Summary aggregates one report name across runs.
type Summary struct {
	Runs        int           `json:"-"`
	Accuracy    Spread        `json:"accuracy"`
	WeightedAvg SpreadMetrics `json:"weighted avg"`
	MacroAvg    SpreadMetrics `json:"macro avg"`
}

// round3 scales v to percent and keeps three decimals.
func round3(v float64) Score {
	return Score(math.Round(v*100*1000) / 1000)
}

// spread returns the population mean and standard deviation of the defined
// values, NaN when there are none.
func spread(values []float64) Spread {
	var xs []float64
	for _, v := range values {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	if len(xs) == 0 {
		return Spread{Mean: Score(math.NaN()), Std: Score(math.NaN())}
	}
	return Spread{Mean: round3(stat.Mean(xs, nil)), Std: round3(stat.PopStdDev(xs, nil))}
}

func spreadMetrics(ms []Metrics) SpreadMetrics {
	col := func(get func(Metrics) Score) Spread {
		vs := make([]float64, len(ms))
		for i, m := range ms {
			vs[i] = float64(get(m))
		}
		return spread(vs)
	}
	return SpreadMetrics{
		F1:        col(func(m Metrics) Score { return m.F1 }),
		Precision: col(func(m Metrics) Score { return m.Precision }),
		Recall:    col(func(m Metrics) Score { return m.Recall }),
		Support:   col(func(m Metrics) Score { return m.Support }),
	}
}

// Summarize aggregates reports of the same name from several runs.
func Summarize(reports []Report) Summary {
	acc := make([]float64, len(reports))
	weighted := make([]Metrics, len(reports))
	macro := make([]Metrics, len(reports))
	for i, r := range reports {
		acc[i] = float64(r.Accuracy)
		weighted[i] = r.WeightedAvg
		macro[i] = r.MacroAvg
	}
	return Summary{
		Runs:        len(reports),
		Accuracy:    spread(acc),
		WeightedAvg: spreadMetrics(weighted),
		MacroAvg:    spreadMetrics(macro),
	}
}

// Aggregate reads every <dir>/<run>/<name>.json report, summarises them per
// name and writes the result to <dir>/final_report.json.
func Aggregate(dir string) (map[string]Summary, error) {
	runs, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read report directory: %w", err)
	}
	byName := map[string][]Report{}
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, run.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			path := filepath.Join(dir, run.Name(), f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			var r Report
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
			}
			name := strings.TrimSuffix(f.Name(), ".json")
			byName[name] = append(byName[name], r)
		}
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("no reports found under %s", dir)
	}

	out := make(map[string]Summary, len(byName))
	for name, reports := range byName {
		out[name] = Summarize(reports)
	}

	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, FinalReportFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write final report: %w", err)
	}
	return out, nil
}
