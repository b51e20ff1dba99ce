// Package calc provides functions for calculating neural network performance metrics.
package calc

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
)

// MissingPrediction pads the predictions of a tree that came out shorter
// than its label sequence.
const MissingPrediction = "MISSING_PREDICTION"

// Score is a metric value. Undefined values are NaN and serialise as null.
type Score float64

func (s Score) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(s))
}

func (s *Score) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Score(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Score(f)
	return nil
}

// Metrics are the scores of one class or one average.
type Metrics struct {
	F1        Score `json:"f1-score"`
	Precision Score `json:"precision"`
	Recall    Score `json:"recall"`
	Support   Score `json:"support"`
}

// Report is a classification report over token labels.
type Report struct {
	Accuracy    Score              `json:"accuracy"`
	WeightedAvg Metrics            `json:"weighted avg"`
	MacroAvg    Metrics            `json:"macro avg"`
	Classes     map[string]Metrics `json:"-"`
}

func ratio(num, den int) Score {
	if den == 0 {
		return Score(math.NaN())
	}
	return Score(float64(num) / float64(den))
}

// ClassificationReport compares labels with predictions position by
// position. Classes are the union of both. Precision, recall and F1 are NaN
// where their denominator is zero; averages skip NaN entries.
func ClassificationReport(labels, predictions []string) Report {
	n := min(len(labels), len(predictions))
	tp := map[string]int{}
	predicted := map[string]int{}
	support := map[string]int{}
	correct := 0
	for i := 0; i < n; i++ {
		support[labels[i]]++
		predicted[predictions[i]]++
		if labels[i] == predictions[i] {
			tp[labels[i]]++
			correct++
		}
	}

	var classes []string
	for c := range support {
		classes = append(classes, c)
	}
	for c := range predicted {
		if _, ok := support[c]; !ok {
			classes = append(classes, c)
		}
	}
	sort.Strings(classes)

	r := Report{Accuracy: ratio(correct, n), Classes: make(map[string]Metrics, len(classes))}
	for _, c := range classes {
		r.Classes[c] = Metrics{
			Precision: ratio(tp[c], predicted[c]),
			Recall:    ratio(tp[c], support[c]),
			F1:        ratio(2*tp[c], predicted[c]+support[c]),
			Support:   Score(support[c]),
		}
	}
	r.MacroAvg = average(r.Classes, false)
	r.WeightedAvg = average(r.Classes, true)
	r.MacroAvg.Support = Score(n)
	r.WeightedAvg.Support = Score(n)
	return r
}

func average(classes map[string]Metrics, weighted bool) Metrics {
	mean := func(get func(Metrics) Score) Score {
		var sum, weights float64
		for _, m := range classes {
			v := float64(get(m))
			if math.IsNaN(v) {
				continue
			}
			w := 1.0
			if weighted {
				w = float64(m.Support)
			}
			sum += w * v
			weights += w
		}
		if weights == 0 {
			return Score(math.NaN())
		}
		return Score(sum / weights)
	}
	return Metrics{
		F1:        mean(func(m Metrics) Score { return m.F1 }),
		Precision: mean(func(m Metrics) Score { return m.Precision }),
		Recall:    mean(func(m Metrics) Score { return m.Recall }),
	}
}

// Flatten pairs the label tokens of one tree with its predicted tokens,
// truncating or padding the predictions to the label length.
func Flatten(labels, predictions []string) []string {
	out := make([]string, len(labels))
	for i := range out {
		if i < len(predictions) {
			out[i] = predictions[i]
		} else {
			out[i] = MissingPrediction
		}
	}
	return out
}
