// Package plot renders training histories.
package plot

import (
	"fmt"
	"math"

	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/borkdominik/CM2ML/neural/nnu/train"
)

// LossCurves draws the training and validation loss per epoch of h and
// saves the figure to path. The file extension picks the format.
func LossCurves(h *train.History, path string) error {
	if len(h.Epochs) == 0 {
		return fmt.Errorf("history %s has no epochs", h.RunID)
	}
	var trainPts, valPts plotter.XYs
	for _, e := range h.Epochs {
		if v := float64(e.TrainLoss); !math.IsNaN(v) && !math.IsInf(v, 0) {
			trainPts = append(trainPts, plotter.XY{X: float64(e.Epoch), Y: v})
		}
		if v := float64(e.ValidationLoss); !math.IsNaN(v) && !math.IsInf(v, 0) {
			valPts = append(valPts, plotter.XY{X: float64(e.Epoch), Y: v})
		}
	}

	p := gplot.New()
	p.Title.Text = "Loss " + h.Name
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	var series []any
	if len(trainPts) > 0 {
		series = append(series, "train", trainPts)
	}
	if len(valPts) > 0 {
		series = append(series, "validation", valPts)
	}
	if len(series) == 0 {
		return fmt.Errorf("history %s has no finite losses", h.RunID)
	}
	if err := plotutil.AddLinePoints(p, series...); err != nil {
		return fmt.Errorf("failed to add loss curves: %w", err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
