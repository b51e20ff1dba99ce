package train

import "math"

// EarlyStopping tracks the best validation loss. Training stops after
// Patience consecutive epochs without improvement, so a run whose best
// epoch is k ends no later than epoch k+Patience.
type EarlyStopping struct {
	Patience  int
	best      float64
	remaining int
	improved  bool
}

// NewEarlyStopping returns a tracker that allows patience epochs without
// improvement.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, best: math.Inf(1), remaining: patience}
}

// Observe records the loss of an epoch and reports whether to stop. A NaN
// loss never counts as an improvement.
func (e *EarlyStopping) Observe(loss float64) bool {
	e.improved = loss < e.best
	if e.improved {
		e.best = loss
		e.remaining = e.Patience
		return false
	}
	e.remaining--
	return e.remaining <= 0
}

// Improved reports whether the last observed loss was a new best.
func (e *EarlyStopping) Improved() bool { return e.improved }

// Best returns the lowest loss seen, +Inf before any improvement.
func (e *EarlyStopping) Best() float64 { return e.best }
