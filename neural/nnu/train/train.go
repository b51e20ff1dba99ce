// Package train runs optimisation, validation, early stopping and
// evaluation of a tree2tree model.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/borkdominik/CM2ML/internal/config"
	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/nnu/calc"
	"github.com/borkdominik/CM2ML/neural/nnu/dataset"
	"github.com/borkdominik/CM2ML/neural/nnu/gobs"
	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tree"
	"github.com/borkdominik/CM2ML/neural/tree2tree"
)

// Trainer owns a model, its optimizer and the training schedule.
type Trainer struct {
	model *tree2tree.Model
	opt   *nn.Adam
	cfg   config.TrainingConfig
	log   *zap.Logger
	store gobs.Store
	rng   *rand.Rand
	name  string
	steps int
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger for training progress.
func WithLogger(l *zap.Logger) Option { return func(t *Trainer) { t.log = l } }

// WithStore enables a checkpoint after every epoch.
func WithStore(s gobs.Store) Option { return func(t *Trainer) { t.store = s } }

// WithRand sets the source used to shuffle training examples.
func WithRand(rng *rand.Rand) Option { return func(t *Trainer) { t.rng = rng } }

// WithName sets the key checkpoints are stored under.
func WithName(name string) Option { return func(t *Trainer) { t.name = name } }

// New creates a trainer with an Adam optimizer over the model parameters.
func New(model *tree2tree.Model, cfg config.TrainingConfig, opts ...Option) *Trainer {
	t := &Trainer{
		model: model,
		opt:   nn.NewAdam(model.Parameters(), cfg.LearningRate),
		cfg:   cfg,
		log:   zap.NewNop(),
		rng:   rand.New(rand.NewSource(1)),
		name:  "tree2tree",
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// LearningRate returns the current optimizer step size.
func (t *Trainer) LearningRate() float64 { return t.opt.LearningRate() }

// Step runs the model on one batch and returns the batch loss. Unless
// feedPrevious is set it also updates the parameters: zero gradients,
// backpropagate, clip to the global norm and take an Adam step.
func (t *Trainer) Step(batch []dataset.Example, feedPrevious bool) (float64, *tree2tree.Result, error) {
	sources := make([]*tree.Manager, len(batch))
	targets := make([]*tree.Manager, len(batch))
	for i, ex := range batch {
		sources[i], targets[i] = ex.SourceTree, ex.TargetTree
	}
	defer func() {
		for _, s := range sources {
			s.ClearStates()
		}
	}()

	res, err := t.model.Forward(sources, targets, feedPrevious)
	if err != nil {
		return 0, nil, err
	}
	if !feedPrevious {
		t.opt.ZeroGrad()
		if err := res.Loss.Backward(nil); err != nil {
			return 0, nil, fmt.Errorf("backward: %w", err)
		}
		if t.cfg.MaxGradientNorm > 0 {
			nn.ClipGradNorm(t.model.Parameters(), t.cfg.MaxGradientNorm)
		}
		t.opt.Step()
	}
	return res.Loss.Item(), res, nil
}

// batches splits examples into consecutive batches of the configured size.
func (t *Trainer) batches(examples []dataset.Example) [][]dataset.Example {
	var out [][]dataset.Example
	for i := 0; i < len(examples); i += t.cfg.BatchSize {
		out = append(out, examples[i:min(i+t.cfg.BatchSize, len(examples))])
	}
	return out
}

// Loss returns the free-running loss over examples, averaged per example.
func (t *Trainer) Loss(examples []dataset.Example) (float64, error) {
	if len(examples) == 0 {
		return math.NaN(), nil
	}
	var total float64
	for _, b := range t.batches(examples) {
		loss, _, err := t.Step(b, true)
		if err != nil {
			return 0, err
		}
		total += loss * float64(len(b))
	}
	return total / float64(len(examples)), nil
}

// Fit trains for the configured number of epochs or until early stopping.
// The learning rate decays every DecaySteps optimizer steps while it is
// above the floor. With a store, every epoch ends with a checkpoint.
func (t *Trainer) Fit(ctx context.Context, training, validation []dataset.Example) (*History, error) {
	if len(training) == 0 {
		return nil, fmt.Errorf("fit: no training examples")
	}
	h := &History{RunID: uuid.NewString(), Name: t.name, BestEpoch: -1}
	log := t.log.With(zap.String("run", h.RunID), zap.String("name", t.name))
	decaySteps := t.cfg.DecaySteps(len(training))
	stopper := NewEarlyStopping(t.cfg.Patience)
	order := append([]dataset.Example(nil), training...)

	log.Info("training",
		zap.Int("examples", len(training)),
		zap.Int("validation", len(validation)),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("decay_steps", decaySteps))

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var epochLoss float64
		for _, b := range t.batches(order) {
			if err := ctx.Err(); err != nil {
				return h, err
			}
			loss, _, err := t.Step(b, false)
			if err != nil {
				return h, fmt.Errorf("epoch %d: %w", epoch+1, err)
			}
			epochLoss += loss * float64(len(b))
			t.steps++
			if t.steps%decaySteps == 0 && t.opt.LearningRate() > t.cfg.LearningRateFloor {
				t.opt.SetLearningRate(t.opt.LearningRate() * t.cfg.DecayFactor)
			}
		}
		epochLoss /= float64(len(training))

		if err := t.checkpoint(epoch, log); err != nil {
			return h, err
		}
		valLoss, err := t.Loss(validation)
		if err != nil {
			return h, fmt.Errorf("validation in epoch %d: %w", epoch+1, err)
		}

		stats := EpochStats{
			Epoch:          epoch + 1,
			TrainLoss:      calc.Score(epochLoss),
			ValidationLoss: calc.Score(valLoss),
			LearningRate:   t.opt.LearningRate(),
			Duration:       time.Since(start),
		}
		h.Epochs = append(h.Epochs, stats)
		stop := false
		if len(validation) > 0 {
			stop = stopper.Observe(valLoss)
			if stopper.Improved() {
				h.BestEpoch = epoch
			}
		}
		log.Info("epoch",
			zap.Int("epoch", stats.Epoch),
			zap.Float64("train_loss", epochLoss),
			zap.Float64("validation_loss", valLoss),
			zap.Float64("learning_rate", stats.LearningRate),
			zap.Duration("took", stats.Duration))
		if stop {
			h.StoppedEarly = true
			log.Info("early stopping", zap.Int("epoch", stats.Epoch), zap.Float64("best_validation_loss", stopper.Best()))
			break
		}
	}
	return h, nil
}

func (t *Trainer) checkpoint(epoch int, log *zap.Logger) error {
	if t.store == nil {
		return nil
	}
	c := &gobs.Checkpoint{Name: t.name, Epoch: epoch, Model: t.model.StateDict(), Optimizer: t.opt.State()}
	size, err := gobs.SaveCheckpoint(t.store, c)
	if err != nil {
		return fmt.Errorf("checkpoint epoch %d: %w", epoch+1, err)
	}
	log.Debug("checkpoint", zap.Int("epoch", epoch+1), zap.String("size", humanize.Bytes(uint64(size))))
	return nil
}

// Restore loads the model and optimizer state saved after epoch (zero based).
func (t *Trainer) Restore(epoch int) error {
	if t.store == nil {
		return fmt.Errorf("restore: no checkpoint store: %w", gobs.ErrNotFound)
	}
	c, err := gobs.LoadCheckpoint(t.store, t.name, epoch)
	if err != nil {
		return err
	}
	if err := t.model.LoadStateDict(c.Model); err != nil {
		return fmt.Errorf("restore epoch %d: %w", epoch, err)
	}
	return t.opt.Restore(c.Optimizer)
}

// Evaluate decodes every test example free-running and scores the predicted
// tokens against the pre-order target tokens, root excluded. Short
// predictions are padded with calc.MissingPrediction.
func (t *Trainer) Evaluate(test []dataset.Example, target *vocab.Vocabulary) (calc.Report, float64, error) {
	var labels, predictions []string
	var total float64
	for _, b := range t.batches(test) {
		loss, res, err := t.Step(b, true)
		if err != nil {
			return calc.Report{}, 0, err
		}
		total += loss * float64(len(b))
		for i, ex := range b {
			label := target.PreOrderTokens(ex.Target)[1:]
			seq, err := res.Predictions[i].Sequence(1)
			if err != nil {
				return calc.Report{}, 0, err
			}
			predicted := target.SerializeSequence(seq)
			if len(predicted) > 0 {
				predicted = predicted[1:]
			}
			labels = append(labels, label...)
			predictions = append(predictions, calc.Flatten(label, predicted)...)
		}
	}
	loss := math.NaN()
	if len(test) > 0 {
		loss = total / float64(len(test))
	}
	r := calc.ClassificationReport(labels, predictions)
	t.log.Info("evaluation",
		zap.Int("examples", len(test)),
		zap.Int("tokens", len(labels)),
		zap.Float64("loss", loss),
		zap.Float64("accuracy", float64(r.Accuracy)))
	return r, loss, nil
}

// EpochStats records one epoch of training.
type EpochStats struct {
	Epoch          int           `json:"epoch"`
	TrainLoss      calc.Score    `json:"train_loss"`
	ValidationLoss calc.Score    `json:"validation_loss"`
	LearningRate   float64       `json:"learning_rate"`
	Duration       time.Duration `json:"duration"`
}

// History is the outcome of Fit.
type History struct {
	RunID        string       `json:"run_id"`
	Name         string       `json:"name"`
	Epochs       []EpochStats `json:"epochs"`
	BestEpoch    int          `json:"best_epoch"` // zero based, -1 without a finite validation loss
	StoppedEarly bool         `json:"stopped_early"`
}

// Save writes h as indented JSON.
func (h *History) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadHistory reads a history written by Save.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	return &h, nil
}
