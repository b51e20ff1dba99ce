package commands

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/borkdominik/CM2ML/internal/config"
	"github.com/borkdominik/CM2ML/neural/nnu/calc"
	"github.com/borkdominik/CM2ML/neural/nnu/dataset"
	"github.com/borkdominik/CM2ML/neural/nnu/gobs"
	"github.com/borkdominik/CM2ML/neural/nnu/train"
	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tree"
	"github.com/borkdominik/CM2ML/neural/tree2tree"
)

var trainCmd = &cobra.Command{
	Use:   "train <train.json> <validation.json> <test.json>",
	Short: "Train and evaluate one model per configured seed",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 3 {
			return fmt.Errorf("please provide the train, validation, and test dataset file paths as arguments")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runTraining(ctx, cfg, log, args[0], args[1], args[2])
	},
}

// splits holds the prepared train, validation and test examples.
type splits struct {
	train, validation, test []dataset.Example
	source, target          *vocab.Vocabulary
}

func prepare(cfg config.Config, log *zap.Logger, paths ...string) (*splits, error) {
	l := loader(cfg, log)
	names := []string{"train", "validation", "test"}
	pairs := make([][]tree.Pair, len(paths))
	var all []tree.Pair
	for i, path := range paths {
		ds, err := l.Load(names[i], path)
		if err != nil {
			return nil, err
		}
		kept, dropped := dataset.FilterMaxNodes(ds.Pairs(), cfg.Data.MaxNodes)
		if dropped > 0 {
			log.Info("dropped oversized trees", zap.String("dataset", names[i]), zap.Int("dropped", dropped), zap.Int("max_nodes", cfg.Data.MaxNodes))
		}
		pairs[i] = kept
		all = append(all, kept...)
	}

	start := time.Now()
	s := &splits{}
	if cfg.Data.SharedVocabulary {
		s.source = vocab.BuildShared(all)
		s.target = s.source
	} else {
		s.source, s.target = vocab.Build(all)
	}
	log.Info("vocabulary built",
		zap.Int("source", s.source.Size()),
		zap.Int("target", s.target.Size()),
		zap.Duration("took", time.Since(start)))

	s.train = dataset.Prepare(pairs[0], s.source, s.target)
	s.validation = dataset.Prepare(pairs[1], s.source, s.target)
	s.test = dataset.Prepare(pairs[2], s.source, s.target)
	return s, nil
}

func openStore(cfg config.Config) (gobs.Store, func() error, error) {
	if cfg.Output.CheckpointStore == "sqlite" {
		s, err := gobs.OpenSQLStore(filepath.Join(cfg.Output.CheckpointDir, "checkpoints.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return gobs.FileStore{Dir: cfg.Output.CheckpointDir}, func() error { return nil }, nil
}

// modelConfig sizes the model. Unset layer sizes follow the source
// vocabulary.
func modelConfig(cfg config.ModelConfig, source, target *vocab.Vocabulary) tree2tree.Config {
	mc := tree2tree.Config{
		SourceVocabSize: source.Size(),
		TargetVocabSize: target.Size(),
		EmbeddingSize:   cfg.EmbeddingSize,
		HiddenSize:      cfg.HiddenSize,
		NumLayers:       cfg.NumLayers,
		DropoutRate:     cfg.DropoutRate,
		NoAttention:     cfg.NoAttention,
		NoParentFeeding: cfg.NoParentFeeding || cfg.NoAttention,
	}
	if mc.EmbeddingSize == 0 {
		mc.EmbeddingSize = source.Size()
	}
	if mc.HiddenSize == 0 {
		mc.HiddenSize = source.Size()
	}
	return mc
}

func runTraining(ctx context.Context, cfg config.Config, log *zap.Logger, trainPath, validationPath, testPath string) error {
	s, err := prepare(cfg, log, trainPath, validationPath, testPath)
	if err != nil {
		return err
	}
	if err := s.source.Save(filepath.Join(cfg.Output.ModelDir, "source.vocab")); err != nil {
		return err
	}
	if err := s.target.Save(filepath.Join(cfg.Output.ModelDir, "target.vocab")); err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, seed := range cfg.Seeds {
		if err := runSeed(ctx, cfg, log.With(zap.Int64("seed", seed)), s, store, seed); err != nil {
			return fmt.Errorf("seed %d: %w", seed, err)
		}
	}

	summary, err := calc.Aggregate(cfg.Output.ReportDir)
	if err != nil {
		return err
	}
	for name, sum := range summary {
		log.Info("final report",
			zap.String("report", name),
			zap.Int("runs", sum.Runs),
			zap.Float64("accuracy_mean", float64(sum.Accuracy.Mean)),
			zap.Float64("accuracy_std", float64(sum.Accuracy.Std)))
	}
	return nil
}

func runSeed(ctx context.Context, cfg config.Config, log *zap.Logger, s *splits, store gobs.Store, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	var model *tree2tree.Model
	var err error
	if cfg.Training.LoadModel != "" {
		log.Info("loading model", zap.String("path", cfg.Training.LoadModel))
		model, err = tree2tree.Load(cfg.Training.LoadModel, rng)
	} else {
		model, err = tree2tree.New(modelConfig(cfg.Model, s.source, s.target), rng)
		if err == nil {
			model.InitWeights(cfg.Model.ParamInit)
		}
	}
	if err != nil {
		return err
	}

	t := train.New(model, cfg.Training,
		train.WithLogger(log),
		train.WithStore(store),
		train.WithRand(rng),
		train.WithName(fmt.Sprintf("tree-lstm-%d", seed)))

	if !cfg.Training.NoTrain {
		h, err := t.Fit(ctx, s.train, s.validation)
		if err != nil {
			return err
		}
		if err := h.Save(filepath.Join(cfg.Output.ModelDir, fmt.Sprintf("history-%d.json", seed))); err != nil {
			return err
		}
		if err := model.Save(filepath.Join(cfg.Output.ModelDir, fmt.Sprintf("neuralnetwork-%d.gob", seed))); err != nil {
			return err
		}
	}

	report, _, err := t.Evaluate(s.test, s.target)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(cfg.Output.ReportDir, strconv.FormatInt(seed, 10), "test.json"), report)
}
