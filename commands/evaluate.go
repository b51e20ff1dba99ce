package commands

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/borkdominik/CM2ML/neural/nnu/calc"
	"github.com/borkdominik/CM2ML/neural/nnu/dataset"
	"github.com/borkdominik/CM2ML/neural/nnu/plot"
	"github.com/borkdominik/CM2ML/neural/nnu/train"
	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tree2tree"
)

var evaluateOut string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <model.gob> <test.json>",
	Short: "Evaluate a saved model on a dataset file",
	Long: `evaluate decodes every tree of the dataset free-running and prints the
classification report. Vocabularies are read from the model directory.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("please provide the model file and the test dataset file paths as arguments")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		source, err := vocab.Load(filepath.Join(cfg.Output.ModelDir, "source.vocab"))
		if err != nil {
			return err
		}
		target, err := vocab.Load(filepath.Join(cfg.Output.ModelDir, "target.vocab"))
		if err != nil {
			return err
		}
		model, err := tree2tree.Load(args[0], rand.New(rand.NewSource(cfg.Seeds[0])))
		if err != nil {
			return err
		}
		ds, err := loader(cfg, log).Load("test", args[1])
		if err != nil {
			return err
		}
		pairs, dropped := dataset.FilterMaxNodes(ds.Pairs(), cfg.Data.MaxNodes)
		log.Info("test set", zap.Int("pairs", len(pairs)), zap.Int("dropped", dropped))

		t := train.New(model, cfg.Training, train.WithLogger(log))
		report, _, err := t.Evaluate(dataset.Prepare(pairs, source, target), target)
		if err != nil {
			return err
		}
		if evaluateOut != "" {
			return writeJSON(evaluateOut, report)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "    ")
		return enc.Encode(report)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [report-dir]",
	Short: "Aggregate per-seed reports into " + calc.FinalReportFile,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		dir := cfg.Output.ReportDir
		if len(args) == 1 {
			dir = args[0]
		}
		summary, err := calc.Aggregate(dir)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "    ")
		return enc.Encode(summary)
	},
}

var plotCmd = &cobra.Command{
	Use:   "plot <history.json> <out.png>",
	Short: "Plot training and validation loss of a run",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("please provide the history file and the output image paths as arguments")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := train.LoadHistory(args[0])
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(args[1]), 0o755); err != nil {
			return err
		}
		return plot.LossCurves(h, args[1])
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evaluateOut, "out", "o", "", "write the report to this file instead of stdout")
}
