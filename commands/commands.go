// Package commands holds the command line interface.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/borkdominik/CM2ML/internal/config"
	"github.com/borkdominik/CM2ML/internal/logging"
	"github.com/borkdominik/CM2ML/neural/nnu/dataset"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "tree2tree",
	Short: "Tree-to-tree model training on software model trees",
	Long: `tree2tree trains a Tree-LSTM encoder with a top-down tree decoder that
learns to restore the type attributes removed from software model trees.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides the configuration)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
	rootCmd.AddCommand(trainCmd, evaluateCmd, aggregateCmd, plotCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

// setup loads the configuration and builds the logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func loader(cfg config.Config, log *zap.Logger) dataset.Loader {
	return dataset.Loader{
		CacheDir: cfg.Data.CacheDir,
		Metadata: dataset.Metadata{TypeAttributes: cfg.Data.TypeAttributes},
		Logger:   log,
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
