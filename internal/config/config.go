// Package config holds the run configuration: model architecture, training
// schedule, dataset handling and output locations. Values start from
// Default and may be overlaid by a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for unusable settings.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete run configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Data     DataConfig     `yaml:"data"`
	Output   OutputConfig   `yaml:"output"`
	Seeds    []int64        `yaml:"seeds"`
	Log      LogConfig      `yaml:"log"`
}

// ModelConfig sizes the encoder and decoder.
type ModelConfig struct {
	// Zero sizes follow the source vocabulary size.
	EmbeddingSize   int     `yaml:"embedding_size"`
	HiddenSize      int     `yaml:"hidden_size"`
	NumLayers       int     `yaml:"num_layers"`
	DropoutRate     float64 `yaml:"dropout_rate"`
	NoAttention     bool    `yaml:"no_attention"`
	NoParentFeeding bool    `yaml:"no_parent_feeding"`
	// ParamInit bounds the uniform initialisation of every parameter.
	ParamInit float64 `yaml:"param_init"`
}

// TrainingConfig controls the optimisation schedule.
type TrainingConfig struct {
	Epochs            int     `yaml:"epochs"`
	Patience          int     `yaml:"patience"`
	BatchSize         int     `yaml:"batch_size"`
	LearningRate      float64 `yaml:"learning_rate"`
	DecayFactor       float64 `yaml:"decay_factor"`
	DecayEpochs       int     `yaml:"decay_epochs"`
	LearningRateFloor float64 `yaml:"learning_rate_floor"`
	MaxGradientNorm   float64 `yaml:"max_gradient_norm"`
	// NoTrain skips training and evaluates the model in LoadModel.
	NoTrain   bool   `yaml:"no_train"`
	LoadModel string `yaml:"load_model"`
}

// DataConfig controls dataset loading and vocabulary construction.
type DataConfig struct {
	CacheDir         string   `yaml:"cache_dir"`
	MaxNodes         int      `yaml:"max_nodes"`
	SharedVocabulary bool     `yaml:"shared_vocabulary"`
	TypeAttributes   []string `yaml:"type_attributes"`
}

// OutputConfig names where reports, models and checkpoints are written.
type OutputConfig struct {
	ReportDir     string `yaml:"report_dir"`
	ModelDir      string `yaml:"model_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	// CheckpointStore is "file" or "sqlite".
	CheckpointStore string `yaml:"checkpoint_store"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the settings used for the published experiments.
func Default() Config {
	return Config{
		Model: ModelConfig{
			NumLayers:   1,
			DropoutRate: 0.75,
			ParamInit:   0.1,
		},
		Training: TrainingConfig{
			Epochs:            30,
			Patience:          20,
			BatchSize:         32,
			LearningRate:      0.005,
			DecayFactor:       0.9,
			DecayEpochs:       3,
			LearningRateFloor: 1e-4,
			MaxGradientNorm:   5,
		},
		Data: DataConfig{
			CacheDir:       ".cache/tree-lstm",
			MaxNodes:       3000,
			TypeAttributes: []string{"xmi:type", "xsi:type"},
		},
		Output: OutputConfig{
			ReportDir:       ".output/tree-lstm",
			ModelDir:        ".cache/tree-lstm/models",
			CheckpointDir:   ".checkpoints/tree-lstm",
			CheckpointStore: "file",
		},
		Seeds: []int64{42, 43, 44},
		Log:   LogConfig{Level: "info"},
	}
}

// Load overlays the YAML file at path on Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	m, t := c.Model, c.Training
	switch {
	case m.EmbeddingSize < 0 || m.HiddenSize < 0:
		return fmt.Errorf("negative layer size: %w", ErrInvalid)
	case m.NumLayers < 1:
		return fmt.Errorf("num_layers must be at least 1: %w", ErrInvalid)
	case m.DropoutRate < 0 || m.DropoutRate >= 1:
		return fmt.Errorf("dropout_rate %v outside [0, 1): %w", m.DropoutRate, ErrInvalid)
	case m.ParamInit <= 0:
		return fmt.Errorf("param_init must be positive: %w", ErrInvalid)
	case t.Epochs < 1 || t.BatchSize < 1:
		return fmt.Errorf("epochs and batch_size must be positive: %w", ErrInvalid)
	case t.Patience < 0:
		return fmt.Errorf("patience must not be negative: %w", ErrInvalid)
	case t.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive: %w", ErrInvalid)
	case t.DecayFactor <= 0 || t.DecayFactor > 1:
		return fmt.Errorf("decay_factor %v outside (0, 1]: %w", t.DecayFactor, ErrInvalid)
	case t.DecayEpochs < 1:
		return fmt.Errorf("decay_epochs must be positive: %w", ErrInvalid)
	case t.NoTrain && t.LoadModel == "":
		return fmt.Errorf("no_train needs load_model: %w", ErrInvalid)
	case c.Data.MaxNodes < 1:
		return fmt.Errorf("max_nodes must be positive: %w", ErrInvalid)
	case c.Output.CheckpointStore != "file" && c.Output.CheckpointStore != "sqlite":
		return fmt.Errorf("unknown checkpoint_store %q: %w", c.Output.CheckpointStore, ErrInvalid)
	case len(c.Seeds) == 0:
		return fmt.Errorf("at least one seed is required: %w", ErrInvalid)
	}
	return nil
}

// DecaySteps converts DecayEpochs into optimizer steps for a training set
// of n examples.
func (t TrainingConfig) DecaySteps(n int) int {
	batches := (n + t.BatchSize - 1) / t.BatchSize
	return max(1, batches*t.DecayEpochs)
}
