package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/b0tShaman/neuro-seq/data"
	"github.com/b0tShaman/neuro-seq/ml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds everything needed to build, train and evaluate a model.
type Config struct {
	Seed       uint64           `json:"seed" yaml:"seed"`
	Network    NetworkConfig    `json:"network" yaml:"network"`
	Training   TrainingConfig   `json:"training" yaml:"training"`
	Data       DataConfig       `json:"data" yaml:"data"`
	ModelDir   string           `json:"model_dir" yaml:"model_dir"`
	Evaluation EvaluationConfig `json:"evaluation" yaml:"evaluation"`
}

// NetworkConfig describes the layer stack: Input(inputs), one SimpleRNN per
// hidden entry, then a Dense output layer.
type NetworkConfig struct {
	Inputs           int           `json:"inputs" yaml:"inputs"`
	Outputs          int           `json:"outputs" yaml:"outputs"`
	Hidden           []HiddenLayer `json:"hidden" yaml:"hidden"`
	OutputActivation string        `json:"output_activation" yaml:"output_activation"`
}

type HiddenLayer struct {
	Units      int    `json:"units" yaml:"units"`
	Activation string `json:"activation,omitempty" yaml:"activation,omitempty"` // default tanh
}

type TrainingConfig struct {
	Epochs       int     `json:"epochs" yaml:"epochs"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Optimizer    string  `json:"optimizer" yaml:"optimizer"` // sgd, momentum, adam
	Momentum     float64 `json:"momentum,omitempty" yaml:"momentum,omitempty"`
	GradientClip float64 `json:"gradient_clip,omitempty" yaml:"gradient_clip,omitempty"`
	NumWorkers   int     `json:"num_workers" yaml:"num_workers"`
	VerboseEvery int     `json:"verbose_every" yaml:"verbose_every"`
}

// DataConfig points at a directory holding features/<id>.csv and optionally labels/<id>.csv.
type DataConfig struct {
	Root   string     `json:"root" yaml:"root"`
	Column int        `json:"column" yaml:"column"`
	Train  data.Range `json:"train" yaml:"train"`
	Test   data.Range `json:"test" yaml:"test"`
}

type EvaluationConfig struct {
	WarmupSteps int    `json:"warmup_steps" yaml:"warmup_steps"`
	HistoryRoot string `json:"history_root,omitempty" yaml:"history_root,omitempty"`
	Workers     int    `json:"workers" yaml:"workers"`
	ResultsDB   string `json:"results_db,omitempty" yaml:"results_db,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Seed: 12345,
		Network: NetworkConfig{
			Inputs:           1,
			Outputs:          1,
			Hidden:           []HiddenLayer{{Units: 10}},
			OutputActivation: "linear",
		},
		Training: TrainingConfig{
			Epochs:       10,
			BatchSize:    100,
			LearningRate: 0.005,
			Optimizer:    string(ml.OptAdam),
			NumWorkers:   1,
			VerboseEvery: 1,
		},
		Data: DataConfig{
			Root:  "data",
			Train: data.Range{Start: 0, End: 5},
			Test:  data.Range{Start: 6, End: 7},
		},
		ModelDir: filepath.Join("data", "models"),
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON (or YAML, by extension) config on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := decode(path, raw, cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Overlay decodes the file at path on top of c. Keys present in the file
// replace the current values; everything else is left as it is. Unlike Load,
// no defaults or environment overrides are applied.
func (c *Config) Overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return decode(path, raw, c)
}

func decode(path string, raw []byte, cfg *Config) error {
	var err error
	if isYAML(path) {
		err = yaml.Unmarshal(raw, cfg)
	} else {
		err = json.Unmarshal(raw, cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// DefaultModelDir is the model directory used when none is given:
// $NEUROSEQ_MODEL_DIR if set, otherwise the default config's.
func DefaultModelDir() string {
	if dir := os.Getenv("NEUROSEQ_MODEL_DIR"); dir != "" {
		return dir
	}
	return DefaultConfig().ModelDir
}

// Save writes the config as indented JSON, or YAML for .yaml/.yml paths.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(c)
	} else {
		raw, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("NEUROSEQ_MODEL_DIR"); dir != "" {
		c.ModelDir = dir
	}
	if root := os.Getenv("NEUROSEQ_DATA_ROOT"); root != "" {
		c.Data.Root = root
	}
	if v := os.Getenv("NEUROSEQ_EPOCHS"); v != "" {
		if epochs, err := strconv.Atoi(v); err == nil {
			c.Training.Epochs = epochs
		}
	}
}

// Validate checks the config before any data is read.
func (c *Config) Validate() error {
	n := c.Network
	if n.Inputs <= 0 || n.Outputs <= 0 {
		return fmt.Errorf("network inputs and outputs must be positive, got %d and %d", n.Inputs, n.Outputs)
	}
	if len(n.Hidden) == 0 {
		return fmt.Errorf("network needs at least one hidden recurrent layer")
	}
	for i, h := range n.Hidden {
		if h.Units <= 0 {
			return fmt.Errorf("hidden layer %d: units must be positive, got %d", i, h.Units)
		}
		if h.Activation != "" {
			if _, err := ml.ParseActivation(h.Activation); err != nil {
				return fmt.Errorf("hidden layer %d: %w", i, err)
			}
		}
	}
	if n.OutputActivation != "" {
		if _, err := ml.ParseActivation(n.OutputActivation); err != nil {
			return fmt.Errorf("output layer: %w", err)
		}
	}

	t := c.Training
	if _, err := ml.ParseOptimizer(t.Optimizer); err != nil {
		return err
	}
	if t.Epochs <= 0 || t.BatchSize <= 0 || t.LearningRate <= 0 {
		return fmt.Errorf("epochs, batch_size and learning_rate must be positive")
	}
	if t.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be positive, got %d", t.NumWorkers)
	}
	if t.BatchSize%t.NumWorkers != 0 {
		return fmt.Errorf("batch_size %d must be divisible by num_workers %d", t.BatchSize, t.NumWorkers)
	}

	if c.Data.Column < 0 {
		return fmt.Errorf("data column must not be negative, got %d", c.Data.Column)
	}
	for name, r := range map[string]data.Range{"train": c.Data.Train, "test": c.Data.Test} {
		if r.End < r.Start {
			return fmt.Errorf("data %s range [%d, %d] is empty", name, r.Start, r.End)
		}
	}
	if c.ModelDir == "" {
		return fmt.Errorf("model_dir not configured")
	}
	if c.Evaluation.WarmupSteps < 0 {
		return fmt.Errorf("warmup_steps must not be negative, got %d", c.Evaluation.WarmupSteps)
	}
	return nil
}

// LayerConfigs builds the network blueprint described by c.Network.
func (c *Config) LayerConfigs() []ml.LayerConfig {
	layers := []ml.LayerConfig{ml.Input(c.Network.Inputs)}
	for _, h := range c.Network.Hidden {
		var opts []ml.LayerOption
		if h.Activation != "" {
			opts = append(opts, ml.Activation(h.Activation))
		}
		layers = append(layers, ml.SimpleRNN(h.Units, opts...))
	}
	outAct := c.Network.OutputActivation
	if outAct == "" {
		outAct = "linear"
	}
	return append(layers, ml.Dense(c.Network.Outputs, ml.Activation(outAct)))
}

// TrainingConfig maps the training section onto the library settings.
func (c *Config) TrainingConfig(logger *zap.Logger) ml.TrainingConfig {
	return ml.TrainingConfig{
		Epochs:       c.Training.Epochs,
		BatchSize:    c.Training.BatchSize,
		LearningRate: c.Training.LearningRate,
		NumWorkers:   c.Training.NumWorkers,
		VerboseEvery: c.Training.VerboseEvery,
		Seed:         c.Seed,
		GradientClip: c.Training.GradientClip,
		Optimizer:    ml.OptimizerType(c.Training.Optimizer),
		MomentumMu:   c.Training.Momentum,
		Logger:       logger,
	}
}

func (c *Config) Layout() data.Layout { return data.Layout{Root: c.Data.Root} }
