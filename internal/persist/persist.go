// Package persist keeps a trained model, its normalizer and the config that
// built it together in one directory.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/b0tShaman/neuro-seq/internal/config"
	"github.com/b0tShaman/neuro-seq/ml"
	"gonum.org/v1/gonum/floats"
)

const (
	modelFile      = "model.gob"
	normalizerFile = "normalizer.json"
	configFile     = "config.json"
)

// Store is a model directory.
type Store struct {
	Dir string
}

// New creates dir if needed and returns a Store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory %s: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

// Open returns a Store for an existing model directory.
func Open(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model directory %s is not a directory", dir)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) ModelPath() string      { return filepath.Join(s.Dir, modelFile) }
func (s *Store) NormalizerPath() string { return filepath.Join(s.Dir, normalizerFile) }
func (s *Store) ConfigPath() string     { return filepath.Join(s.Dir, configFile) }

func (s *Store) SaveModel(nw *ml.NeuralNetwork) error {
	if err := nw.SaveToFile(s.ModelPath()); err != nil {
		return fmt.Errorf("failed to store model %s: %w", s.ModelPath(), err)
	}
	return nil
}

// LoadModel overwrites the weights of nw, which must match the stored architecture.
func (s *Store) LoadModel(nw *ml.NeuralNetwork) error {
	if err := nw.LoadFromFile(s.ModelPath()); err != nil {
		return fmt.Errorf("failed to load model %s: %w", s.ModelPath(), err)
	}
	return nil
}

func (s *Store) SaveNormalizer(norm *ml.Standardizer) error {
	raw, err := json.MarshalIndent(norm, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal normalizer: %w", err)
	}
	if err := os.WriteFile(s.NormalizerPath(), raw, 0644); err != nil {
		return fmt.Errorf("failed to store normalizer %s: %w", s.NormalizerPath(), err)
	}
	return nil
}

func (s *Store) LoadNormalizer() (*ml.Standardizer, error) {
	raw, err := os.ReadFile(s.NormalizerPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load normalizer: %w", err)
	}
	norm := &ml.Standardizer{}
	if err := json.Unmarshal(raw, norm); err != nil {
		return nil, fmt.Errorf("failed to parse normalizer %s: %w", s.NormalizerPath(), err)
	}
	if len(norm.FeatureMean) == 0 || len(norm.FeatureMean) != len(norm.FeatureStd) {
		return nil, fmt.Errorf("normalizer %s has no feature statistics", s.NormalizerPath())
	}
	if norm.FitLabels && (len(norm.LabelMean) == 0 || len(norm.LabelMean) != len(norm.LabelStd)) {
		return nil, fmt.Errorf("normalizer %s has no label statistics", s.NormalizerPath())
	}
	if floats.Min(norm.FeatureStd) <= 0 {
		return nil, fmt.Errorf("normalizer %s has a non-positive feature std", s.NormalizerPath())
	}
	if norm.FitLabels && floats.Min(norm.LabelStd) <= 0 {
		return nil, fmt.Errorf("normalizer %s has a non-positive label std", s.NormalizerPath())
	}
	return norm, nil
}

func (s *Store) SaveConfig(cfg *config.Config) error {
	return cfg.Save(s.ConfigPath())
}

// LoadConfig reads the stored config. Unlike config.Load, a missing file is an error.
func (s *Store) LoadConfig() (*config.Config, error) {
	if _, err := os.Stat(s.ConfigPath()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return config.Load(s.ConfigPath())
}
