package ml

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Standardizer rescales every column to zero mean and unit variance using
// statistics gathered over every step of every sequence. Label statistics
// are only fitted and applied when FitLabels is set.
type Standardizer struct {
	FeatureMean []float64 `json:"feature_mean"`
	FeatureStd  []float64 `json:"feature_std"`
	LabelMean   []float64 `json:"label_mean,omitempty"`
	LabelStd    []float64 `json:"label_std,omitempty"`
	FitLabels   bool      `json:"fit_labels"`
}

func NewStandardizer(fitLabels bool) *Standardizer {
	return &Standardizer{FitLabels: fitLabels}
}

// Fit computes per-column mean and standard deviation of set.
func (s *Standardizer) Fit(set *SequenceSet) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("fit standardizer: %w", err)
	}
	s.FeatureMean, s.FeatureStd = columnStats(set.Features, set.NumIn())
	if s.FitLabels {
		s.LabelMean, s.LabelStd = columnStats(set.Labels, set.NumOut())
	} else {
		s.LabelMean, s.LabelStd = nil, nil
	}
	return nil
}

func columnStats(seqs [][][]float64, cols int) (mean, std []float64) {
	mean = make([]float64, cols)
	std = make([]float64, cols)
	column := make([]float64, 0, 64)
	for c := 0; c < cols; c++ {
		column = column[:0]
		for _, seq := range seqs {
			for _, step := range seq {
				column = append(column, step[c])
			}
		}
		mean[c], std[c] = stat.PopMeanStdDev(column, nil)
		if std[c] == 0 {
			std[c] = 1
		}
	}
	return mean, std
}

// Transform standardizes set in place.
func (s *Standardizer) Transform(set *SequenceSet) {
	for i := range set.Features {
		for _, step := range set.Features[i] {
			s.TransformFeatures(step)
		}
		if s.FitLabels {
			for _, step := range set.Labels[i] {
				scale(step, s.LabelMean, s.LabelStd)
			}
		}
	}
}

// TransformFeatures standardizes a single step of features in place.
func (s *Standardizer) TransformFeatures(step []float64) {
	scale(step, s.FeatureMean, s.FeatureStd)
}

// RevertFeatures undoes TransformFeatures in place.
func (s *Standardizer) RevertFeatures(step []float64) {
	unscale(step, s.FeatureMean, s.FeatureStd)
}

// RevertLabels maps a standardized network output back to label units in place.
func (s *Standardizer) RevertLabels(step []float64) {
	if !s.FitLabels {
		return
	}
	unscale(step, s.LabelMean, s.LabelStd)
}

func scale(step, mean, std []float64) {
	if len(step) != len(mean) {
		panic(fmt.Sprintf("Standardizer width mismatch. Expected %d, got %d", len(mean), len(step)))
	}
	for i := range step {
		step[i] = (step[i] - mean[i]) / std[i]
	}
}

func unscale(step, mean, std []float64) {
	if len(step) != len(mean) {
		panic(fmt.Sprintf("Standardizer width mismatch. Expected %d, got %d", len(mean), len(step)))
	}
	for i := range step {
		step[i] = step[i]*std[i] + mean[i]
	}
}
