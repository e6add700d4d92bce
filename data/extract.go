package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/b0tShaman/neuro-seq/ml"
)

// Sequences maps a file identifier to the ordered values read from <id>.csv.
type Sequences map[int][]string

// Range is an inclusive range of file identifiers.
type Range struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// IDs returns the identifiers in ascending order.
func (s Sequences) IDs() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Extract reads column of every non-empty row of <dir>/<id>.csv for each id in r.
func Extract(dir string, r Range, column int) (Sequences, error) {
	if r.End < r.Start {
		return nil, fmt.Errorf("invalid range [%d, %d]", r.Start, r.End)
	}
	seqs := make(Sequences, r.End-r.Start+1)
	for id := r.Start; id <= r.End; id++ {
		values, err := readColumn(filepath.Join(dir, strconv.Itoa(id)+".csv"), column)
		if err != nil {
			return nil, err
		}
		seqs[id] = values
	}
	return seqs, nil
}

// ExtractDir is Extract over every <int>.csv file found in dir.
func ExtractDir(dir string, column int) (Sequences, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	seqs := make(Sequences)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".csv" {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".csv"))
		if err != nil {
			continue
		}
		values, err := readColumn(filepath.Join(dir, name), column)
		if err != nil {
			return nil, err
		}
		seqs[id] = values
	}
	return seqs, nil
}

func readColumn(path string, column int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sequence file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var values []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) <= column {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("%s:%d: expected at least %d fields, got %d", path, line, column+1, len(record))
		}
		values = append(values, strings.TrimSpace(record[column]))
	}
	return values, nil
}

// Shift turns each sequence into next-value pairs: features v[0:n-1], labels v[1:n].
// Sequences with fewer than two values are dropped.
func Shift(seqs Sequences) (features, labels Sequences) {
	features, labels = make(Sequences, len(seqs)), make(Sequences, len(seqs))
	for id, v := range seqs {
		if len(v) < 2 {
			continue
		}
		features[id] = v[:len(v)-1]
		labels[id] = v[1:]
	}
	return features, labels
}

// ToSet parses features and labels into a one-column SequenceSet ordered by id.
// The ids are returned in the same order. Empty sequences are skipped.
func ToSet(features, labels Sequences) (*ml.SequenceSet, []int, error) {
	set := &ml.SequenceSet{}
	var ids []int
	for _, id := range features.IDs() {
		feat := features[id]
		if len(feat) == 0 {
			continue
		}
		lab, ok := labels[id]
		if !ok {
			return nil, nil, fmt.Errorf("sequence %d has no labels", id)
		}
		if len(lab) != len(feat) {
			return nil, nil, fmt.Errorf("sequence %d: %d features, %d labels", id, len(feat), len(lab))
		}

		fs, err := parseSteps(feat)
		if err != nil {
			return nil, nil, fmt.Errorf("sequence %d features: %w", id, err)
		}
		ls, err := parseSteps(lab)
		if err != nil {
			return nil, nil, fmt.Errorf("sequence %d labels: %w", id, err)
		}
		set.Features = append(set.Features, fs)
		set.Labels = append(set.Labels, ls)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("no non-empty sequences")
	}
	return set, ids, nil
}

func parseSteps(values []string) ([][]float64, error) {
	steps := make([][]float64, len(values))
	for t, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		steps[t] = []float64{f}
	}
	return steps, nil
}

// Layout is a data root holding features/<id>.csv and, optionally, labels/<id>.csv.
type Layout struct {
	Root string
}

func (l Layout) FeaturesDir() string { return filepath.Join(l.Root, "features") }
func (l Layout) LabelsDir() string   { return filepath.Join(l.Root, "labels") }

// Load extracts features and labels for r. Without a labels directory the
// features are shifted into next-value pairs.
func (l Layout) Load(r Range, column int) (features, labels Sequences, err error) {
	features, err = Extract(l.FeaturesDir(), r, column)
	if err != nil {
		return nil, nil, err
	}
	if _, statErr := os.Stat(l.LabelsDir()); errors.Is(statErr, os.ErrNotExist) {
		features, labels = Shift(features)
		return features, labels, nil
	}
	labels, err = Extract(l.LabelsDir(), r, column)
	if err != nil {
		return nil, nil, err
	}
	return features, labels, nil
}
