// Package evaluate steps a trained network through held-out sequences and
// compares the rounded predictions with the expected values.
package evaluate

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strconv"

	"github.com/b0tShaman/neuro-seq/data"
	"github.com/b0tShaman/neuro-seq/ml"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Evaluator runs stateful one-step-at-a-time inference over sequences.
type Evaluator struct {
	Net  *ml.NeuralNetwork
	Norm *ml.Standardizer // nil skips normalization

	// History holds values fed through the network before each sequence of
	// the same id, typically the training features.
	History data.Sequences

	// WarmupSteps leading values of each sequence are fed but not scored.
	WarmupSteps int
	Workers     int
	Logger      *zap.Logger
}

// SequenceResult holds the scored steps of one sequence. Predicted[k] and
// Expected[k] belong to step Warmup+k.
type SequenceResult struct {
	ID        int
	Warmup    int
	Predicted []int
	Expected  []int
}

type Report struct {
	Sequences []SequenceResult
	Steps     int
	Exact     int
	MAE       float64
	RMSE      float64
}

// Accuracy is the share of steps predicted exactly.
func (r *Report) Accuracy() float64 {
	if r.Steps == 0 {
		return 0
	}
	return float64(r.Exact) / float64(r.Steps)
}

// Run evaluates every feature sequence against the label sequence with the
// same id. Sequences run in parallel, each on its own clone of the network.
func (e *Evaluator) Run(ctx context.Context, features, labels data.Sequences) (*Report, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if e.Net.NumIn != 1 || e.Net.NumOut() != 1 {
		return nil, fmt.Errorf("evaluation needs a network with one input and one output, got %d and %d",
			e.Net.NumIn, e.Net.NumOut())
	}
	if e.Norm != nil && (len(e.Norm.FeatureMean) != 1 || (e.Norm.FitLabels && len(e.Norm.LabelMean) != 1)) {
		return nil, fmt.Errorf("normalizer does not match a one-column network")
	}

	ids := make([]int, 0, len(features))
	for _, id := range features.IDs() {
		if len(features[id]) == 0 {
			continue
		}
		lab, ok := labels[id]
		if !ok {
			return nil, fmt.Errorf("sequence %d has no labels", id)
		}
		if len(lab) != len(features[id]) {
			return nil, fmt.Errorf("sequence %d: %d features, %d labels", id, len(features[id]), len(lab))
		}
		ids = append(ids, id)
	}

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]SequenceResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			res, err := e.runSequence(gctx, e.Net.CloneStructure(), id, features[id], labels[id], logger)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", id, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Sequences: results}
	var absErr, sqErr []float64
	for _, res := range results {
		for k, p := range res.Predicted {
			diff := float64(p - res.Expected[k])
			absErr = append(absErr, math.Abs(diff))
			sqErr = append(sqErr, diff*diff)
			if diff == 0 {
				report.Exact++
			}
		}
	}
	report.Steps = len(absErr)
	if report.Steps > 0 {
		report.MAE = stat.Mean(absErr, nil)
		report.RMSE = math.Sqrt(stat.Mean(sqErr, nil))
	}

	logger.Info("evaluation complete",
		zap.Int("sequences", len(results)),
		zap.Int("steps", report.Steps),
		zap.Int("exact", report.Exact),
		zap.Float64("mae", report.MAE),
		zap.Float64("rmse", report.RMSE),
	)
	return report, nil
}

func (e *Evaluator) runSequence(ctx context.Context, net *ml.NeuralNetwork, id int, features, labels []string, logger *zap.Logger) (SequenceResult, error) {
	// reset model for new sequence
	net.RnnClearPreviousState()

	for t, v := range e.History[id] {
		x, err := e.input(v)
		if err != nil {
			return SequenceResult{}, fmt.Errorf("history step %d: %w", t, err)
		}
		net.RnnTimeStep(x)
	}

	warmup := min(e.WarmupSteps, len(features)-1)
	res := SequenceResult{
		ID:        id,
		Warmup:    warmup,
		Predicted: make([]int, 0, len(features)-warmup),
		Expected:  make([]int, 0, len(features)-warmup),
	}

	for t, v := range features {
		if err := ctx.Err(); err != nil {
			return SequenceResult{}, err
		}
		x, err := e.input(v)
		if err != nil {
			return SequenceResult{}, fmt.Errorf("step %d: %w", t, err)
		}
		out := net.RnnTimeStep(x)
		if t < warmup {
			continue
		}

		if e.Norm != nil {
			e.Norm.RevertLabels(out)
		}
		predicted := int(math.Round(out[0]))
		expected, err := parseInt(labels[t])
		if err != nil {
			return SequenceResult{}, fmt.Errorf("label step %d: %w", t, err)
		}
		res.Predicted = append(res.Predicted, predicted)
		res.Expected = append(res.Expected, expected)

		logger.Debug("step",
			zap.Int("sequence", id),
			zap.Int("step", t),
			zap.Float64("output", out[0]),
			zap.Int("predicted", predicted),
			zap.Int("expected", expected),
		)
	}

	exact := 0
	for k := range res.Predicted {
		if res.Predicted[k] == res.Expected[k] {
			exact++
		}
	}
	logger.Info("sequence evaluated",
		zap.Int("sequence", id),
		zap.Int("warmup", warmup),
		zap.Int("steps", len(res.Predicted)),
		zap.Int("exact", exact),
	)
	return res, nil
}

// input parses a raw value into a normalized one-step input.
func (e *Evaluator) input(v string) ([]float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	x := []float64{f}
	if e.Norm != nil {
		e.Norm.TransformFeatures(x)
	}
	return x, nil
}

func parseInt(v string) (int, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return int(math.Round(f)), nil
}
