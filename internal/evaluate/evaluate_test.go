package evaluate

import (
	"context"
	"testing"

	"github.com/b0tShaman/neuro-seq/data"
	"github.com/b0tShaman/neuro-seq/ml"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// plusOne returns a linear network computing out_t = x_t + recurrence*h_{t-1} + 1.
func plusOne(recurrence float64) *ml.NeuralNetwork {
	nw := ml.NewNetwork(
		ml.Input(1),
		ml.SimpleRNN(1, ml.Activation("linear")),
		ml.Dense(1, ml.Activation("linear")),
	)
	rnn, out := nw.Layers[0], nw.Layers[1]
	rnn.Weights.Set(0, 0, 1)
	rnn.Recurrent.Set(0, 0, recurrence)
	rnn.Biases.Set(0, 0, 0)
	out.Weights.Set(0, 0, 1)
	out.Biases.Set(0, 0, 1)
	return nw
}

func TestRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := &Evaluator{Net: plusOne(0), Workers: 2, Logger: zaptest.NewLogger(t)}
	report, err := e.Run(context.Background(),
		data.Sequences{0: {"1", "2", "3", "4"}, 3: {"10", "20"}, 5: nil},
		data.Sequences{0: {"2", "3", "4", "6"}, 3: {"11", "21"}},
	)
	require.NoError(t, err)

	want := []SequenceResult{
		{ID: 0, Warmup: 0, Predicted: []int{2, 3, 4, 5}, Expected: []int{2, 3, 4, 6}},
		{ID: 3, Warmup: 0, Predicted: []int{11, 21}, Expected: []int{11, 21}},
	}
	if diff := cmp.Diff(want, report.Sequences); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, report.Steps)
	assert.Equal(t, 5, report.Exact)
	assert.InDelta(t, 1.0/6, report.MAE, 1e-12)
	assert.InDelta(t, 0.408248290463863, report.RMSE, 1e-12)
	assert.InDelta(t, 5.0/6, report.Accuracy(), 1e-12)
}

func TestRunWarmup(t *testing.T) {
	e := &Evaluator{Net: plusOne(0), WarmupSteps: 1}
	report, err := e.Run(context.Background(),
		data.Sequences{0: {"1", "2", "3"}},
		data.Sequences{0: {"0", "3", "4"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sequences[0].Warmup)
	assert.Equal(t, []int{3, 4}, report.Sequences[0].Predicted)
	assert.Equal(t, 2, report.Exact)

	// Warm-up longer than the sequence still scores the last step.
	e.WarmupSteps = 10
	report, err = e.Run(context.Background(),
		data.Sequences{0: {"1", "2", "3"}},
		data.Sequences{0: {"0", "0", "4"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sequences[0].Warmup)
	assert.Equal(t, []int{4}, report.Sequences[0].Predicted)
}

func TestRunHistoryPrimesState(t *testing.T) {
	// With a unit recurrence the hidden state is a running sum.
	e := &Evaluator{
		Net:     plusOne(1),
		History: data.Sequences{0: {"1", "1"}},
	}
	report, err := e.Run(context.Background(),
		data.Sequences{0: {"3"}, 1: {"3"}},
		data.Sequences{0: {"6"}, 1: {"4"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{6}, report.Sequences[0].Predicted)
	assert.Equal(t, []int{4}, report.Sequences[1].Predicted, "no history for id 1")
}

func TestRunNormalizes(t *testing.T) {
	e := &Evaluator{
		Net: plusOne(0),
		Norm: &ml.Standardizer{
			FeatureMean: []float64{1}, FeatureStd: []float64{2},
			LabelMean: []float64{10}, LabelStd: []float64{3},
			FitLabels: true,
		},
	}
	// (5-1)/2 = 2 -> 3 -> 3*3+10 = 19
	report, err := e.Run(context.Background(), data.Sequences{0: {"5"}}, data.Sequences{0: {"19"}})
	require.NoError(t, err)
	assert.Equal(t, []int{19}, report.Sequences[0].Predicted)
	assert.Equal(t, 1, report.Exact)
}

func TestRunRoundsHalfAwayFromZero(t *testing.T) {
	report, err := (&Evaluator{Net: plusOne(0)}).Run(context.Background(),
		data.Sequences{0: {"1.5", "-3.5"}},
		data.Sequences{0: {"2.5", "-2.5"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{3, -3}, report.Sequences[0].Predicted)
	assert.Equal(t, []int{3, -3}, report.Sequences[0].Expected)
}

func TestRunErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &Evaluator{Net: plusOne(0)}
	ctx := context.Background()

	_, err := e.Run(ctx, data.Sequences{0: {"1"}}, data.Sequences{})
	assert.ErrorContains(t, err, "no labels")

	_, err = e.Run(ctx, data.Sequences{0: {"1", "2"}}, data.Sequences{0: {"1"}})
	assert.ErrorContains(t, err, "2 features, 1 labels")

	_, err = e.Run(ctx, data.Sequences{0: {"x"}}, data.Sequences{0: {"1"}})
	assert.ErrorContains(t, err, "sequence 0: step 0")

	_, err = e.Run(ctx, data.Sequences{0: {"1"}}, data.Sequences{0: {"?"}})
	assert.ErrorContains(t, err, "label step 0")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Run(cancelled, data.Sequences{0: {"1"}}, data.Sequences{0: {"2"}})
	assert.ErrorIs(t, err, context.Canceled)

	wide := &Evaluator{Net: ml.NewNetwork(ml.Input(2), ml.SimpleRNN(2), ml.Dense(1))}
	_, err = wide.Run(ctx, data.Sequences{}, data.Sequences{})
	assert.ErrorContains(t, err, "one input and one output")
}
