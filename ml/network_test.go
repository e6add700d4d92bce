package ml

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func smallRNN(seed uint64) *NeuralNetwork {
	return NewSeededNetwork(seed,
		Input(1),
		SimpleRNN(4),
		Dense(1, Activation("linear")),
	)
}

// sineSet builds next-value pairs over shifted sine waves of varying length.
func sineSet(n int) *SequenceSet {
	set := &SequenceSet{}
	for k := 0; k < n; k++ {
		steps := 6 + k%5
		feat := make([][]float64, steps)
		lab := make([][]float64, steps)
		for t := 0; t < steps; t++ {
			feat[t] = []float64{math.Sin(0.4 * float64(t+k))}
			lab[t] = []float64{math.Sin(0.4 * float64(t+k+1))}
		}
		set.Features = append(set.Features, feat)
		set.Labels = append(set.Labels, lab)
	}
	return set
}

func TestNewNetworkPanicsOnInvalidArchitecture(t *testing.T) {
	assert.Panics(t, func() { NewNetwork(Input(1)) })
	assert.Panics(t, func() { NewNetwork(Dense(2), Dense(1)) })
	assert.Panics(t, func() { NewNetwork(Input(1), Input(2), Dense(1)) })
	assert.Panics(t, func() { NewNetwork(Input(1), Dense(1, Activation("softmax"))) })
}

func TestSeededNetworkIsDeterministic(t *testing.T) {
	a, b := smallRNN(42), smallRNN(42)
	for i := range a.Layers {
		assert.Equal(t, a.Layers[i].Weights.data, b.Layers[i].Weights.data)
	}
	assert.Equal(t, a.Layers[0].Recurrent.data, b.Layers[0].Recurrent.data)
	assert.Nil(t, a.Layers[1].Recurrent)
}

func TestGatherPadsAndMasks(t *testing.T) {
	set := &SequenceSet{
		Features: [][][]float64{
			{{1}, {2}, {3}},
			{{7}},
		},
		Labels: [][][]float64{
			{{2}, {3}, {4}},
			{{8}},
		},
	}
	require.NoError(t, set.Validate())

	batch := &SequenceBatch{}
	Gather([]int{1, 0}, set, batch)

	assert.Equal(t, 2, batch.Size())
	assert.Equal(t, 3, batch.Steps())
	if diff := cmp.Diff([][]float64{{1, 1}, {0, 1}, {0, 1}}, batch.Mask[:batch.Steps()]); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float64{7}, batch.X[0].Row(0))
	assert.Equal(t, []float64{1}, batch.X[0].Row(1))
	assert.Equal(t, []float64{0}, batch.X[2].Row(0))
	assert.Equal(t, []float64{4}, batch.Y[2].Row(1))
	assert.Equal(t, 4.0, batch.ValidSteps())

	// Reuse with a shorter selection keeps buffers but shrinks Steps.
	Gather([]int{1, 1}, set, batch)
	assert.Equal(t, 1, batch.Steps())
	assert.Equal(t, 2.0, batch.ValidSteps())
}

func TestSequenceSetValidate(t *testing.T) {
	assert.Error(t, (&SequenceSet{}).Validate())
	assert.Error(t, (&SequenceSet{
		Features: [][][]float64{{{1}, {2}}},
		Labels:   [][][]float64{{{1}}},
	}).Validate())
	assert.Error(t, (&SequenceSet{
		Features: [][][]float64{{{1}, {2, 3}}},
		Labels:   [][][]float64{{{1}, {2}}},
	}).Validate())
}

func TestRnnTimeStepMatchesForward(t *testing.T) {
	nw := NewSeededNetwork(11,
		Input(1),
		SimpleRNN(5),
		SimpleRNN(3),
		Dense(1, Activation("linear")),
	)
	set := sineSet(2)
	batch := BatchFromSet(set)
	nw.Forward(batch)

	want := make([]float64, len(set.Features[0]))
	for step := range want {
		want[step] = nw.Output(step).At(0, 0)
	}

	nw.RnnClearPreviousState()
	for step, x := range set.Features[0] {
		got := nw.RnnTimeStep(x)
		require.Len(t, got, 1)
		assert.InDelta(t, want[step], got[0], 1e-9, "step %d", step)
	}

	// Clearing the state restarts the sequence.
	nw.RnnClearPreviousState()
	assert.InDelta(t, want[0], nw.RnnTimeStep(set.Features[0][0])[0], 1e-9)

	outs := nw.PredictSequence(set.Features[0])
	require.Len(t, outs, len(want))
	assert.InDelta(t, want[len(want)-1], outs[len(outs)-1][0], 1e-9)
}

func TestRnnTimeStepPanicsOnWidthMismatch(t *testing.T) {
	nw := smallRNN(1)
	assert.Panics(t, func() { nw.RnnTimeStep([]float64{1, 2}) })
}

func TestCloneStructureSharesWeightsNotState(t *testing.T) {
	nw := smallRNN(3)
	clone := nw.CloneStructure()
	assert.Same(t, nw.Layers[0].Weights, clone.Layers[0].Weights)
	assert.Same(t, nw.Layers[0].Recurrent, clone.Layers[0].Recurrent)

	first := nw.RnnTimeStep([]float64{0.5})
	nw.RnnClearPreviousState()

	clone.RnnTimeStep([]float64{0.9})
	clone.RnnTimeStep([]float64{-0.3})

	assert.Equal(t, first, nw.RnnTimeStep([]float64{0.5}))
}

func TestComputeGradientsMatchesFiniteDifference(t *testing.T) {
	nw := NewSeededNetwork(5,
		Input(2),
		SimpleRNN(3),
		Dense(2, Activation("linear")),
	)
	set := &SequenceSet{
		Features: [][][]float64{
			{{0.1, -0.2}, {0.4, 0.3}, {-0.5, 0.2}},
			{{0.3, 0.1}, {-0.1, 0.6}},
		},
		Labels: [][][]float64{
			{{0.2, 0.1}, {-0.3, 0.5}, {0.1, -0.4}},
			{{0.0, 0.3}, {0.2, -0.2}},
		},
	}

	batch := BatchFromSet(set)
	grads := nw.NewGradientSets()
	nw.Forward(batch)
	loss := nw.ComputeGradients(batch, grads)
	assert.InDelta(t, nw.Loss(set), loss, 1e-12)

	const eps = 1e-5
	check := func(name string, params, analytic []float64) {
		for i := range params {
			orig := params[i]
			params[i] = orig + eps
			plus := nw.Loss(set)
			params[i] = orig - eps
			minus := nw.Loss(set)
			params[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, analytic[i], 1e-6, "%s[%d]", name, i)
		}
	}

	for l, layer := range nw.Layers {
		check("W"+layer.Kind.String(), layer.Weights.data, grads[l].dW.data)
		check("b"+layer.Kind.String(), layer.Biases.data, grads[l].db.data)
		if layer.Recurrent != nil {
			check("U"+layer.Kind.String(), layer.Recurrent.data, grads[l].dU.data)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")
	saved := smallRNN(8)
	require.NoError(t, saved.SaveToFile(path))

	loaded := smallRNN(9)
	require.NoError(t, loaded.LoadFromFile(path))

	for i := range saved.Layers {
		assert.Equal(t, saved.Layers[i].Weights.data, loaded.Layers[i].Weights.data)
		assert.Equal(t, saved.Layers[i].Biases.data, loaded.Layers[i].Biases.data)
	}
	assert.Equal(t, saved.Layers[0].Recurrent.data, loaded.Layers[0].Recurrent.data)

	for _, x := range []float64{0.1, 0.7, -0.4} {
		assert.Equal(t, saved.RnnTimeStep([]float64{x}), loaded.RnnTimeStep([]float64{x}))
	}
}

func TestLoadFromFileRejectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, smallRNN(1).SaveToFile(path))

	wider := NewSeededNetwork(2, Input(1), SimpleRNN(5), Dense(1, Activation("linear")))
	before := append([]float64(nil), wider.Layers[0].Weights.data...)
	err := wider.LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
	assert.Equal(t, before, wider.Layers[0].Weights.data)

	dense := NewSeededNetwork(2, Input(1), Dense(4), Dense(1, Activation("linear")))
	err = dense.LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layer 0 mismatch")

	err = smallRNN(1).LoadFromFile(filepath.Join(t.TempDir(), "missing.gob"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTrainReducesLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	set := sineSet(16)
	nw := smallRNN(1)
	before := nw.Loss(set)

	res, err := Train(context.Background(), nw, set, TrainingConfig{
		Epochs:       40,
		BatchSize:    4,
		NumWorkers:   2,
		LearningRate: 0.01,
		Optimizer:    OptAdam,
		GradientClip: 1,
		Seed:         5,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, res.Epochs)
	assert.Less(t, nw.Loss(set), before)
	assert.Less(t, res.FinalLoss, before)
}

func TestTrainOptimizers(t *testing.T) {
	for _, opt := range []OptimizerType{OptSGD, OptMomentum, OptAdam} {
		t.Run(string(opt), func(t *testing.T) {
			set := sineSet(8)
			nw := smallRNN(2)
			before := nw.Loss(set)
			_, err := Train(context.Background(), nw, set, TrainingConfig{
				Epochs:       30,
				BatchSize:    4,
				LearningRate: 0.01,
				Optimizer:    opt,
				Seed:         1,
			})
			require.NoError(t, err)
			assert.Less(t, nw.Loss(set), before)
		})
	}
}

func TestTrainCancelledSavesModel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "interrupted.gob")
	nw := smallRNN(4)
	res, err := Train(ctx, nw, sineSet(4), TrainingConfig{
		Epochs:       10,
		BatchSize:    2,
		LearningRate: 0.01,
		ModelPath:    path,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Epochs)
	assert.FileExists(t, path)
	assert.NoError(t, smallRNN(5).LoadFromFile(path))
}

func TestTrainConfigValidation(t *testing.T) {
	set := sineSet(8)

	_, err := Train(context.Background(), smallRNN(1), set, TrainingConfig{
		Epochs: 1, BatchSize: 3, NumWorkers: 2, LearningRate: 0.1,
	})
	assert.ErrorContains(t, err, "divisible")

	_, err = Train(context.Background(), smallRNN(1), set, TrainingConfig{
		Epochs: 0, LearningRate: 0.1,
	})
	assert.ErrorContains(t, err, "epochs")

	wide := NewSeededNetwork(1, Input(2), SimpleRNN(2), Dense(1, Activation("linear")))
	_, err = Train(context.Background(), wide, set, TrainingConfig{Epochs: 1, LearningRate: 0.1})
	assert.ErrorContains(t, err, "shape mismatch")

	// Oversized batches fall back to one full batch on one worker.
	res, err := Train(context.Background(), smallRNN(1), set, TrainingConfig{
		Epochs: 2, BatchSize: 100, NumWorkers: 3, LearningRate: 0.01,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Epochs)
}

// biasOnly is a linear Dense net with zeroed weights. With zero features only
// the output bias learns, and it moves toward the mean of the labels it sees.
func biasOnly() *NeuralNetwork {
	nw := NewNetwork(Input(1), Dense(1, Activation("linear")))
	nw.Layers[0].Weights.Set(0, 0, 0)
	nw.Layers[0].Biases.Set(0, 0, 0)
	return nw
}

func constantSet(lengths []int, labels []float64) *SequenceSet {
	set := &SequenceSet{}
	for i, steps := range lengths {
		feat := make([][]float64, steps)
		lab := make([][]float64, steps)
		for t := range feat {
			feat[t] = []float64{0}
			lab[t] = []float64{labels[i]}
		}
		set.Features = append(set.Features, feat)
		set.Labels = append(set.Labels, lab)
	}
	return set
}

func TestTrainVisitsShortFinalBatch(t *testing.T) {
	set := constantSet([]int{1, 1, 1}, []float64{1, 10, 100})
	nw := biasOnly()

	_, err := Train(context.Background(), nw, set, TrainingConfig{
		Epochs: 1, BatchSize: 2, NumWorkers: 1, LearningRate: 0.1, Optimizer: OptSGD, Seed: 3,
	})
	require.NoError(t, err)

	// Two SGD steps: b1 = 0.2*mean(pair), then b2 = 0.8*b1 + 0.2*last,
	// depending on which label lands in the single-sequence batch.
	got := nw.Layers[0].Biases.At(0, 0)
	outcomes := []float64{20.88, 10.08, 9.0}
	matched := false
	for _, want := range outcomes {
		if math.Abs(got-want) < 1e-9 {
			matched = true
		}
	}
	assert.True(t, matched, "bias %v is not one of %v", got, outcomes)
}

func TestTrainWorkerSplitMatchesSingleWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Five sequences with batch 4: the last batch holds one sequence.
	set := constantSet([]int{1, 3, 2, 4, 1}, []float64{2, -1, 5, 0.5, 3})
	train := func(workers int) float64 {
		nw := biasOnly()
		_, err := Train(context.Background(), nw, set, TrainingConfig{
			Epochs: 3, BatchSize: 4, NumWorkers: workers, LearningRate: 0.05, Optimizer: OptSGD, Seed: 9,
		})
		require.NoError(t, err)
		return nw.Layers[0].Biases.At(0, 0)
	}

	single := train(1)
	assert.NotZero(t, single)
	assert.InDelta(t, single, train(2), 1e-12)
	assert.InDelta(t, single, train(4), 1e-12)
}

func TestWorkerShard(t *testing.T) {
	var got [][2]int
	for id := 0; id < 3; id++ {
		lo, hi := workerShard(7, 3, id)
		got = append(got, [2]int{lo, hi})
	}
	if diff := cmp.Diff([][2]int{{0, 3}, {3, 5}, {5, 7}}, got); diff != "" {
		t.Errorf("shards mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary(t *testing.T) {
	s := smallRNN(1).Summary()
	assert.Contains(t, s, "Input(1)")
	assert.Contains(t, s, "SimpleRNN(4, tanh) params=24")
	assert.Contains(t, s, "Dense(1, linear) params=5")
	assert.Contains(t, s, "total params=29")
}
