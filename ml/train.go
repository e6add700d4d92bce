package ml

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

type TrainingConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	ModelPath    string // When set, the model is saved here on completion and on cancellation
	NumWorkers   int
	VerboseEvery int // How often to log progress (in epochs)
	Seed         uint64
	GradientClip float64 // Element-wise clip of aggregated gradients, 0 disables

	// Optimizer Selection
	Optimizer OptimizerType

	// Optimizer Hyperparameters (Zero values will use defaults)
	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (usually 0.9)
	AdamBeta2  float64 // For Adam (usually 0.999)
	AdamEps    float64 // For Adam (usually 1e-8)

	Logger *zap.Logger
}

// TrainResult summarizes a Train call.
type TrainResult struct {
	Epochs    int // Completed epochs
	FinalLoss float64
	Duration  time.Duration
}

// Train fits nw to set with data-parallel mini-batch gradient descent.
// Each mini-batch is split across NumWorkers clones of the network; their
// gradients are averaged, weighted by valid steps, before a single optimizer
// step on the shared weights. Every sequence is visited once per epoch; a short
// final batch runs on as many workers as it has sequences, up to NumWorkers.
// Cancelling ctx stops training at the next batch boundary and returns ctx.Err().
func Train(ctx context.Context, nw *NeuralNetwork, set *SequenceSet, cfg TrainingConfig) (TrainResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := set.Validate(); err != nil {
		return TrainResult{}, fmt.Errorf("invalid training set: %w", err)
	}
	if set.NumIn() != nw.NumIn || set.NumOut() != nw.NumOut() {
		return TrainResult{}, fmt.Errorf("shape mismatch: network maps %d -> %d, data maps %d -> %d",
			nw.NumIn, nw.NumOut(), set.NumIn(), set.NumOut())
	}
	cfg = adjustConfig(cfg, set.Len(), logger)
	if err := validateConfig(cfg); err != nil {
		return TrainResult{}, err
	}

	// 1. Setup & Allocation
	rng := newRNG(cfg.Seed)
	optimizer := NewOptimizer(nw, cfg)
	localBatchSize := cfg.BatchSize / cfg.NumWorkers
	numSamples := set.Len()

	workers, workerGrads := initializeWorkers(nw, cfg.NumWorkers, logger)
	workerBatches := make([]*SequenceBatch, cfg.NumWorkers)
	for i := range workerBatches {
		workerBatches[i] = NewSequenceBatch(localBatchSize, set.MaxSteps(), set.NumIn(), set.NumOut())
	}
	finalGrads := nw.NewGradientSets()
	workerLosses := make([]float64, cfg.NumWorkers)
	workerValid := make([]float64, cfg.NumWorkers)
	workerWeights := make([]float64, cfg.NumWorkers)
	globalIndices := NewIndexList(numSamples)

	// 2. Training Loop
	start := time.Now()
	result := TrainResult{}
	logger.Info("starting training",
		zap.Int("sequences", numSamples),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.NumWorkers),
		zap.String("optimizer", string(cfg.Optimizer)),
	)

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		ShuffleIndices(rng, globalIndices)

		var totalLoss float64
		batchesProcessed := 0

		for batchStart := 0; batchStart < numSamples; batchStart += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				result.Duration = time.Since(start)
				logger.Warn("training interrupted", zap.Int("epoch", epoch), zap.Error(err))
				if saveErr := saveIfRequested(nw, cfg.ModelPath, logger); saveErr != nil {
					return result, saveErr
				}
				return result, err
			}

			// The last batch of an epoch may be short; it is split over fewer workers.
			batchIndices := globalIndices[batchStart:min(batchStart+cfg.BatchSize, numSamples)]
			active := min(cfg.NumWorkers, len(batchIndices))

			var wg sync.WaitGroup
			wg.Add(active)

			// --- A. Data Parallelism: Dispatch Workers ---
			for i := 0; i < active; i++ {
				go func(id int) {
					defer wg.Done()
					lo, hi := workerShard(len(batchIndices), active, id)

					Gather(batchIndices[lo:hi], set, workerBatches[id])
					workers[id].Forward(workerBatches[id])
					workerLosses[id] = workers[id].ComputeGradients(workerBatches[id], workerGrads[id])
					workerValid[id] = workerBatches[id].ValidSteps()
				}(i)
			}
			wg.Wait()

			// --- B. Aggregation Logic ---
			// Each worker's loss is a mean over its own valid steps, so weight by them.
			totalValid := floats.Sum(workerValid[:active])
			if totalValid == 0 {
				continue
			}
			weights := workerWeights[:active]
			copy(weights, workerValid[:active])
			floats.Scale(1/totalValid, weights)
			aggregateGradients(finalGrads, workerGrads[:active], weights)
			if cfg.GradientClip > 0 {
				for l := range finalGrads {
					finalGrads[l].clip(cfg.GradientClip)
				}
			}

			// --- C. Optimization & Tracking ---
			optimizer.Update(nw, finalGrads)

			totalLoss += floats.Dot(workerLosses[:active], weights)
			batchesProcessed++
		}

		avgLoss := 0.0
		if batchesProcessed > 0 {
			avgLoss = totalLoss / float64(batchesProcessed)
		}
		result.Epochs = epoch
		result.FinalLoss = avgLoss
		if epoch%cfg.VerboseEvery == 0 || epoch == 1 || epoch == cfg.Epochs {
			logger.Info("epoch complete",
				zap.Int("epoch", epoch),
				zap.Float64("loss", avgLoss),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
	}

	result.Duration = time.Since(start)
	if err := saveIfRequested(nw, cfg.ModelPath, logger); err != nil {
		return result, err
	}
	logger.Info("training complete", zap.Duration("duration", result.Duration), zap.Float64("loss", result.FinalLoss))
	return result, nil
}

// adjustConfig fills zero values and shrinks the batch for small sets.
func adjustConfig(cfg TrainingConfig, numSamples int, logger *zap.Logger) TrainingConfig {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.VerboseEvery <= 0 {
		cfg.VerboseEvery = 10
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = OptAdam
	}
	if cfg.BatchSize > numSamples {
		logger.Warn("batch size larger than training set, using one full batch",
			zap.Int("batch_size", cfg.BatchSize), zap.Int("sequences", numSamples))
		cfg.BatchSize = numSamples
		cfg.NumWorkers = 1
	}
	if cfg.NumWorkers > cfg.BatchSize {
		cfg.NumWorkers = cfg.BatchSize
	}
	return cfg
}

func validateConfig(cfg TrainingConfig) error {
	if cfg.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.BatchSize%cfg.NumWorkers != 0 {
		return fmt.Errorf("batch size %d must be divisible by %d workers", cfg.BatchSize, cfg.NumWorkers)
	}
	return nil
}

func newRNG(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}

func saveIfRequested(nw *NeuralNetwork, path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	logger.Info("saving model", zap.String("path", path))
	if err := nw.SaveToFile(path); err != nil {
		return fmt.Errorf("save model to %s: %w", path, err)
	}
	return nil
}

// initializeWorkers creates clones of the network and allocates gradient memory for each worker
func initializeWorkers(nw *NeuralNetwork, numWorkers int, logger *zap.Logger) ([]*NeuralNetwork, [][]GradientSet) {
	logger.Debug("initializing workers", zap.Int("workers", numWorkers))

	workers := make([]*NeuralNetwork, numWorkers)
	workerGrads := make([][]GradientSet, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers[i] = nw.CloneStructure()
		workerGrads[i] = nw.NewGradientSets()
	}
	return workers, workerGrads
}

// aggregateGradients writes the weighted sum of the worker gradients into final.
func aggregateGradients(final []GradientSet, workerGrads [][]GradientSet, weights []float64) {
	for l := range final {
		final[l].reset()
		for w := range workerGrads {
			floats.AddScaled(final[l].dW.data, weights[w], workerGrads[w][l].dW.data)
			floats.AddScaled(final[l].db.data, weights[w], workerGrads[w][l].db.data)
			if final[l].dU != nil {
				floats.AddScaled(final[l].dU.data, weights[w], workerGrads[w][l].dU.data)
			}
		}
	}
}

// workerShard returns the [lo, hi) slice of a batch of n handled by worker id
// out of active workers. Earlier workers take one extra sample when n does not
// divide evenly.
func workerShard(n, active, id int) (lo, hi int) {
	base, extra := n/active, n%active
	lo = id*base + min(id, extra)
	hi = lo + base
	if id < extra {
		hi++
	}
	return lo, hi
}

// ------ DATA HANDLING HELPERS ------
func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func ShuffleIndices(rng *rand.Rand, indices []int) {
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
}
