package ml

import (
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"gonum.org/v1/gonum/floats"
)

type NeuralNetwork struct {
	Layers []*Layer
	NumIn  int

	// Buffer geometry currently allocated on the layers
	batchSize, steps int
	stepIn           *Matrix
}

// NewNetwork builds a network with randomly initialized weights.
func NewNetwork(configs ...LayerConfig) *NeuralNetwork {
	return newNetwork(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), configs)
}

// NewSeededNetwork builds a network whose initial weights depend only on seed.
func NewSeededNetwork(seed uint64, configs ...LayerConfig) *NeuralNetwork {
	return newNetwork(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), configs)
}

func newNetwork(rng *rand.Rand, configs []LayerConfig) *NeuralNetwork {
	if len(configs) < 2 {
		panic("Network must have at least Input and one Output layer")
	}
	if !configs[0].IsInput {
		panic("First layer must be Input()")
	}

	nn := &NeuralNetwork{NumIn: configs[0].Neurons}
	prevOutputSize := configs[0].Neurons

	for i := 1; i < len(configs); i++ {
		cfg := configs[i]
		if cfg.IsInput {
			panic(fmt.Sprintf("Layer %d: Input() is only allowed first", i))
		}
		if cfg.Neurons <= 0 || prevOutputSize <= 0 {
			panic(fmt.Sprintf("Layer %d: sizes must be positive (in %d, out %d)", i, prevOutputSize, cfg.Neurons))
		}

		layer := &Layer{
			Kind:    cfg.Kind,
			ActType: cfg.Activation,
			Weights: NewMatrix(prevOutputSize, cfg.Neurons),
			Biases:  NewMatrix(1, cfg.Neurons),
		}

		switch cfg.Kind {
		case KindRecurrent:
			layer.Weights.RandomizeXavier(rng)
			layer.Recurrent = NewMatrix(cfg.Neurons, cfg.Neurons)
			layer.Recurrent.RandomizeXavier(rng)
		default:
			if cfg.Activation == ActRelu {
				layer.Weights.Randomize(rng)
			} else {
				layer.Weights.RandomizeXavier(rng)
			}
		}

		nn.Layers = append(nn.Layers, layer)
		prevOutputSize = cfg.Neurons
	}

	return nn
}

// NumOut is the width of the output layer.
func (nw *NeuralNetwork) NumOut() int {
	return nw.Layers[len(nw.Layers)-1].Weights.cols
}

// Summary describes the architecture, one layer per line.
func (nw *NeuralNetwork) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Input(%d)\n", nw.NumIn)
	params := 0
	for i, l := range nw.Layers {
		n := len(l.Weights.data) + len(l.Biases.data)
		if l.Recurrent != nil {
			n += len(l.Recurrent.data)
		}
		params += n
		fmt.Fprintf(&sb, "%d: %s(%d, %s) params=%d\n", i, l.Kind, l.Weights.cols, l.ActType, n)
	}
	fmt.Fprintf(&sb, "total params=%d", params)
	return sb.String()
}

// -------- NEURAL NETWORK METHODS -------- //

// InitializeBuffers allocates forward/backward buffers for a batch size and a
// number of time steps. Step buffers only grow, so shorter batches reuse them.
func (nw *NeuralNetwork) InitializeBuffers(batchSize, steps int) {
	if batchSize != nw.batchSize {
		for _, layer := range nw.Layers {
			layer.Z, layer.A, layer.dA = nil, nil, nil
		}
		nw.steps = 0
	}
	nw.batchSize = batchSize

	for _, layer := range nw.Layers {
		outputDim := layer.Weights.cols
		for len(layer.A) < steps {
			layer.Z = append(layer.Z, NewMatrix(batchSize, outputDim))
			layer.A = append(layer.A, NewMatrix(batchSize, outputDim))
			layer.dA = append(layer.dA, NewMatrix(batchSize, outputDim))
		}
		if layer.dZ == nil || layer.dZ.rows != batchSize {
			layer.dZ = NewMatrix(batchSize, outputDim)
			layer.dHNext = NewMatrix(batchSize, outputDim)
			layer.h0 = NewMatrix(batchSize, outputDim)
			layer.rec = NewMatrix(batchSize, outputDim)
		}
	}
	nw.steps = max(nw.steps, steps)
}

func (nw *NeuralNetwork) ensureBuffers(batchSize, steps int) {
	if batchSize != nw.batchSize || steps > nw.steps {
		nw.InitializeBuffers(batchSize, steps)
	}
}

// CloneStructure returns a network sharing weights with nw but owning its
// buffers and recurrent state. Used for data-parallel workers.
func (nw *NeuralNetwork) CloneStructure() *NeuralNetwork {
	newNN := &NeuralNetwork{
		NumIn:  nw.NumIn,
		Layers: make([]*Layer, len(nw.Layers)),
	}
	for i, l := range nw.Layers {
		newNN.Layers[i] = &Layer{
			Kind:      l.Kind,
			ActType:   l.ActType,
			Weights:   l.Weights,
			Biases:    l.Biases,
			Recurrent: l.Recurrent,
		}
	}
	return newNN
}

// Forward runs the whole batch through the network. Hidden state starts at zero.
func (nw *NeuralNetwork) Forward(batch *SequenceBatch) {
	steps := batch.Steps()
	nw.ensureBuffers(batch.Size(), steps)

	for t := 0; t < steps; t++ {
		activation := batch.X[t]
		for _, layer := range nw.Layers {
			var hPrev *Matrix
			if layer.Kind == KindRecurrent {
				hPrev = layer.h0
				if t > 0 {
					hPrev = layer.A[t-1]
				}
			}
			layer.step(activation, hPrev, layer.Z[t], layer.A[t])
			activation = layer.A[t]
		}
	}
}

// Output returns the output-layer activations for time step t of the last Forward.
func (nw *NeuralNetwork) Output(t int) *Matrix {
	return nw.Layers[len(nw.Layers)-1].A[t]
}

// ComputeGradients fills grads with the gradient of the masked mean squared
// error of the last Forward pass and returns that loss. Backpropagation runs
// through time over every step of the batch; padded steps contribute nothing.
func (nw *NeuralNetwork) ComputeGradients(batch *SequenceBatch, grads []GradientSet) float64 {
	for l := range grads {
		grads[l].reset()
	}

	steps, batchSize := batch.Steps(), batch.Size()
	lastLayer := nw.Layers[len(nw.Layers)-1]
	outCols := lastLayer.Weights.cols

	valid := batch.ValidSteps()
	if valid == 0 {
		return 0
	}
	norm := 1.0 / (valid * float64(outCols))

	// 1. Output Error (MSE)
	loss := 0.0
	for t := 0; t < steps; t++ {
		aData := lastLayer.A[t].data
		yData := batch.Y[t].data
		dAData := lastLayer.dA[t].data
		mask := batch.Mask[t]
		for b := 0; b < batchSize; b++ {
			for j := 0; j < outCols; j++ {
				idx := b*outCols + j
				if mask[b] == 0 {
					dAData[idx] = 0
					continue
				}
				diff := aData[idx] - yData[idx]
				loss += diff * diff
				dAData[idx] = 2 * diff * norm
			}
		}
	}
	loss *= norm

	// 2. Backprop Loop
	for i := len(nw.Layers) - 1; i >= 0; i-- {
		layer := nw.Layers[i]
		var below *Layer
		if i > 0 {
			below = nw.Layers[i-1]
		}
		inputAt := func(t int) *Matrix {
			if below == nil {
				return batch.X[t]
			}
			return below.A[t]
		}

		if layer.Kind == KindRecurrent {
			// --- RECURRENT BACKWARD (BPTT) ---
			layer.dHNext.Reset()
			for t := steps - 1; t >= 0; t-- {
				// dh_t = dA_t + gradient arriving from step t+1
				copy(layer.dZ.data, layer.dA[t].data)
				floats.Add(layer.dZ.data, layer.dHNext.data)
				layer.applyDerivative(layer.Z[t], layer.A[t], layer.dZ)

				hPrev := layer.h0
				if t > 0 {
					hPrev = layer.A[t-1]
				}

				MatMulAcc(true, false, inputAt(t), layer.dZ, grads[i].dW)
				MatMulAcc(true, false, hPrev, layer.dZ, grads[i].dU)
				grads[i].db.AddColumnSums(layer.dZ)

				if below != nil {
					MatMul(layer.dZ.dense, layer.Weights.dense.T(), below.dA[t])
				}
				MatMul(layer.dZ.dense, layer.Recurrent.dense.T(), layer.dHNext)
			}
			continue
		}

		// --- TIME-DISTRIBUTED DENSE BACKWARD ---
		for t := 0; t < steps; t++ {
			copy(layer.dZ.data, layer.dA[t].data)
			layer.applyDerivative(layer.Z[t], layer.A[t], layer.dZ)

			MatMulAcc(true, false, inputAt(t), layer.dZ, grads[i].dW)
			grads[i].db.AddColumnSums(layer.dZ)

			if below != nil {
				MatMul(layer.dZ.dense, layer.Weights.dense.T(), below.dA[t])
			}
		}
	}
	return loss
}

// NewGradientSets allocates one zeroed GradientSet per layer.
func (nw *NeuralNetwork) NewGradientSets() []GradientSet {
	grads := make([]GradientSet, len(nw.Layers))
	for l, layer := range nw.Layers {
		grads[l].dW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		grads[l].db = NewMatrix(layer.Biases.rows, layer.Biases.cols)
		if layer.Recurrent != nil {
			grads[l].dU = NewMatrix(layer.Recurrent.rows, layer.Recurrent.cols)
		}
	}
	return grads
}

// Loss runs the set through the network and returns its masked MSE.
func (nw *NeuralNetwork) Loss(set *SequenceSet) float64 {
	batch := BatchFromSet(set)
	nw.Forward(batch)
	valid := batch.ValidSteps()
	if valid == 0 {
		return 0
	}
	total := 0.0
	for t := 0; t < batch.Steps(); t++ {
		out := nw.Output(t)
		for b := 0; b < batch.Size(); b++ {
			if batch.Mask[t][b] == 0 {
				continue
			}
			for j, a := range out.Row(b) {
				diff := a - batch.Y[t].At(b, j)
				total += diff * diff
			}
		}
	}
	return total / (valid * float64(nw.NumOut()))
}

// Save/Load share this layout
type layerData struct {
	Kind      LayerKind
	ActType   ActivationType
	Weights   *Matrix
	Biases    *Matrix
	Recurrent *Matrix
}

type networkData struct {
	NumIn      int
	LayerDatas []layerData
}

// SaveToFile saves the network weights, biases and recurrent weights to a gob file.
func (nw *NeuralNetwork) SaveToFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	ld := make([]layerData, len(nw.Layers))
	for i, l := range nw.Layers {
		ld[i] = layerData{
			Kind:      l.Kind,
			ActType:   l.ActType,
			Weights:   l.Weights,
			Biases:    l.Biases,
			Recurrent: l.Recurrent,
		}
	}

	if err := gob.NewEncoder(file).Encode(networkData{NumIn: nw.NumIn, LayerDatas: ld}); err != nil {
		return err
	}
	return file.Close()
}

// LoadFromFile overwrites the weights of nw with those stored in filename.
// The file must describe the same architecture; nothing is modified otherwise.
func (nw *NeuralNetwork) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	var loadedData networkData
	if err := gob.NewDecoder(file).Decode(&loadedData); err != nil {
		return fmt.Errorf("failed to decode gob file: %w", err)
	}

	// --- VALIDATION STEP ---
	if loadedData.NumIn != nw.NumIn {
		return fmt.Errorf("architecture mismatch: current network takes %d inputs, model file takes %d",
			nw.NumIn, loadedData.NumIn)
	}
	if len(nw.Layers) != len(loadedData.LayerDatas) {
		return fmt.Errorf("architecture mismatch: current network has %d layers, model file has %d",
			len(nw.Layers), len(loadedData.LayerDatas))
	}

	checkDims := func(name string, layerIdx int, current, loaded *Matrix) error {
		if current == nil && loaded == nil {
			return nil
		}
		if current == nil || loaded == nil {
			return fmt.Errorf("layer %d %s mismatch: one is nil", layerIdx, name)
		}
		if current.rows != loaded.rows || current.cols != loaded.cols {
			return fmt.Errorf("layer %d %s shape mismatch: expected [%d, %d], got [%d, %d]",
				layerIdx, name,
				current.rows, current.cols,
				loaded.rows, loaded.cols,
			)
		}
		return nil
	}

	for i, currLayer := range nw.Layers {
		loadedLayer := loadedData.LayerDatas[i]
		if currLayer.Kind != loadedLayer.Kind {
			return fmt.Errorf("layer %d mismatch: expected %v, got %v", i, currLayer.Kind, loadedLayer.Kind)
		}
		if currLayer.ActType != loadedLayer.ActType {
			return fmt.Errorf("layer %d mismatch: expected activation %v, got %v",
				i, currLayer.ActType, loadedLayer.ActType)
		}
		if err := checkDims("Weights", i, currLayer.Weights, loadedLayer.Weights); err != nil {
			return err
		}
		if err := checkDims("Biases", i, currLayer.Biases, loadedLayer.Biases); err != nil {
			return err
		}
		if err := checkDims("Recurrent", i, currLayer.Recurrent, loadedLayer.Recurrent); err != nil {
			return err
		}
	}

	// --- APPLICATION STEP ---
	for i, currentLayer := range nw.Layers {
		loadedLayer := loadedData.LayerDatas[i]
		copy(currentLayer.Weights.data, loadedLayer.Weights.data)
		copy(currentLayer.Biases.data, loadedLayer.Biases.data)
		if currentLayer.Recurrent != nil {
			copy(currentLayer.Recurrent.data, loadedLayer.Recurrent.data)
		}
	}
	return nil
}
