package ml

import "fmt"

// RnnTimeStep feeds a single time step (batch of one) through the network and
// returns the output for that step. Recurrent layers remember their hidden
// state across calls until RnnClearPreviousState is called, so stepping a
// sequence one value at a time matches Forward on the whole sequence.
func (nw *NeuralNetwork) RnnTimeStep(x []float64) []float64 {
	if len(x) != nw.NumIn {
		panic(fmt.Sprintf("Input size mismatch. Expected %d, got %d", nw.NumIn, len(x)))
	}

	nw.ensureBuffers(1, 1)
	if nw.stepIn == nil {
		nw.stepIn = NewMatrix(1, nw.NumIn)
	}
	copy(nw.stepIn.data, x)

	activation := nw.stepIn
	for _, layer := range nw.Layers {
		var hPrev *Matrix
		if layer.Kind == KindRecurrent {
			if layer.state == nil {
				layer.state = NewMatrix(1, layer.Weights.cols)
			}
			hPrev = layer.state
		}
		layer.step(activation, hPrev, layer.Z[0], layer.A[0])
		if layer.Kind == KindRecurrent {
			copy(layer.state.data, layer.A[0].data)
		}
		activation = layer.A[0]
	}

	out := make([]float64, len(activation.data))
	copy(out, activation.data)
	return out
}

// RnnClearPreviousState zeroes the hidden state kept by RnnTimeStep.
func (nw *NeuralNetwork) RnnClearPreviousState() {
	for _, layer := range nw.Layers {
		if layer.state != nil {
			layer.state.Reset()
		}
	}
}

// PredictSequence runs one sequence from a clean state and returns the
// output of every step. The stored hidden state is left at the last step.
func (nw *NeuralNetwork) PredictSequence(steps [][]float64) [][]float64 {
	nw.RnnClearPreviousState()
	outputs := make([][]float64, len(steps))
	for t, x := range steps {
		outputs[t] = nw.RnnTimeStep(x)
	}
	return outputs
}
