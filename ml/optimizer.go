package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
}

type OptimizerType string
type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
}

type AdamOptimizer struct {
	cfg         AdamConfig
	layerStates []LayerState
	timeStep    int // 't' in the Adam paper, tracks number of updates
}

type SGDOptimizer struct {
	LearningRate float64
}

type MomentumOptimizer struct {
	LearningRate float64
	Mu           float64 // Momentum Factor (usually 0.9)

	layerStates []LayerState
}

type Optimizer interface {
	Update(nw *NeuralNetwork, grads []GradientSet)
}

// ParseOptimizer accepts "sgd", "momentum" or "adam".
func ParseOptimizer(name string) (OptimizerType, error) {
	switch opt := OptimizerType(name); opt {
	case OptSGD, OptMomentum, OptAdam:
		return opt, nil
	}
	return "", fmt.Errorf("unknown optimizer %q", name)
}

func NewOptimizer(nw *NeuralNetwork, cfg TrainingConfig) Optimizer {
	switch cfg.Optimizer {
	case OptAdam:
		adamCfg := DefaultAdamConfig
		adamCfg.LearningRate = cfg.LearningRate
		if cfg.AdamBeta1 != 0 {
			adamCfg.Beta1 = cfg.AdamBeta1
		}
		if cfg.AdamBeta2 != 0 {
			adamCfg.Beta2 = cfg.AdamBeta2
		}
		if cfg.AdamEps != 0 {
			adamCfg.Epsilon = cfg.AdamEps
		}
		return NewAdamOptimizer(nw, adamCfg)

	case OptMomentum:
		return NewMomentumOptimizer(nw, cfg.LearningRate, cfg.MomentumMu)

	default:
		return &SGDOptimizer{LearningRate: cfg.LearningRate}
	}
}

// newLayerStates allocates zeroed moment buffers; withSecond also allocates the v* set.
func newLayerStates(nw *NeuralNetwork, withSecond bool) []LayerState {
	states := make([]LayerState, len(nw.Layers))
	for i, layer := range nw.Layers {
		wr, wc := layer.Weights.rows, layer.Weights.cols
		br, bc := layer.Biases.rows, layer.Biases.cols
		state := LayerState{mW: NewMatrix(wr, wc), mB: NewMatrix(br, bc)}
		if withSecond {
			state.vW = NewMatrix(wr, wc)
			state.vB = NewMatrix(br, bc)
		}
		if layer.Recurrent != nil {
			ur, uc := layer.Recurrent.rows, layer.Recurrent.cols
			state.mU = NewMatrix(ur, uc)
			if withSecond {
				state.vU = NewMatrix(ur, uc)
			}
		}
		states[i] = state
	}
	return states
}

func NewAdamOptimizer(nw *NeuralNetwork, cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{
		cfg:         cfg,
		layerStates: newLayerStates(nw, true),
	}
}

func NewMomentumOptimizer(nw *NeuralNetwork, lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default

	return &MomentumOptimizer{
		LearningRate: lr,
		Mu:           mu,
		layerStates:  newLayerStates(nw, false),
	}
}

// ------ ADAM OPTIMIZER METHODS ------ //
// Update applies the Adam update rule to every weight, bias and recurrent matrix.
func (opt *AdamOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	opt.timeStep++
	t := float64(opt.timeStep)

	// correction = 1 - beta^t
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	beta1, beta2 := opt.cfg.Beta1, opt.cfg.Beta2
	eps, lr := opt.cfg.Epsilon, opt.cfg.LearningRate

	apply := func(params, grads, m, v []float64) {
		for i := range params {
			g := grads[i]
			m[i] = beta1*m[i] + (1.0-beta1)*g
			v[i] = beta2*v[i] + (1.0-beta2)*(g*g)

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			params[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}

	for i, layer := range nw.Layers {
		state := &opt.layerStates[i]
		apply(layer.Weights.data, grads[i].dW.data, state.mW.data, state.vW.data)
		apply(layer.Biases.data, grads[i].db.data, state.mB.data, state.vB.data)
		if layer.Recurrent != nil {
			apply(layer.Recurrent.data, grads[i].dU.data, state.mU.data, state.vU.data)
		}
	}
}

// ------ MOMENTUM OPTIMIZER METHODS ------ //
func (opt *MomentumOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	// v = mu * v - lr * grad
	// w = w + v
	applyMomentum := func(params, grads, velocity []float64) {
		for i := range params {
			velocity[i] = (opt.Mu * velocity[i]) - (opt.LearningRate * grads[i])
			params[i] += velocity[i]
		}
	}

	for i, layer := range nw.Layers {
		state := &opt.layerStates[i]
		applyMomentum(layer.Weights.data, grads[i].dW.data, state.mW.data)
		applyMomentum(layer.Biases.data, grads[i].db.data, state.mB.data)
		if layer.Recurrent != nil {
			applyMomentum(layer.Recurrent.data, grads[i].dU.data, state.mU.data)
		}
	}
}

// ------ SGD OPTIMIZER METHODS ------ //
func (opt *SGDOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	for i, layer := range nw.Layers {
		// W = W - (lr * gradient)
		floats.AddScaled(layer.Weights.data, -opt.LearningRate, grads[i].dW.data)
		floats.AddScaled(layer.Biases.data, -opt.LearningRate, grads[i].db.data)
		if layer.Recurrent != nil {
			floats.AddScaled(layer.Recurrent.data, -opt.LearningRate, grads[i].dU.data)
		}
	}
}
