package ml

import (
	"fmt"
	"math"
	"sort"
)

const (
	ActLinear ActivationType = iota
	ActRelu
	ActSigmoid
	ActTanh
)

const (
	KindDense LayerKind = iota
	KindRecurrent
)

var activationMap = map[string]ActivationType{
	"linear":   ActLinear,
	"identity": ActLinear,
	"sigmoid":  ActSigmoid,
	"relu":     ActRelu,
	"tanh":     ActTanh,
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int
type LayerKind int
type LayerOption func(*LayerConfig)

func (a ActivationType) String() string {
	switch a {
	case ActLinear:
		return "linear"
	case ActRelu:
		return "relu"
	case ActSigmoid:
		return "sigmoid"
	case ActTanh:
		return "tanh"
	}
	return fmt.Sprintf("activation(%d)", int(a))
}

func (k LayerKind) String() string {
	if k == KindRecurrent {
		return "SimpleRNN"
	}
	return "Dense"
}

// LayerConfig holds the blueprint for a layer
type LayerConfig struct {
	Neurons    int
	IsInput    bool
	Kind       LayerKind
	Activation ActivationType
}

// LayerState holds per-parameter optimizer memory (Adam moments or momentum velocity).
type LayerState struct {
	mW, vW *Matrix
	mB, vB *Matrix
	mU, vU *Matrix
}

type Layer struct {
	Kind    LayerKind
	ActType ActivationType

	Weights   *Matrix // [in, out]
	Biases    *Matrix // [1, out]
	Recurrent *Matrix // [out, out], recurrent layers only

	// Forward state, one entry per time step
	Z, A []*Matrix

	// Backward state
	dA     []*Matrix // gradient w.r.t. A, per time step
	dZ     *Matrix
	dHNext *Matrix // gradient flowing into h_{t-1}
	h0     *Matrix // zero initial hidden state
	rec    *Matrix // scratch for h_{t-1} * U

	// Hidden state carried between RnnTimeStep calls
	state *Matrix
}

// GradientSet holds the calculated gradients for one layer
type GradientSet struct {
	dW *Matrix
	db *Matrix
	dU *Matrix
}

func (g *GradientSet) reset() {
	g.dW.Reset()
	g.db.Reset()
	if g.dU != nil {
		g.dU.Reset()
	}
}

func (g *GradientSet) clip(limit float64) {
	g.dW.Clip(limit)
	g.db.Clip(limit)
	if g.dU != nil {
		g.dU.Clip(limit)
	}
}

// ------- LAYER CONFIG HELPERS ------- //
// Input defines the entry point dimensions (features per time step)
func Input(size int) LayerConfig {
	return LayerConfig{
		Neurons:    size,
		IsInput:    true,
		Activation: ActLinear,
	}
}

// Dense defines a fully connected layer, applied independently at every time step.
func Dense(size int, opts ...LayerOption) LayerConfig {
	d := LayerConfig{
		Neurons:    size,
		Kind:       KindDense,
		Activation: ActRelu, // Default for hidden layers
	}

	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// SimpleRNN defines a recurrent layer: h_t = act(x_t*W + h_{t-1}*U + b).
func SimpleRNN(units int, opts ...LayerOption) LayerConfig {
	cfg := LayerConfig{
		Neurons:    units,
		Kind:       KindRecurrent,
		Activation: ActTanh,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func Activation(activation string) LayerOption {
	return func(lc *LayerConfig) {
		act, err := ParseActivation(activation)
		if err != nil {
			panic(err.Error())
		}
		lc.Activation = act
	}
}

// ParseActivation maps a config name to an ActivationType.
func ParseActivation(name string) (ActivationType, error) {
	act, ok := activationMap[name]
	if !ok {
		return 0, fmt.Errorf("unknown activation %q (known: %v)", name, ActivationNames())
	}
	return act, nil
}

func ActivationNames() []string {
	names := make([]string, 0, len(activationMap))
	for name := range activationMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// step computes one time step for the whole batch: z = x*W (+ hPrev*U) + b, a = act(z).
func (l *Layer) step(x, hPrev, z, a *Matrix) {
	MatMul(x.dense, l.Weights.dense, z)
	if l.Kind == KindRecurrent {
		MatMul(hPrev.dense, l.Recurrent.dense, l.rec)
		z.Add(l.rec)
	}
	z.AddVector(l.Biases)
	copy(a.data, z.data)

	switch l.ActType {
	case ActRelu:
		a.ApplyRelu()
	case ActSigmoid:
		a.ApplySigmoid()
	case ActTanh:
		a.ApplyTanh()
	case ActLinear:
	default:
		panic("Unknown activation type")
	}
}

// applyDerivative multiplies grad in place by act'(z).
func (l *Layer) applyDerivative(z, a, grad *Matrix) {
	switch l.ActType {
	case ActRelu:
		for k, v := range z.data {
			if v <= 0 {
				grad.data[k] = 0
			}
		}
	case ActSigmoid:
		for k, v := range a.data {
			grad.data[k] *= v * (1.0 - v)
		}
	case ActTanh:
		for k, v := range a.data {
			grad.data[k] *= 1.0 - v*v
		}
	case ActLinear:
	}
}

func Tanh(x float64) float64 { return math.Tanh(x) }
