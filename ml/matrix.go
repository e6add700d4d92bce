package ml

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense matrix with a flat data slice for performance.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// ------- ACCESSORS ------ //
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

func (m *Matrix) At(r, c int) float64 { return m.data[r*m.cols+c] }

func (m *Matrix) Set(r, c int, v float64) { m.data[r*m.cols+c] = v }

// Row returns a view of row r. Writes go through to the matrix.
func (m *Matrix) Row(r int) []float64 { return m.data[r*m.cols : (r+1)*m.cols] }

// ------- MATRIX METHODS ------ //
func (m *Matrix) GobEncode() ([]byte, error) {
	w := new(bytes.Buffer)
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(m.rows); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.cols); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.data); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m *Matrix) GobDecode(buf []byte) error {
	r := bytes.NewBuffer(buf)
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(&m.rows); err != nil {
		return err
	}
	if err := decoder.Decode(&m.cols); err != nil {
		return err
	}
	if err := decoder.Decode(&m.data); err != nil {
		return err
	}
	// gob drops empty slices
	if len(m.data) != m.rows*m.cols {
		m.data = make([]float64, m.rows*m.cols)
	}

	// Re-create the wrapper after loading data
	m.dense = mat.NewDense(m.rows, m.cols, m.data)

	return nil
}

// Randomize fills the matrix with He-scaled normal noise.
func (m *Matrix) Randomize(rng *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(m.rows))
	for i := range m.data {
		m.data[i] = rng.NormFloat64() * scale
	}
}

func (m *Matrix) RandomizeXavier(rng *rand.Rand) {
	// limit = sqrt(6 / (fan_in + fan_out))
	limit := math.Sqrt(6.0 / float64(m.rows+m.cols))
	for i := range m.data {
		m.data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (m *Matrix) Reset() {
	for i := range m.data {
		m.data[i] = 0.0
	}
}

func (m *Matrix) Add(b *Matrix) {
	m.dense.Add(m.dense, b.dense)
}

func (m *Matrix) AddVector(v *Matrix) {
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			m.data[i*m.cols+j] += v.data[j]
		}
	}
}

// AddColumnSums adds the column sums of src into the 1 x cols receiver.
func (m *Matrix) AddColumnSums(src *Matrix) {
	for r := 0; r < src.rows; r++ {
		rowOffset := r * src.cols
		for c := 0; c < src.cols; c++ {
			m.data[c] += src.data[rowOffset+c]
		}
	}
}

func (m *Matrix) ApplyRelu() {
	for i, v := range m.data {
		if v < 0 {
			m.data[i] = 0
		}
	}
}

func (m *Matrix) ApplySigmoid() {
	for i, v := range m.data {
		m.data[i] = 1.0 / (1.0 + math.Exp(-v))
	}
}

func (m *Matrix) ApplyTanh() {
	for i, v := range m.data {
		m.data[i] = math.Tanh(v)
	}
}

func (m *Matrix) ApplyFunc(fn func(float64) float64) {
	for i := range m.data {
		m.data[i] = fn(m.data[i])
	}
}

// Clip bounds every element to [-limit, limit].
func (m *Matrix) Clip(limit float64) {
	for i, v := range m.data {
		if v > limit {
			m.data[i] = limit
		} else if v < -limit {
			m.data[i] = -limit
		}
	}
}

func (m *Matrix) general() blas64.General {
	return blas64.General{Rows: m.rows, Cols: m.cols, Stride: m.cols, Data: m.data}
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	out.dense.Mul(a, b)
}

// MatMulAcc computes out += op(a) * op(b) in place, where op transposes
// when the matching flag is set. Used to accumulate gradients across time steps.
func MatMulAcc(transA, transB bool, a, b, out *Matrix) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas64.Gemm(tA, tB, 1, a.general(), b.general(), 1, out.general())
}

// MatMul using pure go (no BLAS)
func MatMulGo(a, b, out *Matrix) {
	const blockSize = 64
	if a.cols != b.rows || out.rows != a.rows || out.cols != b.cols {
		panic("Shape mismatch")
	}
	out.Reset()
	for i := 0; i < a.rows; i += blockSize {
		for j := 0; j < b.cols; j += blockSize {
			for k := 0; k < a.cols; k += blockSize {
				iMax, jMax, kMax := min(i+blockSize, a.rows), min(j+blockSize, b.cols), min(k+blockSize, a.cols)
				for ii := i; ii < iMax; ii++ {
					rowOffsetOut := ii * out.cols
					for kk := k; kk < kMax; kk++ {
						scalar := a.data[ii*a.cols+kk]
						rowOffsetB := kk * b.cols
						for jj := j; jj < jMax; jj++ {
							out.data[rowOffsetOut+jj] += scalar * b.data[rowOffsetB+jj]
						}
					}
				}
			}
		}
	}
}
