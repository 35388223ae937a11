package tensor

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// IntMat represents a dense row‑major matrix of integer values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C). Data holds the flattened matrix values.
//
// Floating point matrices are *mat.Dense throughout the module; IntMat only
// exists to hold quantized codes, which gonum has no element type for.
type IntMat[T Integer] struct {
	R, C   int
	Stride int
	Data   []T
}

// NewIntMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.
func NewIntMat[T Integer](r, c int) IntMat[T] {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return IntMat[T]{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]T, r*c),
	}
}

// NewIntMatFromData creates a matrix from existing row-major data.
// It checks that the data length matches r*c.
func NewIntMatFromData[T Integer](r, c int, data []T) IntMat[T] {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return IntMat[T]{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Dims returns the matrix shape, mirroring mat.Matrix.
func (m IntMat[T]) Dims() (r, c int) { return m.R, m.C }

// At returns the element at row i, column j.
func (m IntMat[T]) At(i, j int) T {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("index out of range")
	}
	return m.Data[i*m.Stride+j]
}

// Row returns a view of the i‑th row of the matrix. Modifications to the
// returned slice update the underlying matrix values.
func (m IntMat[T]) Row(i int) []T {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Clone returns a deep, compact copy of m.
func (m IntMat[T]) Clone() IntMat[T] {
	out := NewIntMat[T](m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Float returns the integer codes as a float matrix with the same shape.
func (m IntMat[T]) Float() *mat.Dense {
	if m.R == 0 || m.C == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(m.R, m.C, nil)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Set(i, j, float64(v))
		}
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo‑random values drawn
// uniformly from (-scale, scale). The seed controls the random sequence;
// multiple calls with the same seed produce identical matrices.
func FillRand(m *mat.Dense, seed int64, scale float64) {
	rng := rand.New(rand.NewSource(seed))
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (rng.Float64()*2-1)*scale)
		}
	}
}

var (
	errRawSizeMismatch = fmtError("raw data length mismatch")
	errEmptyMatrix     = fmtError("empty matrix")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
