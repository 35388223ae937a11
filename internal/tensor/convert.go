package tensor

import (
	"gonum.org/v1/gonum/mat"
)

// Flatten returns a row-major copy of m's elements.
func Flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// Reshape wraps row-major data as an r x c matrix without copying.
func Reshape(r, c int, data []float64) (*mat.Dense, error) {
	if r <= 0 || c <= 0 {
		return nil, errEmptyMatrix
	}
	if r*c != len(data) {
		return nil, errRawSizeMismatch
	}
	return mat.NewDense(r, c, data), nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}
