package tensor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Relu applies max(0, x) element-wise in place.
func Relu(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, m)
}

// ReluMask multiplies g element-wise by the ReLU derivative evaluated at pre.
// The derivative at exactly zero is taken as zero.
func ReluMask(g, pre *mat.Dense) {
	g.Apply(func(i, j int, v float64) float64 {
		if pre.At(i, j) > 0 {
			return v
		}
		return 0
	}, g)
}

// LogSoftmax replaces x with log(softmax(x)).
func LogSoftmax(x []float64) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		sum += math.Exp(x[i] - maxv)
	}
	lse := maxv + math.Log(sum)
	for i := range x {
		x[i] -= lse
	}
}

// Argmax returns the index of the largest element of x, or -1 when x is empty.
func Argmax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// AbsMax returns max(|v|) over all elements of m.
func AbsMax(m mat.Matrix) float64 {
	r, c := m.Dims()
	var out float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if a := math.Abs(m.At(i, j)); a > out {
				out = a
			}
		}
	}
	return out
}
