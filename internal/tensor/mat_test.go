package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLimits(t *testing.T) {
	t.Parallel()

	lo8, hi8 := Limits[int8]()
	if lo8 != math.MinInt8 || hi8 != math.MaxInt8 {
		t.Fatalf("int8 limits: got [%d,%d]", lo8, hi8)
	}
	lo16, hi16 := Limits[int16]()
	if lo16 != math.MinInt16 || hi16 != math.MaxInt16 {
		t.Fatalf("int16 limits: got [%d,%d]", lo16, hi16)
	}
	lo32, hi32 := Limits[int32]()
	if lo32 != math.MinInt32 || hi32 != math.MaxInt32 {
		t.Fatalf("int32 limits: got [%d,%d]", lo32, hi32)
	}
	if got := Steps[int8](); got != 255 {
		t.Fatalf("int8 steps: got %v want 255", got)
	}
	if got := Bits[int16](); got != 16 {
		t.Fatalf("int16 bits: got %d want 16", got)
	}
}

func TestClampRound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want int8
	}{
		{0.4, 0},
		{0.5, 1},
		{-0.5, -1},
		{126.6, 127},
		{1000, 127},
		{-1000, -128},
		{math.NaN(), 0},
		{math.Inf(1), 127},
	}
	for _, tc := range tests {
		if got := ClampRound[int8](tc.in); got != tc.want {
			t.Errorf("ClampRound(%v): got %d want %d", tc.in, got, tc.want)
		}
	}
}

func TestIntMatRowAndClone(t *testing.T) {
	t.Parallel()

	m := NewIntMatFromData[int16](2, 3, []int16{1, 2, 3, 4, 5, 6})
	if got := m.At(1, 2); got != 6 {
		t.Fatalf("At(1,2): got %d want 6", got)
	}
	c := m.Clone()
	c.Row(0)[0] = 42
	if m.At(0, 0) != 1 {
		t.Fatalf("clone aliases source data")
	}
	f := m.Float()
	if f.At(1, 0) != 4 {
		t.Fatalf("Float(1,0): got %v want 4", f.At(1, 0))
	}
}

func TestReshapeFlatten(t *testing.T) {
	t.Parallel()

	m, err := Reshape(2, 3, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if m.At(1, 0) != 4 {
		t.Fatalf("row-major order: got %v at (1,0)", m.At(1, 0))
	}
	flat := Flatten(m)
	if len(flat) != 6 || flat[5] != 6 {
		t.Fatalf("Flatten: got %v", flat)
	}
	if _, err := Reshape(2, 2, flat); err != errRawSizeMismatch {
		t.Fatalf("size mismatch: got %v", err)
	}
	if _, err := Reshape(0, 3, nil); err != errEmptyMatrix {
		t.Fatalf("empty: got %v", err)
	}
}

func TestFillRandReproducible(t *testing.T) {
	t.Parallel()

	a := mat.NewDense(4, 4, nil)
	b := mat.NewDense(4, 4, nil)
	FillRand(a, 3, 0.5)
	FillRand(b, 3, 0.5)
	if !mat.Equal(a, b) {
		t.Fatalf("same seed produced different matrices")
	}
	if AbsMax(a) >= 0.5 {
		t.Fatalf("values escaped the requested range: %v", AbsMax(a))
	}
}

func TestLogSoftmaxNormalizes(t *testing.T) {
	t.Parallel()

	x := []float64{1, 2, 3, -1000}
	ls := append([]float64(nil), x...)
	LogSoftmax(ls)
	var sum float64
	for i := range ls {
		sum += math.Exp(ls[i])
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("exp(logsoftmax) sums to %v", sum)
	}
	if d := ls[2] - ls[1]; math.Abs(d-1) > 1e-12 {
		t.Fatalf("log-ratio not preserved: %v", d)
	}
	if Argmax(x) != 2 {
		t.Fatalf("Argmax: got %d want 2", Argmax(x))
	}
}
