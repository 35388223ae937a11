package quant

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/tensor"
)

// None rounds every element to the nearest integer with scale 1 and zero
// point 0. Values outside the range of T saturate.
func None[T tensor.Integer](e mat.Matrix) *QMatrix[T] {
	r, c := e.Dims()
	data := tensor.NewIntMat[T](r, c)
	for i := 0; i < r; i++ {
		row := data.Row(i)
		for j := range row {
			row[j] = tensor.ClampRound[T](e.At(i, j))
		}
	}
	return newOwned(data, 1, 0, false)
}

// Scale quantizes symmetrically around zero:
//
//	scale = max|E| / int_max, zero_point = 0, code = clamp(round(E / scale))
func Scale[T tensor.Integer](e mat.Matrix) *QMatrix[T] {
	return symmetric[T](e, tensor.AbsMax(e))
}

// Affine quantizes over the full integer range:
//
//	scale      = (max E - min E) / (int_max - int_min)
//	zero_point = round(int_min - min E / scale)
//	code       = clamp(round(E / scale + zero_point))
//
// The range is the observed one even when it excludes zero, so the zero point
// can fall outside T. A constant matrix has no range and falls back to scale 1.
func Affine[T tensor.Integer](e mat.Matrix) *QMatrix[T] {
	r, c := e.Dims()
	vals := tensor.Flatten(e)
	if len(vals) == 0 {
		return newOwned(tensor.NewIntMat[T](r, c), 1, 0, true)
	}
	lo, hi := floats.Min(vals), floats.Max(vals)

	intMin, _ := tensor.Limits[T]()
	scale, fallback := safeScale((hi - lo) / tensor.Steps[T]())
	zp := affineZeroPoint(float64(intMin) - lo/scale)

	data := tensor.NewIntMatFromData[T](r, c, make([]T, r*c))
	for i, v := range vals {
		data.Data[i] = tensor.ClampRound[T](v/scale + float64(zp))
	}
	return newOwned(data, scale, zp, fallback)
}

// affineZeroPoint rounds z, saturating at the int64 limits.
func affineZeroPoint(z float64) int64 {
	z = math.Round(z)
	switch {
	case math.IsNaN(z):
		return 0
	case z >= math.MaxInt64:
		return math.MaxInt64
	case z <= math.MinInt64:
		return math.MinInt64
	}
	return int64(z)
}

// KLDiv quantizes symmetrically like Scale, but with max|E| replaced by the
// clipping threshold that minimises the KL divergence between the histogram
// of |E| and its quantized reconstruction. rawBins sets the histogram
// resolution; DefaultRawBins is the usual choice.
func KLDiv[T tensor.Integer](e mat.Matrix, rawBins int) *QMatrix[T] {
	_, hi := tensor.Limits[T]()
	cal := Calibrate(tensor.Flatten(e), rawBins, int(hi)+1)
	return symmetric[T](e, cal.Threshold)
}

func symmetric[T tensor.Integer](e mat.Matrix, maxAbs float64) *QMatrix[T] {
	r, c := e.Dims()
	_, hi := tensor.Limits[T]()
	scale, fallback := safeScale(maxAbs / float64(hi))

	data := tensor.NewIntMat[T](r, c)
	for i := 0; i < r; i++ {
		row := data.Row(i)
		for j := range row {
			row[j] = tensor.ClampRound[T](e.At(i, j) / scale)
		}
	}
	return newOwned(data, scale, 0, fallback)
}

// safeScale replaces a zero or non-finite scale with 1.
func safeScale(s float64) (float64, bool) {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 1, true
	}
	return s, false
}
