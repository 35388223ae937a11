package tensor

import (
	"math"
)

// Integer is the set of element types a quantized matrix may hold.
type Integer interface {
	~int8 | ~int16 | ~int32
}

// Bits returns the width of T in bits.
func Bits[T Integer]() int {
	var x T = 1
	n := 0
	for x != 0 {
		x <<= 1
		n++
	}
	return n
}

// Limits returns the representable range [lo, hi] for T.
func Limits[T Integer]() (lo, hi T) {
	half := int64(1) << (Bits[T]() - 1)
	return T(-half), T(half - 1)
}

// Steps returns hi - lo for T as a float, i.e. the number of quantization
// steps spanned by the integer range.
func Steps[T Integer]() float64 {
	lo, hi := Limits[T]()
	return float64(hi) - float64(lo)
}

// ClampRound rounds x half away from zero and saturates it to the range of T.
// NaN maps to zero.
func ClampRound[T Integer](x float64) T {
	if math.IsNaN(x) {
		return 0
	}
	lo, hi := Limits[T]()
	r := math.Round(x)
	if r <= float64(lo) {
		return lo
	}
	if r >= float64(hi) {
		return hi
	}
	return T(r)
}
