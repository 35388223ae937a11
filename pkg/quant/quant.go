// Package quant implements per-matrix weight quantization: a reversible
// quantized matrix representation and four ways of producing one.
package quant

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/tensor"
)

// Scheme names a quantization algorithm.
type Scheme string

const (
	SchemeNone   Scheme = "no"
	SchemeAffine Scheme = "affine"
	SchemeScale  Scheme = "scale"
	SchemeKLDiv  Scheme = "kl_div"
)

// DefaultRawBins is the histogram resolution used by KL calibration.
const DefaultRawBins = 256

var (
	ErrUnknownScheme   = errors.New("quant: unknown scheme")
	ErrUnsupportedBits = errors.New("quant: unsupported integer width")
)

// Schemes lists every known scheme in a stable order.
func Schemes() []Scheme {
	return []Scheme{SchemeNone, SchemeAffine, SchemeScale, SchemeKLDiv}
}

// ParseScheme maps a scheme name to a Scheme. Matching is case-insensitive.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case SchemeNone, "none":
		return SchemeNone, nil
	case SchemeAffine:
		return SchemeAffine, nil
	case SchemeScale:
		return SchemeScale, nil
	case SchemeKLDiv, "kl", "kldiv":
		return SchemeKLDiv, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScheme, s)
}

// Quantized is what a Quantizer hands back: something that can be turned
// back into a float matrix and described without knowing its integer width.
type Quantized interface {
	Dequantize() *mat.Dense
	Summary() Summary
}

// Quantizer maps a float matrix to its quantized form.
type Quantizer func(e mat.Matrix) Quantized

// Lift adapts a width-specific quantization function to a Quantizer.
func Lift[T tensor.Integer](fn func(mat.Matrix) *QMatrix[T]) Quantizer {
	return func(e mat.Matrix) Quantized {
		return fn(e)
	}
}

// For returns the Quantizer for scheme s with integer codes of type T.
func For[T tensor.Integer](s Scheme) (Quantizer, error) {
	switch s {
	case SchemeNone:
		return Lift(None[T]), nil
	case SchemeAffine:
		return Lift(Affine[T]), nil
	case SchemeScale:
		return Lift(Scale[T]), nil
	case SchemeKLDiv:
		return Lift(func(e mat.Matrix) *QMatrix[T] {
			return KLDiv[T](e, DefaultRawBins)
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, s)
}

// Lookup returns the Quantizer for scheme s with codes of the given width.
func Lookup(s Scheme, bits int) (Quantizer, error) {
	switch bits {
	case 8:
		return For[int8](s)
	case 16:
		return For[int16](s)
	case 32:
		return For[int32](s)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedBits, bits)
}
