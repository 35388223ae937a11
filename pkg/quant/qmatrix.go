package quant

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/tensor"
)

// QMatrix is an immutable quantized matrix: integer codes plus the scale and
// zero point that map them back to real values,
//
//	x ≈ scale * (code - zeroPoint)
//
// The zero point is held as int64 because an affine range that does not
// contain zero puts it outside the range of T.
//
// Construction performs no validation; the quantizers in this package are
// responsible for producing consistent triples.
type QMatrix[T tensor.Integer] struct {
	scale     float64
	zeroPoint int64
	data      tensor.IntMat[T]
	fallback  bool
}

// NewQMatrix returns a QMatrix holding a copy of data.
func NewQMatrix[T tensor.Integer](data tensor.IntMat[T], scale float64, zeroPoint int64) *QMatrix[T] {
	return &QMatrix[T]{
		scale:     scale,
		zeroPoint: zeroPoint,
		data:      data.Clone(),
	}
}

// newOwned takes ownership of data without copying.
func newOwned[T tensor.Integer](data tensor.IntMat[T], scale float64, zeroPoint int64, fallback bool) *QMatrix[T] {
	return &QMatrix[T]{
		scale:     scale,
		zeroPoint: zeroPoint,
		data:      data,
		fallback:  fallback,
	}
}

func (q *QMatrix[T]) Scale() float64 { return q.scale }

func (q *QMatrix[T]) ZeroPoint() int64 { return q.zeroPoint }

// Data returns a copy of the integer codes.
func (q *QMatrix[T]) Data() tensor.IntMat[T] { return q.data.Clone() }

func (q *QMatrix[T]) Dims() (r, c int) { return q.data.R, q.data.C }

// Dequantize maps the codes back to a float matrix of the same shape.
func (q *QMatrix[T]) Dequantize() *mat.Dense {
	out := q.data.Float()
	if out.IsEmpty() {
		return out
	}
	zp := float64(q.zeroPoint)
	out.Apply(func(_, _ int, v float64) float64 { return q.scale * (v - zp) }, out)
	return out
}

// Summary reports the quantization parameters without the codes.
func (q *QMatrix[T]) Summary() Summary {
	return Summary{
		Scale:     q.scale,
		ZeroPoint: q.zeroPoint,
		Bits:      tensor.Bits[T](),
		Rows:      q.data.R,
		Cols:      q.data.C,
		Fallback:  q.fallback,
	}
}

// String dumps the parameters followed by the integer matrix, one row per line.
func (q *QMatrix[T]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scale=%g zero_point=%d bits=%d shape=%dx%d\n",
		q.scale, q.zeroPoint, tensor.Bits[T](), q.data.R, q.data.C)
	for i := 0; i < q.data.R; i++ {
		row := q.data.Row(i)
		for j, v := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Summary is the width-independent description of a quantized matrix.
type Summary struct {
	Scale     float64 `json:"scale" yaml:"scale"`
	ZeroPoint int64   `json:"zero_point" yaml:"zero_point"`
	Bits      int     `json:"bits" yaml:"bits"`
	Rows      int     `json:"rows" yaml:"rows"`
	Cols      int     `json:"cols" yaml:"cols"`
	// Fallback is set when the computed scale was zero or not finite and
	// was replaced by 1.
	Fallback bool `json:"fallback" yaml:"fallback"`
}
