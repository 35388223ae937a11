package quant

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/tensor"
)

func randomMatrix(r, c int, seed int64, spread float64) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	tensor.FillRand(m, seed, spread)
	return m
}

func maxAbsDiff(a, b mat.Matrix) float64 {
	var d mat.Dense
	d.Sub(a, b)
	return tensor.AbsMax(&d)
}

func TestScaleQuantizeWorkedExample(t *testing.T) {
	t.Parallel()

	e := mat.NewDense(2, 2, []float64{1, -4, 3, 0.5})
	q := Scale[int8](e)

	assert.InDelta(t, 4.0/127.0, q.Scale(), 1e-12)
	assert.Equal(t, int64(0), q.ZeroPoint())
	assert.Equal(t, []int8{32, -127, 95, 16}, q.Data().Data)
	assert.LessOrEqual(t, maxAbsDiff(e, q.Dequantize()), q.Scale())
}

func TestRoundTripWithinOneStep(t *testing.T) {
	t.Parallel()

	inputs := map[string]*mat.Dense{
		"centered":  randomMatrix(16, 24, 1, 0.1),
		"wide":      randomMatrix(8, 8, 2, 50),
		"positive":  mat.NewDense(2, 3, []float64{10, 10.5, 11, 10.25, 10.75, 10.1}),
		"constant":  mat.NewDense(2, 2, []float64{1000, 1000, 1000, 1000}),
		"negatives": mat.NewDense(1, 3, []float64{-3, -2, -1}),
	}
	quantizers := map[string]func(mat.Matrix) Quantized{
		"scale/int8":   Lift(Scale[int8]),
		"scale/int16":  Lift(Scale[int16]),
		"affine/int8":  Lift(Affine[int8]),
		"affine/int16": Lift(Affine[int16]),
	}
	for qname, qfn := range quantizers {
		for iname, e := range inputs {
			q := qfn(e)
			got := maxAbsDiff(e, q.Dequantize())
			step := q.Summary().Scale
			assert.LessOrEqualf(t, got, step*(1+1e-9), "%s on %s: error %v exceeds step %v", qname, iname, got, step)
		}
	}
}

func TestCodesWithinRange(t *testing.T) {
	t.Parallel()

	e := randomMatrix(10, 10, 3, 2)
	for _, q := range []*QMatrix[int8]{Scale[int8](e), Affine[int8](e), KLDiv[int8](e, DefaultRawBins)} {
		for _, v := range q.Data().Data {
			require.GreaterOrEqual(t, v, int8(math.MinInt8))
			require.LessOrEqual(t, v, int8(math.MaxInt8))
		}
	}
	// Scale never uses -128: the grid is symmetric.
	for _, v := range Scale[int8](e).Data().Data {
		require.GreaterOrEqual(t, v, int8(-127))
	}
}

func TestAffineUsesFullRange(t *testing.T) {
	t.Parallel()

	e := mat.NewDense(1, 4, []float64{-1, 0, 1, 3})
	q := Affine[int8](e)
	data := q.Data().Data
	assert.Equal(t, int8(-128), data[0])
	assert.Equal(t, int8(127), data[3])
	assert.InDelta(t, 4.0/255.0, q.Scale(), 1e-12)
	assert.InDelta(t, 0.0, q.Dequantize().At(0, 1), q.Scale())
}

func TestAffineOneSignedRange(t *testing.T) {
	t.Parallel()

	e := mat.NewDense(1, 4, []float64{10, 10.3, 10.7, 11})
	q := Affine[int8](e)
	data := q.Data().Data
	assert.InDelta(t, 1.0/255.0, q.Scale(), 1e-12)
	assert.Equal(t, int8(-128), data[0])
	assert.Equal(t, int8(127), data[3])
	// round(-128 - 10*255) is far outside int8.
	assert.Equal(t, int64(-2678), q.ZeroPoint())
	assert.False(t, q.Summary().Fallback)
	assert.LessOrEqual(t, maxAbsDiff(e, q.Dequantize()), q.Scale())

	neg := Affine[int16](mat.NewDense(2, 2, []float64{-7, -6.5, -6.25, -6}))
	assert.InDelta(t, 1.0/65535.0, neg.Scale(), 1e-15)
	assert.LessOrEqual(t, maxAbsDiff(mat.NewDense(2, 2, []float64{-7, -6.5, -6.25, -6}), neg.Dequantize()), neg.Scale())
}

func TestAffineConstantFallsBack(t *testing.T) {
	t.Parallel()

	q := Affine[int8](mat.NewDense(2, 2, []float64{3, 3, 3, 3}))
	assert.Equal(t, 1.0, q.Scale())
	assert.True(t, q.Summary().Fallback)
	assert.InDelta(t, 0.0, maxAbsDiff(mat.NewDense(2, 2, []float64{3, 3, 3, 3}), q.Dequantize()), 1e-12)
}

func TestNoneIdentity(t *testing.T) {
	t.Parallel()

	e := mat.NewDense(2, 3, []float64{1, -2.4, 3.6, 0.49, -0.5, 7})
	q := None[int16](e)
	assert.Equal(t, 1.0, q.Scale())
	assert.Equal(t, int64(0), q.ZeroPoint())

	want := mat.NewDense(2, 3, []float64{1, -2, 4, 0, -1, 7})
	assert.True(t, mat.Equal(want, q.Dequantize()), "got %v", mat.Formatted(q.Dequantize()))

	ints := mat.NewDense(2, 2, []float64{5, -3, 0, 12})
	assert.True(t, mat.Equal(ints, None[int8](ints).Dequantize()))
}

func TestZeroMatrixAllSchemes(t *testing.T) {
	t.Parallel()

	zero := mat.NewDense(3, 4, nil)
	for _, s := range Schemes() {
		for _, bits := range []int{8, 16, 32} {
			qfn, err := Lookup(s, bits)
			require.NoError(t, err)
			q := qfn(zero)
			deq := q.Dequantize()
			for _, v := range deq.RawMatrix().Data {
				require.Falsef(t, math.IsNaN(v) || math.IsInf(v, 0), "%s/%d produced %v", s, bits, v)
			}
			require.Truef(t, mat.Equal(zero, deq), "%s/%d did not dequantize to zeros", s, bits)
			if s != SchemeNone {
				require.Truef(t, q.Summary().Fallback, "%s/%d should report the scale fallback", s, bits)
			}
		}
	}
}

func TestQMatrixImmutable(t *testing.T) {
	t.Parallel()

	data := tensor.NewIntMatFromData[int8](1, 2, []int8{3, -3})
	q := NewQMatrix(data, 0.5, 1)
	data.Data[0] = 100
	q.Data().Data[1] = 100

	assert.Equal(t, []int8{3, -3}, q.Data().Data)
	assert.InDelta(t, 1.0, q.Dequantize().At(0, 0), 1e-12)
	assert.InDelta(t, -2.0, q.Dequantize().At(0, 1), 1e-12)
}

func TestQMatrixString(t *testing.T) {
	t.Parallel()

	q := Scale[int8](mat.NewDense(2, 2, []float64{1, -4, 3, 0.5}))
	s := q.String()
	assert.True(t, strings.HasPrefix(s, "scale="))
	assert.Contains(t, s, "zero_point=0")
	assert.Contains(t, s, "32 -127\n95 16\n")
}

func TestKLDivClipsOutliers(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	vals := make([]float64, 4096)
	for i := range vals {
		vals[i] = rng.NormFloat64() * 0.05
	}
	vals[0] = 4
	vals[1] = -3.5
	e := mat.NewDense(64, 64, vals)

	cal := Calibrate(vals, DefaultRawBins, 128)
	assert.Less(t, cal.Threshold, 4.0)
	assert.Greater(t, cal.Threshold, 0.0)
	assert.LessOrEqual(t, cal.Divergence, cal.Unclipped)
	assert.False(t, math.IsNaN(cal.Divergence) || math.IsInf(cal.Divergence, 0))

	kl := KLDiv[int8](e, DefaultRawBins)
	sc := Scale[int8](e)
	assert.Less(t, kl.Scale(), sc.Scale())
	assert.InDelta(t, cal.Threshold/127, kl.Scale(), 1e-12)
}

func TestKLDivNeverWorseThanUnclipped(t *testing.T) {
	t.Parallel()

	for seed := int64(0); seed < 8; seed++ {
		vals := tensor.Flatten(randomMatrix(32, 32, seed, 1))
		cal := Calibrate(vals, DefaultRawBins, 128)
		require.LessOrEqual(t, cal.Divergence, cal.Unclipped)
		require.LessOrEqual(t, cal.Threshold, tensor.AbsMax(mat.NewDense(32, 32, vals)))
	}
}

func gaussianValues(n int, seed int64, sigma float64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = rng.NormFloat64() * sigma
	}
	return vals
}

func TestKLDivergenceNonNegativeForEveryClip(t *testing.T) {
	t.Parallel()

	const quantBins = 128
	for seed := int64(0); seed < 6; seed++ {
		vals := gaussianValues(32*16, seed, 0.1)
		abs := make([]float64, len(vals))
		for i, v := range vals {
			abs[i] = math.Abs(v)
		}
		sort.Float64s(abs)
		hist, _ := absHistogram(abs, abs[len(abs)-1], DefaultRawBins)
		require.Equal(t, float64(len(vals)), floats.Sum(hist))

		for n := DefaultRawBins; n >= quantBins; n-- {
			div, ok := klDivergenceAt(hist, n, quantBins)
			require.True(t, ok, "seed %d n %d", seed, n)
			require.GreaterOrEqual(t, div, 0.0, "seed %d n %d", seed, n)
			require.False(t, math.IsNaN(div) || math.IsInf(div, 0), "seed %d n %d", seed, n)
		}
	}
}

func TestKLDivClippingCostsDivergence(t *testing.T) {
	t.Parallel()

	// Clipping at the floor moves the whole tail into one bin that Q never
	// sees, so it must cost more than the unclipped merge.
	hist := make([]float64, 8)
	for i := range hist {
		hist[i] = 1
	}
	floor, ok := klDivergenceAt(hist, 4, 4)
	require.True(t, ok)
	full, ok := klDivergenceAt(hist, 8, 4)
	require.True(t, ok)
	assert.Greater(t, floor, full)
	assert.InDelta(t, 0.0, full, 1e-12)
}

func TestCalibrateGaussianNotClippedToFloor(t *testing.T) {
	t.Parallel()

	for seed := int64(0); seed < 6; seed++ {
		vals := gaussianValues(32*16, seed, 0.1)
		cal := Calibrate(vals, DefaultRawBins, 128)
		assert.Greater(t, cal.Bins, 128, "seed %d", seed)
		assert.GreaterOrEqual(t, cal.Divergence, 0.0, "seed %d", seed)
		assert.LessOrEqual(t, cal.Divergence, cal.Unclipped, "seed %d", seed)
	}
}

func TestCalibrateExtremeMagnitudes(t *testing.T) {
	t.Parallel()

	cal := Calibrate([]float64{1e-300, 5e-301, math.MaxFloat64, -math.MaxFloat64}, DefaultRawBins, 128)
	assert.GreaterOrEqual(t, cal.Divergence, 0.0)
	assert.False(t, math.IsNaN(cal.Divergence) || math.IsInf(cal.Divergence, 0))
	assert.Greater(t, cal.Threshold, 0.0)
}

func TestCalibrateDegenerate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Calibration{}, Calibrate(nil, DefaultRawBins, 128))
	assert.Equal(t, Calibration{}, Calibrate([]float64{0, 0, 0}, DefaultRawBins, 128))

	// Wider codes than histogram bins: nothing to clip.
	cal := Calibrate([]float64{0.5, -2, 1}, DefaultRawBins, 32768)
	assert.Equal(t, 2.0, cal.Threshold)

	// A single populated bin must not produce an infinite divergence.
	cal = Calibrate([]float64{1, 1, 1, 1}, DefaultRawBins, 128)
	assert.False(t, math.IsInf(cal.Divergence, 0) || math.IsNaN(cal.Divergence))
	assert.Equal(t, 1.0, cal.Threshold)
}

func TestParseScheme(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Scheme
	}{
		{"no", SchemeNone},
		{"none", SchemeNone},
		{"AFFINE", SchemeAffine},
		{" scale ", SchemeScale},
		{"kl_div", SchemeKLDiv},
		{"kl", SchemeKLDiv},
	}
	for _, tc := range tests {
		got, err := ParseScheme(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
	_, err := ParseScheme("ternary")
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = Lookup(SchemeScale, 4)
	assert.ErrorIs(t, err, ErrUnsupportedBits)
}
