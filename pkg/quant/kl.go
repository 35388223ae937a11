package quant

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Calibration is the outcome of a KL threshold search.
type Calibration struct {
	// Threshold is the chosen clipping value for |E|.
	Threshold float64
	// Bins is the number of raw histogram bins kept below Threshold.
	Bins int
	// Divergence is KL(P||Q) at Threshold.
	Divergence float64
	// Unclipped is KL(P||Q) when nothing is clipped (Threshold = max|E|).
	Unclipped float64
}

// Calibrate searches for the clipping threshold of |values| that loses the
// least information when the clipped range is squeezed into quantBins levels.
//
// A histogram of |values| with rawBins bins over [0, max|values|] is built.
// Every bin boundary from the top down to quantBins is tried: mass beyond the
// boundary is folded into the last kept bin (P), the kept bins without that
// mass are merged into quantBins groups and spread back over the bins where
// P is non-empty (Q), and KL(P||Q) is measured. Bins that P uses and Q left
// empty get a small smoothing mass, so the divergence is never negative.
// Ties keep the larger threshold.
//
// When quantBins exceeds rawBins no clipping is possible and max|values| is
// returned.
func Calibrate(values []float64, rawBins, quantBins int) Calibration {
	abs := make([]float64, len(values))
	for i, v := range values {
		abs[i] = math.Abs(v)
	}
	if len(abs) == 0 {
		return Calibration{}
	}
	sort.Float64s(abs)
	maxAbs := abs[len(abs)-1]
	if maxAbs == 0 || math.IsInf(maxAbs, 0) || math.IsNaN(maxAbs) {
		return Calibration{}
	}
	if rawBins < 1 {
		rawBins = DefaultRawBins
	}
	quantBins = max(quantBins, 1)
	if quantBins > rawBins {
		return Calibration{Threshold: maxAbs, Bins: rawBins}
	}

	hist, dividers := absHistogram(abs, maxAbs, rawBins)

	best := Calibration{Divergence: math.Inf(1)}
	for i := rawBins; i >= quantBins; i-- {
		div, ok := klDivergenceAt(hist, i, quantBins)
		if !ok {
			continue
		}
		if i == rawBins {
			best.Unclipped = div
		}
		if div < best.Divergence {
			best.Divergence = div
			best.Bins = i
		}
	}
	if best.Bins == 0 || best.Bins == rawBins {
		best.Bins = rawBins
		best.Threshold = maxAbs
		if math.IsInf(best.Divergence, 1) {
			best.Divergence = 0
		}
		return best
	}
	best.Threshold = dividers[best.Bins]
	return best
}

// absHistogram counts the sorted magnitudes abs into rawBins equal bins over
// [0, maxAbs] and returns the counts with the rawBins+1 dividers.
func absHistogram(abs []float64, maxAbs float64, rawBins int) (hist, dividers []float64) {
	dividers = floats.Span(make([]float64, rawBins+1), 0, maxAbs)
	// stat.Histogram needs the top divider strictly above the largest value.
	dividers[rawBins] = math.Nextafter(maxAbs, math.Inf(1))
	return stat.Histogram(nil, dividers, abs, nil), dividers
}

// klDivergenceAt evaluates KL(P||Q) for a clip after the first n bins.
//
// P is hist[:n] with the clipped mass added to its last bin. Q is built from
// hist[:n] alone, so the clipped mass is missing from Q and clipping is paid
// for. Q is spread over the bins where P is non-empty and smoothed there, so
// every term with P > 0 is counted and the result is never negative.
func klDivergenceAt(hist []float64, n, quantBins int) (float64, bool) {
	p := make([]float64, n)
	copy(p, hist[:n])
	p[n-1] += floats.Sum(hist[n:])
	ps := floats.Sum(p)
	if ps == 0 {
		return 0, false
	}
	floats.Scale(1/ps, p)

	q := expand(hist[:n], p, quantBins)
	if qs := floats.Sum(q); qs > 0 {
		floats.Scale(1/qs, q)
	}
	for i := range q {
		if p[i] > 0 && q[i] == 0 {
			q[i] = klSmoothing
		}
	}
	floats.Scale(1/floats.Sum(q), q)

	var div float64
	for i := range p {
		if p[i] == 0 {
			continue
		}
		div += p[i] * math.Log(p[i]/q[i])
	}
	// Rounding can leave -1e-17 when P and Q coincide.
	return max(div, 0), true
}

// klSmoothing is the mass given to a bin that P uses but Q left empty.
const klSmoothing = 1e-4

// expand merges counts into quantBins groups and spreads each group's mass
// evenly over the bins of the group where mask is non-zero, giving a
// histogram at the original resolution.
func expand(counts, mask []float64, quantBins int) []float64 {
	n := len(counts)
	out := make([]float64, n)
	for j := range quantBins {
		start := j * n / quantBins
		end := (j + 1) * n / quantBins
		if j == quantBins-1 {
			end = n
		}
		var total float64
		nonZero := 0
		for k := start; k < end; k++ {
			total += counts[k]
			if mask[k] != 0 {
				nonZero++
			}
		}
		if nonZero == 0 {
			continue
		}
		each := total / float64(nonZero)
		for k := start; k < end; k++ {
			if mask[k] != 0 {
				out[k] = each
			}
		}
	}
	return out
}
