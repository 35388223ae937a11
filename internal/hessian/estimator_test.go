package hessian

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/dataset"
)

// quadratic is a one-layer model with loss ½·vec(W)ᵀ A vec(W), so its Hessian
// is A regardless of the batch.
type quadratic struct {
	w *mat.Dense
	a *mat.SymDense
}

func (q *quadratic) NumLayers() int { return 1 }

func (q *quadratic) LayerWeight(i int) (*mat.Dense, error) {
	if i != 0 {
		return nil, ErrLayer
	}
	return mat.DenseCopyOf(q.w), nil
}

func (q *quadratic) SetLayerWeight(i int, w mat.Matrix) error {
	q.w.Copy(w)
	return nil
}

func (q *quadratic) LayerHVP(_ int, _ dataset.Batch, v *mat.Dense) (float64, *mat.Dense, error) {
	r, c := v.Dims()
	vec := mat.NewVecDense(r*c, mat.DenseCopyOf(v).RawMatrix().Data)
	var out mat.VecDense
	out.MulVec(q.a, vec)
	w := mat.NewVecDense(r*c, mat.DenseCopyOf(q.w).RawMatrix().Data)
	var aw mat.VecDense
	aw.MulVec(q.a, w)
	return 0.5 * mat.Dot(w, &aw), mat.NewDense(r, c, out.RawVector().Data), nil
}

// randomSPD builds QᵀDQ with a clear gap between the top two eigenvalues.
func randomSPD(n int, seed int64) *mat.SymDense {
	rng := rand.New(rand.NewSource(seed))
	g := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(g)
	var q mat.Dense
	qr.QTo(&q)

	d := mat.NewDiagDense(n, nil)
	d.SetDiag(0, 10)
	for i := 1; i < n; i++ {
		d.SetDiag(i, 3/float64(i))
	}
	var tmp, a mat.Dense
	tmp.Mul(q.T(), d)
	a.Mul(&tmp, &q)

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return out
}

func tinySource(t *testing.T) dataset.Source {
	t.Helper()
	src, err := dataset.Synthetic(dataset.SyntheticConfig{Examples: 8, Features: 2, Classes: 2, BatchSize: 2, Seed: 3})
	require.NoError(t, err)
	return src
}

func TestTopEigenQuadratic(t *testing.T) {
	t.Parallel()

	a := randomSPD(6, 42)
	var es mat.EigenSym
	require.True(t, es.Factorize(a, true))
	vals := es.Values(nil)
	want := vals[len(vals)-1]

	m := &quadratic{w: mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}), a: a}
	cfg := DefaultConfig()
	cfg.MaxIters = 100
	cfg.Tol = 1e-9

	res, err := TopEigen(context.Background(), m, tinySource(t), 0, cfg)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.InEpsilon(t, want, res.Eigenvalue, 0.01)
	assert.InDelta(t, 1, mat.Norm(res.Eigenvector, 2), 1e-9)

	r, c := res.Eigenvector.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)

	// The eigenvector satisfies A v ≈ λ v.
	_, hv, _ := m.LayerHVP(0, dataset.Batch{}, res.Eigenvector)
	var resid mat.Dense
	resid.Scale(res.Eigenvalue, res.Eigenvector)
	resid.Sub(hv, &resid)
	assert.Less(t, mat.Norm(&resid, 2), 1e-3*want)
}

func TestTopEigenDefaultConfigWithinOnePercent(t *testing.T) {
	t.Parallel()

	a := randomSPD(4, 7)
	m := &quadratic{w: mat.NewDense(2, 2, nil), a: a}
	res, err := TopEigen(context.Background(), m, tinySource(t), 0, DefaultConfig())
	require.NoError(t, err)
	assert.InEpsilon(t, 10, res.Eigenvalue, 0.01)
	assert.LessOrEqual(t, res.Iterations, DefaultConfig().MaxIters)
}

func TestTopEigenFlatDirection(t *testing.T) {
	t.Parallel()

	m := &quadratic{w: mat.NewDense(2, 2, nil), a: mat.NewSymDense(4, nil)}
	res, err := TopEigen(context.Background(), m, tinySource(t), 0, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, res.Flat)
	assert.Equal(t, 0.0, res.Eigenvalue)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, math.IsNaN(mat.Norm(res.Eigenvector, 2)))
	assert.InDelta(t, 1, mat.Norm(res.Eigenvector, 2), 1e-12)
}

func TestTopEigenLeavesWeightUntouched(t *testing.T) {
	t.Parallel()

	w := mat.NewDense(2, 2, []float64{1, -2, 3, -4})
	m := &quadratic{w: mat.DenseCopyOf(w), a: randomSPD(4, 1)}
	_, err := TopEigen(context.Background(), m, tinySource(t), 0, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, mat.Equal(w, m.w))
}

func TestTopEigenErrors(t *testing.T) {
	t.Parallel()

	m := &quadratic{w: mat.NewDense(2, 2, nil), a: randomSPD(4, 1)}
	src := tinySource(t)

	_, err := TopEigen(context.Background(), m, src, 1, DefaultConfig())
	assert.True(t, errors.Is(err, ErrLayer), "got %v", err)

	bad := DefaultConfig()
	bad.ResampleEvery = 0
	_, err = TopEigen(context.Background(), m, src, 0, bad)
	assert.True(t, errors.Is(err, ErrConfig), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = TopEigen(ctx, m, src, 0, DefaultConfig())
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
