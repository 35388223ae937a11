// Package hessian estimates the dominant eigenpair of the loss Hessian
// restricted to one layer's weight, using power iteration on
// Hessian-vector products.
package hessian

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/logger"
)

var (
	ErrLayer  = errors.New("hessian: layer out of range")
	ErrConfig = errors.New("hessian: invalid config")
)

// Model is what the estimator needs from a network.
type Model interface {
	NumLayers() int
	// LayerWeight returns a detached copy of layer i's weight.
	LayerWeight(i int) (*mat.Dense, error)
	// SetLayerWeight replaces layer i's weight in place.
	SetLayerWeight(i int, w mat.Matrix) error
	// LayerHVP returns the batch loss and H·v for layer's weight, where v has
	// the weight's shape.
	LayerHVP(layer int, b dataset.Batch, v *mat.Dense) (float64, *mat.Dense, error)
}

// Config tunes the power iteration.
type Config struct {
	// MaxIters bounds the number of Hessian-vector products per batch group.
	MaxIters int `yaml:"max_iters" json:"max_iters"`
	// Tol stops iteration once |λ_k - λ_{k-1}| < Tol·|λ_k|.
	Tol float64 `yaml:"tol" json:"tol"`
	// BatchesPerIter is how many batches each product averages over.
	BatchesPerIter int `yaml:"batches_per_iter" json:"batches_per_iter"`
	// ResampleEvery draws fresh batches every that many iterations.
	ResampleEvery int   `yaml:"resample_every" json:"resample_every"`
	Seed          int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns 20 iterations, tolerance 1e-3, one batch per
// iteration, resampled every iteration.
func DefaultConfig() Config {
	return Config{MaxIters: 20, Tol: 1e-3, BatchesPerIter: 1, ResampleEvery: 1, Seed: 1}
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	switch {
	case c.MaxIters <= 0:
		return fmt.Errorf("%w: max_iters=%d", ErrConfig, c.MaxIters)
	case c.Tol < 0 || math.IsNaN(c.Tol):
		return fmt.Errorf("%w: tol=%g", ErrConfig, c.Tol)
	case c.BatchesPerIter <= 0:
		return fmt.Errorf("%w: batches_per_iter=%d", ErrConfig, c.BatchesPerIter)
	case c.ResampleEvery <= 0:
		return fmt.Errorf("%w: resample_every=%d", ErrConfig, c.ResampleEvery)
	}
	return nil
}

// Result is the estimated eigenpair. Eigenvector has the layer weight's shape
// and unit Frobenius norm.
type Result struct {
	Eigenvalue  float64
	Eigenvector *mat.Dense
	Iterations  int
	Converged   bool
	// Flat is set when H·v vanished and iteration stopped early.
	Flat bool
}

// TopEigen runs power iteration for layer of m over batches drawn from src.
// The model's weights are only read.
func TopEigen(ctx context.Context, m Model, src dataset.Source, layer int, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if layer < 0 || layer >= m.NumLayers() {
		return Result{}, fmt.Errorf("%w: %d of %d", ErrLayer, layer, m.NumLayers())
	}
	if src.NumBatches() == 0 {
		return Result{}, dataset.ErrEmpty
	}
	w, err := m.LayerWeight(layer)
	if err != nil {
		return Result{}, err
	}
	log := logger.FromContext(ctx).With("layer", layer)

	rng := rand.New(rand.NewSource(cfg.Seed))
	r, c := w.Dims()
	v := mat.NewDense(r, c, nil)
	raw := v.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}
	floats.Scale(1/floats.Norm(raw, 2), raw)

	res := Result{Eigenvector: mat.DenseCopyOf(v)}
	var batches []int
	for it := 0; it < cfg.MaxIters; it++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if it%cfg.ResampleEvery == 0 {
			batches = dataset.Sample(src, cfg.BatchesPerIter, rng)
		}

		hv, loss, err := averageHVP(m, src, layer, batches, v)
		if err != nil {
			return res, err
		}
		hvRaw := hv.RawMatrix().Data
		lambda := floats.Dot(raw, hvRaw)
		norm := floats.Norm(hvRaw, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) || math.IsNaN(lambda) {
			log.Debug("flat curvature direction, stopping", "iter", it+1, "norm", norm)
			res.Flat = true
			if it == 0 {
				res.Iterations = 1
			}
			return res, nil
		}

		prev := res.Eigenvalue
		floats.ScaleTo(raw, 1/norm, hvRaw)
		res.Eigenvalue = lambda
		res.Eigenvector = mat.DenseCopyOf(v)
		res.Iterations = it + 1
		log.Debug("power iteration", "iter", it+1, "lambda", lambda, "loss", loss)

		if it > 0 && math.Abs(lambda-prev) < cfg.Tol*math.Abs(lambda) {
			res.Converged = true
			break
		}
	}
	return res, nil
}

// averageHVP returns the mean of H·v and of the loss over the given batches.
func averageHVP(m Model, src dataset.Source, layer int, batches []int, v *mat.Dense) (*mat.Dense, float64, error) {
	var sum *mat.Dense
	var loss float64
	for _, i := range batches {
		b, err := src.Batch(i)
		if err != nil {
			return nil, 0, err
		}
		l, hv, err := m.LayerHVP(layer, b, v)
		if err != nil {
			return nil, 0, err
		}
		loss += l
		if sum == nil {
			sum = mat.DenseCopyOf(hv)
			continue
		}
		sum.Add(sum, hv)
	}
	inv := 1 / float64(len(batches))
	sum.Scale(inv, sum)
	return sum, loss * inv, nil
}
