// Package sweep measures how sharp the loss is around a quantized layer:
// quantize the weight, estimate the Hessian's top eigenpair for it, then
// displace the weight along the eigenvector over a range of amounts and
// record loss and accuracy at each.
package sweep

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/hessian"
	"github.com/samcharles93/qsharp/internal/logger"
	"github.com/samcharles93/qsharp/pkg/quant"
)

// Evaluator returns the mean loss and accuracy of the model as it currently
// stands over src.
type Evaluator func(src dataset.Source) (loss, acc float64, err error)

// LayerData is the sweep result for one layer. Amounts, Losses and Accs are
// index-aligned.
type LayerData struct {
	LayerNum   int
	TopEigval  float64
	Amounts    []float64
	Losses     []float64
	Accs       []float64
	Iterations int
	Converged  bool
	Quant      quant.Summary
}

// NetData runs the sweep for a set of layers under one quantization scheme.
type NetData struct {
	scheme   quant.Scheme
	quantize quant.Quantizer
	cfg      Config
	layers   []*LayerData
}

// New binds a quantizer to a sweep configuration. The layer range is checked
// against the model when Generate runs.
func New(scheme quant.Scheme, q quant.Quantizer, cfg Config) (*NetData, error) {
	if q == nil {
		return nil, &ConfigError{Param: "scheme", Reason: fmt.Sprintf("no quantizer for %q", scheme)}
	}
	cfg.Layers = append([]int(nil), cfg.Layers...)
	return &NetData{scheme: scheme, quantize: q, cfg: cfg}, nil
}

func (n *NetData) Scheme() quant.Scheme { return n.scheme }

// Layers returns the completed records in request order.
func (n *NetData) Layers() []*LayerData { return n.layers }

// Generate runs the pipeline for every configured layer. Configuration errors
// are returned before m is touched. A layer that fails is skipped and its
// error joined into the result; the remaining layers still run. Unless
// RestoreOriginal is set, every completed layer is left holding its quantized
// weight.
func (n *NetData) Generate(ctx context.Context, m hessian.Model, src dataset.Source, eval Evaluator) error {
	if err := n.cfg.Validate(m.NumLayers()); err != nil {
		return err
	}
	if eval == nil {
		return &ConfigError{Param: "evaluator", Reason: "nil"}
	}
	log := logger.FromContext(ctx).With("scheme", string(n.scheme))

	n.layers = n.layers[:0]
	var errs []error
	for _, layer := range n.cfg.Layers {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		rec, err := n.generateLayer(ctx, m, src, eval, layer)
		if err != nil {
			log.Error("layer sweep failed", "layer", layer, "err", err)
			errs = append(errs, fmt.Errorf("layer %d: %w", layer, err))
			if ctx.Err() != nil {
				return errors.Join(errs...)
			}
			continue
		}
		n.layers = append(n.layers, rec)
		log.Info("layer done", "layer", layer, "top_eigval", rec.TopEigval, "iters", rec.Iterations)
	}
	return errors.Join(errs...)
}

func (n *NetData) generateLayer(ctx context.Context, m hessian.Model, src dataset.Source, eval Evaluator, layer int) (rec *LayerData, err error) {
	log := logger.FromContext(ctx).With("scheme", string(n.scheme), "layer", layer)

	orig, err := m.LayerWeight(layer)
	if err != nil {
		return nil, err
	}
	q := n.quantize(orig)
	summary := q.Summary()
	if summary.Fallback {
		log.Debug("degenerate weight range, scale fell back to 1")
	}
	wq := q.Dequantize()

	// The original weight comes back on any failure, or on success when asked.
	if err := install(m, layer, orig, wq); err != nil {
		return nil, err
	}
	defer func() {
		if err == nil && !n.cfg.RestoreOriginal {
			return
		}
		if rerr := restore(m, layer, orig); rerr != nil {
			err = errors.Join(err, rerr)
			rec = nil
		}
	}()
	log.Debug("quantized", "scale", summary.Scale, "zero_point", summary.ZeroPoint, "bits", summary.Bits)

	eig, err := hessian.TopEigen(ctx, m, src, layer, n.cfg.Eigen)
	if err != nil {
		return nil, fmt.Errorf("eigenpair: %w", err)
	}
	if eig.Flat {
		log.Debug("flat curvature, using last valid eigenpair", "iters", eig.Iterations)
	}

	rec = &LayerData{
		LayerNum:   layer,
		TopEigval:  eig.Eigenvalue,
		Iterations: eig.Iterations,
		Converged:  eig.Converged,
		Quant:      summary,
	}
	amounts := linspace(n.cfg.PerturbMin, n.cfg.PerturbMax, n.cfg.PerturbSteps)
	for _, a := range amounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perturbed := &mat.Dense{}
		perturbed.Scale(a, eig.Eigenvector)
		perturbed.Add(wq, perturbed)

		var loss, acc float64
		err := withWeight(m, layer, wq, perturbed, func() error {
			var err error
			loss, acc, err = eval(src)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("perturbation %g: %w", a, err)
		}
		rec.Amounts = append(rec.Amounts, a)
		rec.Losses = append(rec.Losses, loss)
		rec.Accs = append(rec.Accs, acc)
		log.Debug("perturbation", "amount", a, "loss", loss, "acc", acc)
	}
	return rec, nil
}

// withWeight installs w at layer, runs fn, and puts baseline back whether or
// not fn succeeded.
func withWeight(m hessian.Model, layer int, baseline, w mat.Matrix, fn func() error) (err error) {
	if err := install(m, layer, baseline, w); err != nil {
		return err
	}
	defer func() {
		if rerr := restore(m, layer, baseline); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}

// install sets w, restoring baseline if the model rejects it.
func install(m hessian.Model, layer int, baseline, w mat.Matrix) error {
	if err := m.SetLayerWeight(layer, w); err != nil {
		if rerr := restore(m, layer, baseline); rerr != nil {
			return errors.Join(fmt.Errorf("install weight: %w", err), rerr)
		}
		return fmt.Errorf("install weight: %w", err)
	}
	return nil
}

// restore sets baseline and checks the model now holds exactly that value.
func restore(m hessian.Model, layer int, baseline mat.Matrix) error {
	if err := m.SetLayerWeight(layer, baseline); err != nil {
		return fmt.Errorf("%w: layer %d: %v", ErrRestore, layer, err)
	}
	got, err := m.LayerWeight(layer)
	if err != nil {
		return fmt.Errorf("%w: layer %d: %v", ErrRestore, layer, err)
	}
	if !mat.Equal(got, baseline) {
		return fmt.Errorf("%w: layer %d: weight differs from baseline", ErrRestore, layer)
	}
	return nil
}

// linspace returns steps evenly spaced values from lo to hi inclusive. A
// single step yields lo.
func linspace(lo, hi float64, steps int) []float64 {
	if steps <= 0 {
		return nil
	}
	if steps == 1 {
		return []float64{lo}
	}
	return floats.Span(make([]float64, steps), lo, hi)
}
