package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/tensor"
)

// LayerHVP returns the batch loss and H·v, where H is the Hessian of the mean
// NLL with respect to layer's weight and v has that weight's shape.
//
// The product is exact: a forward pass propagates the directional derivative
// R{·} = d/dε (·)(W + εv) alongside the activations, and a backward pass
// differentiates the gradient along it. Layers above the probed one hold their
// weights fixed, so only the activation Jacobians and the softmax curvature
// contribute; ReLU has zero second derivative almost everywhere.
func (m *MLP) LayerHVP(layer int, b dataset.Batch, v *mat.Dense) (float64, *mat.Dense, error) {
	if layer < 0 || layer >= len(m.weights) {
		return 0, nil, fmt.Errorf("%w: %d of %d", ErrLayerIndex, layer, len(m.weights))
	}
	if v == nil || !tensor.SameShape(m.weights[layer], v) {
		return 0, nil, fmt.Errorf("%w: direction does not match layer %d", ErrShape, layer)
	}
	if err := m.checkBatch(b); err != nil {
		return 0, nil, err
	}

	t := m.forward(b.X)
	loss, _ := nll(t.logp, b.Labels)
	n := len(m.weights)

	// Forward: R{z_layer} = a_layer vᵀ, then through ReLU and fixed weights.
	rz := &mat.Dense{}
	rz.Mul(t.acts[layer], v.T())
	for l := layer + 1; l < n; l++ {
		ra := mat.DenseCopyOf(rz)
		tensor.ReluMask(ra, t.pres[l-1])
		next := &mat.Dense{}
		next.Mul(ra, m.weights[l].T())
		rz = next
	}

	// Output: R{(p - y)/B} = p ⊙ (R{z} - <p, R{z}>) / B, row by row.
	rows, cols := t.logp.Dims()
	rg := mat.NewDense(rows, cols, nil)
	inv := 1 / float64(rows)
	p := make([]float64, cols)
	for i := 0; i < rows; i++ {
		lp := t.logp.RawRowView(i)
		dz := rz.RawRowView(i)
		var dot float64
		for j := range p {
			p[j] = math.Exp(lp[j])
			dot += p[j] * dz[j]
		}
		dst := rg.RawRowView(i)
		for j := range dst {
			dst[j] = p[j] * (dz[j] - dot) * inv
		}
	}

	// Backward down to the probed layer.
	for l := n - 1; l > layer; l-- {
		ga := &mat.Dense{}
		ga.Mul(rg, m.weights[l])
		tensor.ReluMask(ga, t.pres[l-1])
		rg = ga
	}

	hv := &mat.Dense{}
	hv.Mul(rg.T(), t.acts[layer])
	return loss, hv, nil
}
