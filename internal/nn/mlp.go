// Package nn implements the fully connected classifier whose layers are
// quantized and probed: hidden layers are Linear (no bias) + ReLU, the output
// layer is Linear with bias followed by log-softmax, and the loss is the mean
// negative log-likelihood.
package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/tensor"
)

var (
	ErrLayerIndex = errors.New("nn: layer index out of range")
	ErrShape      = errors.New("nn: shape mismatch")
	ErrNoLayers   = errors.New("nn: network needs at least one layer")
	ErrLabel      = errors.New("nn: label out of range")
)

// MLP is a multilayer perceptron. Layer l holds an out x in weight matrix.
type MLP struct {
	weights []*mat.Dense
	bias    []float64
}

// New builds a network mapping inputs features through the hidden widths to
// classes outputs. Weights and the output bias are drawn uniformly from
// (-1/sqrt(fan_in), 1/sqrt(fan_in)).
func New(inputs int, hidden []int, classes int, seed int64) (*MLP, error) {
	if inputs <= 0 || classes <= 0 {
		return nil, fmt.Errorf("%w: inputs=%d classes=%d", ErrShape, inputs, classes)
	}
	widths := append(append([]int{inputs}, hidden...), classes)
	m := &MLP{}
	for l := 0; l+1 < len(widths); l++ {
		in, out := widths[l], widths[l+1]
		if out <= 0 {
			return nil, fmt.Errorf("%w: layer %d width %d", ErrShape, l, out)
		}
		w := mat.NewDense(out, in, nil)
		tensor.FillRand(w, seed+int64(l)*7919, 1/math.Sqrt(float64(in)))
		m.weights = append(m.weights, w)
	}
	last := len(m.weights) - 1
	_, fanIn := m.weights[last].Dims()
	b := mat.NewDense(1, classes, nil)
	tensor.FillRand(b, seed-1, 1/math.Sqrt(float64(fanIn)))
	m.bias = b.RawRowView(0)
	return m, nil
}

// FromWeights assembles a network from existing weights and output bias.
// The matrices are copied.
func FromWeights(weights []*mat.Dense, bias []float64) (*MLP, error) {
	if len(weights) == 0 {
		return nil, ErrNoLayers
	}
	m := &MLP{}
	for l, w := range weights {
		if l > 0 {
			_, in := w.Dims()
			prevOut, _ := weights[l-1].Dims()
			if in != prevOut {
				return nil, fmt.Errorf("%w: layer %d expects %d inputs, previous layer has %d outputs", ErrShape, l, in, prevOut)
			}
		}
		m.weights = append(m.weights, mat.DenseCopyOf(w))
	}
	out, _ := weights[len(weights)-1].Dims()
	if len(bias) != out {
		return nil, fmt.Errorf("%w: bias has %d entries, output layer has %d", ErrShape, len(bias), out)
	}
	m.bias = append([]float64(nil), bias...)
	return m, nil
}

// NumLayers returns the number of linear layers.
func (m *MLP) NumLayers() int { return len(m.weights) }

// Inputs returns the expected number of input features.
func (m *MLP) Inputs() int {
	_, c := m.weights[0].Dims()
	return c
}

// Classes returns the number of outputs.
func (m *MLP) Classes() int { return len(m.bias) }

// Widths returns the output width of every layer.
func (m *MLP) Widths() []int {
	out := make([]int, len(m.weights))
	for l, w := range m.weights {
		out[l], _ = w.Dims()
	}
	return out
}

// LayerWeight returns a detached copy of layer i's weight.
func (m *MLP) LayerWeight(i int) (*mat.Dense, error) {
	if i < 0 || i >= len(m.weights) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLayerIndex, i, len(m.weights))
	}
	return mat.DenseCopyOf(m.weights[i]), nil
}

// SetLayerWeight replaces layer i's weight with a copy of w.
func (m *MLP) SetLayerWeight(i int, w mat.Matrix) error {
	if i < 0 || i >= len(m.weights) {
		return fmt.Errorf("%w: %d of %d", ErrLayerIndex, i, len(m.weights))
	}
	if !tensor.SameShape(m.weights[i], w) {
		r, c := m.weights[i].Dims()
		wr, wc := w.Dims()
		return fmt.Errorf("%w: layer %d is %dx%d, got %dx%d", ErrShape, i, r, c, wr, wc)
	}
	m.weights[i].Copy(w)
	return nil
}

// Bias returns a copy of the output bias.
func (m *MLP) Bias() []float64 { return append([]float64(nil), m.bias...) }

// Clone returns a deep copy of the network.
func (m *MLP) Clone() *MLP {
	out := &MLP{bias: append([]float64(nil), m.bias...)}
	for _, w := range m.weights {
		out.weights = append(out.weights, mat.DenseCopyOf(w))
	}
	return out
}

// trace keeps the activations of one forward pass.
type trace struct {
	// acts[l] is the input to layer l.
	acts []mat.Matrix
	// pres[l] is layer l's pre-activation output.
	pres []*mat.Dense
	// logp holds the log-probabilities, one row per example.
	logp *mat.Dense
}

func (m *MLP) checkBatch(b dataset.Batch) error {
	if b.X == nil || b.Size() == 0 {
		return dataset.ErrEmpty
	}
	r, c := b.X.Dims()
	if r != b.Size() {
		return fmt.Errorf("%w: %d rows, %d labels", ErrShape, r, b.Size())
	}
	if c != m.Inputs() {
		return fmt.Errorf("%w: batch has %d features, network expects %d", ErrShape, c, m.Inputs())
	}
	for _, y := range b.Labels {
		if y < 0 || y >= m.Classes() {
			return fmt.Errorf("%w: %d", ErrLabel, y)
		}
	}
	return nil
}

func (m *MLP) forward(x mat.Matrix) *trace {
	n := len(m.weights)
	t := &trace{
		acts: make([]mat.Matrix, n),
		pres: make([]*mat.Dense, n),
	}
	a := x
	for l, w := range m.weights {
		t.acts[l] = a
		z := &mat.Dense{}
		z.Mul(a, w.T())
		t.pres[l] = z
		if l == n-1 {
			break
		}
		h := mat.DenseCopyOf(z)
		tensor.Relu(h)
		a = h
	}

	out := t.pres[n-1]
	r, _ := out.Dims()
	t.logp = mat.DenseCopyOf(out)
	for i := 0; i < r; i++ {
		row := t.logp.RawRowView(i)
		for j := range row {
			row[j] += m.bias[j]
		}
		tensor.LogSoftmax(row)
	}
	return t
}

// nll returns the mean negative log-likelihood and the number of correct
// argmax predictions.
func nll(logp *mat.Dense, labels []int) (loss float64, correct int) {
	for i, y := range labels {
		row := logp.RawRowView(i)
		loss -= row[y]
		if tensor.Argmax(row) == y {
			correct++
		}
	}
	return loss / float64(len(labels)), correct
}

// outputGrad returns dLoss/dLogits: (softmax - onehot) / batch.
func outputGrad(logp *mat.Dense, labels []int) *mat.Dense {
	r, c := logp.Dims()
	g := mat.NewDense(r, c, nil)
	inv := 1 / float64(len(labels))
	for i, y := range labels {
		src := logp.RawRowView(i)
		dst := g.RawRowView(i)
		for j, lp := range src {
			dst[j] = math.Exp(lp) * inv
		}
		dst[y] -= inv
	}
	return g
}

// Predict returns the log-probabilities for every row of x.
func (m *MLP) Predict(x mat.Matrix) (*mat.Dense, error) {
	_, c := x.Dims()
	if c != m.Inputs() {
		return nil, fmt.Errorf("%w: input has %d features, network expects %d", ErrShape, c, m.Inputs())
	}
	return m.forward(x).logp, nil
}

// Loss returns the mean NLL and accuracy on one batch.
func (m *MLP) Loss(b dataset.Batch) (loss, acc float64, err error) {
	if err := m.checkBatch(b); err != nil {
		return 0, 0, err
	}
	loss, correct := nll(m.forward(b.X).logp, b.Labels)
	return loss, float64(correct) / float64(b.Size()), nil
}

// Gradients holds dLoss/dθ for every parameter.
type Gradients struct {
	Loss    float64
	Correct int
	Weights []*mat.Dense
	Bias    []float64
}

// Gradients runs a forward and backward pass over one batch.
func (m *MLP) Gradients(b dataset.Batch) (*Gradients, error) {
	if err := m.checkBatch(b); err != nil {
		return nil, err
	}
	t := m.forward(b.X)
	out := &Gradients{Weights: make([]*mat.Dense, len(m.weights))}
	out.Loss, out.Correct = nll(t.logp, b.Labels)

	g := outputGrad(t.logp, b.Labels)
	out.Bias = make([]float64, m.Classes())
	r, _ := g.Dims()
	for i := 0; i < r; i++ {
		for j, v := range g.RawRowView(i) {
			out.Bias[j] += v
		}
	}
	for l := len(m.weights) - 1; l >= 0; l-- {
		gw := &mat.Dense{}
		gw.Mul(g.T(), t.acts[l])
		out.Weights[l] = gw
		if l == 0 {
			break
		}
		ga := &mat.Dense{}
		ga.Mul(g, m.weights[l])
		tensor.ReluMask(ga, t.pres[l-1])
		g = ga
	}
	return out, nil
}
