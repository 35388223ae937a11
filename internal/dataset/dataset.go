// Package dataset provides the batch sources the model, the trainer and the
// sweep harness iterate over.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmpty         = errors.New("dataset: empty")
	ErrBatchIndex    = errors.New("dataset: batch index out of range")
	ErrShapeMismatch = errors.New("dataset: inputs and labels disagree")
	ErrBadBatchSize  = errors.New("dataset: batch size must be positive")
)

// Batch is one minibatch: X holds one example per row, Labels the class of
// each row.
type Batch struct {
	X      *mat.Dense
	Labels []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Source is a finite, restartable sequence of batches. Batch may be called
// any number of times, in any order; the same index always yields the same
// examples.
type Source interface {
	NumBatches() int
	Batch(i int) (Batch, error)
}

// InMemory serves fixed-size batches from a matrix of examples.
type InMemory struct {
	x         *mat.Dense
	labels    []int
	batchSize int
}

// NewInMemory wraps x (one example per row) and labels. The final batch may
// be short.
func NewInMemory(x *mat.Dense, labels []int, batchSize int) (*InMemory, error) {
	if batchSize <= 0 {
		return nil, ErrBadBatchSize
	}
	if x == nil || len(labels) == 0 {
		return nil, ErrEmpty
	}
	r, _ := x.Dims()
	if r != len(labels) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrShapeMismatch, r, len(labels))
	}
	return &InMemory{x: x, labels: labels, batchSize: batchSize}, nil
}

func (s *InMemory) NumBatches() int {
	return (len(s.labels) + s.batchSize - 1) / s.batchSize
}

// Len returns the number of examples.
func (s *InMemory) Len() int { return len(s.labels) }

// Features returns the number of input columns.
func (s *InMemory) Features() int {
	_, c := s.x.Dims()
	return c
}

// Batch returns batch i as views into the underlying storage.
func (s *InMemory) Batch(i int) (Batch, error) {
	if i < 0 || i >= s.NumBatches() {
		return Batch{}, fmt.Errorf("%w: %d of %d", ErrBatchIndex, i, s.NumBatches())
	}
	start := i * s.batchSize
	end := min(start+s.batchSize, len(s.labels))
	_, c := s.x.Dims()
	return Batch{
		X:      s.x.Slice(start, end, 0, c).(*mat.Dense),
		Labels: s.labels[start:end],
	}, nil
}

// SplitAt returns the first n examples and the rest as separate sources with
// their own batch sizes.
func (s *InMemory) SplitAt(n, headBatch, tailBatch int) (head, tail *InMemory, err error) {
	if n <= 0 || n >= len(s.labels) {
		return nil, nil, fmt.Errorf("%w: split at %d of %d", ErrEmpty, n, len(s.labels))
	}
	r, c := s.x.Dims()
	head, err = NewInMemory(s.x.Slice(0, n, 0, c).(*mat.Dense), s.labels[:n], headBatch)
	if err != nil {
		return nil, nil, err
	}
	tail, err = NewInMemory(s.x.Slice(n, r, 0, c).(*mat.Dense), s.labels[n:], tailBatch)
	if err != nil {
		return nil, nil, err
	}
	return head, tail, nil
}

// Shuffled returns a copy of s with its examples permuted by rng.
func (s *InMemory) Shuffled(rng *rand.Rand) *InMemory {
	r, c := s.x.Dims()
	perm := rng.Perm(r)
	x := mat.NewDense(r, c, nil)
	labels := make([]int, r)
	for dst, src := range perm {
		x.SetRow(dst, s.x.RawRowView(src))
		labels[dst] = s.labels[src]
	}
	return &InMemory{x: x, labels: labels, batchSize: s.batchSize}
}

// Sample draws n distinct batch indices from src, or all of them when n
// exceeds the number of batches.
func Sample(src Source, n int, rng *rand.Rand) []int {
	total := src.NumBatches()
	if n >= total {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rng.Perm(total)[:n]
}
