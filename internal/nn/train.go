package nn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/logger"
)

var ErrTrainConfig = errors.New("nn: invalid training config")

// TrainConfig controls SGD with momentum.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs" json:"epochs"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	Seed         int64   `yaml:"seed" json:"seed"`
}

// DefaultTrainConfig returns lr 0.01, momentum 0.5, one epoch.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Epochs: 1, LearningRate: 0.01, Momentum: 0.5, Seed: 1}
}

func (c TrainConfig) validate() error {
	switch {
	case c.Epochs < 0:
		return fmt.Errorf("%w: epochs=%d", ErrTrainConfig, c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate=%g", ErrTrainConfig, c.LearningRate)
	case c.Momentum < 0 || c.Momentum >= 1:
		return fmt.Errorf("%w: momentum=%g", ErrTrainConfig, c.Momentum)
	}
	return nil
}

// EpochStats summarizes one pass over the training data.
type EpochStats struct {
	Epoch int
	Loss  float64
	Acc   float64
}

// SGD is a momentum optimizer bound to one network. The update is
// buf = μ·buf + g; θ -= lr·buf.
type SGD struct {
	lr, mu  float64
	bufW    []*mat.Dense
	bufBias []float64
}

// NewSGD allocates momentum buffers for m.
func NewSGD(m *MLP, lr, momentum float64) *SGD {
	s := &SGD{lr: lr, mu: momentum, bufBias: make([]float64, len(m.bias))}
	for _, w := range m.weights {
		r, c := w.Dims()
		s.bufW = append(s.bufW, mat.NewDense(r, c, nil))
	}
	return s
}

// Step applies one update to m.
func (s *SGD) Step(m *MLP, g *Gradients) {
	for l, w := range m.weights {
		s.bufW[l].Scale(s.mu, s.bufW[l])
		s.bufW[l].Add(s.bufW[l], g.Weights[l])
		w.Sub(w, scaled(s.lr, s.bufW[l]))
	}
	for j := range m.bias {
		s.bufBias[j] = s.mu*s.bufBias[j] + g.Bias[j]
		m.bias[j] -= s.lr * s.bufBias[j]
	}
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	out := &mat.Dense{}
	out.Scale(f, m)
	return out
}

// Trainer runs epochs of SGD over one network, keeping momentum between
// epochs.
type Trainer struct {
	m     *MLP
	opt   *SGD
	rng   *rand.Rand
	epoch int
}

// NewTrainer validates cfg and binds an optimizer to m.
func NewTrainer(m *MLP, cfg TrainConfig) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		m:   m,
		opt: NewSGD(m, cfg.LearningRate, cfg.Momentum),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Epoch makes one pass over src in a fresh random batch order and returns the
// running loss and accuracy.
func (t *Trainer) Epoch(ctx context.Context, src dataset.Source) (EpochStats, error) {
	var lossSum float64
	var correct, seen int
	for _, i := range t.rng.Perm(src.NumBatches()) {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, err
		}
		b, err := src.Batch(i)
		if err != nil {
			return EpochStats{}, err
		}
		g, err := t.m.Gradients(b)
		if err != nil {
			return EpochStats{}, err
		}
		t.opt.Step(t.m, g)
		lossSum += g.Loss * float64(b.Size())
		correct += g.Correct
		seen += b.Size()
	}
	if seen == 0 {
		return EpochStats{}, dataset.ErrEmpty
	}
	t.epoch++
	return EpochStats{Epoch: t.epoch, Loss: lossSum / float64(seen), Acc: float64(correct) / float64(seen)}, nil
}

// Train runs cfg.Epochs epochs over src.
func Train(ctx context.Context, m *MLP, src dataset.Source, cfg TrainConfig) ([]EpochStats, error) {
	t, err := NewTrainer(m, cfg)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	var stats []EpochStats
	for e := 0; e < cfg.Epochs; e++ {
		st, err := t.Epoch(ctx, src)
		if err != nil {
			return stats, err
		}
		stats = append(stats, st)
		log.Info("epoch done", "epoch", st.Epoch, "loss", st.Loss, "acc", st.Acc)
	}
	return stats, nil
}

// Evaluate returns the example-weighted mean loss and accuracy over src.
func (m *MLP) Evaluate(src dataset.Source) (loss, acc float64, err error) {
	var lossSum float64
	var correct, seen int
	for i := 0; i < src.NumBatches(); i++ {
		b, err := src.Batch(i)
		if err != nil {
			return 0, 0, err
		}
		if err := m.checkBatch(b); err != nil {
			return 0, 0, err
		}
		l, c := nll(m.forward(b.X).logp, b.Labels)
		lossSum += l * float64(b.Size())
		correct += c
		seen += b.Size()
	}
	if seen == 0 {
		return 0, 0, dataset.ErrEmpty
	}
	return lossSum / float64(seen), float64(correct) / float64(seen), nil
}
