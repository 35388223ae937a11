package dataset

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// SyntheticConfig describes a Gaussian-cluster classification problem.
type SyntheticConfig struct {
	Examples  int     `yaml:"examples" json:"examples"`
	Features  int     `yaml:"features" json:"features"`
	Classes   int     `yaml:"classes" json:"classes"`
	Noise     float64 `yaml:"noise" json:"noise"`
	BatchSize int     `yaml:"batch_size" json:"batch_size"`
	Seed      int64   `yaml:"seed" json:"seed"`
}

// Synthetic draws one unit-variance centre per class and scatters examples
// around them with the configured noise. Equal configs yield equal data.
func Synthetic(cfg SyntheticConfig) (*InMemory, error) {
	if cfg.Examples <= 0 || cfg.Features <= 0 || cfg.Classes <= 0 {
		return nil, ErrEmpty
	}
	if cfg.BatchSize <= 0 {
		return nil, ErrBadBatchSize
	}
	noise := cfg.Noise
	if noise <= 0 {
		noise = 0.5
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	centres := mat.NewDense(cfg.Classes, cfg.Features, nil)
	for k := 0; k < cfg.Classes; k++ {
		for j := 0; j < cfg.Features; j++ {
			centres.Set(k, j, rng.NormFloat64())
		}
	}

	x := mat.NewDense(cfg.Examples, cfg.Features, nil)
	labels := make([]int, cfg.Examples)
	for i := range labels {
		k := i % cfg.Classes
		labels[i] = k
		for j := 0; j < cfg.Features; j++ {
			x.Set(i, j, centres.At(k, j)+noise*rng.NormFloat64())
		}
	}
	src := &InMemory{x: x, labels: labels, batchSize: cfg.BatchSize}
	return src.Shuffled(rng), nil
}
