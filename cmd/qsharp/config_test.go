package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qsharp/internal/sweep"
	"github.com/samcharles93/qsharp/pkg/quant"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFlatKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "exp.json", `{
		"seed": 7,
		"layer_sizes": [128, 64],
		"data_dir": "/data/mnist",
		"train_batch_size": 64,
		"test_batch_size": 1000,
		"epochs": 3,
		"q_schemes": ["no", "affine", "scale", "kl_div"],
		"q_layer_nums": [0, 2],
		"perturb_min": -0.5,
		"perturb_max": 0.5,
		"perturb_steps": 21
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, []int{128, 64}, cfg.LayerSizes)
	assert.Equal(t, "/data/mnist", cfg.DataDir)
	assert.Equal(t, 1000, cfg.TestBatchSize)
	assert.Equal(t, []int{0, 2}, cfg.QLayerNums)
	assert.Equal(t, 21, cfg.PerturbSteps)
	assert.Equal(t, 8, cfg.QBits, "unset keys keep their defaults")
	assert.Equal(t, DefaultConfig().Eigen, cfg.Eigen)

	schemes, err := cfg.Schemes()
	require.NoError(t, err)
	assert.Equal(t, quant.Schemes(), schemes)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "exp.yaml", `
seed: 3
q_schemes: [scale]
q_bits: 16
eigen:
  max_iters: 5
  tol: 0.01
  batches_per_iter: 2
  resample_every: 1
synthetic:
  examples: 300
  features: 5
  classes: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.QBits)
	assert.Equal(t, 5, cfg.Eigen.MaxIters)
	assert.Equal(t, 2, cfg.Eigen.BatchesPerIter)
	assert.Equal(t, 300, cfg.Synthetic.Examples)

	sw := cfg.Sweep()
	assert.Equal(t, int64(3), sw.Eigen.Seed, "eigen seed falls back to the run seed")
}

func TestEigenSeedZeroIsKept(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ name, body string }{
		{"exp.yaml", "seed: 3\neigen:\n  seed: 0\n"},
		{"exp.json", `{"seed": 3, "eigen": {"seed": 0}}`},
	} {
		cfg, err := LoadConfig(writeFile(t, tc.name, tc.body))
		require.NoError(t, err, tc.name)
		require.NotNil(t, cfg.Eigen.Seed, tc.name)
		assert.Equal(t, int64(0), cfg.Sweep().Eigen.Seed, tc.name)
		assert.Equal(t, DefaultConfig().Eigen.MaxIters, cfg.Sweep().Eigen.MaxIters, tc.name)
	}
}

func TestEigenSeedFlag(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		args []string
		want int64
	}{
		{[]string{"run", "--seed", "9"}, 9},
		{[]string{"run", "--seed", "9", "--eigen-seed", "0"}, 0},
		{[]string{"run", "--eigen-seed", "42"}, 42},
	} {
		cfg := DefaultConfig()
		cmd := &cli.Command{
			Name: "run",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "seed"},
				&cli.Int64Flag{Name: "eigen-seed"},
			},
			Action: func(_ context.Context, c *cli.Command) error {
				applyRunFlags(c, &cfg)
				return nil
			},
		}
		require.NoError(t, cmd.Run(context.Background(), tc.args))
		assert.Equal(t, tc.want, cfg.Sweep().Eigen.Seed, "%v", tc.args)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ name, body string }{
		{"bad.json", `{"q_scheme": ["no"]}`},
		{"bad.yaml", "perturb_stepz: 3\n"},
	} {
		_, err := LoadConfig(writeFile(t, tc.name, tc.body))
		assert.Error(t, err, tc.name)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"unknown scheme", func(c *Config) { c.QSchemes = []string{"fp4"} }, quant.ErrUnknownScheme},
		{"duplicate scheme", func(c *Config) { c.QSchemes = []string{"scale", "SCALE"} }, errConfig},
		{"no schemes", func(c *Config) { c.QSchemes = nil }, errConfig},
		{"bad bits", func(c *Config) { c.QBits = 4 }, quant.ErrUnsupportedBits},
		{"layer out of range", func(c *Config) { c.QLayerNums = []int{2} }, sweep.ErrInvalidConfig},
		{"zero steps", func(c *Config) { c.PerturbSteps = 0 }, sweep.ErrInvalidConfig},
		{"reversed range", func(c *Config) { c.PerturbMin, c.PerturbMax = 1, -1 }, sweep.ErrInvalidConfig},
		{"zero width", func(c *Config) { c.LayerSizes = []int{0} }, errConfig},
		{"bad batch", func(c *Config) { c.TestBatchSize = 0 }, errConfig},
		{"bad split", func(c *Config) { c.TestFraction = 1 }, errConfig},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.target), "got %v", err)
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}
