package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/hessian"
	"github.com/samcharles93/qsharp/internal/nn"
	"github.com/samcharles93/qsharp/internal/sweep"
	"github.com/samcharles93/qsharp/pkg/quant"
)

// mnistClasses is the output width when training on MNIST.
const mnistClasses = 10

var errConfig = errors.New("invalid experiment config")

// Config is one experiment. The flat keys match the experiment files the
// sweep was first run with, so old configs load unchanged.
type Config struct {
	Seed int64 `yaml:"seed" json:"seed"`
	// LayerSizes lists the hidden widths; inputs and classes come from the data.
	LayerSizes []int  `yaml:"layer_sizes" json:"layer_sizes"`
	DataDir    string `yaml:"data_dir" json:"data_dir"`

	TrainBatchSize int `yaml:"train_batch_size" json:"train_batch_size"`
	TestBatchSize  int `yaml:"test_batch_size" json:"test_batch_size"`
	TrainLimit     int `yaml:"train_limit" json:"train_limit"`
	TestLimit      int `yaml:"test_limit" json:"test_limit"`

	Epochs       int     `yaml:"epochs" json:"epochs"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`

	QSchemes   []string `yaml:"q_schemes" json:"q_schemes"`
	QLayerNums []int    `yaml:"q_layer_nums" json:"q_layer_nums"`
	QBits      int      `yaml:"q_bits" json:"q_bits"`

	PerturbMin      float64        `yaml:"perturb_min" json:"perturb_min"`
	PerturbMax      float64        `yaml:"perturb_max" json:"perturb_max"`
	PerturbSteps    int            `yaml:"perturb_steps" json:"perturb_steps"`
	RestoreOriginal bool        `yaml:"restore_original" json:"restore_original"`
	Eigen           EigenConfig `yaml:"eigen" json:"eigen"`

	// Synthetic is used when DataDir is empty. Its Examples are split between
	// train and test by TestFraction.
	Synthetic    dataset.SyntheticConfig `yaml:"synthetic" json:"synthetic"`
	TestFraction float64                 `yaml:"test_fraction" json:"test_fraction"`

	LoadCheckpoint string `yaml:"load_checkpoint" json:"load_checkpoint,omitempty"`
	SaveCheckpoint string `yaml:"save_checkpoint" json:"save_checkpoint,omitempty"`
	CheckpointType string `yaml:"checkpoint_dtype" json:"checkpoint_dtype,omitempty"`
	Output         string `yaml:"output" json:"output,omitempty"`
}

// EigenConfig is hessian.Config with an optional seed. A nil Seed follows the
// run seed; any set value, zero included, is used as given.
type EigenConfig struct {
	MaxIters       int     `yaml:"max_iters" json:"max_iters"`
	Tol            float64 `yaml:"tol" json:"tol"`
	BatchesPerIter int     `yaml:"batches_per_iter" json:"batches_per_iter"`
	ResampleEvery  int     `yaml:"resample_every" json:"resample_every"`
	Seed           *int64  `yaml:"seed,omitempty" json:"seed,omitempty"`
}

func eigenDefaults(h hessian.Config) EigenConfig {
	return EigenConfig{
		MaxIters:       h.MaxIters,
		Tol:            h.Tol,
		BatchesPerIter: h.BatchesPerIter,
		ResampleEvery:  h.ResampleEvery,
	}
}

// Resolve fills in the seed from runSeed when none was set.
func (e EigenConfig) Resolve(runSeed int64) hessian.Config {
	seed := runSeed
	if e.Seed != nil {
		seed = *e.Seed
	}
	return hessian.Config{
		MaxIters:       e.MaxIters,
		Tol:            e.Tol,
		BatchesPerIter: e.BatchesPerIter,
		ResampleEvery:  e.ResampleEvery,
		Seed:           seed,
	}
}

// DefaultConfig is a small synthetic run that finishes in seconds.
func DefaultConfig() Config {
	sw := sweep.DefaultConfig()
	tr := nn.DefaultTrainConfig()
	return Config{
		Seed:           1,
		LayerSizes:     []int{32},
		TrainBatchSize: 64,
		TestBatchSize:  256,
		Epochs:         tr.Epochs,
		LearningRate:   tr.LearningRate,
		Momentum:       tr.Momentum,
		QSchemes:       []string{string(quant.SchemeNone), string(quant.SchemeScale)},
		QLayerNums:     sw.Layers,
		QBits:          8,
		PerturbMin:     sw.PerturbMin,
		PerturbMax:     sw.PerturbMax,
		PerturbSteps:   sw.PerturbSteps,
		Eigen:          eigenDefaults(sw.Eigen),
		Synthetic: dataset.SyntheticConfig{
			Examples: 2000,
			Features: 16,
			Classes:  4,
			Noise:    1,
		},
		TestFraction:   0.25,
		CheckpointType: "F32",
		Output:         "results.json",
	}
}

// LoadConfig reads path over DefaultConfig. Files ending in .json are decoded
// as JSON, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Schemes parses QSchemes.
func (c Config) Schemes() ([]quant.Scheme, error) {
	if len(c.QSchemes) == 0 {
		return nil, fmt.Errorf("%w: q_schemes is empty", errConfig)
	}
	out := make([]quant.Scheme, 0, len(c.QSchemes))
	seen := make(map[quant.Scheme]bool, len(c.QSchemes))
	for _, name := range c.QSchemes {
		s, err := quant.ParseScheme(name)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: scheme %q listed twice", errConfig, s)
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

// Train returns the optimizer settings.
func (c Config) Train() nn.TrainConfig {
	return nn.TrainConfig{Epochs: c.Epochs, LearningRate: c.LearningRate, Momentum: c.Momentum, Seed: c.Seed}
}

// Sweep returns the per-scheme sweep settings.
func (c Config) Sweep() sweep.Config {
	return sweep.Config{
		Layers:          c.QLayerNums,
		PerturbMin:      c.PerturbMin,
		PerturbMax:      c.PerturbMax,
		PerturbSteps:    c.PerturbSteps,
		Eigen:           c.Eigen.Resolve(c.Seed),
		RestoreOriginal: c.RestoreOriginal,
	}
}

// numLayers is the layer count the configured network will have.
func (c Config) numLayers() int { return len(c.LayerSizes) + 1 }

// Validate checks everything that can be checked before data is loaded.
func (c Config) Validate() error {
	for i, w := range c.LayerSizes {
		if w <= 0 {
			return fmt.Errorf("%w: layer_sizes[%d]=%d", errConfig, i, w)
		}
	}
	if c.TrainBatchSize <= 0 || c.TestBatchSize <= 0 {
		return fmt.Errorf("%w: batch sizes must be positive", errConfig)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("%w: epochs=%d", errConfig, c.Epochs)
	}
	if c.DataDir == "" && (c.TestFraction <= 0 || c.TestFraction >= 1) {
		return fmt.Errorf("%w: test_fraction=%g", errConfig, c.TestFraction)
	}
	if _, err := c.Schemes(); err != nil {
		return err
	}
	if _, err := quant.Lookup(quant.SchemeNone, c.QBits); err != nil {
		return err
	}
	if c.LoadCheckpoint == "" {
		if err := c.Sweep().Validate(c.numLayers()); err != nil {
			return err
		}
	}
	return nil
}

// applyRunFlags lets explicitly set flags override the loaded config.
func applyRunFlags(c *cli.Command, cfg *Config) {
	if c.IsSet("seed") {
		cfg.Seed = c.Int64("seed")
	}
	if c.IsSet("layer-sizes") {
		cfg.LayerSizes = c.IntSlice("layer-sizes")
	}
	if c.IsSet("data-dir") {
		cfg.DataDir = c.String("data-dir")
	}
	if c.IsSet("epochs") {
		cfg.Epochs = c.Int("epochs")
	}
	if c.IsSet("lr") {
		cfg.LearningRate = c.Float("lr")
	}
	if c.IsSet("schemes") {
		cfg.QSchemes = c.StringSlice("schemes")
	}
	if c.IsSet("layers") {
		cfg.QLayerNums = c.IntSlice("layers")
	}
	if c.IsSet("bits") {
		cfg.QBits = c.Int("bits")
	}
	if c.IsSet("perturb-min") {
		cfg.PerturbMin = c.Float("perturb-min")
	}
	if c.IsSet("perturb-max") {
		cfg.PerturbMax = c.Float("perturb-max")
	}
	if c.IsSet("perturb-steps") {
		cfg.PerturbSteps = c.Int("perturb-steps")
	}
	if c.IsSet("power-iters") {
		cfg.Eigen.MaxIters = c.Int("power-iters")
	}
	if c.IsSet("eigen-seed") {
		seed := c.Int64("eigen-seed")
		cfg.Eigen.Seed = &seed
	}
	if c.IsSet("restore-original") {
		cfg.RestoreOriginal = c.Bool("restore-original")
	}
	if c.IsSet("load-checkpoint") {
		cfg.LoadCheckpoint = c.String("load-checkpoint")
	}
	if c.IsSet("save-checkpoint") {
		cfg.SaveCheckpoint = c.String("save-checkpoint")
	}
	if c.IsSet("out") {
		cfg.Output = c.String("out")
	}
}
