package sweep

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/qsharp/internal/hessian"
)

var (
	ErrInvalidConfig = errors.New("sweep: invalid config")
	ErrRestore       = errors.New("sweep: layer weight not restored")
)

// ConfigError names the parameter that made a Config unusable.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sweep: invalid %s: %s", e.Param, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Config selects the layers to probe and the perturbation range.
type Config struct {
	Layers       []int          `yaml:"layers" json:"layers"`
	PerturbMin   float64        `yaml:"perturb_min" json:"perturb_min"`
	PerturbMax   float64        `yaml:"perturb_max" json:"perturb_max"`
	PerturbSteps int            `yaml:"perturb_steps" json:"perturb_steps"`
	Eigen        hessian.Config `yaml:"eigen" json:"eigen"`
	// RestoreOriginal puts each layer's pre-quantization weight back once its
	// sweep completes. By default the quantized weight is left installed.
	RestoreOriginal bool `yaml:"restore_original" json:"restore_original"`
}

// DefaultConfig probes layer 0 over [0, 1] in 11 steps.
func DefaultConfig() Config {
	return Config{
		Layers:       []int{0},
		PerturbMin:   0,
		PerturbMax:   1,
		PerturbSteps: 11,
		Eigen:        hessian.DefaultConfig(),
	}
}

// Validate checks c against a model with numLayers layers.
func (c Config) Validate(numLayers int) error {
	if len(c.Layers) == 0 {
		return &ConfigError{Param: "layers", Reason: "no layers requested"}
	}
	seen := make(map[int]bool, len(c.Layers))
	for _, l := range c.Layers {
		if l < 0 || l >= numLayers {
			return &ConfigError{Param: "layers", Reason: fmt.Sprintf("layer %d outside [0, %d)", l, numLayers)}
		}
		if seen[l] {
			return &ConfigError{Param: "layers", Reason: fmt.Sprintf("layer %d requested twice", l)}
		}
		seen[l] = true
	}
	if c.PerturbSteps <= 0 {
		return &ConfigError{Param: "perturb_steps", Reason: fmt.Sprintf("%d is not positive", c.PerturbSteps)}
	}
	if !finite(c.PerturbMin) || !finite(c.PerturbMax) {
		return &ConfigError{Param: "perturb_min/perturb_max", Reason: "must be finite"}
	}
	if c.PerturbMin > c.PerturbMax {
		return &ConfigError{Param: "perturb_min", Reason: fmt.Sprintf("%g exceeds perturb_max %g", c.PerturbMin, c.PerturbMax)}
	}
	if err := c.Eigen.Validate(); err != nil {
		return &ConfigError{Param: "eigen", Reason: err.Error()}
	}
	return nil
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
