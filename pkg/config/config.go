// Package config provides configuration loading and management for
// mrislicereg. It handles loading registration settings from YAML files and
// provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Level is one resolution level of a multi-resolution run.
type Level struct {
	// ShrinkFactor downsamples both images by this integer factor
	ShrinkFactor int `yaml:"shrinkFactor"`

	// SmoothingSigma is the Gaussian sigma applied before shrinking, in physical units
	SmoothingSigma float64 `yaml:"smoothingSigma"`
}

// Config represents the registration configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores the metric and optimizer may use
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Metric parameters
	Metric struct {
		// Measure names the per-point similarity measure
		Measure string `yaml:"measure"`

		// Averaging is "average" or "sum"
		Averaging string `yaml:"averaging"`

		// SamplingStride selects every n-th pixel of the fixed image as a sparse
		// point set. Zero samples the full virtual domain.
		SamplingStride int `yaml:"samplingStride"`

		// UsePreWarp resamples both images once per evaluation
		UsePreWarp bool `yaml:"usePreWarp"`

		// UseGradientFilter precomputes smoothed image gradients
		UseGradientFilter bool `yaml:"useGradientFilter"`

		// GradientFilterSigma is the gradient smoothing sigma in physical units
		GradientFilterSigma float64 `yaml:"gradientFilterSigma"`

		// UseFloatingPointCorrection truncates local derivatives
		UseFloatingPointCorrection bool `yaml:"useFloatingPointCorrection"`

		// FloatingPointCorrectionResolution is the truncation resolution
		FloatingPointCorrectionResolution float64 `yaml:"floatingPointCorrectionResolution"`
	} `yaml:"metric"`

	// Optimizer parameters
	Optimizer struct {
		// Type is "regularStep" or "gradientDescent"
		Type string `yaml:"type"`

		// NumberOfIterations caps the iterations per level
		NumberOfIterations int `yaml:"numberOfIterations"`

		// Regular step parameters
		MaximumStepLength          float64 `yaml:"maximumStepLength"`
		MinimumStepLength          float64 `yaml:"minimumStepLength"`
		RelaxationFactor           float64 `yaml:"relaxationFactor"`
		GradientMagnitudeTolerance float64 `yaml:"gradientMagnitudeTolerance"`

		// Plain gradient descent parameters
		LearningRate float64 `yaml:"learningRate"`

		// EstimateLearningRate is "never", "once" or "eachIteration"
		EstimateLearningRate           string  `yaml:"estimateLearningRate"`
		MaximumStepSizeInPhysicalUnits float64 `yaml:"maximumStepSizeInPhysicalUnits"`
		ConvergenceWindowSize          int     `yaml:"convergenceWindowSize"`
		MinimumConvergenceValue        float64 `yaml:"minimumConvergenceValue"`
	} `yaml:"optimizer"`

	// Scales estimation parameters
	Scales struct {
		// Estimator is "physicalShift", "jacobian" or "none"
		Estimator string `yaml:"estimator"`

		// Sampling is "corners", "full" or "centre"
		Sampling string `yaml:"sampling"`

		// Delta is the parameter perturbation of the physical shift estimator
		Delta float64 `yaml:"delta"`

		// EstimateMaximumStepLength sets the regular step length from the virtual spacing
		EstimateMaximumStepLength bool `yaml:"estimateMaximumStepLength"`

		// Values are fixed scales used when Estimator is "none"
		Values []float64 `yaml:"values,omitempty"`
	} `yaml:"scales"`

	// Levels run coarse to fine
	Levels []Level `yaml:"levels"`

	// Output parameters
	Output struct {
		// Verbose enables per-iteration debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid value")

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default metric parameters
	cfg.Metric.Measure = "meanSquares"
	cfg.Metric.Averaging = "average"
	cfg.Metric.FloatingPointCorrectionResolution = 1e6

	// Set default optimizer parameters
	cfg.Optimizer.Type = "regularStep"
	cfg.Optimizer.NumberOfIterations = 200
	cfg.Optimizer.MaximumStepLength = 1.0
	cfg.Optimizer.MinimumStepLength = 1e-4
	cfg.Optimizer.RelaxationFactor = 0.5
	cfg.Optimizer.GradientMagnitudeTolerance = 1e-8
	cfg.Optimizer.LearningRate = 1.0
	cfg.Optimizer.EstimateLearningRate = "never"
	cfg.Optimizer.ConvergenceWindowSize = 10
	cfg.Optimizer.MinimumConvergenceValue = 1e-6

	// Set default scales parameters
	cfg.Scales.Estimator = "physicalShift"
	cfg.Scales.Sampling = "corners"
	cfg.Scales.Delta = 0.01

	cfg.Levels = []Level{{ShrinkFactor: 1}}

	cfg.Output.Verbose = false

	return cfg
}

// Validate reports every out-of-range or unknown setting.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Processing.NumCores < 0 {
		bad("processing.numCores %d is negative", c.Processing.NumCores)
	}

	switch c.Metric.Measure {
	case "meanSquares":
	default:
		bad("metric.measure %q is unknown", c.Metric.Measure)
	}
	switch c.Metric.Averaging {
	case "average", "sum":
	default:
		bad("metric.averaging %q is not average or sum", c.Metric.Averaging)
	}
	if c.Metric.SamplingStride < 0 {
		bad("metric.samplingStride %d is negative", c.Metric.SamplingStride)
	}
	if c.Metric.UsePreWarp && c.Metric.SamplingStride > 0 {
		bad("metric.usePreWarp needs dense sampling")
	}
	if c.Metric.GradientFilterSigma < 0 {
		bad("metric.gradientFilterSigma %g is negative", c.Metric.GradientFilterSigma)
	}

	o := c.Optimizer
	switch o.Type {
	case "regularStep":
		if !(o.RelaxationFactor > 0 && o.RelaxationFactor < 1) {
			bad("optimizer.relaxationFactor %g is outside (0, 1)", o.RelaxationFactor)
		}
		if o.MinimumStepLength < 0 {
			bad("optimizer.minimumStepLength %g is negative", o.MinimumStepLength)
		}
		if o.GradientMagnitudeTolerance < 0 {
			bad("optimizer.gradientMagnitudeTolerance %g is negative", o.GradientMagnitudeTolerance)
		}
	case "gradientDescent":
		switch o.EstimateLearningRate {
		case "never":
			if o.LearningRate <= 0 {
				bad("optimizer.learningRate %g must be positive", o.LearningRate)
			}
		case "once", "eachIteration":
			if c.Scales.Estimator == "none" {
				bad("optimizer.estimateLearningRate %q needs a scales estimator", o.EstimateLearningRate)
			}
		default:
			bad("optimizer.estimateLearningRate %q is unknown", o.EstimateLearningRate)
		}
		if o.ConvergenceWindowSize < 2 {
			bad("optimizer.convergenceWindowSize %d is below 2", o.ConvergenceWindowSize)
		}
	default:
		bad("optimizer.type %q is unknown", o.Type)
	}
	if o.NumberOfIterations < 0 {
		bad("optimizer.numberOfIterations %d is negative", o.NumberOfIterations)
	}

	switch c.Scales.Estimator {
	case "physicalShift", "jacobian", "none":
	default:
		bad("scales.estimator %q is unknown", c.Scales.Estimator)
	}
	switch c.Scales.Sampling {
	case "corners", "full", "centre":
	default:
		bad("scales.sampling %q is unknown", c.Scales.Sampling)
	}
	for i, s := range c.Scales.Values {
		if !(s > 0) {
			bad("scales.values[%d] %g must be positive", i, s)
		}
	}

	if len(c.Levels) == 0 {
		bad("levels is empty")
	}
	for i, l := range c.Levels {
		if l.ShrinkFactor < 1 {
			bad("levels[%d].shrinkFactor %d is below 1", i, l.ShrinkFactor)
		}
		if l.SmoothingSigma < 0 {
			bad("levels[%d].smoothingSigma %g is negative", i, l.SmoothingSigma)
		}
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
