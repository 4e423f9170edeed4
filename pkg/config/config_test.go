package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Positive(t, cfg.Processing.NumCores)
	assert.Equal(t, "regularStep", cfg.Optimizer.Type)
	assert.Equal(t, []Level{{ShrinkFactor: 1}}, cfg.Levels)
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registration.yaml")

	cfg := DefaultConfig()
	cfg.Processing.NumCores = 3
	cfg.Metric.UsePreWarp = true
	cfg.Optimizer.Type = "gradientDescent"
	cfg.Optimizer.EstimateLearningRate = "eachIteration"
	cfg.Scales.Estimator = "jacobian"
	cfg.Scales.Sampling = "full"
	cfg.Levels = []Level{{ShrinkFactor: 4, SmoothingSigma: 2}, {ShrinkFactor: 1}}
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("optimizer:\n  numberOfIterations: 42\nlevels:\n  - shrinkFactor: 2\n    smoothingSigma: 1.5\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Optimizer.NumberOfIterations)
	assert.Equal(t, 0.5, cfg.Optimizer.RelaxationFactor)
	assert.Equal(t, []Level{{ShrinkFactor: 2, SmoothingSigma: 1.5}}, cfg.Levels)
}

func TestLoadConfigRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	garbled := filepath.Join(dir, "garbled.yaml")
	require.NoError(t, os.WriteFile(garbled, []byte("metric: [unterminated"), 0644))
	_, err := LoadConfig(garbled)
	assert.ErrorContains(t, err, "error parsing config file")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("optimizer:\n  type: newton\n"), 0644))
	_, err = LoadConfig(invalid)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"negative cores", func(c *Config) { c.Processing.NumCores = -1 }, "processing.numCores"},
		{"unknown measure", func(c *Config) { c.Metric.Measure = "correlation" }, "metric.measure"},
		{"unknown averaging", func(c *Config) { c.Metric.Averaging = "median" }, "metric.averaging"},
		{"prewarp with sparse sampling", func(c *Config) {
			c.Metric.UsePreWarp = true
			c.Metric.SamplingStride = 2
		}, "metric.usePreWarp"},
		{"negative gradient sigma", func(c *Config) { c.Metric.GradientFilterSigma = -1 }, "metric.gradientFilterSigma"},
		{"relaxation of one", func(c *Config) { c.Optimizer.RelaxationFactor = 1 }, "optimizer.relaxationFactor"},
		{"zero learning rate", func(c *Config) {
			c.Optimizer.Type = "gradientDescent"
			c.Optimizer.LearningRate = 0
		}, "optimizer.learningRate"},
		{"estimation without estimator", func(c *Config) {
			c.Optimizer.Type = "gradientDescent"
			c.Optimizer.EstimateLearningRate = "once"
			c.Scales.Estimator = "none"
		}, "needs a scales estimator"},
		{"short window", func(c *Config) {
			c.Optimizer.Type = "gradientDescent"
			c.Optimizer.ConvergenceWindowSize = 1
		}, "optimizer.convergenceWindowSize"},
		{"unknown estimator", func(c *Config) { c.Scales.Estimator = "hessian" }, "scales.estimator"},
		{"zero scale", func(c *Config) { c.Scales.Values = []float64{1, 0} }, "scales.values[1]"},
		{"no levels", func(c *Config) { c.Levels = nil }, "levels is empty"},
		{"zero shrink", func(c *Config) { c.Levels = []Level{{ShrinkFactor: 0}} }, "levels[0].shrinkFactor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metric.Measure = "x"
	cfg.Scales.Sampling = "y"
	err := cfg.Validate()
	assert.ErrorContains(t, err, "metric.measure")
	assert.ErrorContains(t, err, "scales.sampling")
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
