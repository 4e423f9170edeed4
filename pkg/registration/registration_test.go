package registration

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/internal/logging"
	"mrislicereg/pkg/config"
	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/metric"
	"mrislicereg/pkg/optimizer"
	"mrislicereg/pkg/scales"
	"mrislicereg/pkg/transform"
)

type gaussian struct {
	centre r2.Vec
	sigma  r2.Vec
	amp    float64
}

// phantom is a sum of anisotropic blobs, smooth enough for linear
// interpolation and asymmetric enough to pin down rotation and scale.
var phantom = []gaussian{
	{r2.Vec{X: 31.5, Y: 31.5}, r2.Vec{X: 6, Y: 8}, 100},
	{r2.Vec{X: 38, Y: 26}, r2.Vec{X: 5, Y: 4}, 60},
	{r2.Vec{X: 24, Y: 36}, r2.Vec{X: 4, Y: 6}, 80},
	{r2.Vec{X: 30, Y: 41}, r2.Vec{X: 3, Y: 3}, 50},
}

func intensity(p r2.Vec) float64 {
	v := 0.0
	for _, g := range phantom {
		d := r2.Sub(p, g.centre)
		v += g.amp * math.Exp(-(d.X*d.X/(2*g.sigma.X*g.sigma.X) + d.Y*d.Y/(2*g.sigma.Y*g.sigma.Y)))
	}
	return v
}

// doubled is the phantom drawn at twice the resolution, centred on a
// 128x128 grid.
func doubled(p r2.Vec) float64 {
	return intensity(r2.Vec{X: (p.X - 0.5) / 2, Y: (p.Y - 0.5) / 2})
}

// pair returns the phantom as the fixed image and, as the moving image, the
// phantom seen through truth so that moving(truth(x)) = fixed(x).
func pair(t *testing.T, truth transform.Transform) (*imaging.Image, *imaging.Image) {
	t.Helper()
	return pairOn(t, imaging.NewGrid(64, 64), intensity, truth)
}

func pairOn(t *testing.T, g imaging.Grid, f func(r2.Vec) float64, truth transform.Transform) (*imaging.Image, *imaging.Image) {
	t.Helper()
	inv, err := truth.Inverse()
	require.NoError(t, err)
	fixed := imaging.FromFunc(g, f)
	moving := imaging.FromFunc(g, func(p r2.Vec) float64 {
		q, _ := inv.TransformPoint(p)
		return f(q)
	})
	return fixed, moving
}

// rigidThenScale builds a composite that applies the rigid part first.
func rigidThenScale(angle float64, translation, factor, centre r2.Vec) *transform.Composite {
	c := transform.NewComposite()
	c.AddTransform(transform.NewScale(factor, centre))
	c.AddTransform(transform.NewRigid2D(angle, translation, centre))
	return c
}

func TestRunRecoversRigidAndScale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full registration in short mode")
	}
	centre := r2.Vec{X: 31.5, Y: 31.5}
	fixed, moving := pair(t, rigidThenScale(0.08, r2.Vec{X: 2, Y: -1.5}, r2.Vec{X: 1.04, Y: 1.04}, centre))

	p := DefaultParams()
	p.NumberOfWorkers = 4
	p.Optimizer.NumberOfIterations = 500
	m := New(p, logging.Discard())

	estimate := rigidThenScale(0, r2.Vec{}, r2.Vec{X: 1, Y: 1}, centre)
	res, err := m.Run(fixed, moving, estimate)
	require.NoError(t, err)

	assert.Contains(t, []optimizer.StopCondition{optimizer.StepTooSmall, optimizer.GradientToleranceMet}, res.StopCondition)
	require.Len(t, res.Parameters, 5)
	assert.InDelta(t, 0.08, res.Parameters[0], 0.01, "angle")
	assert.InDelta(t, 2, res.Parameters[1], 0.25, "tx")
	assert.InDelta(t, -1.5, res.Parameters[2], 0.25, "ty")
	assert.InDelta(t, 1.04, res.Parameters[3], 0.01, "sx")
	assert.InDelta(t, 1.04, res.Parameters[4], 0.01, "sy")
	assert.Equal(t, estimate.Parameters(), res.Parameters)

	assert.Greater(t, res.Quality.NCC, 0.99)
	start := MeasureQuality(fixed, moving, transform.NewIdentity())
	assert.Less(t, res.Quality.RMSE, start.RMSE)
}

func TestRunRecoversLargeRotationScaleAndShift(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full registration in short mode")
	}
	centre := r2.Vec{X: 63.5, Y: 63.5}
	angle := 10 * math.Pi / 180
	shrink := 1 / 1.2
	truth := rigidThenScale(angle, r2.Vec{X: -13, Y: -17}, r2.Vec{X: shrink, Y: shrink}, centre)
	fixed, moving := pairOn(t, imaging.NewGrid(128, 128), doubled, truth)

	p := DefaultParams()
	p.NumberOfWorkers = 4
	p.Optimizer.NumberOfIterations = 600
	estimate := rigidThenScale(0, r2.Vec{}, r2.Vec{X: 1, Y: 1}, centre)
	res, err := New(p, logging.Discard()).Run(fixed, moving, estimate)
	require.NoError(t, err)

	require.Len(t, res.Parameters, 5)
	assert.InDelta(t, angle, res.Parameters[0], 0.01, "angle")
	assert.InDelta(t, -13, res.Parameters[1], 1, "tx")
	assert.InDelta(t, -17, res.Parameters[2], 1, "ty")
	assert.InDelta(t, shrink, res.Parameters[3], 0.01, "sx")
	assert.InDelta(t, shrink, res.Parameters[4], 0.01, "sy")
}

func TestRunMultiResolutionTranslation(t *testing.T) {
	fixed, moving := pair(t, transform.NewTranslation(r2.Vec{X: 3, Y: -2}))

	p := DefaultParams()
	p.Levels = []Level{{ShrinkFactor: 2, SmoothingSigma: 1}, {ShrinkFactor: 1}}
	m := New(p, logging.Discard())

	var events int
	m.AddObserver(optimizer.ObserverFunc(func(e optimizer.Event) {
		if e.Kind == optimizer.IterationEvent {
			events++
		}
	}))

	tr := transform.NewTranslation(r2.Vec{})
	res, err := m.Run(fixed, moving, tr)
	require.NoError(t, err)

	require.Len(t, res.Levels, 2)
	assert.Equal(t, 32, res.Levels[0].Grid.Width)
	assert.Equal(t, 2.0, res.Levels[0].Grid.Spacing.X)
	assert.Equal(t, fixed.Grid, res.Levels[1].Grid)
	assert.Equal(t, res.Levels[0].Iterations+res.Levels[1].Iterations, res.Iterations)
	assert.Equal(t, res.Iterations, events)
	for _, l := range res.Levels {
		assert.Positive(t, l.ValidPoints)
		assert.False(t, l.StopCondition == optimizer.MetricError || l.StopCondition == optimizer.InvalidConfiguration)
	}

	assert.InDelta(t, 3, tr.Offset.X, 0.1)
	assert.InDelta(t, -2, tr.Offset.Y, 0.1)
	assert.Equal(t, res.Levels[1].Value, res.Value)
}

func TestRunSparseStride(t *testing.T) {
	fixed, moving := pair(t, transform.NewTranslation(r2.Vec{X: 1.5, Y: 1}))

	p := DefaultParams()
	p.SamplingStride = 2
	p.NumberOfWorkers = 3
	tr := transform.NewTranslation(r2.Vec{})
	res, err := New(p, logging.Discard()).Run(fixed, moving, tr)
	require.NoError(t, err)

	require.Len(t, res.Levels, 1)
	assert.LessOrEqual(t, res.Levels[0].ValidPoints, 32*32)
	assert.InDelta(t, 1.5, tr.Offset.X, 0.1)
	assert.InDelta(t, 1, tr.Offset.Y, 0.1)
}

func TestRunPlainGradientDescentWithEstimatedRate(t *testing.T) {
	fixed, moving := pair(t, transform.NewTranslation(r2.Vec{X: 1, Y: -1}))

	p := DefaultParams()
	p.Optimizer.Kind = PlainGradientDescent
	p.Optimizer.LearningRateEstimation = EstimateOnce
	p.Optimizer.MaximumStepSizeInPhysicalUnits = 0.5
	p.Optimizer.NumberOfIterations = 300
	p.Optimizer.ConvergenceWindowSize = 10
	p.Optimizer.MinimumConvergenceValue = 1e-6
	tr := transform.NewTranslation(r2.Vec{})
	res, err := New(p, logging.Discard()).Run(fixed, moving, tr)
	require.NoError(t, err)

	assert.Contains(t, []optimizer.StopCondition{optimizer.ConvergenceWindowMet, optimizer.MaxIterationsReached}, res.StopCondition)
	assert.InDelta(t, 1, tr.Offset.X, 0.1)
	assert.InDelta(t, -1, tr.Offset.Y, 0.1)
}

func TestRunStopSkipsRemainingLevels(t *testing.T) {
	fixed, moving := pair(t, transform.NewTranslation(r2.Vec{X: 3, Y: -2}))

	p := DefaultParams()
	p.Levels = []Level{{ShrinkFactor: 2}, {ShrinkFactor: 1}}
	m := New(p, logging.Discard())
	m.AddObserver(optimizer.ObserverFunc(func(e optimizer.Event) {
		if e.Kind == optimizer.IterationEvent && e.Iteration == 2 {
			m.Stop()
		}
	}))

	res, err := m.Run(fixed, moving, transform.NewTranslation(r2.Vec{}))
	require.NoError(t, err)
	require.Len(t, res.Levels, 1)
	assert.Equal(t, optimizer.StoppedExternally, res.StopCondition)
	assert.Equal(t, 2, res.Iterations)
}

func TestRunLevelErrorsAreWrapped(t *testing.T) {
	fixed, moving := pair(t, transform.NewTranslation(r2.Vec{X: 1}))

	// A displacement field is tied to the full-resolution grid, so the
	// shrunk second level cannot use it.
	p := DefaultParams()
	p.Levels = []Level{{ShrinkFactor: 1}, {ShrinkFactor: 2}}
	p.Optimizer.NumberOfIterations = 3
	p.Scales.Estimator = FixedScales
	field := transform.NewDisplacementField(fixed.Grid)

	res, err := New(p, logging.Discard()).Run(fixed, moving, field)
	require.ErrorIs(t, err, metric.ErrIncongruentDomain)
	assert.ErrorContains(t, err, "registration level 1")
	require.NotNil(t, res)
	require.Len(t, res.Levels, 2)
	assert.Equal(t, 3, res.Levels[0].Iterations)
	assert.Equal(t, optimizer.NotStarted, res.Levels[1].StopCondition)
}

func TestRunRejectsBadInput(t *testing.T) {
	fixed, moving := pair(t, transform.NewIdentity())

	_, err := New(DefaultParams(), logging.Discard()).Run(nil, moving, transform.NewIdentity())
	assert.ErrorIs(t, err, ErrMissingInput)

	p := DefaultParams()
	p.Optimizer.Kind = OptimizerKind(7)
	_, err = New(p, logging.Discard()).Run(fixed, moving, transform.NewTranslation(r2.Vec{}))
	assert.ErrorIs(t, err, optimizer.ErrInvalidConfiguration)
	assert.ErrorContains(t, err, "registration level 0")

	p = DefaultParams()
	p.Optimizer.RelaxationFactor = 2
	res, err := New(p, logging.Discard()).Run(fixed, moving, transform.NewTranslation(r2.Vec{}))
	assert.ErrorIs(t, err, optimizer.ErrInvalidConfiguration)
	assert.Equal(t, optimizer.InvalidConfiguration, res.StopCondition)
}

func TestNewDefaults(t *testing.T) {
	m := New(Params{}, nil)
	assert.Equal(t, metric.MeanSquares{}, m.Params().Measure)
	assert.Equal(t, []Level{{ShrinkFactor: 1}}, m.Params().Levels)
	assert.Equal(t, "gradientDescent", PlainGradientDescent.String())
	assert.Equal(t, "OptimizerKind(9)", OptimizerKind(9).String())
}

func TestCompareIdentical(t *testing.T) {
	fixed, _ := pair(t, transform.NewIdentity())
	q := Compare(fixed.Pix, fixed.Pix)

	assert.Equal(t, len(fixed.Pix), q.ValidPixels)
	assert.InDelta(t, 0, q.RMSE, 1e-12)
	assert.InDelta(t, 1, q.NCC, 1e-12)
	assert.InDelta(t, 1, q.SSIM, 1e-9)
	assert.InDelta(t, 0, q.EntropyDiff, 1e-12)
	assert.InDelta(t, entropy(fixed.Pix), q.MI, 1e-9)
	assert.Positive(t, q.MI)
}

func TestCompareDegenerateInputs(t *testing.T) {
	assert.Equal(t, Quality{}, Compare(nil, nil))
	assert.Equal(t, Quality{}, Compare([]float64{1, 2}, []float64{1}))

	q := Compare([]float64{1, 2, 3, 4}, []float64{5, 5, 5, 5})
	assert.Equal(t, 4, q.ValidPixels)
	assert.Zero(t, q.NCC)
	assert.Zero(t, q.MI)
	assert.InDelta(t, math.Sqrt((16+9+4+1)/4.0), q.RMSE, 1e-12)
}

func TestMeasureQualityImprovesWithAlignment(t *testing.T) {
	truth := transform.NewTranslation(r2.Vec{X: 3, Y: -2})
	fixed, moving := pair(t, truth)

	before := MeasureQuality(fixed, moving, transform.NewIdentity())
	after := MeasureQuality(fixed, moving, truth)

	assert.Less(t, after.RMSE, before.RMSE)
	assert.Greater(t, after.NCC, before.NCC)
	assert.Greater(t, after.MI, before.MI)
	assert.Less(t, after.ValidPixels, before.ValidPixels)
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 6
	cfg.Metric.Averaging = "sum"
	cfg.Metric.UseGradientFilter = true
	cfg.Metric.GradientFilterSigma = 1.5
	cfg.Metric.SamplingStride = 3
	cfg.Optimizer.Type = "gradientDescent"
	cfg.Optimizer.EstimateLearningRate = "once"
	cfg.Optimizer.ConvergenceWindowSize = 7
	cfg.Scales.Estimator = "jacobian"
	cfg.Scales.Sampling = "centre"
	cfg.Levels = []config.Level{{ShrinkFactor: 4, SmoothingSigma: 2}, {ShrinkFactor: 1}}

	p, err := ParamsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, p.NumberOfWorkers)
	assert.Equal(t, metric.SumOverValidPoints, p.Metric.Averaging)
	assert.True(t, p.Metric.UseFixedGradientFilter)
	assert.True(t, p.Metric.UseMovingGradientFilter)
	assert.Equal(t, 1.5, p.Metric.GradientFilterSigma)
	assert.Equal(t, 3, p.SamplingStride)
	assert.Equal(t, PlainGradientDescent, p.Optimizer.Kind)
	assert.Equal(t, EstimateOnce, p.Optimizer.LearningRateEstimation)
	assert.Equal(t, 7, p.Optimizer.ConvergenceWindowSize)
	assert.Equal(t, JacobianEstimator, p.Scales.Estimator)
	assert.Equal(t, scales.CentreSampling, p.Scales.Sampling)
	assert.Equal(t, []Level{{ShrinkFactor: 4, SmoothingSigma: 2}, {ShrinkFactor: 1}}, p.Levels)
}

func TestParamsFromConfigRejectsInvalid(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Optimizer.Type = "annealing"
	_, err := ParamsFromConfig(cfg)
	assert.True(t, errors.Is(err, config.ErrInvalid))

	p, err := ParamsFromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, RegularStep, p.Optimizer.Kind)
}
