// Package registration runs a multi-resolution image registration: for each
// level it smooths and shrinks both images, builds a metric evaluator over
// the fixed image, estimates parameter scales and drives an optimizer that
// updates the moving transform in place.
package registration

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"mrislicereg/internal/logging"
	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/metric"
	"mrislicereg/pkg/optimizer"
	"mrislicereg/pkg/scales"
	"mrislicereg/pkg/transform"
)

// ErrMissingInput is returned when an image or the transform is nil.
var ErrMissingInput = errors.New("registration: fixed image, moving image and transform are required")

// Level is one resolution level. Levels run in order, coarse to fine.
type Level struct {
	// ShrinkFactor downsamples both images by this integer factor. Values
	// below 2 keep the full resolution.
	ShrinkFactor int

	// SmoothingSigma is the Gaussian sigma, in physical units, applied
	// before shrinking. Zero disables smoothing.
	SmoothingSigma float64
}

// OptimizerKind selects the descent variant.
type OptimizerKind int

const (
	// RegularStep is the regular step gradient descent.
	RegularStep OptimizerKind = iota
	// PlainGradientDescent is the fixed learning rate descent with a
	// convergence window.
	PlainGradientDescent
)

func (k OptimizerKind) String() string {
	switch k {
	case RegularStep:
		return "regularStep"
	case PlainGradientDescent:
		return "gradientDescent"
	default:
		return fmt.Sprintf("OptimizerKind(%d)", int(k))
	}
}

// LearningRateEstimation controls when plain descent estimates its rate.
type LearningRateEstimation int

const (
	NeverEstimate LearningRateEstimation = iota
	EstimateOnce
	EstimateEachIteration
)

// EstimatorKind selects how parameter scales are obtained.
type EstimatorKind int

const (
	// PhysicalShiftEstimator perturbs each parameter and measures the
	// resulting point shift.
	PhysicalShiftEstimator EstimatorKind = iota
	// JacobianEstimator averages squared parameter Jacobian columns.
	JacobianEstimator
	// FixedScales uses ScalesParams.Values, or unit scales when empty.
	FixedScales
)

// OptimizerParams configure the optimizer built at every level.
type OptimizerParams struct {
	Kind               OptimizerKind
	NumberOfIterations int

	// Regular step settings.
	MaximumStepLength          float64
	MinimumStepLength          float64
	RelaxationFactor           float64
	GradientMagnitudeTolerance float64
	EstimateMaximumStepLength  bool

	// Plain descent settings.
	LearningRate                   float64
	LearningRateEstimation         LearningRateEstimation
	MaximumStepSizeInPhysicalUnits float64
	ConvergenceWindowSize          int
	MinimumConvergenceValue        float64
}

// ScalesParams configure the parameter scales.
type ScalesParams struct {
	Estimator EstimatorKind
	Sampling  scales.Sampling
	// Delta is the PhysicalShift perturbation; zero uses scales.DefaultDelta.
	Delta  float64
	Values []float64
}

// Params holds the registration method configuration.
type Params struct {
	// NumberOfWorkers is shared by the metric and the optimizer; <= 0 uses
	// every CPU.
	NumberOfWorkers int

	// Measure defaults to metric.MeanSquares.
	Measure metric.PointMeasure
	Metric  metric.Options

	// SamplingStride > 0 samples every n-th fixed pixel along both axes as a
	// sparse point set instead of the full virtual domain.
	SamplingStride int

	FixedMask  imaging.Mask
	MovingMask imaging.Mask

	Optimizer OptimizerParams
	Scales    ScalesParams

	// Levels default to a single full-resolution level.
	Levels []Level
}

// DefaultParams returns a single-level mean squares registration with a
// regular step optimizer and physical shift scales.
func DefaultParams() Params {
	return Params{
		Measure: metric.MeanSquares{},
		Optimizer: OptimizerParams{
			Kind:                       RegularStep,
			NumberOfIterations:         200,
			MaximumStepLength:          1,
			MinimumStepLength:          1e-4,
			RelaxationFactor:           0.5,
			GradientMagnitudeTolerance: 1e-8,
			LearningRate:               1,
			ConvergenceWindowSize:      10,
			MinimumConvergenceValue:    1e-6,
		},
		Scales: ScalesParams{Estimator: PhysicalShiftEstimator, Delta: scales.DefaultDelta},
		Levels: []Level{{ShrinkFactor: 1}},
	}
}

// Optimizer is the surface the method needs from a descent variant. Both
// optimizer types satisfy it.
type Optimizer interface {
	AddObserver(optimizer.Observer)
	StartOptimization() error
	StopOptimization()
	StopCondition() optimizer.StopCondition
	StopConditionDescription() string
	CurrentIteration() int
	CurrentValue() float64
	CurrentPosition() []float64
}

// LevelSummary describes the outcome of one level.
type LevelSummary struct {
	Level         Level
	Grid          imaging.Grid
	ValidPoints   int
	StopCondition optimizer.StopCondition
	Description   string
	Iterations    int
	Value         float64
}

// Result is the outcome of Run. On a level failure it holds everything up
// to and including the failed level.
type Result struct {
	Parameters               []float64
	StopCondition            optimizer.StopCondition
	StopConditionDescription string
	// Iterations is summed over levels.
	Iterations int
	// Value is the last metric value of the last level run.
	Value   float64
	Levels  []LevelSummary
	Quality Quality
}

// Method runs registrations with fixed Params. A Method runs one
// registration at a time.
type Method struct {
	params    Params
	log       *log.Logger
	observers []optimizer.Observer

	mu      sync.Mutex
	current Optimizer
	stopped bool
}

// New returns a method for p. A nil logger uses the default logger.
func New(p Params, logger *log.Logger) *Method {
	if p.Measure == nil {
		p.Measure = metric.MeanSquares{}
	}
	if len(p.Levels) == 0 {
		p.Levels = []Level{{ShrinkFactor: 1}}
	}
	return &Method{params: p, log: logging.Component(logger, "registration")}
}

// Params returns the method configuration after defaulting.
func (m *Method) Params() Params { return m.params }

// AddObserver registers o with the optimizer of every level.
func (m *Method) AddObserver(o optimizer.Observer) { m.observers = append(m.observers, o) }

// Stop asks the running level to stop and skips the remaining levels. It is
// safe to call from observers and other goroutines.
func (m *Method) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.current != nil {
		m.current.StopOptimization()
	}
}

// Run registers moving onto fixed by optimizing t in place, starting from
// its current parameters. Quality is measured at full resolution once all
// levels finish.
func (m *Method) Run(fixed, moving *imaging.Image, t transform.Transform) (*Result, error) {
	if fixed == nil || moving == nil || t == nil {
		return nil, ErrMissingInput
	}
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()

	res := &Result{StopCondition: optimizer.NotStarted}
	for i, lvl := range m.params.Levels {
		if m.isStopped() {
			break
		}
		summary, err := m.runLevel(i, lvl, fixed, moving, t)
		res.Levels = append(res.Levels, summary)
		res.Iterations += summary.Iterations
		res.Value = summary.Value
		res.StopCondition = summary.StopCondition
		res.StopConditionDescription = summary.Description
		res.Parameters = t.Parameters()
		if err != nil {
			return res, fmt.Errorf("registration level %d: %w", i, err)
		}
	}

	res.Quality = MeasureQuality(fixed, moving, t)
	m.log.Info("registration finished",
		"levels", len(res.Levels),
		"iterations", res.Iterations,
		"stop", res.StopCondition,
		"value", res.Value,
		"rmse", res.Quality.RMSE,
		"ncc", res.Quality.NCC,
	)
	return res, nil
}

func (m *Method) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Method) runLevel(i int, lvl Level, fixed, moving *imaging.Image, t transform.Transform) (LevelSummary, error) {
	summary := LevelSummary{Level: lvl, StopCondition: optimizer.NotStarted}

	f := prepareImage(fixed, lvl)
	mv := prepareImage(moving, lvl)
	summary.Grid = f.Grid

	p := m.params
	opts := p.Metric
	opts.NumberOfWorkers = p.NumberOfWorkers
	ev := metric.New(metric.Config{
		FixedImage:      f,
		MovingImage:     mv,
		MovingTransform: t,
		FixedMask:       p.FixedMask,
		MovingMask:      p.MovingMask,
		FixedPoints:     stridePoints(f.Grid, p.SamplingStride),
		Measure:         p.Measure,
		Options:         opts,
	}, m.log)
	if err := ev.Initialize(); err != nil {
		return summary, err
	}

	est := m.estimator(ev)
	opt, err := m.optimizer(ev, est)
	if err != nil {
		return summary, err
	}
	for _, o := range m.observers {
		opt.AddObserver(o)
	}

	m.mu.Lock()
	m.current = opt
	stopped := m.stopped
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
	}()
	if stopped {
		return summary, nil
	}

	m.log.Info("level started",
		"level", i,
		"shrink", lvl.ShrinkFactor,
		"sigma", lvl.SmoothingSigma,
		"size", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"points", ev.NumberOfValidPoints(),
	)
	err = opt.StartOptimization()

	summary.ValidPoints = ev.NumberOfValidPoints()
	summary.StopCondition = opt.StopCondition()
	summary.Description = opt.StopConditionDescription()
	summary.Iterations = opt.CurrentIteration()
	summary.Value = opt.CurrentValue()
	m.log.Info("level finished",
		"level", i,
		"stop", summary.StopCondition,
		"iterations", summary.Iterations,
		"value", summary.Value,
	)
	return summary, err
}

// estimator returns nil for FixedScales.
func (m *Method) estimator(ev *metric.Evaluator) optimizer.ScalesEstimator {
	sp := m.params.Scales
	switch sp.Estimator {
	case PhysicalShiftEstimator:
		est := scales.NewPhysicalShift(ev, m.log)
		est.Sampling = sp.Sampling
		if sp.Delta > 0 {
			est.Delta = sp.Delta
		}
		return est
	case JacobianEstimator:
		est := scales.NewJacobian(ev)
		est.Sampling = sp.Sampling
		return est
	default:
		return nil
	}
}

func (m *Method) optimizer(ev *metric.Evaluator, est optimizer.ScalesEstimator) (Optimizer, error) {
	op := m.params.Optimizer
	sp := m.params.Scales

	switch op.Kind {
	case RegularStep:
		o := optimizer.NewRegularStepGradientDescent(ev, m.log)
		o.MaximumStepLength = op.MaximumStepLength
		o.MinimumStepLength = op.MinimumStepLength
		o.RelaxationFactor = op.RelaxationFactor
		o.GradientMagnitudeTolerance = op.GradientMagnitudeTolerance
		o.DoEstimateMaximumStepLength = op.EstimateMaximumStepLength
		o.NumberOfIterations = op.NumberOfIterations
		o.NumberOfWorkers = m.params.NumberOfWorkers
		o.ScalesEstimator = est
		o.DoEstimateScales = est != nil
		if est == nil {
			o.Scales = append([]float64(nil), sp.Values...)
		}
		return o, nil
	case PlainGradientDescent:
		o := optimizer.NewGradientDescent(ev, m.log)
		o.LearningRate = op.LearningRate
		o.DoEstimateLearningRateOnce = op.LearningRateEstimation == EstimateOnce
		o.DoEstimateLearningRateAtEachIteration = op.LearningRateEstimation == EstimateEachIteration
		o.MaximumStepSizeInPhysicalUnits = op.MaximumStepSizeInPhysicalUnits
		o.ConvergenceWindowSize = op.ConvergenceWindowSize
		o.MinimumConvergenceValue = op.MinimumConvergenceValue
		o.NumberOfIterations = op.NumberOfIterations
		o.NumberOfWorkers = m.params.NumberOfWorkers
		o.ScalesEstimator = est
		o.DoEstimateScales = est != nil
		if est == nil {
			o.Scales = append([]float64(nil), sp.Values...)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer kind %v", optimizer.ErrInvalidConfiguration, op.Kind)
	}
}

// prepareImage smooths then shrinks img for lvl.
func prepareImage(img *imaging.Image, lvl Level) *imaging.Image {
	out := img
	if lvl.SmoothingSigma > 0 {
		out = imaging.Smooth(out, lvl.SmoothingSigma)
	}
	if lvl.ShrinkFactor > 1 {
		out = imaging.Shrink(out, lvl.ShrinkFactor)
	}
	return out
}

// stridePoints returns the physical centres of every stride-th pixel of g,
// or nil for dense sampling.
func stridePoints(g imaging.Grid, stride int) imaging.PointSet {
	if stride <= 0 {
		return nil
	}
	var pts imaging.PointSet
	for y := 0; y < g.Height; y += stride {
		for x := 0; x < g.Width; x += stride {
			pts = append(pts, g.IndexToPoint(float64(x), float64(y)))
		}
	}
	return pts
}
