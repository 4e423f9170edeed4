// Package optimizer drives a metric to a minimum with gradient descent.
//
// An optimizer is a small state machine: NotStarted, then Running, then one
// terminal StopCondition. Metric and update failures are terminal and are
// returned to the caller; the other terminal conditions are normal outcomes.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/floats"

	"mrislicereg/internal/logging"
	"mrislicereg/pkg/threader"
)

// ErrInvalidConfiguration is returned by StartOptimization when validation
// fails.
var ErrInvalidConfiguration = errors.New("optimizer: invalid configuration")

// StopCondition is the optimizer state. Every value except NotStarted and
// Running is terminal.
type StopCondition int

const (
	NotStarted StopCondition = iota
	Running
	MaxIterationsReached
	StepTooSmall
	GradientToleranceMet
	ConvergenceWindowMet
	MetricError
	ParameterUpdateError
	StoppedExternally
	InvalidConfiguration
)

var stopConditionNames = map[StopCondition]string{
	NotStarted:           "NotStarted",
	Running:              "Running",
	MaxIterationsReached: "MaxIterationsReached",
	StepTooSmall:         "StepTooSmall",
	GradientToleranceMet: "GradientToleranceMet",
	ConvergenceWindowMet: "ConvergenceWindowMet",
	MetricError:          "MetricError",
	ParameterUpdateError: "ParameterUpdateError",
	StoppedExternally:    "StoppedExternally",
	InvalidConfiguration: "InvalidConfiguration",
}

func (s StopCondition) String() string {
	if name, ok := stopConditionNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StopCondition(%d)", int(s))
}

// Terminal reports whether s ends an optimization.
func (s StopCondition) Terminal() bool { return s != NotStarted && s != Running }

// Metric is the cost function seen by the optimizer. *metric.Evaluator
// satisfies it. The derivative follows the descent direction, so the
// optimizer adds positive multiples of it.
type Metric interface {
	NumberOfParameters() int
	NumberOfLocalParameters() int
	HasLocalSupport() bool
	Parameters() []float64
	GetValueAndDerivative(derivative []float64) (float64, error)
	UpdateTransformParameters(update []float64, factor float64) error
}

// ScalesEstimator supplies parameter scales and step sizes.
type ScalesEstimator interface {
	EstimateScales() ([]float64, error)
	EstimateMaximumStepSize() (float64, error)
	EstimateStepScale(step []float64) (float64, error)
}

// EventKind names an optimizer notification.
type EventKind int

const (
	StartEvent EventKind = iota
	IterationEvent
	EndEvent
)

func (k EventKind) String() string {
	switch k {
	case StartEvent:
		return "start"
	case IterationEvent:
		return "iteration"
	case EndEvent:
		return "end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to observers. Parameters is a copy.
type Event struct {
	Kind          EventKind
	Iteration     int
	Value         float64
	StepLength    float64
	Parameters    []float64
	StopCondition StopCondition
}

// Observer receives optimizer events on the optimizing goroutine. An
// observer must not block; it may call StopOptimization.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// stepper is implemented by each descent variant.
type stepper interface {
	validate() error
	prepare() error
	// converged is checked after every metric evaluation.
	converged(value float64) bool
	advanceOneStep() error
	stepLength() float64
}

// base holds the loop shared by the descent variants.
type base struct {
	Metric          Metric
	ScalesEstimator ScalesEstimator
	// Scales divide the derivative element-wise, index modulo length.
	// Empty means unit scales.
	Scales             []float64
	DoEstimateScales   bool
	NumberOfIterations int
	// NumberOfWorkers splits the gradient rescaling; <= 0 uses every CPU.
	NumberOfWorkers int

	log       *log.Logger
	observers []Observer

	stop        atomic.Bool
	mu          sync.Mutex
	condition   StopCondition
	description string
	// pending holds a stop requested before the loop started.
	pending bool

	iteration int
	value     float64
	gradient  []float64
}

func newBase(m Metric, logger *log.Logger, component string) base {
	return base{
		Metric:             m,
		NumberOfIterations: 100,
		log:                logging.Component(logger, component),
	}
}

// AddObserver registers o for every later event.
func (b *base) AddObserver(o Observer) { b.observers = append(b.observers, o) }

// StopOptimization asks a running loop to stop at its next check. It is
// safe to call from observers and from other goroutines. A request made
// before the loop starts is kept and honoured by the next start or resume.
func (b *base) StopOptimization() {
	b.mu.Lock()
	switch {
	case b.condition == Running:
		b.condition = StoppedExternally
		b.description = "optimization stopped externally"
	case !b.condition.Terminal():
		b.pending = true
	}
	b.mu.Unlock()
	b.stop.Store(true)
}

// halt records a terminal condition unless one is already set.
func (b *base) halt(cond StopCondition, description string) {
	b.mu.Lock()
	if !b.condition.Terminal() {
		b.condition = cond
		b.description = description
	}
	b.mu.Unlock()
	b.stop.Store(true)
}

func (b *base) StopCondition() StopCondition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.condition
}

func (b *base) StopConditionDescription() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.description
}

func (b *base) CurrentIteration() int { return b.iteration }

func (b *base) CurrentValue() float64 { return b.value }

// CurrentPosition returns the metric's current parameters.
func (b *base) CurrentPosition() []float64 {
	if b.Metric == nil {
		return nil
	}
	return b.Metric.Parameters()
}

// Gradient is the last derivative after scaling and step rescaling.
func (b *base) Gradient() []float64 { return b.gradient }

func (b *base) notify(kind EventKind, s stepper) {
	if len(b.observers) == 0 {
		return
	}
	e := Event{
		Kind:          kind,
		Iteration:     b.iteration,
		Value:         b.value,
		StepLength:    s.stepLength(),
		Parameters:    b.CurrentPosition(),
		StopCondition: b.StopCondition(),
	}
	for _, o := range b.observers {
		o.Observe(e)
	}
}

func (b *base) validateBase() error {
	if b.Metric == nil {
		return fmt.Errorf("%w: no metric", ErrInvalidConfiguration)
	}
	if b.NumberOfIterations < 0 {
		return fmt.Errorf("%w: negative number of iterations %d", ErrInvalidConfiguration, b.NumberOfIterations)
	}
	return nil
}

// setupScales estimates or defaults the scales and checks them against the
// metric's local parameter count.
func (b *base) setupScales() error {
	if b.DoEstimateScales && b.ScalesEstimator != nil {
		s, err := b.ScalesEstimator.EstimateScales()
		if err != nil {
			return fmt.Errorf("optimizer: estimate scales: %w", err)
		}
		b.Scales = s
	}
	nLocal := b.Metric.NumberOfLocalParameters()
	if len(b.Scales) == 0 {
		b.Scales = make([]float64, nLocal)
		for i := range b.Scales {
			b.Scales[i] = 1
		}
	}
	if nLocal > 0 && len(b.Scales) != nLocal {
		return fmt.Errorf("%w: %d scales for %d local parameters", ErrInvalidConfiguration, len(b.Scales), nLocal)
	}
	for i, s := range b.Scales {
		if !(s > 0) {
			return fmt.Errorf("%w: scale %d is %g", ErrInvalidConfiguration, i, s)
		}
	}
	return nil
}

// start validates, prepares the variant and runs the loop.
func (b *base) start(s stepper) error {
	b.mu.Lock()
	b.condition = NotStarted
	b.description = ""
	b.mu.Unlock()

	err := b.validateBase()
	if err == nil {
		err = s.validate()
	}
	if err == nil {
		err = b.setupScales()
	}
	if err == nil {
		err = s.prepare()
	}
	if err != nil {
		b.halt(InvalidConfiguration, err.Error())
		return err
	}
	b.iteration = 0
	return b.resume(s)
}

// resume runs iterations until a stop condition is reached.
func (b *base) resume(s stepper) error {
	b.mu.Lock()
	b.condition = Running
	b.description = ""
	if b.pending {
		b.condition = StoppedExternally
		b.description = "optimization stopped externally"
		b.pending = false
		b.stop.Store(true)
	} else {
		b.stop.Store(false)
	}
	b.mu.Unlock()
	b.gradient = make([]float64, b.Metric.NumberOfParameters())

	b.log.Debug("optimization started", "parameters", len(b.gradient), "iterations", b.NumberOfIterations)
	b.notify(StartEvent, s)
	err := b.loop(s)
	b.notify(EndEvent, s)

	level := log.InfoLevel
	if err != nil {
		level = log.ErrorLevel
	}
	b.log.Log(level, "optimization finished",
		"stop", b.StopCondition(),
		"iteration", b.iteration,
		"value", b.value,
		"reason", b.StopConditionDescription(),
	)
	return err
}

func (b *base) loop(s stepper) error {
	for {
		if b.iteration >= b.NumberOfIterations {
			b.halt(MaxIterationsReached, fmt.Sprintf("maximum number of iterations (%d) exceeded", b.NumberOfIterations))
			return nil
		}

		value, err := b.Metric.GetValueAndDerivative(b.gradient)
		if err != nil {
			b.halt(MetricError, err.Error())
			return fmt.Errorf("optimizer: iteration %d: %w", b.iteration, err)
		}
		b.value = value
		if s.converged(value) {
			return nil
		}
		if b.stop.Load() {
			return nil
		}

		if err := s.advanceOneStep(); err != nil {
			return err
		}
		if b.stop.Load() {
			return nil
		}

		b.iteration++
		b.log.Debug("iteration", "n", b.iteration, "value", value, "step", s.stepLength())
		b.notify(IterationEvent, s)
	}
}

// update hands the rescaled gradient to the metric, mapping failures to
// ParameterUpdateError.
func (b *base) update() error {
	if err := b.Metric.UpdateTransformParameters(b.gradient, 1); err != nil {
		b.halt(ParameterUpdateError, err.Error())
		return fmt.Errorf("optimizer: update parameters at iteration %d: %w", b.iteration, err)
	}
	return nil
}

// scaleGradient divides the gradient by the scales, index modulo the scale
// length, over static worker ranges. It returns |g|^2 and g . prev, both
// over the scaled gradient; prev may be nil.
func (b *base) scaleGradient(prev []float64) (magnitude2, dot float64) {
	g := b.gradient
	scales := b.Scales
	ranges := threader.SplitRange(len(g), b.NumberOfWorkers)
	partial := make([][2]float64, len(ranges))

	_ = threader.Dispatch(len(ranges), func(_ context.Context, w int) error {
		r := ranges[w]
		var m, d float64
		for i := r.Start; i < r.End; i++ {
			if len(scales) > 0 {
				g[i] /= scales[i%len(scales)]
			}
			m += g[i] * g[i]
			if prev != nil {
				d += g[i] * prev[i]
			}
		}
		partial[w] = [2]float64{m, d}
		return nil
	})

	for _, p := range partial {
		magnitude2 += p[0]
		dot += p[1]
	}
	return magnitude2, dot
}

// scaleInPlace multiplies the gradient by factor.
func (b *base) scaleInPlace(factor float64) { floats.Scale(factor, b.gradient) }
