package optimizer

import (
	"fmt"
	"math"

	"github.com/charmbracelet/log"
)

// RegularStepGradientDescent takes steps of a fixed physical length along
// the scaled gradient, shrinking the step by RelaxationFactor whenever the
// direction reverses.
type RegularStepGradientDescent struct {
	base

	MaximumStepLength          float64
	MinimumStepLength          float64
	RelaxationFactor           float64
	GradientMagnitudeTolerance float64
	// DoEstimateMaximumStepLength replaces MaximumStepLength with the scales
	// estimator's maximum step size at start.
	DoEstimateMaximumStepLength bool

	currentStep      float64
	previousGradient []float64
}

// NewRegularStepGradientDescent returns an optimizer with the usual
// defaults: step 1 relaxed by 0.5 down to 1e-4, 100 iterations.
func NewRegularStepGradientDescent(m Metric, logger *log.Logger) *RegularStepGradientDescent {
	return &RegularStepGradientDescent{
		base:                       newBase(m, logger, "regular-step-descent"),
		MaximumStepLength:          1,
		MinimumStepLength:          1e-4,
		RelaxationFactor:           0.5,
		GradientMagnitudeTolerance: 1e-4,
	}
}

// CurrentStepLength is the step length after any relaxation.
func (o *RegularStepGradientDescent) CurrentStepLength() float64 { return o.currentStep }

func (o *RegularStepGradientDescent) stepLength() float64 { return o.currentStep }

// StartOptimization validates the configuration, estimates scales and
// maximum step when asked, and runs the loop from iteration zero.
func (o *RegularStepGradientDescent) StartOptimization() error { return o.start(o) }

// ResumeOptimization continues from the current iteration and step length.
func (o *RegularStepGradientDescent) ResumeOptimization() error {
	if o.Metric == nil {
		return fmt.Errorf("%w: no metric", ErrInvalidConfiguration)
	}
	return o.resume(o)
}

func (o *RegularStepGradientDescent) validate() error {
	if !(o.RelaxationFactor > 0 && o.RelaxationFactor < 1) {
		return fmt.Errorf("%w: relaxation factor %g outside (0, 1)", ErrInvalidConfiguration, o.RelaxationFactor)
	}
	if o.MinimumStepLength < 0 {
		return fmt.Errorf("%w: negative minimum step length %g", ErrInvalidConfiguration, o.MinimumStepLength)
	}
	if o.GradientMagnitudeTolerance < 0 {
		return fmt.Errorf("%w: negative gradient magnitude tolerance %g", ErrInvalidConfiguration, o.GradientMagnitudeTolerance)
	}
	return nil
}

func (o *RegularStepGradientDescent) prepare() error {
	if o.DoEstimateMaximumStepLength && o.ScalesEstimator != nil {
		step, err := o.ScalesEstimator.EstimateMaximumStepSize()
		if err != nil {
			return fmt.Errorf("optimizer: estimate maximum step length: %w", err)
		}
		o.MaximumStepLength = step
	}
	o.currentStep = o.MaximumStepLength
	o.previousGradient = make([]float64, o.Metric.NumberOfParameters())
	return nil
}

func (*RegularStepGradientDescent) converged(float64) bool { return false }

// advanceOneStep rescales the derivative, relaxes the step on a direction
// reversal and hands the unit-direction step to the metric.
func (o *RegularStepGradientDescent) advanceOneStep() error {
	if len(o.previousGradient) != len(o.gradient) {
		o.previousGradient = make([]float64, len(o.gradient))
	}
	magnitude2, dot := o.scaleGradient(o.previousGradient)
	magnitude := math.Sqrt(magnitude2)

	if dot < 0 {
		o.currentStep *= o.RelaxationFactor
	}
	if o.currentStep < o.MinimumStepLength {
		o.halt(StepTooSmall, fmt.Sprintf("step too small after %d iterations: current step %g is less than minimum step %g",
			o.iteration, o.currentStep, o.MinimumStepLength))
		return nil
	}
	if magnitude < o.GradientMagnitudeTolerance {
		o.halt(GradientToleranceMet, fmt.Sprintf("gradient magnitude tolerance met after %d iterations: %g is less than %g",
			o.iteration, magnitude, o.GradientMagnitudeTolerance))
		return nil
	}

	copy(o.previousGradient, o.gradient)
	o.scaleInPlace(o.currentStep / magnitude)
	return o.update()
}
