package registration

import (
	"fmt"

	"mrislicereg/pkg/config"
	"mrislicereg/pkg/metric"
	"mrislicereg/pkg/scales"
)

// ParamsFromConfig validates cfg and maps it onto method parameters.
func ParamsFromConfig(cfg *config.Config) (Params, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return Params{}, err
	}

	p := DefaultParams()
	p.NumberOfWorkers = cfg.Processing.NumCores

	switch cfg.Metric.Measure {
	case "meanSquares":
		p.Measure = metric.MeanSquares{}
	}
	if cfg.Metric.Averaging == "sum" {
		p.Metric.Averaging = metric.SumOverValidPoints
	}
	p.SamplingStride = cfg.Metric.SamplingStride
	p.Metric.UsePreWarp = cfg.Metric.UsePreWarp
	p.Metric.UseFixedGradientFilter = cfg.Metric.UseGradientFilter
	p.Metric.UseMovingGradientFilter = cfg.Metric.UseGradientFilter
	p.Metric.GradientFilterSigma = cfg.Metric.GradientFilterSigma
	p.Metric.UseFloatingPointCorrection = cfg.Metric.UseFloatingPointCorrection
	p.Metric.FloatingPointCorrectionResolution = cfg.Metric.FloatingPointCorrectionResolution

	o := cfg.Optimizer
	switch o.Type {
	case "regularStep":
		p.Optimizer.Kind = RegularStep
	case "gradientDescent":
		p.Optimizer.Kind = PlainGradientDescent
	}
	p.Optimizer.NumberOfIterations = o.NumberOfIterations
	p.Optimizer.MaximumStepLength = o.MaximumStepLength
	p.Optimizer.MinimumStepLength = o.MinimumStepLength
	p.Optimizer.RelaxationFactor = o.RelaxationFactor
	p.Optimizer.GradientMagnitudeTolerance = o.GradientMagnitudeTolerance
	p.Optimizer.EstimateMaximumStepLength = cfg.Scales.EstimateMaximumStepLength
	p.Optimizer.LearningRate = o.LearningRate
	switch o.EstimateLearningRate {
	case "once":
		p.Optimizer.LearningRateEstimation = EstimateOnce
	case "eachIteration":
		p.Optimizer.LearningRateEstimation = EstimateEachIteration
	default:
		p.Optimizer.LearningRateEstimation = NeverEstimate
	}
	p.Optimizer.MaximumStepSizeInPhysicalUnits = o.MaximumStepSizeInPhysicalUnits
	p.Optimizer.ConvergenceWindowSize = o.ConvergenceWindowSize
	p.Optimizer.MinimumConvergenceValue = o.MinimumConvergenceValue

	switch cfg.Scales.Estimator {
	case "physicalShift":
		p.Scales.Estimator = PhysicalShiftEstimator
	case "jacobian":
		p.Scales.Estimator = JacobianEstimator
	case "none":
		p.Scales.Estimator = FixedScales
	}
	sampling, err := parseSampling(cfg.Scales.Sampling)
	if err != nil {
		return Params{}, err
	}
	p.Scales.Sampling = sampling
	p.Scales.Delta = cfg.Scales.Delta
	p.Scales.Values = append([]float64(nil), cfg.Scales.Values...)

	p.Levels = make([]Level, len(cfg.Levels))
	for i, l := range cfg.Levels {
		p.Levels[i] = Level{ShrinkFactor: l.ShrinkFactor, SmoothingSigma: l.SmoothingSigma}
	}
	return p, nil
}

func parseSampling(s string) (scales.Sampling, error) {
	switch s {
	case "corners":
		return scales.CornerSampling, nil
	case "full":
		return scales.FullSampling, nil
	case "centre":
		return scales.CentreSampling, nil
	default:
		return 0, fmt.Errorf("%w: scales sampling %q", config.ErrInvalid, s)
	}
}
