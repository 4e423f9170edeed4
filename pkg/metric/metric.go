// Package metric evaluates an image similarity measure and its derivative
// with respect to the moving transform parameters, threaded over a static
// partition of the virtual sampling domain.
package metric

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/internal/logging"
	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/transform"
)

var (
	ErrMissingImage         = errors.New("metric: fixed and moving images are required")
	ErrMissingMeasure       = errors.New("metric: point measure is required")
	ErrInvalidConfiguration = errors.New("metric: invalid configuration")
	ErrNotInitialized       = errors.New("metric: evaluator not initialized")
	ErrIncongruentDomain    = errors.New("metric: local-support transform does not match the virtual domain")
	ErrOffsetCollision      = errors.New("metric: sample points share a virtual pixel")
	ErrDerivativeLength     = errors.New("metric: derivative buffer length mismatch")
	ErrNoValidPoints        = errors.New("metric: no valid sample points")
)

// DefaultFloatingPointCorrectionResolution is the truncation resolution used
// when floating point correction is on and no resolution is set.
const DefaultFloatingPointCorrectionResolution = 1e6

// congruenceTolerance bounds origin/spacing/direction differences accepted
// between a displacement field grid and the virtual domain.
const congruenceTolerance = 1e-6

// Averaging selects how per-point contributions are combined.
type Averaging int

const (
	// AverageOverValidPoints divides the value, and the derivative of global
	// transforms, by the number of valid points.
	AverageOverValidPoints Averaging = iota
	// SumOverValidPoints reports the raw sums.
	SumOverValidPoints
)

// Resampler warps an image into a target grid through a point mapping.
type Resampler interface {
	Resample(img *imaging.Image, t imaging.PointMapper, grid imaging.Grid) *imaging.WarpedImage
}

// ResamplerFunc adapts a function to Resampler.
type ResamplerFunc func(img *imaging.Image, t imaging.PointMapper, grid imaging.Grid) *imaging.WarpedImage

// Resample implements Resampler.
func (f ResamplerFunc) Resample(img *imaging.Image, t imaging.PointMapper, grid imaging.Grid) *imaging.WarpedImage {
	return f(img, t, grid)
}

// Options tune the evaluation.
type Options struct {
	// NumberOfWorkers caps the partition count; <= 0 uses every CPU.
	NumberOfWorkers int
	Averaging       Averaging

	// Gradient filters precompute smoothed image gradients at Initialize
	// instead of differencing the interpolant at each point.
	UseFixedGradientFilter  bool
	UseMovingGradientFilter bool
	// GradientFilterSigma is the smoothing sigma in physical units.
	GradientFilterSigma float64

	// UsePreWarp resamples both images into the virtual grid once per
	// evaluation. Dense sampling only.
	UsePreWarp bool
	// Resampler defaults to imaging.Resample.
	Resampler Resampler

	// UseFloatingPointCorrection truncates each local derivative to
	// 1/FloatingPointCorrectionResolution before accumulation. It masks
	// summation-order noise between worker counts and is off by default.
	UseFloatingPointCorrection        bool
	FloatingPointCorrectionResolution float64
}

// Config collects the evaluator inputs.
type Config struct {
	FixedImage  *imaging.Image
	MovingImage *imaging.Image

	// Nil transforms default to the identity.
	FixedTransform  transform.Transform
	MovingTransform transform.Transform

	FixedMask  imaging.Mask
	MovingMask imaging.Mask

	// VirtualGrid overrides the virtual domain, which otherwise is the fixed
	// image grid.
	VirtualGrid *imaging.Grid
	// FixedPoints switches to sparse sampling. Points are in fixed image
	// space and are mapped once into the virtual domain at Initialize.
	FixedPoints imaging.PointSet

	Measure PointMeasure
	Options Options
}

// Evaluator computes similarity values and derivatives. Call Initialize
// once after construction and again after changing the moving transform's
// optimize flags.
type Evaluator struct {
	cfg Config
	log *log.Logger

	vgrid         imaging.Grid
	virtualPoints []r2.Vec
	offsets       []int
	localSupport  bool
	nParams       int
	nLocal        int

	fixedGradient  *imaging.VectorImage
	movingGradient *imaging.VectorImage
	resampler      Resampler

	ctx         *evaluationContext
	validPoints int
	observers   []Observer
}

// New returns an evaluator for cfg. A nil logger uses the default logger.
func New(cfg Config, logger *log.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, log: logging.Component(logger, "metric")}
}

func (e *Evaluator) sparse() bool { return e.cfg.FixedPoints != nil }

// Initialize validates the inputs, derives the virtual domain and builds the
// evaluation context. The worker count is fixed here for every later call.
func (e *Evaluator) Initialize() error {
	e.ctx = nil
	c := &e.cfg
	if c.FixedImage == nil || c.MovingImage == nil {
		return ErrMissingImage
	}
	if c.Measure == nil {
		return ErrMissingMeasure
	}
	if c.FixedTransform == nil {
		e.log.Warn("fixed transform not set, using identity")
		c.FixedTransform = transform.NewIdentity()
	}
	if c.MovingTransform == nil {
		e.log.Warn("moving transform not set, using identity")
		c.MovingTransform = transform.NewIdentity()
	}
	if err := e.validateOptions(); err != nil {
		return err
	}

	e.vgrid = c.FixedImage.Grid
	if c.VirtualGrid != nil {
		e.vgrid = *c.VirtualGrid
	}

	e.nParams = c.MovingTransform.NumberOfParameters()
	e.nLocal = c.MovingTransform.NumberOfLocalParameters()
	e.localSupport = c.MovingTransform.HasLocalSupport()
	if e.localSupport {
		if err := e.checkLocalSupport(); err != nil {
			return err
		}
	}

	if e.sparse() {
		if err := e.mapFixedPoints(); err != nil {
			return err
		}
	}

	e.fixedGradient, e.movingGradient = nil, nil
	if c.Options.UseFixedGradientFilter && c.Measure.NeedsFixedGradient() {
		e.fixedGradient = imaging.GradientImage(c.FixedImage, c.Options.GradientFilterSigma)
	}
	if c.Options.UseMovingGradientFilter && c.Measure.NeedsMovingGradient() {
		e.movingGradient = imaging.GradientImage(c.MovingImage, c.Options.GradientFilterSigma)
	}

	e.resampler = c.Options.Resampler
	if e.resampler == nil {
		e.resampler = ResamplerFunc(imaging.Resample)
	}

	e.ctx = e.newEvaluationContext()
	e.log.Debug("initialized",
		"measure", c.Measure.Name(),
		"workers", e.ctx.workers,
		"parameters", e.nParams,
		"localSupport", e.localSupport,
		"sparse", e.sparse(),
	)
	e.notify(Event{Kind: InitializeEvent})
	return nil
}

func (e *Evaluator) validateOptions() error {
	o := &e.cfg.Options
	if o.GradientFilterSigma < 0 {
		return fmt.Errorf("%w: negative gradient filter sigma %g", ErrInvalidConfiguration, o.GradientFilterSigma)
	}
	if o.UsePreWarp && e.sparse() {
		return fmt.Errorf("%w: pre-warping requires dense sampling", ErrInvalidConfiguration)
	}
	if o.UseFloatingPointCorrection && o.FloatingPointCorrectionResolution <= 0 {
		o.FloatingPointCorrectionResolution = DefaultFloatingPointCorrectionResolution
	}
	return nil
}

// checkLocalSupport requires exactly one active grid-backed transform whose
// grid matches the virtual domain and whose parameters are laid out one
// block per pixel.
func (e *Evaluator) checkLocalSupport() error {
	gs, ok := e.cfg.MovingTransform.(transform.GridSupport)
	if !ok {
		return fmt.Errorf("%w: %s exposes no support grid", ErrIncongruentDomain, e.cfg.MovingTransform.Name())
	}
	grid, ok := gs.SupportGrid()
	if !ok {
		return fmt.Errorf("%w: no single active support grid", ErrIncongruentDomain)
	}
	if !grid.Congruent(e.vgrid, congruenceTolerance) {
		return fmt.Errorf("%w: field grid %dx%d, virtual grid %dx%d", ErrIncongruentDomain,
			grid.Width, grid.Height, e.vgrid.Width, e.vgrid.Height)
	}
	if want := grid.NumberOfPixels() * e.nLocal; want != e.nParams {
		return fmt.Errorf("%w: %d parameters for %d pixels with %d local parameters",
			ErrIncongruentDomain, e.nParams, grid.NumberOfPixels(), e.nLocal)
	}
	return nil
}

// mapFixedPoints maps the sparse points into the virtual domain and, for
// local-support transforms, assigns each point its pixel offset. Two points
// in one pixel would write the same derivative block, so that is rejected.
func (e *Evaluator) mapFixedPoints() error {
	inv, err := e.cfg.FixedTransform.Inverse()
	if err != nil {
		return fmt.Errorf("metric: map fixed points into virtual domain: %w", err)
	}
	e.virtualPoints = make([]r2.Vec, len(e.cfg.FixedPoints))
	for i, p := range e.cfg.FixedPoints {
		e.virtualPoints[i], _ = inv.TransformPoint(p)
	}

	e.offsets = nil
	if !e.localSupport {
		return nil
	}
	e.offsets = make([]int, len(e.virtualPoints))
	owner := make(map[int]int, len(e.virtualPoints))
	for i, v := range e.virtualPoints {
		x, y, inside := e.vgrid.PointToIndex(v)
		if !inside {
			e.offsets[i] = -1
			continue
		}
		k := e.vgrid.LinearIndex(x, y)
		if j, dup := owner[k]; dup {
			return fmt.Errorf("%w: points %d and %d map to pixel (%d, %d)", ErrOffsetCollision, j, i, x, y)
		}
		owner[k] = i
		e.offsets[i] = k * e.nLocal
	}
	return nil
}

// GetValueAndDerivative evaluates the measure over the virtual domain and
// writes the derivative into derivative, which must have
// NumberOfParameters entries.
func (e *Evaluator) GetValueAndDerivative(derivative []float64) (float64, error) {
	if e.ctx == nil {
		return 0, ErrNotInitialized
	}
	if len(derivative) != e.nParams {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDerivativeLength, len(derivative), e.nParams)
	}
	v, err := e.evaluate(derivative)
	e.notify(Event{Kind: EvaluateEvent, Value: v, ValidPoints: e.validPoints, WithDerivative: true, Err: err})
	return v, err
}

// GetValue evaluates the measure without derivatives.
func (e *Evaluator) GetValue() (float64, error) {
	if e.ctx == nil {
		return 0, ErrNotInitialized
	}
	v, err := e.evaluate(nil)
	e.notify(Event{Kind: EvaluateEvent, Value: v, ValidPoints: e.validPoints, Err: err})
	return v, err
}

// UpdateTransformParameters adds factor*update to the moving transform.
func (e *Evaluator) UpdateTransformParameters(update []float64, factor float64) error {
	if e.cfg.MovingTransform == nil {
		return ErrNotInitialized
	}
	return e.cfg.MovingTransform.UpdateParameters(update, factor)
}

// NumberOfParameters is the size of the moving transform's active
// parameter vector.
func (e *Evaluator) NumberOfParameters() int { return e.cfg.MovingTransform.NumberOfParameters() }

func (e *Evaluator) NumberOfLocalParameters() int {
	return e.cfg.MovingTransform.NumberOfLocalParameters()
}

func (e *Evaluator) HasLocalSupport() bool { return e.cfg.MovingTransform.HasLocalSupport() }

func (e *Evaluator) Parameters() []float64 { return e.cfg.MovingTransform.Parameters() }

func (e *Evaluator) SetParameters(p []float64) error { return e.cfg.MovingTransform.SetParameters(p) }

// NumberOfValidPoints is the count from the last evaluation.
func (e *Evaluator) NumberOfValidPoints() int { return e.validPoints }

// NumberOfWorkers is the partition count fixed at Initialize.
func (e *Evaluator) NumberOfWorkers() int {
	if e.ctx == nil {
		return 0
	}
	return e.ctx.workers
}

func (e *Evaluator) VirtualGrid() imaging.Grid { return e.vgrid }

// IsSparse reports whether the evaluator samples a point set.
func (e *Evaluator) IsSparse() bool { return e.sparse() }

// VirtualSamplePoints returns the sparse points in the virtual domain, or
// nil for dense sampling.
func (e *Evaluator) VirtualSamplePoints() []r2.Vec { return e.virtualPoints }

func (e *Evaluator) MovingTransform() transform.Transform { return e.cfg.MovingTransform }

func (e *Evaluator) FixedTransform() transform.Transform { return e.cfg.FixedTransform }

// virtualJacobian converts the parameter Jacobian into the virtual domain,
// J_v = J_pos^-1 * J_params, so that a virtual-domain gradient dotted with
// J_v is the exact parameter derivative.
func virtualJacobian(jpos, jparams *mat.Dense) (*mat.Dense, error) {
	var out mat.Dense
	if err := out.Solve(jpos, jparams); err != nil {
		return nil, fmt.Errorf("singular position jacobian: %w", err)
	}
	return &out, nil
}

// toVirtual maps an image-space gradient into the virtual domain with the
// transposed position Jacobian.
func toVirtual(jpos *mat.Dense, g r2.Vec) r2.Vec {
	return r2.Vec{
		X: jpos.At(0, 0)*g.X + jpos.At(1, 0)*g.Y,
		Y: jpos.At(0, 1)*g.X + jpos.At(1, 1)*g.Y,
	}
}
