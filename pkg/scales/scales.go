// Package scales estimates per-parameter scales and step sizes so that one
// optimizer step moves the sampled points by a comparable physical distance
// whatever the parameter's units.
package scales

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"mrislicereg/internal/logging"
	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/transform"
)

// DefaultDelta is the parameter perturbation used by PhysicalShift.
const DefaultDelta = 0.01

var (
	ErrNoSource  = errors.New("scales: no sampling source")
	ErrNoSamples = errors.New("scales: no sample points")
)

// Source exposes the sampling domain and the transform being optimized.
// *metric.Evaluator satisfies it.
type Source interface {
	MovingTransform() transform.Transform
	VirtualGrid() imaging.Grid
	IsSparse() bool
	VirtualSamplePoints() []r2.Vec
}

// Sampling selects the points of a dense domain used for estimation.
type Sampling int

const (
	// CornerSampling uses the four grid corners and the centre.
	CornerSampling Sampling = iota
	// FullSampling uses every pixel centre.
	FullSampling
	// CentreSampling uses the central pixel only.
	CentreSampling
)

func (s Sampling) String() string {
	switch s {
	case CornerSampling:
		return "corners"
	case FullSampling:
		return "full"
	case CentreSampling:
		return "centre"
	default:
		return fmt.Sprintf("Sampling(%d)", int(s))
	}
}

// samples returns the virtual points to perturb. Sparse sources always use
// their own points; local-support transforms are sampled at the centre.
func samples(src Source, sampling Sampling, local bool) ([]r2.Vec, error) {
	grid := src.VirtualGrid()
	switch {
	case local:
		return []r2.Vec{centrePixel(grid)}, nil
	case src.IsSparse():
		pts := src.VirtualSamplePoints()
		if len(pts) == 0 {
			return nil, ErrNoSamples
		}
		return pts, nil
	}
	if grid.NumberOfPixels() == 0 {
		return nil, ErrNoSamples
	}
	switch sampling {
	case FullSampling:
		pts := make([]r2.Vec, 0, grid.NumberOfPixels())
		for y := 0; y < grid.Height; y++ {
			for x := 0; x < grid.Width; x++ {
				pts = append(pts, grid.IndexToPoint(float64(x), float64(y)))
			}
		}
		return pts, nil
	case CentreSampling:
		return []r2.Vec{centrePixel(grid)}, nil
	default:
		return append(grid.Corners(), grid.Center()), nil
	}
}

// centrePixel is the pixel centre nearest the middle of the grid, so that a
// local-support sample lands on exactly one parameter block.
func centrePixel(g imaging.Grid) r2.Vec {
	return g.IndexToPoint(float64(g.Width/2), float64(g.Height/2))
}

// centreOffset is the index of the first local parameter of the centre
// pixel.
func centreOffset(g imaging.Grid, nLocal int) int {
	return g.LinearIndex(g.Width/2, g.Height/2) * nLocal
}

// PhysicalShift scales each parameter by the squared physical shift of the
// sample points per unit change of that parameter.
type PhysicalShift struct {
	Source   Source
	Delta    float64
	Sampling Sampling

	log *log.Logger
}

// NewPhysicalShift returns an estimator with the default perturbation and
// corner sampling.
func NewPhysicalShift(src Source, logger *log.Logger) *PhysicalShift {
	return &PhysicalShift{
		Source:   src,
		Delta:    DefaultDelta,
		Sampling: CornerSampling,
		log:      logging.Component(logger, "scales"),
	}
}

func (p *PhysicalShift) logger() *log.Logger {
	if p.log == nil {
		p.log = logging.Component(nil, "scales")
	}
	return p.log
}

// EstimateScales perturbs each parameter around the transform's current
// position by Delta and measures the largest resulting point shift. For a
// local-support transform one scale per local parameter is returned,
// sampled at the centre pixel; the optimizer repeats it across the field.
func (p *PhysicalShift) EstimateScales() ([]float64, error) {
	if p.Source == nil {
		return nil, ErrNoSource
	}
	t := p.Source.MovingTransform()
	local := t.HasLocalSupport()
	pts, err := samples(p.Source, p.Sampling, local)
	if err != nil {
		return nil, err
	}
	delta := p.Delta
	if delta <= 0 {
		delta = DefaultDelta
	}

	base := t.Parameters()
	first, n := 0, len(base)
	if local {
		first, n = centreOffset(p.Source.VirtualGrid(), t.NumberOfLocalParameters()), t.NumberOfLocalParameters()
	}

	before := mapAll(t, pts)
	out := make([]float64, n)
	perturbed := make([]float64, len(base))
	for i := 0; i < n; i++ {
		copy(perturbed, base)
		perturbed[first+i] += delta
		if err := t.SetParameters(perturbed); err != nil {
			return nil, fmt.Errorf("scales: perturb parameter %d: %w", first+i, err)
		}
		shift := maxShift(before, mapAll(t, pts))
		out[i] = (shift / delta) * (shift / delta)
	}
	if err := t.SetParameters(base); err != nil {
		return nil, fmt.Errorf("scales: restore parameters: %w", err)
	}

	for i, s := range out {
		if s == 0 {
			p.logger().Warn("parameter does not move any sample point, using unit scale", "parameter", i)
			out[i] = 1
		}
	}
	p.logger().Debug("estimated scales", "scales", out, "sampling", p.Sampling, "local", local)
	return out, nil
}

// EstimateMaximumStepSize returns the smallest virtual grid spacing.
func (p *PhysicalShift) EstimateMaximumStepSize() (float64, error) {
	if p.Source == nil {
		return 0, ErrNoSource
	}
	return p.Source.VirtualGrid().MinimumSpacing(), nil
}

// EstimateStepScale returns the largest physical shift of the sample points
// caused by adding step to the current parameters. Local-support transforms
// are sampled over the whole grid.
func (p *PhysicalShift) EstimateStepScale(step []float64) (float64, error) {
	if p.Source == nil {
		return 0, ErrNoSource
	}
	t := p.Source.MovingTransform()
	sampling := p.Sampling
	if t.HasLocalSupport() {
		sampling = FullSampling
	}
	pts, err := samples(p.Source, sampling, false)
	if err != nil {
		return 0, err
	}
	base := t.Parameters()
	if len(step) != len(base) {
		return 0, fmt.Errorf("scales: step has %d entries, transform %d: %w", len(step), len(base), transform.ErrParameterLength)
	}

	before := mapAll(t, pts)
	moved := make([]float64, len(base))
	for i := range base {
		moved[i] = base[i] + step[i]
	}
	if err := t.SetParameters(moved); err != nil {
		return 0, fmt.Errorf("scales: apply step: %w", err)
	}
	shift := maxShift(before, mapAll(t, pts))
	if err := t.SetParameters(base); err != nil {
		return 0, fmt.Errorf("scales: restore parameters: %w", err)
	}
	return shift, nil
}

func mapAll(t transform.Transform, pts []r2.Vec) []r2.Vec {
	out := make([]r2.Vec, len(pts))
	for i, p := range pts {
		out[i], _ = t.TransformPoint(p)
	}
	return out
}

func maxShift(a, b []r2.Vec) float64 {
	m := 0.0
	for i := range a {
		if d := r2.Norm(r2.Sub(b[i], a[i])); d > m {
			m = d
		}
	}
	return m
}

// Jacobian scales each parameter by the mean squared norm of its Jacobian
// column over the sample points.
type Jacobian struct {
	Source   Source
	Sampling Sampling
}

// NewJacobian returns a Jacobian estimator with corner sampling.
func NewJacobian(src Source) *Jacobian {
	return &Jacobian{Source: src, Sampling: CornerSampling}
}

// EstimateScales implements the optimizer's scales estimator.
func (j *Jacobian) EstimateScales() ([]float64, error) {
	if j.Source == nil {
		return nil, ErrNoSource
	}
	t := j.Source.MovingTransform()
	pts, err := samples(j.Source, j.Sampling, t.HasLocalSupport())
	if err != nil {
		return nil, err
	}
	n := t.NumberOfLocalParameters()
	columns := make([][]float64, n)
	for _, p := range pts {
		jac := t.ParameterJacobian(p)
		if jac == nil {
			continue
		}
		for i := 0; i < n; i++ {
			col := mat.Col(nil, i, jac)
			columns[i] = append(columns[i], col[0]*col[0]+col[1]*col[1])
		}
	}
	out := make([]float64, n)
	for i, c := range columns {
		if len(c) == 0 {
			out[i] = 1
			continue
		}
		out[i] = stat.Mean(c, nil)
	}
	return out, nil
}

// EstimateMaximumStepSize returns the smallest virtual grid spacing.
func (j *Jacobian) EstimateMaximumStepSize() (float64, error) {
	if j.Source == nil {
		return 0, ErrNoSource
	}
	return j.Source.VirtualGrid().MinimumSpacing(), nil
}

// EstimateStepScale returns the largest Jacobian-predicted shift
// |J step| over the sample points.
func (j *Jacobian) EstimateStepScale(step []float64) (float64, error) {
	if j.Source == nil {
		return 0, ErrNoSource
	}
	t := j.Source.MovingTransform()
	if t.HasLocalSupport() {
		// Per-pixel blocks: the largest block norm.
		nl := t.NumberOfLocalParameters()
		m := 0.0
		for k := 0; k+nl <= len(step); k += nl {
			if d := norm(step[k : k+nl]); d > m {
				m = d
			}
		}
		return m, nil
	}
	pts, err := samples(j.Source, j.Sampling, false)
	if err != nil {
		return 0, err
	}
	if len(step) != t.NumberOfParameters() {
		return 0, fmt.Errorf("scales: step has %d entries, transform %d: %w", len(step), t.NumberOfParameters(), transform.ErrParameterLength)
	}
	if len(step) == 0 {
		return 0, nil
	}
	sv := mat.NewVecDense(len(step), append([]float64(nil), step...))
	m := 0.0
	for _, p := range pts {
		jac := t.ParameterJacobian(p)
		if jac == nil {
			continue
		}
		var shift mat.VecDense
		shift.MulVec(jac, sv)
		if d := mat.Norm(&shift, 2); d > m {
			m = d
		}
	}
	return m, nil
}

func norm(v []float64) float64 {
	return mat.Norm(mat.NewVecDense(len(v), append([]float64(nil), v...)), 2)
}
