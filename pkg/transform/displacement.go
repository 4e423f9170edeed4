package transform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/smoothing"
)

// DisplacementField adds an interpolated per-pixel displacement to each
// point: T(p) = p + u(p). Its parameters are the field values, two per grid
// pixel, so every pixel owns a disjoint parameter block.
type DisplacementField struct {
	field *imaging.VectorImage

	// UpdateSigma, in pixels, smooths each update before it is added.
	UpdateSigma float64
	// TotalFieldSigma, in pixels, smooths the whole field after each update.
	TotalFieldSigma float64
}

// NewDisplacementField returns a zero field on grid.
func NewDisplacementField(grid imaging.Grid) *DisplacementField {
	return &DisplacementField{field: imaging.NewVector(grid)}
}

func (*DisplacementField) Name() string { return "DisplacementFieldTransform" }

// Field exposes the underlying vector image.
func (d *DisplacementField) Field() *imaging.VectorImage { return d.field }

// SupportGrid implements GridSupport.
func (d *DisplacementField) SupportGrid() (imaging.Grid, bool) { return d.field.Grid, true }

// TransformPoint reports false for points outside the field buffer and
// leaves them unmoved.
func (d *DisplacementField) TransformPoint(p r2.Vec) (r2.Vec, bool) {
	u, ok := d.field.Value(p)
	if !ok {
		return p, false
	}
	return r2.Add(p, u), true
}

func (d *DisplacementField) NumberOfParameters() int { return len(d.field.Pix) }

func (*DisplacementField) NumberOfLocalParameters() int { return 2 }

func (d *DisplacementField) Parameters() []float64 { return cloneFloats(d.field.Pix) }

func (d *DisplacementField) SetParameters(p []float64) error {
	if err := checkLength("displacement field", len(p), len(d.field.Pix)); err != nil {
		return err
	}
	copy(d.field.Pix, p)
	return nil
}

// FixedParameters encodes the grid as
// (width, height, originX, originY, spacingX, spacingY, d00, d01, d10, d11).
func (d *DisplacementField) FixedParameters() []float64 {
	g := d.field.Grid
	dir := g.Direction
	if dir == (imaging.Direction{}) {
		dir = imaging.IdentityDirection
	}
	return []float64{
		float64(g.Width), float64(g.Height),
		g.Origin.X, g.Origin.Y,
		g.Spacing.X, g.Spacing.Y,
		dir[0], dir[1], dir[2], dir[3],
	}
}

// SetFixedParameters rebuilds the grid and resets the field to zero.
func (d *DisplacementField) SetFixedParameters(p []float64) error {
	if err := checkLength("displacement field fixed", len(p), 10); err != nil {
		return err
	}
	g := imaging.Grid{
		Width:     int(p[0]),
		Height:    int(p[1]),
		Origin:    r2.Vec{X: p[2], Y: p[3]},
		Spacing:   r2.Vec{X: p[4], Y: p[5]},
		Direction: imaging.Direction{p[6], p[7], p[8], p[9]},
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("displacement field: invalid size %dx%d", g.Width, g.Height)
	}
	d.field = imaging.NewVector(g)
	return nil
}

// ParameterJacobian is the identity: the two local parameters at p are the
// displacement components.
func (*DisplacementField) ParameterJacobian(r2.Vec) *mat.Dense { return identityDense() }

// PositionJacobian is I + du/dp.
func (d *DisplacementField) PositionJacobian(p r2.Vec) *mat.Dense {
	j, ok := d.field.SpatialJacobian(p)
	if !ok {
		return identityDense()
	}
	return mat.NewDense(2, 2, []float64{1 + j[0], j[1], j[2], 1 + j[3]})
}

// UpdateParameters adds factor*update to the field, smoothing the update and
// the total field when the respective sigmas are set.
func (d *DisplacementField) UpdateParameters(update []float64, factor float64) error {
	if err := checkLength("displacement field update", len(update), len(d.field.Pix)); err != nil {
		return err
	}
	g := d.field.Grid
	if d.UpdateSigma > 0 {
		smoothed := cloneFloats(update)
		smoothing.GaussianInterleaved(smoothed, g.Width, g.Height, 2, d.UpdateSigma, d.UpdateSigma)
		update = smoothed
	}
	addScaled(d.field.Pix, update, factor)
	if d.TotalFieldSigma > 0 {
		smoothing.GaussianInterleaved(d.field.Pix, g.Width, g.Height, 2, d.TotalFieldSigma, d.TotalFieldSigma)
	}
	return nil
}

func (*DisplacementField) HasLocalSupport() bool { return true }
func (*DisplacementField) IsLinear() bool        { return false }

// Inverse is not available for a displacement field.
func (*DisplacementField) Inverse() (Transform, error) {
	return nil, fmt.Errorf("displacement field: %w", ErrNotInvertible)
}
