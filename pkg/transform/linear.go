package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

// Identity maps every point onto itself and has no parameters.
type Identity struct{}

// NewIdentity returns the identity transform.
func NewIdentity() *Identity { return &Identity{} }

func (*Identity) Name() string { return "IdentityTransform" }

func (*Identity) TransformPoint(p r2.Vec) (r2.Vec, bool) { return p, true }

func (*Identity) NumberOfParameters() int { return 0 }

func (*Identity) NumberOfLocalParameters() int { return 0 }

func (*Identity) Parameters() []float64 { return []float64{} }

func (*Identity) FixedParameters() []float64 { return []float64{} }

func (*Identity) ParameterJacobian(r2.Vec) *mat.Dense { return nil }

func (*Identity) PositionJacobian(r2.Vec) *mat.Dense { return identityDense() }

func (*Identity) HasLocalSupport() bool { return false }

func (*Identity) IsLinear() bool { return true }

func (*Identity) Inverse() (Transform, error) { return NewIdentity(), nil }

func (*Identity) TransformVector(v r2.Vec) r2.Vec { return v }

func (*Identity) TransformCovariantVector(v r2.Vec) r2.Vec { return v }

func (*Identity) SetParameters(p []float64) error { return checkLength("identity", len(p), 0) }

func (*Identity) SetFixedParameters(p []float64) error { return checkLength("identity", len(p), 0) }

func (*Identity) UpdateParameters(u []float64, _ float64) error { return checkLength("identity", len(u), 0) }

// Translation shifts points by (tx, ty).
type Translation struct {
	Offset r2.Vec
}

// NewTranslation returns a translation by offset.
func NewTranslation(offset r2.Vec) *Translation { return &Translation{Offset: offset} }

func (*Translation) Name() string { return "TranslationTransform" }

func (t *Translation) TransformPoint(p r2.Vec) (r2.Vec, bool) { return r2.Add(p, t.Offset), true }

func (*Translation) NumberOfParameters() int      { return 2 }
func (*Translation) NumberOfLocalParameters() int { return 2 }

func (t *Translation) Parameters() []float64 { return []float64{t.Offset.X, t.Offset.Y} }

func (t *Translation) SetParameters(p []float64) error {
	if err := checkLength("translation", len(p), 2); err != nil {
		return err
	}
	t.Offset = r2.Vec{X: p[0], Y: p[1]}
	return nil
}

func (*Translation) FixedParameters() []float64 { return []float64{} }

func (*Translation) SetFixedParameters(p []float64) error {
	return checkLength("translation fixed", len(p), 0)
}

func (*Translation) ParameterJacobian(r2.Vec) *mat.Dense { return identityDense() }
func (*Translation) PositionJacobian(r2.Vec) *mat.Dense  { return identityDense() }

func (t *Translation) UpdateParameters(update []float64, factor float64) error {
	if err := checkLength("translation update", len(update), 2); err != nil {
		return err
	}
	t.Offset.X += factor * update[0]
	t.Offset.Y += factor * update[1]
	return nil
}

func (*Translation) HasLocalSupport() bool { return false }
func (*Translation) IsLinear() bool        { return true }

func (t *Translation) Inverse() (Transform, error) {
	return NewTranslation(r2.Scale(-1, t.Offset)), nil
}

func (*Translation) TransformVector(v r2.Vec) r2.Vec          { return v }
func (*Translation) TransformCovariantVector(v r2.Vec) r2.Vec { return v }

// Scale scales points about a fixed centre: T(p) = S(p - c) + c.
type Scale struct {
	Factor r2.Vec
	Center r2.Vec
}

// NewScale returns a scale transform with the given factors about center.
func NewScale(factor, center r2.Vec) *Scale { return &Scale{Factor: factor, Center: center} }

func (*Scale) Name() string { return "ScaleTransform" }

func (s *Scale) matrix() matrix2 { return matrix2{s.Factor.X, 0, 0, s.Factor.Y} }

func (s *Scale) TransformPoint(p r2.Vec) (r2.Vec, bool) {
	return r2.Add(s.matrix().apply(r2.Sub(p, s.Center)), s.Center), true
}

func (*Scale) NumberOfParameters() int      { return 2 }
func (*Scale) NumberOfLocalParameters() int { return 2 }

func (s *Scale) Parameters() []float64 { return []float64{s.Factor.X, s.Factor.Y} }

func (s *Scale) SetParameters(p []float64) error {
	if err := checkLength("scale", len(p), 2); err != nil {
		return err
	}
	s.Factor = r2.Vec{X: p[0], Y: p[1]}
	return nil
}

func (s *Scale) FixedParameters() []float64 { return []float64{s.Center.X, s.Center.Y} }

func (s *Scale) SetFixedParameters(p []float64) error {
	if err := checkLength("scale fixed", len(p), 2); err != nil {
		return err
	}
	s.Center = r2.Vec{X: p[0], Y: p[1]}
	return nil
}

func (s *Scale) ParameterJacobian(p r2.Vec) *mat.Dense {
	d := r2.Sub(p, s.Center)
	return mat.NewDense(2, 2, []float64{d.X, 0, 0, d.Y})
}

func (s *Scale) PositionJacobian(r2.Vec) *mat.Dense { return s.matrix().dense() }

func (s *Scale) UpdateParameters(update []float64, factor float64) error {
	if err := checkLength("scale update", len(update), 2); err != nil {
		return err
	}
	s.Factor.X += factor * update[0]
	s.Factor.Y += factor * update[1]
	return nil
}

func (*Scale) HasLocalSupport() bool { return false }
func (*Scale) IsLinear() bool        { return true }

func (s *Scale) Inverse() (Transform, error) {
	if s.Factor.X == 0 || s.Factor.Y == 0 {
		return nil, fmt.Errorf("scale %v: %w", s.Factor, ErrNotInvertible)
	}
	return NewScale(r2.Vec{X: 1 / s.Factor.X, Y: 1 / s.Factor.Y}, s.Center), nil
}

func (s *Scale) TransformVector(v r2.Vec) r2.Vec { return s.matrix().apply(v) }

func (s *Scale) TransformCovariantVector(v r2.Vec) r2.Vec {
	return r2.Vec{X: v.X / s.Factor.X, Y: v.Y / s.Factor.Y}
}

// Rigid2D rotates by Angle about Center and then translates:
// T(p) = R(p - c) + c + t. Parameters are (angle, tx, ty).
type Rigid2D struct {
	Angle       float64
	Translation r2.Vec
	Center      r2.Vec
}

// NewRigid2D returns a rigid transform.
func NewRigid2D(angle float64, translation, center r2.Vec) *Rigid2D {
	return &Rigid2D{Angle: angle, Translation: translation, Center: center}
}

func (*Rigid2D) Name() string { return "Rigid2DTransform" }

func (r *Rigid2D) matrix() matrix2 {
	c, s := math.Cos(r.Angle), math.Sin(r.Angle)
	return matrix2{c, -s, s, c}
}

func (r *Rigid2D) TransformPoint(p r2.Vec) (r2.Vec, bool) {
	q := r.matrix().apply(r2.Sub(p, r.Center))
	return r2.Add(r2.Add(q, r.Center), r.Translation), true
}

func (*Rigid2D) NumberOfParameters() int      { return 3 }
func (*Rigid2D) NumberOfLocalParameters() int { return 3 }

func (r *Rigid2D) Parameters() []float64 {
	return []float64{r.Angle, r.Translation.X, r.Translation.Y}
}

func (r *Rigid2D) SetParameters(p []float64) error {
	if err := checkLength("rigid2d", len(p), 3); err != nil {
		return err
	}
	r.Angle = p[0]
	r.Translation = r2.Vec{X: p[1], Y: p[2]}
	return nil
}

func (r *Rigid2D) FixedParameters() []float64 { return []float64{r.Center.X, r.Center.Y} }

func (r *Rigid2D) SetFixedParameters(p []float64) error {
	if err := checkLength("rigid2d fixed", len(p), 2); err != nil {
		return err
	}
	r.Center = r2.Vec{X: p[0], Y: p[1]}
	return nil
}

func (r *Rigid2D) ParameterJacobian(p r2.Vec) *mat.Dense {
	c, s := math.Cos(r.Angle), math.Sin(r.Angle)
	d := r2.Sub(p, r.Center)
	return mat.NewDense(2, 3, []float64{
		-s*d.X - c*d.Y, 1, 0,
		c*d.X - s*d.Y, 0, 1,
	})
}

func (r *Rigid2D) PositionJacobian(r2.Vec) *mat.Dense { return r.matrix().dense() }

func (r *Rigid2D) UpdateParameters(update []float64, factor float64) error {
	if err := checkLength("rigid2d update", len(update), 3); err != nil {
		return err
	}
	r.Angle += factor * update[0]
	r.Translation.X += factor * update[1]
	r.Translation.Y += factor * update[2]
	return nil
}

func (*Rigid2D) HasLocalSupport() bool { return false }
func (*Rigid2D) IsLinear() bool        { return true }

// Inverse returns the rigid transform with angle -a about the same centre
// and translation -R^T t.
func (r *Rigid2D) Inverse() (Transform, error) {
	c, s := math.Cos(r.Angle), math.Sin(r.Angle)
	rt := matrix2{c, s, -s, c}
	return NewRigid2D(-r.Angle, r2.Scale(-1, rt.apply(r.Translation)), r.Center), nil
}

func (r *Rigid2D) TransformVector(v r2.Vec) r2.Vec { return r.matrix().apply(v) }

// TransformCovariantVector equals TransformVector for a rotation.
func (r *Rigid2D) TransformCovariantVector(v r2.Vec) r2.Vec { return r.matrix().apply(v) }

// Affine applies a general 2x2 matrix about a centre plus a translation:
// T(p) = A(p - c) + c + t. Parameters are (a11, a12, a21, a22, tx, ty).
type Affine struct {
	Matrix      [4]float64
	Translation r2.Vec
	Center      r2.Vec
}

// NewAffine returns an identity affine transform about center.
func NewAffine(center r2.Vec) *Affine {
	return &Affine{Matrix: [4]float64{1, 0, 0, 1}, Center: center}
}

func (*Affine) Name() string { return "AffineTransform" }

func (a *Affine) TransformPoint(p r2.Vec) (r2.Vec, bool) {
	q := matrix2(a.Matrix).apply(r2.Sub(p, a.Center))
	return r2.Add(r2.Add(q, a.Center), a.Translation), true
}

func (*Affine) NumberOfParameters() int      { return 6 }
func (*Affine) NumberOfLocalParameters() int { return 6 }

func (a *Affine) Parameters() []float64 {
	m := a.Matrix
	return []float64{m[0], m[1], m[2], m[3], a.Translation.X, a.Translation.Y}
}

func (a *Affine) SetParameters(p []float64) error {
	if err := checkLength("affine", len(p), 6); err != nil {
		return err
	}
	a.Matrix = [4]float64{p[0], p[1], p[2], p[3]}
	a.Translation = r2.Vec{X: p[4], Y: p[5]}
	return nil
}

func (a *Affine) FixedParameters() []float64 { return []float64{a.Center.X, a.Center.Y} }

func (a *Affine) SetFixedParameters(p []float64) error {
	if err := checkLength("affine fixed", len(p), 2); err != nil {
		return err
	}
	a.Center = r2.Vec{X: p[0], Y: p[1]}
	return nil
}

func (a *Affine) ParameterJacobian(p r2.Vec) *mat.Dense {
	d := r2.Sub(p, a.Center)
	return mat.NewDense(2, 6, []float64{
		d.X, d.Y, 0, 0, 1, 0,
		0, 0, d.X, d.Y, 0, 1,
	})
}

func (a *Affine) PositionJacobian(r2.Vec) *mat.Dense { return matrix2(a.Matrix).dense() }

func (a *Affine) UpdateParameters(update []float64, factor float64) error {
	if err := checkLength("affine update", len(update), 6); err != nil {
		return err
	}
	p := a.Parameters()
	addScaled(p, update, factor)
	return a.SetParameters(p)
}

func (*Affine) HasLocalSupport() bool { return false }
func (*Affine) IsLinear() bool        { return true }

// Inverse returns the affine transform with matrix A^-1 about the same
// centre and translation -A^-1 t.
func (a *Affine) Inverse() (Transform, error) {
	inv, err := matrix2(a.Matrix).inverse()
	if err != nil {
		return nil, fmt.Errorf("affine: %w", err)
	}
	return &Affine{
		Matrix:      [4]float64(inv),
		Translation: r2.Scale(-1, inv.apply(a.Translation)),
		Center:      a.Center,
	}, nil
}

func (a *Affine) TransformVector(v r2.Vec) r2.Vec { return matrix2(a.Matrix).apply(v) }

// TransformCovariantVector maps v through A^-T. A singular matrix yields the
// zero vector.
func (a *Affine) TransformCovariantVector(v r2.Vec) r2.Vec {
	it, err := matrix2(a.Matrix).inverseTranspose()
	if err != nil {
		return r2.Vec{}
	}
	return it.apply(v)
}
