package transform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/pkg/imaging"
)

// Composite chains sub-transforms. The queue front (index 0) is the most
// recently added transform and is applied first, so after AddTransform(A)
// and AddTransform(B) a point maps to A(B(p)).
//
// Each sub-transform carries an optimize flag. Only flagged sub-transforms
// contribute their parameter blocks, in queue order, to Parameters,
// SetParameters, UpdateParameters and ParameterJacobian. Aggregate sizes are
// computed from the flags on every call, so toggling a flag is reflected
// immediately.
type Composite struct {
	transforms []Transform
	optimize   []bool
}

// NewComposite returns an empty composite, which behaves as the identity.
func NewComposite() *Composite { return &Composite{} }

func (*Composite) Name() string { return "CompositeTransform" }

// AddTransform pushes t to the front of the queue with its optimize flag on.
func (c *Composite) AddTransform(t Transform) {
	c.transforms = append([]Transform{t}, c.transforms...)
	c.optimize = append([]bool{true}, c.optimize...)
}

// ClearTransformQueue removes every sub-transform.
func (c *Composite) ClearTransformQueue() {
	c.transforms = nil
	c.optimize = nil
}

// NumberOfTransforms returns the queue length.
func (c *Composite) NumberOfTransforms() int { return len(c.transforms) }

// NthTransform returns the sub-transform at queue index i.
func (c *Composite) NthTransform(i int) (Transform, error) {
	if i < 0 || i >= len(c.transforms) {
		return nil, fmt.Errorf("nth transform %d of %d: %w", i, len(c.transforms), ErrIndexOutOfRange)
	}
	return c.transforms[i], nil
}

// NthTransformToOptimize reports the optimize flag at queue index i.
func (c *Composite) NthTransformToOptimize(i int) bool {
	if i < 0 || i >= len(c.optimize) {
		return false
	}
	return c.optimize[i]
}

// TransformsToOptimizeFlags returns a copy of the flag queue.
func (c *Composite) TransformsToOptimizeFlags() []bool {
	out := make([]bool, len(c.optimize))
	copy(out, c.optimize)
	return out
}

// SetNthTransformToOptimize sets the optimize flag at queue index i.
func (c *Composite) SetNthTransformToOptimize(i int, state bool) error {
	if i < 0 || i >= len(c.optimize) {
		return fmt.Errorf("set optimize flag %d of %d: %w", i, len(c.optimize), ErrIndexOutOfRange)
	}
	c.optimize[i] = state
	return nil
}

// SetAllTransformsToOptimize sets every optimize flag to state.
func (c *Composite) SetAllTransformsToOptimize(state bool) {
	for i := range c.optimize {
		c.optimize[i] = state
	}
}

// SetOnlyMostRecentTransformToOptimizeOn turns every flag off except the
// front of the queue.
func (c *Composite) SetOnlyMostRecentTransformToOptimizeOn() {
	c.SetAllTransformsToOptimize(false)
	if len(c.optimize) > 0 {
		c.optimize[0] = true
	}
}

// TransformPoint applies the queue front to back. The inside flag is false
// if any sub-transform reports the point left its support.
func (c *Composite) TransformPoint(p r2.Vec) (r2.Vec, bool) {
	inside := true
	for _, t := range c.transforms {
		var ok bool
		p, ok = t.TransformPoint(p)
		inside = inside && ok
	}
	return p, inside
}

// active calls fn for each flagged sub-transform in queue order.
func (c *Composite) active(fn func(i int, t Transform) error) error {
	for i, t := range c.transforms {
		if !c.optimize[i] {
			continue
		}
		if err := fn(i, t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) NumberOfParameters() int {
	n := 0
	_ = c.active(func(_ int, t Transform) error {
		n += t.NumberOfParameters()
		return nil
	})
	return n
}

func (c *Composite) NumberOfLocalParameters() int {
	n := 0
	_ = c.active(func(_ int, t Transform) error {
		n += t.NumberOfLocalParameters()
		return nil
	})
	return n
}

// Parameters concatenates the active blocks in queue order.
func (c *Composite) Parameters() []float64 {
	out := make([]float64, 0, c.NumberOfParameters())
	_ = c.active(func(_ int, t Transform) error {
		out = append(out, t.Parameters()...)
		return nil
	})
	return out
}

// SetParameters scatters p over the active blocks.
func (c *Composite) SetParameters(p []float64) error {
	if err := checkLength("composite", len(p), c.NumberOfParameters()); err != nil {
		return err
	}
	offset := 0
	return c.active(func(i int, t Transform) error {
		n := t.NumberOfParameters()
		if err := t.SetParameters(p[offset : offset+n]); err != nil {
			return fmt.Errorf("composite sub-transform %d: %w", i, err)
		}
		offset += n
		return nil
	})
}

// FixedParameters concatenates the fixed parameters of the active blocks.
func (c *Composite) FixedParameters() []float64 {
	var out []float64
	_ = c.active(func(_ int, t Transform) error {
		out = append(out, t.FixedParameters()...)
		return nil
	})
	return out
}

// SetFixedParameters scatters p over the active blocks.
func (c *Composite) SetFixedParameters(p []float64) error {
	want := 0
	_ = c.active(func(_ int, t Transform) error {
		want += len(t.FixedParameters())
		return nil
	})
	if err := checkLength("composite fixed", len(p), want); err != nil {
		return err
	}
	offset := 0
	return c.active(func(i int, t Transform) error {
		n := len(t.FixedParameters())
		if err := t.SetFixedParameters(p[offset : offset+n]); err != nil {
			return fmt.Errorf("composite sub-transform %d: %w", i, err)
		}
		offset += n
		return nil
	})
}

// UpdateParameters hands each active sub-transform its block of update.
func (c *Composite) UpdateParameters(update []float64, factor float64) error {
	if err := checkLength("composite update", len(update), c.NumberOfParameters()); err != nil {
		return err
	}
	offset := 0
	return c.active(func(i int, t Transform) error {
		n := t.NumberOfParameters()
		if err := t.UpdateParameters(update[offset:offset+n], factor); err != nil {
			return fmt.Errorf("composite sub-transform %d: %w", i, err)
		}
		offset += n
		return nil
	})
}

// ParameterJacobian applies the chain rule along the application order.
// Columns contributed by a sub-transform are pushed through the position
// Jacobians of every sub-transform applied after it. Column order matches
// Parameters.
func (c *Composite) ParameterJacobian(p r2.Vec) *mat.Dense {
	var cols []r2.Vec
	x := p
	for i, t := range c.transforms {
		if len(cols) > 0 {
			jp := t.PositionJacobian(x)
			for k, v := range cols {
				cols[k] = r2.Vec{
					X: jp.At(0, 0)*v.X + jp.At(0, 1)*v.Y,
					Y: jp.At(1, 0)*v.X + jp.At(1, 1)*v.Y,
				}
			}
		}
		if c.optimize[i] {
			if jt := t.ParameterJacobian(x); jt != nil {
				_, n := jt.Dims()
				for k := 0; k < n; k++ {
					cols = append(cols, r2.Vec{X: jt.At(0, k), Y: jt.At(1, k)})
				}
			}
		}
		x, _ = t.TransformPoint(x)
	}
	if len(cols) == 0 {
		return nil
	}
	out := mat.NewDense(2, len(cols), nil)
	for k, v := range cols {
		out.Set(0, k, v.X)
		out.Set(1, k, v.Y)
	}
	return out
}

// PositionJacobian is the product of every sub-transform's position
// Jacobian along the application order.
func (c *Composite) PositionJacobian(p r2.Vec) *mat.Dense {
	out := identityDense()
	x := p
	for _, t := range c.transforms {
		var next mat.Dense
		next.Mul(t.PositionJacobian(x), out)
		out = &next
		x, _ = t.TransformPoint(x)
	}
	return out
}

// HasLocalSupport reports whether the active set is non-empty and made only
// of local-support transforms.
func (c *Composite) HasLocalSupport() bool {
	found := false
	all := true
	_ = c.active(func(_ int, t Transform) error {
		found = true
		all = all && t.HasLocalSupport()
		return nil
	})
	return found && all
}

// SupportGrid returns the grid of the single active local-support
// sub-transform. ok is false when there is not exactly one such transform,
// or when it is not the first one applied: the field is only evaluated on
// its own grid when nothing precedes it in the queue.
func (c *Composite) SupportGrid() (imaging.Grid, bool) {
	var grids []imaging.Grid
	first := true
	_ = c.active(func(i int, t Transform) error {
		if gs, ok := t.(GridSupport); ok && t.HasLocalSupport() {
			if g, ok := gs.SupportGrid(); ok {
				grids = append(grids, g)
				first = first && i == 0
			}
		}
		return nil
	})
	if len(grids) != 1 || !first {
		return imaging.Grid{}, false
	}
	return grids[0], true
}

// IsLinear is true only when every sub-transform is linear.
func (c *Composite) IsLinear() bool {
	for _, t := range c.transforms {
		if !t.IsLinear() {
			return false
		}
	}
	return true
}

// Inverse builds a composite of the per-element inverses in reversed order,
// with the optimize flags reversed alongside.
func (c *Composite) Inverse() (Transform, error) {
	return c.GetInverseTransform()
}

// GetInverseTransform is Inverse with the concrete return type.
func (c *Composite) GetInverseTransform() (*Composite, error) {
	inv := NewComposite()
	for i, t := range c.transforms {
		ti, err := t.Inverse()
		if err != nil {
			return nil, fmt.Errorf("composite sub-transform %d (%s): %w", i, t.Name(), err)
		}
		inv.AddTransform(ti)
		inv.optimize[0] = c.optimize[i]
	}
	return inv, nil
}

// SupportsVectorTransforms reports whether every sub-transform can map
// vectors independently of position.
func (c *Composite) SupportsVectorTransforms() bool {
	for _, t := range c.transforms {
		if _, ok := t.(VectorTransformer); !ok {
			return false
		}
	}
	return true
}

// TransformVector maps v through the queue, or returns ErrNotSupported when
// some sub-transform has no position-independent vector mapping.
func (c *Composite) TransformVector(v r2.Vec) (r2.Vec, error) {
	if !c.SupportsVectorTransforms() {
		return r2.Vec{}, fmt.Errorf("composite vector transform: %w", ErrNotSupported)
	}
	for _, t := range c.transforms {
		v = t.(VectorTransformer).TransformVector(v)
	}
	return v, nil
}

// TransformCovariantVector is the covariant counterpart of TransformVector.
func (c *Composite) TransformCovariantVector(v r2.Vec) (r2.Vec, error) {
	if !c.SupportsVectorTransforms() {
		return r2.Vec{}, fmt.Errorf("composite covariant vector transform: %w", ErrNotSupported)
	}
	for _, t := range c.transforms {
		v = t.(VectorTransformer).TransformCovariantVector(v)
	}
	return v, nil
}
