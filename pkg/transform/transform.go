// Package transform implements the spatial transforms the registration core
// optimizes: linear variants, a local-support displacement field, and the
// composite transform that chains them with per-component optimize flags.
//
// All transforms map 2D physical points. Sub-transforms are shared by
// pointer; a composite never copies or owns them exclusively.
package transform

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/pkg/imaging"
)

var (
	// ErrParameterLength is returned when a parameter vector has the wrong size.
	ErrParameterLength = errors.New("transform: parameter vector length mismatch")
	// ErrNotInvertible is returned by Inverse when no inverse exists.
	ErrNotInvertible = errors.New("transform: not invertible")
	// ErrNotSupported marks an operation the transform cannot perform.
	ErrNotSupported = errors.New("transform: operation not supported")
	// ErrIndexOutOfRange is returned for a bad sub-transform index.
	ErrIndexOutOfRange = errors.New("transform: index out of range")
)

// Transform maps input points to output points and exposes the parameters
// and derivatives the optimizer needs.
//
// TransformPoint and the Jacobian methods are safe for concurrent use as
// long as no parameter mutation runs at the same time.
type Transform interface {
	Name() string

	// TransformPoint returns the mapped point and false when p left the
	// transform's valid support.
	TransformPoint(p r2.Vec) (r2.Vec, bool)

	NumberOfParameters() int
	// NumberOfLocalParameters is the number of parameters affecting one
	// location. It equals NumberOfParameters for global transforms.
	NumberOfLocalParameters() int
	Parameters() []float64
	SetParameters(p []float64) error
	FixedParameters() []float64
	SetFixedParameters(p []float64) error

	// ParameterJacobian returns the 2 x NumberOfLocalParameters derivative of
	// the output point with respect to the parameters affecting p, or nil
	// when there are none.
	ParameterJacobian(p r2.Vec) *mat.Dense
	// PositionJacobian returns the 2x2 derivative of the output point with
	// respect to the input point.
	PositionJacobian(p r2.Vec) *mat.Dense

	// UpdateParameters adds factor*update to the parameters.
	UpdateParameters(update []float64, factor float64) error

	HasLocalSupport() bool
	IsLinear() bool
	Inverse() (Transform, error)
}

// VectorTransformer is implemented by transforms whose vector mapping does
// not depend on position.
type VectorTransformer interface {
	TransformVector(v r2.Vec) r2.Vec
	TransformCovariantVector(v r2.Vec) r2.Vec
}

// GridSupport is implemented by local-support transforms whose parameters
// are laid out on a pixel grid. ok is false when no single grid applies.
type GridSupport interface {
	SupportGrid() (grid imaging.Grid, ok bool)
}

func checkLength(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d parameters, want %d: %w", name, got, want, ErrParameterLength)
	}
	return nil
}

func addScaled(params, update []float64, factor float64) {
	for i := range params {
		params[i] += factor * update[i]
	}
}

func cloneFloats(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// matrix2 is a row-major 2x2 matrix used by the linear transforms.
type matrix2 [4]float64

func (m matrix2) apply(v r2.Vec) r2.Vec {
	return r2.Vec{X: m[0]*v.X + m[1]*v.Y, Y: m[2]*v.X + m[3]*v.Y}
}

func (m matrix2) dense() *mat.Dense {
	return mat.NewDense(2, 2, []float64{m[0], m[1], m[2], m[3]})
}

func (m matrix2) inverse() (matrix2, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.dense()); err != nil {
		return matrix2{}, fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	return matrix2{inv.At(0, 0), inv.At(0, 1), inv.At(1, 0), inv.At(1, 1)}, nil
}

func (m matrix2) inverseTranspose() (matrix2, error) {
	inv, err := m.inverse()
	if err != nil {
		return matrix2{}, err
	}
	return matrix2{inv[0], inv[2], inv[1], inv[3]}, nil
}

func identityDense() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}
