package metric

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

// Sample is one virtual-domain point as seen by a PointMeasure. Gradients
// are expressed in the virtual domain and MovingJacobian is the matching
// 2 x NumberOfLocalParameters parameter Jacobian, so
// MovingGradient . MovingJacobian[:, i] is the derivative of the moving
// intensity with respect to local parameter i.
type Sample struct {
	VirtualPoint r2.Vec
	// VirtualIndex is the linear pixel index for dense sampling and the
	// point index for sparse sampling.
	VirtualIndex int

	FixedPoint  r2.Vec
	MovingPoint r2.Vec

	FixedValue  float64
	MovingValue float64

	FixedGradient  r2.Vec
	MovingGradient r2.Vec

	MovingJacobian *mat.Dense
}

// PointMeasure computes the contribution of a single sample. Implementations
// must be safe for concurrent calls with distinct Sample and derivative
// arguments.
type PointMeasure interface {
	Name() string
	NeedsFixedGradient() bool
	NeedsMovingGradient() bool

	// ProcessPoint returns the sample's value and writes its local
	// derivative into derivative, which is nil when no derivative is wanted.
	// Returning false excludes the sample from the valid-point count. The
	// derivative has the sign of the descent direction: adding a positive
	// multiple of it to the parameters decreases the value.
	ProcessPoint(s *Sample, derivative []float64) (value float64, valid bool, err error)
}

// MeanSquares is the squared intensity difference measure.
type MeanSquares struct{}

func (MeanSquares) Name() string { return "MeanSquares" }

func (MeanSquares) NeedsFixedGradient() bool { return false }

func (MeanSquares) NeedsMovingGradient() bool { return true }

// ProcessPoint implements PointMeasure: value (F-M)^2, local derivative
// 2(F-M) grad(M) . J.
func (MeanSquares) ProcessPoint(s *Sample, derivative []float64) (float64, bool, error) {
	diff := s.FixedValue - s.MovingValue
	if derivative != nil && s.MovingJacobian != nil {
		g := s.MovingGradient
		j := s.MovingJacobian
		_, n := j.Dims()
		for i := 0; i < n; i++ {
			derivative[i] = 2 * diff * (g.X*j.At(0, i) + g.Y*j.At(1, i))
		}
	}
	return diff * diff, true, nil
}
