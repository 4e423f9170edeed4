package scales

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/internal/logging"
	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/transform"
)

type source struct {
	t      transform.Transform
	grid   imaging.Grid
	points []r2.Vec
}

func (s source) MovingTransform() transform.Transform { return s.t }
func (s source) VirtualGrid() imaging.Grid            { return s.grid }
func (s source) IsSparse() bool                       { return s.points != nil }
func (s source) VirtualSamplePoints() []r2.Vec        { return s.points }

func TestPhysicalShiftTranslation(t *testing.T) {
	est := NewPhysicalShift(source{t: transform.NewTranslation(r2.Vec{X: 2}), grid: imaging.NewGrid(9, 7)}, logging.Discard())
	got, err := est.EstimateScales()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1, got[0], 1e-9)
	assert.InDelta(t, 1, got[1], 1e-9)
}

func TestPhysicalShiftRigidUsesLeverArm(t *testing.T) {
	grid := imaging.NewGrid(11, 11)
	rigid := transform.NewRigid2D(0.2, r2.Vec{X: 1, Y: -1}, grid.Center())
	before := rigid.Parameters()

	est := NewPhysicalShift(source{t: rigid, grid: grid}, logging.Discard())
	got, err := est.EstimateScales()
	require.NoError(t, err)
	require.Len(t, got, 3)

	// A corner sits 5*sqrt(2) from the rotation centre; a small rotation by
	// delta moves it by 2r*sin(delta/2).
	r := 5 * math.Sqrt2
	shift := 2 * r * math.Sin(DefaultDelta/2)
	assert.InEpsilon(t, (shift/DefaultDelta)*(shift/DefaultDelta), got[0], 1e-9)
	assert.InDelta(t, 1, got[1], 1e-9)
	assert.InDelta(t, 1, got[2], 1e-9)

	assert.Equal(t, before, rigid.Parameters(), "parameters must be restored")
}

func TestPhysicalShiftSamplingStrategies(t *testing.T) {
	grid := imaging.NewGrid(5, 5)
	scale := transform.NewScale(r2.Vec{X: 1, Y: 1}, r2.Vec{})

	corners := NewPhysicalShift(source{t: scale, grid: grid}, logging.Discard())
	got, err := corners.EstimateScales()
	require.NoError(t, err)
	assert.InDelta(t, 16, got[0], 1e-9)

	centre := NewPhysicalShift(source{t: scale, grid: grid}, logging.Discard())
	centre.Sampling = CentreSampling
	got, err = centre.EstimateScales()
	require.NoError(t, err)
	assert.InDelta(t, 4, got[0], 1e-9)

	sparse := NewPhysicalShift(source{t: scale, grid: grid, points: []r2.Vec{{X: 1, Y: 3}}}, logging.Discard())
	got, err = sparse.EstimateScales()
	require.NoError(t, err)
	assert.InDelta(t, 1, got[0], 1e-9)
	assert.InDelta(t, 9, got[1], 1e-9)
}

func TestPhysicalShiftZeroShiftFallsBackToUnitScale(t *testing.T) {
	grid := imaging.NewGrid(5, 5)
	scale := transform.NewScale(r2.Vec{X: 1, Y: 1}, grid.Center())
	est := NewPhysicalShift(source{t: scale, grid: grid}, logging.Discard())
	est.Sampling = CentreSampling

	got, err := est.EstimateScales()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, got)
}

func TestPhysicalShiftLocalSupport(t *testing.T) {
	grid := imaging.NewGrid(6, 4)
	field := transform.NewDisplacementField(grid)
	est := NewPhysicalShift(source{t: field, grid: grid}, logging.Discard())

	got, err := est.EstimateScales()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1, got[0], 1e-9)
	assert.InDelta(t, 1, got[1], 1e-9)
	assert.Equal(t, make([]float64, field.NumberOfParameters()), field.Parameters())

	step := make([]float64, field.NumberOfParameters())
	step[6], step[7] = 3, 4
	shift, err := est.EstimateStepScale(step)
	require.NoError(t, err)
	assert.InDelta(t, 5, shift, 1e-9)
}

func TestStepSizes(t *testing.T) {
	grid := imaging.NewGrid(4, 4)
	grid.Spacing = r2.Vec{X: 0.5, Y: 2}
	tr := transform.NewTranslation(r2.Vec{})
	est := NewPhysicalShift(source{t: tr, grid: grid}, logging.Discard())

	maxStep, err := est.EstimateMaximumStepSize()
	require.NoError(t, err)
	assert.Equal(t, 0.5, maxStep)

	shift, err := est.EstimateStepScale([]float64{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5, shift, 1e-9)
	assert.Equal(t, r2.Vec{}, tr.Offset)

	_, err = est.EstimateStepScale([]float64{1})
	assert.ErrorIs(t, err, transform.ErrParameterLength)
}

func TestJacobianEstimator(t *testing.T) {
	grid := imaging.NewGrid(5, 5)
	scale := transform.NewScale(r2.Vec{X: 1, Y: 1}, r2.Vec{})
	est := NewJacobian(source{t: scale, grid: grid})

	got, err := est.EstimateScales()
	require.NoError(t, err)
	// Corners x = 0, 4, 0, 4 and centre x = 2: mean of x^2 is 36/5.
	assert.InDelta(t, 36.0/5, got[0], 1e-12)
	assert.InDelta(t, 36.0/5, got[1], 1e-12)

	shift, err := est.EstimateStepScale([]float64{0.5, 0})
	require.NoError(t, err)
	assert.InDelta(t, 2, shift, 1e-12)

	tr := NewJacobian(source{t: transform.NewTranslation(r2.Vec{}), grid: grid})
	got, err = tr.EstimateScales()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, got)

	field := NewJacobian(source{t: transform.NewDisplacementField(grid), grid: grid})
	got, err = field.EstimateScales()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, got)
}

func TestMissingSource(t *testing.T) {
	_, err := (&PhysicalShift{}).EstimateScales()
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = (&Jacobian{}).EstimateMaximumStepSize()
	assert.ErrorIs(t, err, ErrNoSource)
}
