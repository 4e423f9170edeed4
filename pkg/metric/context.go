package metric

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/threader"
)

// sparseCheckInterval is how many sparse points a worker handles between
// cancellation checks.
const sparseCheckInterval = 64

// workerState is the storage owned by one worker. Only that worker writes
// it during a dispatch.
type workerState struct {
	value      float64
	count      int
	derivative []float64 // private accumulator, global transforms only
	local      []float64 // scratch for one point's derivative
}

// evaluationContext is built once at Initialize and reused by every
// evaluation. Its partition and worker count never change afterwards.
type evaluationContext struct {
	workers int
	regions []imaging.Region
	ranges  []threader.Range
	states  []workerState
}

func (e *Evaluator) newEvaluationContext() *evaluationContext {
	workers := threader.Workers(e.cfg.Options.NumberOfWorkers)
	c := &evaluationContext{}
	if e.sparse() {
		c.ranges = threader.SplitRange(len(e.virtualPoints), workers)
		c.workers = len(c.ranges)
	} else {
		c.regions = threader.SplitRegion(e.vgrid.Region(), workers)
		c.workers = len(c.regions)
	}
	c.states = make([]workerState, c.workers)
	for w := range c.states {
		c.states[w].local = make([]float64, e.nLocal)
		if !e.localSupport {
			c.states[w].derivative = make([]float64, e.nParams)
		}
	}
	return c
}

func (c *evaluationContext) reset(withDerivative bool) {
	for w := range c.states {
		s := &c.states[w]
		s.value = 0
		s.count = 0
		if withDerivative && s.derivative != nil {
			clear(s.derivative)
		}
	}
}

// warpedInputs holds the images resampled into the virtual grid for one
// pre-warped evaluation.
type warpedInputs struct {
	fixed, moving                 *imaging.WarpedImage
	fixedGradient, movingGradient *imaging.VectorImage
}

func (e *Evaluator) prewarp(withDerivative bool) *warpedInputs {
	c := &e.cfg
	w := &warpedInputs{
		fixed:  e.resampler.Resample(c.FixedImage, c.FixedTransform, e.vgrid),
		moving: e.resampler.Resample(c.MovingImage, c.MovingTransform, e.vgrid),
	}
	if withDerivative && c.Measure.NeedsFixedGradient() {
		w.fixedGradient = imaging.GradientImage(w.fixed.Image, 0)
	}
	if withDerivative && c.Measure.NeedsMovingGradient() {
		w.movingGradient = imaging.GradientImage(w.moving.Image, 0)
	}
	return w
}

// evaluate runs one threaded pass. A nil derivative computes the value only.
func (e *Evaluator) evaluate(derivative []float64) (float64, error) {
	withDerivative := derivative != nil
	c := e.ctx
	c.reset(withDerivative)
	if withDerivative {
		clear(derivative)
	}

	var warped *warpedInputs
	if e.cfg.Options.UsePreWarp {
		warped = e.prewarp(withDerivative)
	}

	// Local-support derivatives are scattered straight into the output at
	// per-pixel offsets. Offsets are injective over the samples, so workers
	// never share an element.
	var shared []float64
	if withDerivative && e.localSupport {
		shared = derivative
	}

	err := threader.Dispatch(c.workers, func(ctx context.Context, w int) error {
		ws := &c.states[w]
		if e.sparse() {
			return e.runSparse(ctx, c.ranges[w], ws, shared, withDerivative)
		}
		return e.runDense(ctx, c.regions[w], ws, shared, warped, withDerivative)
	})
	if err != nil {
		return 0, fmt.Errorf("metric %s: %w", e.cfg.Measure.Name(), err)
	}

	total := 0
	value := 0.0
	for w := range c.states {
		total += c.states[w].count
		value += c.states[w].value
	}
	e.validPoints = total
	if total == 0 {
		if withDerivative {
			clear(derivative)
		}
		return math.MaxFloat64, ErrNoValidPoints
	}

	if withDerivative && !e.localSupport {
		for w := range c.states {
			floats.Add(derivative, c.states[w].derivative)
		}
	}
	if e.cfg.Options.Averaging == AverageOverValidPoints {
		n := float64(total)
		value /= n
		if withDerivative && !e.localSupport {
			floats.Scale(1/n, derivative)
		}
	}
	return value, nil
}

func (e *Evaluator) runDense(ctx context.Context, r imaging.Region, ws *workerState, shared []float64, warped *warpedInputs, withDerivative bool) error {
	for y := r.Y; y < r.Y+r.Height; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for x := r.X; x < r.X+r.Width; x++ {
			k := e.vgrid.LinearIndex(x, y)
			s := Sample{
				VirtualPoint: e.vgrid.IndexToPoint(float64(x), float64(y)),
				VirtualIndex: k,
			}
			if err := e.processSample(&s, ws, shared, k*e.nLocal, warped, withDerivative); err != nil {
				return fmt.Errorf("sample (%d, %d) at %v: %w", x, y, s.VirtualPoint, err)
			}
		}
	}
	return nil
}

func (e *Evaluator) runSparse(ctx context.Context, r threader.Range, ws *workerState, shared []float64, withDerivative bool) error {
	for i := r.Start; i < r.End; i++ {
		if (i-r.Start)%sparseCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		offset := -1
		if e.offsets != nil {
			offset = e.offsets[i]
			if offset < 0 {
				continue
			}
		}
		s := Sample{VirtualPoint: e.virtualPoints[i], VirtualIndex: i}
		if err := e.processSample(&s, ws, shared, offset, nil, withDerivative); err != nil {
			return fmt.Errorf("sample point %d at %v: %w", i, s.VirtualPoint, err)
		}
	}
	return nil
}

// processSample evaluates one virtual point and accumulates its
// contribution. Points rejected by a mask or outside a buffer are skipped
// without error.
func (e *Evaluator) processSample(s *Sample, ws *workerState, shared []float64, offset int, warped *warpedInputs, withDerivative bool) error {
	c := &e.cfg
	needFixedGrad := withDerivative && c.Measure.NeedsFixedGradient()
	needMovingGrad := withDerivative && c.Measure.NeedsMovingGradient()

	var ok bool
	if s.FixedPoint, ok = c.FixedTransform.TransformPoint(s.VirtualPoint); !ok {
		return nil
	}
	if c.FixedMask != nil && !c.FixedMask.IsInside(s.FixedPoint) {
		return nil
	}
	if s.MovingPoint, ok = c.MovingTransform.TransformPoint(s.VirtualPoint); !ok {
		return nil
	}
	if c.MovingMask != nil && !c.MovingMask.IsInside(s.MovingPoint) {
		return nil
	}

	if warped != nil {
		k := s.VirtualIndex
		if !warped.fixed.Valid[k] || !warped.moving.Valid[k] {
			return nil
		}
		s.FixedValue = warped.fixed.Pix[k]
		s.MovingValue = warped.moving.Pix[k]
		if needFixedGrad {
			s.FixedGradient = r2Get(warped.fixedGradient, k)
		}
		if needMovingGrad {
			s.MovingGradient = r2Get(warped.movingGradient, k)
		}
	} else {
		if s.FixedValue, ok = c.FixedImage.Value(s.FixedPoint); !ok {
			return nil
		}
		if s.MovingValue, ok = c.MovingImage.Value(s.MovingPoint); !ok {
			return nil
		}
		if needFixedGrad {
			g, _ := imageGradient(c.FixedImage, e.fixedGradient, s.FixedPoint)
			s.FixedGradient = toVirtual(c.FixedTransform.PositionJacobian(s.VirtualPoint), g)
		}
	}

	var local []float64
	if withDerivative {
		jparams := c.MovingTransform.ParameterJacobian(s.VirtualPoint)
		if jparams != nil {
			jpos := c.MovingTransform.PositionJacobian(s.VirtualPoint)
			if needMovingGrad && warped == nil {
				g, _ := imageGradient(c.MovingImage, e.movingGradient, s.MovingPoint)
				s.MovingGradient = toVirtual(jpos, g)
			}
			jv, err := virtualJacobian(jpos, jparams)
			if err != nil {
				return err
			}
			s.MovingJacobian = jv
			local = ws.local
			clear(local)
		}
	}

	v, valid, err := c.Measure.ProcessPoint(s, local)
	if err != nil {
		return err
	}
	if !valid {
		return nil
	}
	ws.value += v
	ws.count++
	if local == nil {
		return nil
	}

	if c.Options.UseFloatingPointCorrection {
		res := c.Options.FloatingPointCorrectionResolution
		for i, d := range local {
			local[i] = math.Round(d*res) / res
		}
	}
	if shared != nil {
		floats.Add(shared[offset:offset+len(local)], local)
		return nil
	}
	floats.Add(ws.derivative, local)
	return nil
}

// imageGradient reads the precomputed gradient image when present and
// differences the interpolant otherwise.
func imageGradient(img *imaging.Image, filtered *imaging.VectorImage, p r2.Vec) (r2.Vec, bool) {
	if filtered != nil {
		return filtered.Value(p)
	}
	return img.Gradient(p)
}

func r2Get(vi *imaging.VectorImage, k int) r2.Vec {
	return r2.Vec{X: vi.Pix[2*k], Y: vi.Pix[2*k+1]}
}
