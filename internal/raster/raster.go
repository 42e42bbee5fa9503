// Package raster maps linear visit indices onto a two-axis grid in
// boustrophedon order.
//
// Every other row is traversed in reverse so the stage never makes a long
// fly-back move at the end of a row:
//
//	y=0:  (0,0) (1,0) (2,0)
//	y=1:  (2,1) (1,1) (0,1)
//	y=2:  (0,2) (1,2) (2,2)
//
// Everything in this package is pure and safe for concurrent use.
package raster

import (
	"fmt"
	"math"

	"github.com/ionlab/pmtscan/internal/errors"
)

// tolerance is the fraction of a step by which the last position may
// overshoot Stop and still be included.
const tolerance = 1e-9

// MaxAxisPoints bounds the number of positions a single axis may produce.
const MaxAxisPoints = 100_000

// AxisRange describes the positions Start, Start+Step, ... up to and
// including Stop.
type AxisRange struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
	Step  float64 `json:"step" yaml:"step"`
}

// Validate reports a *errors.ConfigurationError for non-finite fields or a
// non-positive step. A range with Stop < Start is valid and empty.
func (r AxisRange) Validate(field string) error {
	fields := []struct {
		name string
		v    float64
	}{{"start", r.Start}, {"stop", r.Stop}, {"step", r.Step}}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return errors.NewConfigurationError("axis range must be finite", errors.ErrInvalidInput).
				WithField(field + "." + f.name).
				WithValue(f.v)
		}
	}
	if r.Step <= 0 {
		return errors.NewConfigurationError("step must be positive", errors.ErrInvalidStep).
			WithField(field + ".step").
			WithValue(r.Step)
	}
	if n := r.count(); n > MaxAxisPoints {
		return errors.NewConfigurationError(
			fmt.Sprintf("axis range produces more than %d positions", MaxAxisPoints), errors.ErrInvalidInput).
			WithField(field).
			WithValue(n)
	}
	return nil
}

// Len returns the number of positions in the range. It assumes the range
// is valid.
func (r AxisRange) Len() int {
	return r.count()
}

func (r AxisRange) count() int {
	if r.Stop < r.Start || r.Step <= 0 {
		return 0
	}
	span := (r.Stop - r.Start) / r.Step
	return int(math.Floor(span+tolerance)) + 1
}

// Positions validates the range and returns its positions in ascending
// order. Positions are computed as Start + i*Step so rounding errors do
// not accumulate along the axis.
func (r AxisRange) Positions() ([]float64, error) {
	return r.positions("axis")
}

func (r AxisRange) positions(field string) ([]float64, error) {
	if err := r.Validate(field); err != nil {
		return nil, err
	}
	n := r.count()
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Start + float64(i)*r.Step
	}
	return out, nil
}

// Around returns the range [center-radius, center+radius] sampled at step.
func Around(center, radius, step float64) AxisRange {
	return AxisRange{Start: center - radius, Stop: center + radius, Step: step}
}

// Cell is one grid point together with the visit index that reaches it.
type Cell struct {
	Linear int
	XIndex int
	YIndex int
	XPos   float64
	YPos   float64
}

// Grid holds the positions of both axes.
type Grid struct {
	X []float64
	Y []float64
}

// NewGrid validates both ranges and builds the grid.
func NewGrid(x, y AxisRange) (Grid, error) {
	xs, err := x.positions("x")
	if err != nil {
		return Grid{}, err
	}
	ys, err := y.positions("y")
	if err != nil {
		return Grid{}, err
	}
	return Grid{X: xs, Y: ys}, nil
}

// NX returns the number of x positions.
func (g Grid) NX() int { return len(g.X) }

// NY returns the number of y positions.
func (g Grid) NY() int { return len(g.Y) }

// Total returns the number of cells. It is zero when either axis is empty.
func (g Grid) Total() int { return len(g.X) * len(g.Y) }

// PositionAt maps a linear visit index to its grid cell. Odd rows are
// traversed with x descending.
func (g Grid) PositionAt(linear int) (Cell, error) {
	if linear < 0 || linear >= g.Total() {
		return Cell{}, fmt.Errorf("position %d of %d: %w", linear, g.Total(), errors.ErrIndexOutOfRange)
	}
	nx := len(g.X)
	xi, yi := linear%nx, linear/nx
	if yi%2 == 1 {
		xi = nx - 1 - xi
	}
	return Cell{
		Linear: linear,
		XIndex: xi,
		YIndex: yi,
		XPos:   g.X[xi],
		YPos:   g.Y[yi],
	}, nil
}

// RowComplete reports whether visiting linear finishes its row, i.e. it is
// the last index in that row's traversal direction.
func (g Grid) RowComplete(linear int) bool {
	if linear < 0 || linear >= g.Total() {
		return false
	}
	return (linear+1)%len(g.X) == 0
}

// Cells returns every cell in visit order.
func (g Grid) Cells() []Cell {
	out := make([]Cell, 0, g.Total())
	for i := 0; i < g.Total(); i++ {
		c, _ := g.PositionAt(i)
		out = append(out, c)
	}
	return out
}

// IndexOf returns the index of the position in positions nearest to v, or
// -1 when positions is empty.
func IndexOf(positions []float64, v float64) int {
	best := -1
	bestDist := math.Inf(1)
	for i, p := range positions {
		if d := math.Abs(p - v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
