package scan

import (
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/raster"
)

// DefaultSeekRadius is the half-width of the refinement window in stage
// units.
const DefaultSeekRadius = 1.0

// Argmax returns the indices of the largest valid reading in an image
// indexed [x][y]. Ties go to the first cell met iterating y ascending, then
// x ascending. ok is false when no cell holds valid data.
func Argmax(image [][]Reading) (xi, yi int, ok bool) {
	if len(image) == 0 {
		return 0, 0, false
	}
	ny := len(image[0])
	var best float64
	for y := 0; y < ny; y++ {
		for x := range image {
			r := image[x][y]
			if !r.Valid {
				continue
			}
			if !ok || r.Value > best {
				xi, yi, best, ok = x, y, r.Value, true
			}
		}
	}
	return xi, yi, ok
}

// SeekPlan is the refinement window around a coarse maximum.
type SeekPlan struct {
	CenterX float64
	CenterY float64
	CenterI int
	CenterJ int
	Radius  float64
	X       raster.AxisRange
	Y       raster.AxisRange
}

// Plan centers a window of the given radius on the argmax of a completed
// session, sampled at the session's own step sizes.
func Plan(snap Snapshot, radius float64) (SeekPlan, error) {
	if radius <= 0 {
		return SeekPlan{}, errors.NewConfigurationError("seek radius must be positive", errors.ErrInvalidInput).
			WithField("seek.radius").
			WithValue(radius)
	}
	xi, yi, ok := Argmax(snap.Image)
	if !ok {
		return SeekPlan{}, errors.NewValidationError("no valid reading to seek from").
			WithField("session").
			WithValue(snap.SessionID)
	}
	cx, cy := snap.XPositions[xi], snap.YPositions[yi]
	return SeekPlan{
		CenterX: cx,
		CenterY: cy,
		CenterI: xi,
		CenterJ: yi,
		Radius:  radius,
		X:       raster.Around(cx, radius, snap.XRange.Step),
		Y:       raster.Around(cy, radius, snap.YRange.Step),
	}, nil
}
