package device

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ionlab/pmtscan/internal/errors"
)

// TicksPerMs is the number of detector clock ticks per millisecond of
// exposure. The counter is gated by a 1 µs clock.
const TicksPerMs = 1000

// DefaultRepeats is the number of samples averaged per measurement when the
// caller does not say otherwise.
const DefaultRepeats = 50

// Ticks converts an exposure in milliseconds to whole clock ticks, rounding
// to the nearest tick.
func Ticks(exposureMs float64) int {
	return int(math.Round(exposureMs * TicksPerMs))
}

// Detector adapts a raw SampleSource to the Measure half of [Facade].
// It converts exposure to ticks, checks sample-count integrity and averages.
type Detector struct {
	src SampleSource
}

// NewDetector wraps src.
func NewDetector(src SampleSource) *Detector {
	return &Detector{src: src}
}

// Open opens the underlying source.
func (d *Detector) Open(ctx context.Context) error {
	if err := d.src.Open(ctx); err != nil {
		return errors.NewDeviceFault("failed to open detector", err).WithDevice("detector")
	}
	return nil
}

// Close closes the underlying source.
func (d *Detector) Close() error {
	return d.src.Close()
}

// Measure runs one acquisition and returns the mean of its samples.
//
// A readout whose sample count differs from repeats is an
// *errors.AcquisitionFault: a partial average is never returned.
func (d *Detector) Measure(ctx context.Context, exposureMs float64, repeats int) (float64, error) {
	if repeats <= 0 {
		repeats = DefaultRepeats
	}
	ticks := Ticks(exposureMs)
	if ticks < 1 {
		return 0, errors.NewValidationError("exposure shorter than one clock tick").
			WithField("exposure_ms").
			WithValue(exposureMs)
	}

	samples, err := d.src.Samples(ctx, ticks, repeats)
	if err != nil {
		if errors.Is(err, errors.ErrSampleCountMismatch) {
			return 0, errors.AsAcquisitionFault(err, repeats)
		}
		return 0, errors.NewDeviceFault("detector readout failed", err).WithDevice("detector")
	}
	if len(samples) != repeats {
		return 0, errors.NewAcquisitionFault(repeats, len(samples))
	}
	return stat.Mean(samples, nil), nil
}
