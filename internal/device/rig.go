package device

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/logging"
)

// Rig assembles two stages and a detector into a [Device].
type Rig struct {
	x, y     Stage
	detector *Detector
	logger   *logging.Logger
}

// RigOption configures a Rig.
type RigOption func(*Rig)

// WithRigLogger sets the logger used for connection events.
func WithRigLogger(l *logging.Logger) RigOption {
	return func(r *Rig) {
		if l != nil {
			r.logger = l.WithComponent("rig")
		}
	}
}

// NewRig creates a Rig. Nothing is opened until Acquire.
func NewRig(x, y Stage, detector *Detector, opts ...RigOption) *Rig {
	r := &Rig{x: x, y: y, detector: detector, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rig) stage(axis Axis) (Stage, error) {
	switch axis {
	case AxisX:
		return r.x, nil
	case AxisY:
		return r.y, nil
	default:
		return nil, errors.NewValidationError("unknown axis").WithValue(int(axis))
	}
}

// Acquire opens both stages and the detector. When any part fails to open,
// the parts already opened are closed again.
func (r *Rig) Acquire(ctx context.Context) error {
	var opened []func() error

	rollback := func(cause error) error {
		var result error = cause
		for i := len(opened) - 1; i >= 0; i-- {
			if err := opened[i](); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result
	}

	for _, axis := range []Axis{AxisX, AxisY} {
		s, _ := r.stage(axis)
		if err := s.Open(ctx); err != nil {
			return rollback(errors.NewDeviceFault("failed to open stage", err).WithAxis(axis.String()))
		}
		opened = append(opened, s.Close)
	}
	if err := r.detector.Open(ctx); err != nil {
		return rollback(err)
	}

	r.logger.Info("rig acquired")
	return nil
}

// Release closes every part and reports all close errors together.
func (r *Rig) Release() error {
	var result *multierror.Error
	if err := r.detector.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("detector: %w", err))
	}
	for _, axis := range []Axis{AxisY, AxisX} {
		s, _ := r.stage(axis)
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stage %s: %w", axis, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		r.logger.Warn("rig released with errors", "error", err.Error())
		return errors.NewDeviceFault("rig teardown incomplete", err).WithSeverity(errors.SeverityWarning)
	}
	r.logger.Info("rig released")
	return nil
}

// Close is Release, so a Rig can be deferred like any other closer.
func (r *Rig) Close() error {
	return r.Release()
}

// MoveAxis moves one stage.
func (r *Rig) MoveAxis(ctx context.Context, axis Axis, pos float64) (float64, error) {
	s, err := r.stage(axis)
	if err != nil {
		return 0, err
	}
	realized, err := s.MoveTo(ctx, pos)
	if err != nil {
		return 0, asDeviceFault("move failed", err).WithAxis(axis.String())
	}
	return realized, nil
}

// Measure forwards to the detector.
func (r *Rig) Measure(ctx context.Context, exposureMs float64, repeats int) (float64, error) {
	return r.detector.Measure(ctx, exposureMs, repeats)
}

// Positions reads both stage positions back from the controllers.
func (r *Rig) Positions(ctx context.Context) (x, y float64, err error) {
	if x, err = r.x.Position(ctx); err != nil {
		return 0, 0, asDeviceFault("position readback failed", err).WithAxis(AxisX.String())
	}
	if y, err = r.y.Position(ctx); err != nil {
		return 0, 0, asDeviceFault("position readback failed", err).WithAxis(AxisY.String())
	}
	return x, y, nil
}

// asDeviceFault wraps err unless it already is a DeviceFault.
func asDeviceFault(message string, err error) *errors.DeviceFault {
	var df *errors.DeviceFault
	if errors.As(err, &df) {
		return df
	}
	return errors.NewDeviceFault(message, err)
}
