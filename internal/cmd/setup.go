package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ionlab/pmtscan/internal/config"
	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/device/sim"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/raster"
)

// loadConfig returns the validated configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newLogger opens the rotating file logger, or discards output when file
// logging is disabled.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	logger, err := logging.NewLoggerWithRotation(cfg.LogDir(), cfg.Logging.Level, cfg.Logging.Rotation())
	if err != nil {
		return nil, fmt.Errorf("failed to open log in %s: %w", cfg.LogDir(), err)
	}
	return logger, nil
}

// newRig builds the rig selected by device.driver.
func newRig(cfg *config.Config, logger *logging.Logger) (*device.Rig, error) {
	rigLogger := logger.With(
		"driver", cfg.Device.Driver,
		"x_serial", cfg.Device.XSerial,
		"y_serial", cfg.Device.YSerial,
		"detector_port", cfg.Device.DetectorPort,
	)
	switch cfg.Device.Driver {
	case "sim":
		return sim.NewRig(simParams(cfg.Sim), device.WithRigLogger(rigLogger)), nil
	default:
		return nil, errors.NewConfigurationError("unknown rig driver", nil).
			WithField("device.driver").
			WithValue(cfg.Device.Driver)
	}
}

func simParams(c config.SimConfig) sim.Params {
	return sim.Params{
		Seed:       uint64(c.Seed),
		PeakX:      c.PeakX,
		PeakY:      c.PeakY,
		PeakRate:   c.PeakRate,
		Background: c.BackgroundRate,
		Sigma:      c.Sigma,
		Speed:      c.Speed,
		FaultRate:  c.FaultRate,
		RealTime:   c.RealTime,
	}
}

// readPositions opens the rig briefly to report where the stages are parked.
func readPositions(ctx context.Context, rig *device.Rig) (x, y float64, err error) {
	if err := rig.Acquire(ctx); err != nil {
		return 0, 0, err
	}
	x, y, err = rig.Positions(ctx)
	if releaseErr := rig.Release(); err == nil {
		err = releaseErr
	}
	return x, y, err
}

func axisRange(a config.AxisConfig) raster.AxisRange {
	return raster.AxisRange{Start: a.Start, Stop: a.Stop, Step: a.Step}
}

// axisValue is a pflag.Value for "start:stop:step" ranges.
type axisValue struct {
	r *raster.AxisRange
}

var _ pflag.Value = axisValue{}

func newAxisValue(r *raster.AxisRange) axisValue {
	return axisValue{r: r}
}

func (v axisValue) String() string {
	if v.r == nil {
		return ""
	}
	return fmt.Sprintf("%g:%g:%g", v.r.Start, v.r.Stop, v.r.Step)
}

func (v axisValue) Set(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return fmt.Errorf("expected start:stop:step, got %q", s)
	}
	var nums [3]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q in %q", p, s)
		}
		nums[i] = n
	}
	*v.r = raster.AxisRange{Start: nums[0], Stop: nums[1], Step: nums[2]}
	return nil
}

func (v axisValue) Type() string {
	return "range"
}

// explainFailure logs err at its severity and adds a hint for the user:
// hardware faults point at the rig, contract violations ask for a report
// and errors not meant for display point at the log.
func explainFailure(logger *logging.Logger, err error) error {
	if err == nil {
		return nil
	}
	severity := errors.GetSeverity(err)
	if severity >= errors.SeverityError {
		logger.Error("scan failed", "error", err.Error(), "severity", severity.String())
	} else {
		logger.Warn("scan failed", "error", err.Error(), "severity", severity.String())
	}

	switch {
	case errors.IsProgrammerError(err):
		return fmt.Errorf("internal error, please report it: %w", err)
	case errors.IsDeviceError(err):
		return fmt.Errorf("%w\ncheck the stage and detector connections", err)
	case !errors.IsUserFacing(err):
		return fmt.Errorf("%w\nsee 'pmtscan logs' for details", err)
	}
	return err
}
