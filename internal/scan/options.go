package scan

import (
	"math"

	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/persist"
	"github.com/ionlab/pmtscan/internal/raster"
)

// DefaultMaxRetries is used by PolicyRetry when Config.MaxRetries is zero.
const DefaultMaxRetries = 3

// Config describes one scan started with Controller.Start.
type Config struct {
	X          raster.AxisRange
	Y          raster.AxisRange
	ExposureMs float64
	// Repeats is the number of detector samples averaged per cell. Zero
	// uses device.DefaultRepeats.
	Repeats int

	// Output is the CSV path for the coarse scan. Empty disables
	// persistence. The refinement writes next to it.
	Output string

	AutoSeek   bool
	SeekRadius float64

	Policy     FaultPolicy
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Repeats == 0 {
		c.Repeats = device.DefaultRepeats
	}
	if c.Policy == "" {
		c.Policy = PolicySkip
	}
	if c.Policy == PolicyRetry && c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SeekRadius == 0 {
		c.SeekRadius = DefaultSeekRadius
	}
	return c
}

// Validate checks the ranges, exposure and fault settings.
func (c Config) Validate() error {
	if _, err := raster.NewGrid(c.X, c.Y); err != nil {
		return err
	}
	if math.IsNaN(c.ExposureMs) || math.IsInf(c.ExposureMs, 0) || device.Ticks(c.ExposureMs) < 1 {
		return errors.NewConfigurationError("exposure must be at least one detector tick", errors.ErrInvalidInput).
			WithField("scan.exposure_ms").
			WithValue(c.ExposureMs)
	}
	if c.Repeats < 0 {
		return errors.NewConfigurationError("repeats must not be negative", errors.ErrInvalidInput).
			WithField("detector.repeats").
			WithValue(c.Repeats)
	}
	if _, err := ParseFaultPolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.MaxRetries < 0 {
		return errors.NewConfigurationError("max retries must not be negative", errors.ErrInvalidInput).
			WithField("fault.max_retries").
			WithValue(c.MaxRetries)
	}
	if math.IsNaN(c.SeekRadius) || c.SeekRadius < 0 {
		return errors.NewConfigurationError("seek radius must be positive", errors.ErrInvalidInput).
			WithField("seek.radius").
			WithValue(c.SeekRadius)
	}
	return nil
}

// Sink receives finished rows of one session.
type Sink interface {
	Path() string
	AppendRow(row persist.Row) error
	Finish(status string) error
}

// SinkOpener opens the sink for a session.
type SinkOpener func(info persist.RunInfo) (Sink, error)

// controllerConfig holds optional configuration for a Controller.
type controllerConfig struct {
	logger     *logging.Logger
	bus        *event.Bus
	openSink   SinkOpener
	workerOpts []WorkerOption
}

// Option configures a Controller.
type Option func(*controllerConfig)

// WithLogger sets the controller logger. The worker inherits it.
func WithLogger(l *logging.Logger) Option {
	return func(c *controllerConfig) { c.logger = l }
}

// WithBus delivers events into an existing bus instead of a private one.
func WithBus(b *event.Bus) Option {
	return func(c *controllerConfig) { c.bus = b }
}

// WithSinkOpener sets how sessions are persisted.
func WithSinkOpener(fn SinkOpener) Option {
	return func(c *controllerConfig) { c.openSink = fn }
}

// WithFactory persists sessions through a persist.Factory.
func WithFactory(f *persist.Factory) Option {
	return WithSinkOpener(func(info persist.RunInfo) (Sink, error) {
		run, err := f.Open(info)
		if err != nil {
			return nil, err
		}
		return run, nil
	})
}

// WithWorkerOptions passes options through to the worker.
func WithWorkerOptions(opts ...WorkerOption) Option {
	return func(c *controllerConfig) { c.workerOpts = append(c.workerOpts, opts...) }
}
