package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/scan"
)

const (
	// DefaultWindow is the number of counts kept for statistics.
	DefaultWindow = 50
	// busyBackoff is the delay before probing again after the controller
	// refused because a scan is running.
	busyBackoff = 100 * time.Millisecond
)

// Prober measures at the current stage position. *scan.Controller
// implements it.
type Prober interface {
	Probe(ctx context.Context, exposureMs float64, repeats int) (scan.Reading, error)
}

// Publisher receives monitor events. *scan.Controller implements it.
type Publisher interface {
	Publish(e event.Event)
}

// Window holds the most recent valid counts.
type Window struct {
	values []float64
	next   int
	full   bool
}

// NewWindow creates a window of size n. Sizes below 1 use DefaultWindow.
func NewWindow(n int) *Window {
	if n < 1 {
		n = DefaultWindow
	}
	return &Window{values: make([]float64, 0, n)}
}

// Add appends v, evicting the oldest value once the window is full.
func (w *Window) Add(v float64) {
	if !w.full {
		w.values = append(w.values, v)
		if len(w.values) == cap(w.values) {
			w.full = true
		}
		return
	}
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
}

// Values returns the counts oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, len(w.values))
	if !w.full {
		return append(out, w.values...)
	}
	out = append(out, w.values[w.next:]...)
	return append(out, w.values[:w.next]...)
}

// Len returns the number of counts held.
func (w *Window) Len() int { return len(w.values) }

// Stats returns the mean and sample standard deviation. Both are zero for
// an empty window; the deviation is zero for a single value.
func (w *Window) Stats() (mean, std float64) {
	switch len(w.values) {
	case 0:
		return 0, 0
	case 1:
		return w.values[0], 0
	}
	mean, std = stat.MeanStdDev(w.values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// Sample is one monitor reading.
type Sample struct {
	At     time.Time
	Count  scan.Reading
	Mean   float64
	StdDev float64
	N      int
	Err    error
}

// Monitor probes the detector in a loop.
type Monitor struct {
	prober     Prober
	pub        Publisher
	exposureMs float64
	repeats    int
	interval   time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	window   *Window
	handlers []func(Sample)
	cancel   context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindow sets the number of counts kept for statistics.
func WithWindow(n int) Option {
	return func(m *Monitor) { m.window = NewWindow(n) }
}

// WithInterval sets the pause between probes.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithRepeats sets the number of detector samples averaged per probe.
func WithRepeats(n int) Option {
	return func(m *Monitor) { m.repeats = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Monitor. pub may be nil.
func New(p Prober, pub Publisher, exposureMs float64, opts ...Option) *Monitor {
	m := &Monitor{
		prober:     p,
		pub:        pub,
		exposureMs: exposureMs,
		window:     NewWindow(DefaultWindow),
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("monitor")
	return m
}

// OnSample registers a callback invoked after every probe.
func (m *Monitor) OnSample(handler func(Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Window returns a copy of the current counts, oldest first.
func (m *Monitor) Window() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.Values()
}

// Start probes until ctx is cancelled or Stop is called. Device errors are
// reported as samples and do not end the loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.logger.Info("monitor started", "exposure_ms", m.exposureMs, "window", cap(m.window.values))
	defer m.logger.Info("monitor stopped")

	for {
		count, err := m.prober.Probe(ctx, m.exposureMs, m.repeats)
		if ctx.Err() != nil {
			return
		}

		delay := m.interval
		if errors.Is(err, errors.ErrSessionActive) || errors.Is(err, errors.ErrWorkerBusy) {
			m.logger.Debug("probe deferred", "reason", err.Error())
			delay = max(delay, busyBackoff)
		} else {
			m.record(count, err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// Stop ends a running Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) record(count scan.Reading, err error) {
	m.mu.Lock()
	if err == nil && count.Valid {
		m.window.Add(count.Value)
	}
	mean, std := m.window.Stats()
	s := Sample{
		At:     time.Now(),
		Count:  count,
		Mean:   mean,
		StdDev: std,
		N:      m.window.Len(),
		Err:    err,
	}
	handlers := make([]func(Sample), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		m.logger.Warn("probe failed", "error", errMsg)
	}
	if m.pub != nil {
		m.pub.Publish(event.NewMonitorSampleEvent(count.Value, count.Valid && err == nil, mean, s.N, errMsg))
	}
	for _, h := range handlers {
		h(s)
	}
}
