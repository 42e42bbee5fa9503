package scan

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/persist"
	"github.com/ionlab/pmtscan/internal/raster"
	"github.com/ionlab/pmtscan/internal/testutil"
)

func newController(t *testing.T, dev device.Device, opts ...Option) *Controller {
	t.Helper()

	c := NewController(dev, opts...)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// axis returns the positions 0..n-1, so positions equal indices.
func axis(n int) raster.AxisRange {
	return raster.AxisRange{Start: 0, Stop: float64(n - 1), Step: 1}
}

func gridConfig(nx, ny int) Config {
	return Config{X: axis(nx), Y: axis(ny), ExposureMs: 1}
}

func wait(t *testing.T, c *Controller) error {
	t.Helper()
	return c.Wait(testutil.Context(t, 5*time.Second))
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(c *Controller) *recorder {
	r := &recorder{}
	c.Bus().SubscribeAll(func(e event.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ofType(t *testing.T, c *Controller, typ string) []event.Event {
	t.Helper()
	require.NoError(t, c.Flush(testutil.Context(t, 2*time.Second)))

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

func xMoves(dev *testutil.FakeDevice) []float64 {
	var out []float64
	for _, m := range dev.Moves() {
		if m.Axis == device.AxisX {
			out = append(out, m.Pos)
		}
	}
	return out
}

func TestController_FillsImageInZigzagOrder(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return x*10 + y })
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(3, 2)))
	require.NoError(t, wait(t, c))

	snap := c.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 6, snap.Done)
	assert.Equal(t, 6, snap.Total)
	assert.False(t, snap.Active)
	for x := 0; x < 3; x++ {
		for y := 0; y < 2; y++ {
			assert.Equal(t, ValueOf(float64(x*10+y)), snap.Image[x][y], "cell (%d,%d)", x, y)
		}
	}
	assert.Equal(t, []float64{0, 1, 2, 2, 1, 0}, xMoves(dev))
	assert.Equal(t, 6, dev.Measures())
}

func TestController_CoverageForManyShapes(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return x*10 + y })
	c := newController(t, dev)

	for _, shape := range [][2]int{{1, 1}, {1, 4}, {4, 1}, {2, 3}, {5, 5}} {
		nx, ny := shape[0], shape[1]
		require.NoError(t, c.Start(gridConfig(nx, ny)))
		require.NoError(t, wait(t, c))

		snap := c.Snapshot()
		assert.Equal(t, nx*ny, snap.Done, "shape %dx%d", nx, ny)
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				assert.True(t, snap.Image[x][y].Valid, "shape %dx%d cell (%d,%d)", nx, ny, x, y)
			}
		}
	}
}

func TestController_CallbacksInOrder(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return x*10 + y })
	c := newController(t, dev)

	var mu sync.Mutex
	var results []event.ScanResultEvent
	var completed []event.ScanCompletedEvent
	c.OnResult(func(e event.ScanResultEvent) {
		mu.Lock()
		results = append(results, e)
		mu.Unlock()
	})
	c.OnSessionComplete(func(e event.ScanCompletedEvent) {
		mu.Lock()
		completed = append(completed, e)
		mu.Unlock()
	})

	require.NoError(t, c.Start(gridConfig(3, 2)))
	require.NoError(t, wait(t, c))
	require.NoError(t, c.Flush(testutil.Context(t, 2*time.Second)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, i, r.Cell.Index)
		assert.Equal(t, i+1, r.Done)
		assert.Equal(t, 6, r.Total)
	}
	require.Len(t, completed, 1)
	assert.True(t, completed[0].HasMax)
	assert.Equal(t, 2, completed[0].Max.XIndex)
	assert.Equal(t, 1, completed[0].Max.YIndex)
	assert.Equal(t, 21.0, completed[0].Max.Count)
}

func TestController_PauseWithholdsAndResumeContinues(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return x*10 + y })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered

	require.NoError(t, c.Pause())
	require.NoError(t, c.Pause())

	dev.Gate <- struct{}{}
	testutil.Eventually(t, time.Second, func() bool { return c.Snapshot().Done == 1 }, "in-flight result recorded")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, dev.Entered, "no request while paused")
	snap := c.Snapshot()
	assert.True(t, snap.Paused)
	assert.Equal(t, 1, snap.Done)
	assert.Equal(t, StatusRunning, snap.Status)

	close(dev.Gate)
	require.NoError(t, c.Resume())
	require.NoError(t, c.Resume())
	require.NoError(t, wait(t, c))

	snap = c.Snapshot()
	assert.Equal(t, 9, snap.Done)
	assert.False(t, snap.Paused)
	assert.Equal(t, 9, dev.Measures())
	assert.Equal(t, []float64{0, 1, 2, 2, 1, 0, 0, 1, 2}, xMoves(dev), "resume continues from Done")
}

func TestController_PauseResumeEvents(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := newController(t, dev)
	rec := record(c)

	require.NoError(t, c.Start(gridConfig(2, 1)))
	<-dev.Entered
	require.NoError(t, c.Pause())
	require.NoError(t, c.Pause())
	require.NoError(t, c.Resume())
	close(dev.Gate)
	require.NoError(t, wait(t, c))

	assert.Len(t, rec.ofType(t, c, event.TypeScanPaused), 1)
	assert.Len(t, rec.ofType(t, c, event.TypeScanResumed), 1)
}

func TestController_StopDuringInFlight(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 7 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := newController(t, dev)
	rec := record(c)

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered

	require.NoError(t, c.Stop(false))
	assert.Equal(t, StatusRunning, c.Snapshot().Status, "stop waits for the in-flight request")

	close(dev.Gate)
	err := wait(t, c)
	require.ErrorIs(t, err, errors.ErrSessionAborted)

	time.Sleep(30 * time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, StatusAborted, snap.Status)
	assert.Equal(t, 1, snap.Done)
	assert.Equal(t, ValueOf(7), snap.Image[0][0])
	assert.Equal(t, 1, dev.Measures())
	assert.Empty(t, dev.Entered)

	assert.Len(t, rec.ofType(t, c, event.TypeScanResult), 1)
	aborted := rec.ofType(t, c, event.TypeScanAborted)
	require.Len(t, aborted, 1)
	assert.Equal(t, "stopped", aborted[0].(event.ScanAbortedEvent).Reason)
}

func TestController_StopWhilePausedAbortsImmediately(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered
	require.NoError(t, c.Pause())
	dev.Gate <- struct{}{}
	testutil.Eventually(t, time.Second, func() bool { return c.Snapshot().Done == 1 }, "in-flight result recorded")

	require.NoError(t, c.Stop(false))
	assert.Equal(t, StatusAborted, c.Snapshot().Status)
	assert.ErrorIs(t, wait(t, c), errors.ErrSessionAborted)
	assert.ErrorIs(t, c.Resume(), errors.ErrNoSession)
}

func TestController_HardReleaseAndReacquire(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered
	require.NoError(t, c.Stop(true))
	close(dev.Gate)
	assert.ErrorIs(t, wait(t, c), errors.ErrSessionAborted)

	snap := c.Snapshot()
	assert.False(t, snap.Attached)
	assert.Equal(t, 1, dev.Releases())

	require.NoError(t, c.Start(gridConfig(2, 1)))
	require.NoError(t, wait(t, c))
	assert.Equal(t, 2, dev.Acquires())
	assert.True(t, c.Snapshot().Attached)
}

func TestController_CloseRecordsDeliveredResult(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 9 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := NewController(dev)
	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	// Let Close cancel the loops while the measurement is still gated, so
	// the result arrives after the result loop has stopped.
	time.Sleep(30 * time.Millisecond)
	close(dev.Gate)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.ErrorIs(t, c.Wait(context.Background()), errors.ErrSessionAborted)

	snap := c.Snapshot()
	assert.Equal(t, StatusAborted, snap.Status)
	assert.Equal(t, 1, snap.Done)
	assert.Equal(t, ValueOf(9), snap.Image[0][0])
	assert.Equal(t, 1, dev.Measures())
}

func TestController_HardReleaseDoesNotHoldLock(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	dev.ReleaseGate = make(chan struct{})
	c := newController(t, dev)
	t.Cleanup(func() {
		select {
		case <-dev.ReleaseGate:
		default:
			close(dev.ReleaseGate)
		}
	})

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered
	require.NoError(t, c.Stop(true))
	close(dev.Gate)

	// The run has ended but the release is still blocked in the device.
	paused := make(chan error, 1)
	go func() {
		for {
			if err := c.Pause(); err != nil {
				paused <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	select {
	case err := <-paused:
		assert.ErrorIs(t, err, errors.ErrNoSession)
	case <-time.After(2 * time.Second):
		t.Fatal("controller lock held during device release")
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(waitCtx), context.DeadlineExceeded, "waiters wake only after the release")

	close(dev.ReleaseGate)
	assert.ErrorIs(t, wait(t, c), errors.ErrSessionAborted)
	assert.Equal(t, 1, dev.Releases())
}

func TestController_StopWithoutSession(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	c := newController(t, dev)

	assert.ErrorIs(t, c.Stop(false), errors.ErrNoSession)
	assert.NoError(t, c.Stop(true))
	assert.ErrorIs(t, c.Pause(), errors.ErrNoSession)
	assert.ErrorIs(t, c.Wait(context.Background()), errors.ErrNoSession)

	require.NoError(t, c.Start(gridConfig(1, 1)))
	require.NoError(t, wait(t, c))
	assert.True(t, c.Snapshot().Attached)
	require.NoError(t, c.Stop(true))
	assert.False(t, c.Snapshot().Attached)
}

func TestController_StartWhileActive(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(2, 2)))
	<-dev.Entered
	assert.ErrorIs(t, c.Start(gridConfig(2, 2)), errors.ErrSessionActive)
	assert.ErrorIs(t, c.SeekMaximum(), errors.ErrSessionActive)

	_, err := c.Probe(context.Background(), 1, 1)
	assert.ErrorIs(t, err, errors.ErrSessionActive)

	close(dev.Gate)
	require.NoError(t, wait(t, c))
}

func TestController_StartValidation(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	c := newController(t, dev)

	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"zero step", Config{X: raster.AxisRange{Start: 0, Stop: 1, Step: 0}, Y: axis(2), ExposureMs: 1}, "x.step"},
		{"negative y step", Config{X: axis(2), Y: raster.AxisRange{Start: 0, Stop: 1, Step: -1}, ExposureMs: 1}, "y.step"},
		{"exposure below one tick", Config{X: axis(2), Y: axis(2), ExposureMs: 0.0001}, "scan.exposure_ms"},
		{"unknown policy", Config{X: axis(2), Y: axis(2), ExposureMs: 1, Policy: "ignore"}, "fault.policy"},
		{"negative retries", Config{X: axis(2), Y: axis(2), ExposureMs: 1, MaxRetries: -1}, "fault.max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Start(tt.cfg)
			var cfgErr *errors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
	assert.Empty(t, dev.Moves())
}

func TestController_ZeroPointSession(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	c := newController(t, dev)
	rec := record(c)

	cfg := gridConfig(3, 3)
	cfg.X = raster.AxisRange{Start: 1, Stop: 0, Step: 0.1}
	cfg.AutoSeek = true
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))

	snap := c.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 0, snap.Total)
	assert.Empty(t, dev.Moves())
	assert.Zero(t, dev.Acquires())

	completed := rec.ofType(t, c, event.TypeScanCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].(event.ScanCompletedEvent).HasMax)
	assert.Empty(t, rec.ofType(t, c, event.TypeSeekStarted))
}

// peakDevice has its brightest spot at (3,2) for the first 25 measurements
// and at (4,3) afterwards.
func peakDevice() *testutil.FakeDevice {
	var n atomic.Int32
	return &testutil.FakeDevice{MeasureFunc: func(x, y float64) (float64, error) {
		px, py := 3.0, 2.0
		if n.Add(1) > 25 {
			px, py = 4, 3
		}
		return 100 - (x-px)*(x-px) - (y-py)*(y-py), nil
	}}
}

func TestController_AutoSeekRefinesAndSettles(t *testing.T) {
	dev := peakDevice()
	c := newController(t, dev)
	rec := record(c)

	cfg := gridConfig(5, 5)
	cfg.AutoSeek = true
	cfg.SeekRadius = 1
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))

	seek := rec.ofType(t, c, event.TypeSeekStarted)
	require.Len(t, seek, 1)
	started := seek[0].(event.SeekStartedEvent)
	assert.Equal(t, 3.0, started.CenterX)
	assert.Equal(t, 2.0, started.CenterY)
	assert.Equal(t, 1.0, started.Radius)

	snap := c.Snapshot()
	assert.Equal(t, PhaseRefine, snap.Phase)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, started.ParentSessionID, snap.ParentID)
	assert.Equal(t, []float64{2, 3, 4}, snap.XPositions)
	assert.Equal(t, []float64{1, 2, 3}, snap.YPositions)
	assert.Equal(t, 25+9, dev.Measures())

	settled := rec.ofType(t, c, event.TypeSeekSettled)
	require.Len(t, settled, 1)
	s := settled[0].(event.SeekSettledEvent)
	assert.Equal(t, 4.0, s.X)
	assert.Equal(t, 3.0, s.Y)
	assert.Empty(t, s.Err)

	x, y := dev.Position()
	assert.Equal(t, 4.0, x)
	assert.Equal(t, 3.0, y)

	completed := rec.ofType(t, c, event.TypeScanCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, "coarse", completed[0].(event.ScanCompletedEvent).Phase)
	assert.Equal(t, "refine", completed[1].(event.ScanCompletedEvent).Phase)
}

func TestController_AutoSeekDefaultRadiusRevisitsMaximum(t *testing.T) {
	dev := peakDevice()
	c := newController(t, dev)

	cfg := gridConfig(5, 5)
	cfg.AutoSeek = true
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))

	snap := c.Snapshot()
	require.Equal(t, PhaseRefine, snap.Phase)
	assert.Equal(t, []float64{2, 3, 4}, snap.XPositions)
	assert.Equal(t, []float64{1, 2, 3}, snap.YPositions)
	assert.Contains(t, snap.XPositions, 3.0)
	assert.Contains(t, snap.YPositions, 2.0)
}

func TestController_ManualSeekMaximum(t *testing.T) {
	dev := peakDevice()
	c := newController(t, dev)

	assert.ErrorIs(t, c.SeekMaximum(), errors.ErrNoSession)

	cfg := gridConfig(5, 5)
	cfg.SeekRadius = 1
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))
	assert.Equal(t, 25, dev.Measures())

	require.NoError(t, c.SeekMaximum())
	require.NoError(t, wait(t, c))
	assert.Equal(t, 34, dev.Measures())
	assert.Equal(t, PhaseRefine, c.Snapshot().Phase)

	// Seeking is one level deep.
	var vErr *errors.ValidationError
	assert.ErrorAs(t, c.SeekMaximum(), &vErr)
}

func TestController_RefinementWithoutDataSkipsSettle(t *testing.T) {
	var n atomic.Int32
	dev := &testutil.FakeDevice{MeasureFunc: func(x, y float64) (float64, error) {
		if n.Add(1) > 4 {
			return 0, errors.NewAcquisitionFault(50, 10)
		}
		return x + y, nil
	}}
	c := newController(t, dev)
	rec := record(c)

	cfg := gridConfig(2, 2)
	cfg.AutoSeek = true
	cfg.SeekRadius = 1
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))

	assert.Len(t, rec.ofType(t, c, event.TypeSeekStarted), 1)
	assert.Empty(t, rec.ofType(t, c, event.TypeSeekSettled))
	assert.Equal(t, PhaseRefine, c.Snapshot().Phase)
}

// faultAt returns a device failing the measurement at x=1, y=0 with an
// acquisition fault for the first failures attempts.
func faultAt(failures int) *testutil.FakeDevice {
	var n atomic.Int32
	return &testutil.FakeDevice{MeasureFunc: func(x, y float64) (float64, error) {
		if x == 1 && y == 0 && int(n.Add(1)) <= failures {
			return 0, errors.NewAcquisitionFault(50, 49)
		}
		return x*10 + y, nil
	}}
}

func TestController_FaultPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   FaultPolicy
		retries  int
		failures int
		measures int
		valid    bool
		aborted  bool
	}{
		{"skip records no data", PolicySkip, 0, 100, 6, false, false},
		{"retry recovers", PolicyRetry, 3, 2, 8, true, false},
		{"retry exhausted", PolicyRetry, 2, 100, 8, false, false},
		{"abort", PolicyAbort, 0, 100, 2, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := faultAt(tt.failures)
			c := newController(t, dev)

			cfg := gridConfig(3, 2)
			cfg.Policy = tt.policy
			cfg.MaxRetries = tt.retries
			require.NoError(t, c.Start(cfg))
			err := wait(t, c)

			assert.Equal(t, tt.measures, dev.Measures())
			snap := c.Snapshot()
			if tt.aborted {
				require.ErrorIs(t, err, errors.ErrSessionAborted)
				var acq *errors.AcquisitionFault
				assert.ErrorAs(t, err, &acq)
				assert.Equal(t, StatusAborted, snap.Status)
				assert.Equal(t, 1, snap.Done)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 6, snap.Done)
			assert.Equal(t, tt.valid, snap.Image[1][0].Valid)
			assert.True(t, snap.Image[2][0].Valid)
		})
	}
}

func TestController_WrappedMismatchSkipsCell(t *testing.T) {
	dev := testutil.NewFakeDevice(nil)
	dev.MeasureFunc = func(x, y float64) (float64, error) {
		if x == 1 {
			return 0, fmt.Errorf("fifo: %w", errors.ErrSampleCountMismatch)
		}
		return 7, nil
	}
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(3, 1)))
	require.NoError(t, wait(t, c))

	snap := c.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 3, snap.Done)
	assert.False(t, snap.Image[1][0].Valid)
	assert.Equal(t, ValueOf(7), snap.Image[2][0])
}

func TestController_ResourceStateErrorIsNeverSkipped(t *testing.T) {
	dev := testutil.NewFakeDevice(nil)
	dev.MeasureFunc = func(x, y float64) (float64, error) {
		return 0, errors.NewResourceStateError("measure", "released")
	}
	var logs bytes.Buffer
	c := newController(t, dev, WithLogger(logging.NewWriterLogger(&logs, logging.LevelDebug)))

	cfg := gridConfig(3, 1)
	cfg.Policy = PolicySkip
	require.NoError(t, c.Start(cfg))
	err := wait(t, c)

	require.ErrorIs(t, err, errors.ErrSessionAborted)
	var rse *errors.ResourceStateError
	assert.ErrorAs(t, err, &rse)
	assert.Equal(t, 0, c.Snapshot().Done)
	assert.Contains(t, logs.String(), "worker broke its contract")
}

func TestController_DeviceFaultAborts(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.MoveErr = func(axis device.Axis, pos float64) error {
		if axis == device.AxisX && pos == 2 {
			return errors.NewDeviceFault("stage stalled", errors.ErrDeviceUnreachable)
		}
		return nil
	}
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(3, 2)))
	err := wait(t, c)

	require.ErrorIs(t, err, errors.ErrSessionAborted)
	var fault *errors.DeviceFault
	require.ErrorAs(t, err, &fault)

	snap := c.Snapshot()
	assert.Equal(t, StatusAborted, snap.Status)
	assert.Equal(t, 2, snap.Done)
	assert.False(t, snap.Image[2][0].Valid)
	assert.Equal(t, WorkerIdle.String(), snap.WorkerState)

	// The worker survives the fault.
	dev.MoveErr = nil
	require.NoError(t, c.Start(gridConfig(3, 2)))
	require.NoError(t, wait(t, c))
}

func TestController_PersistsRowsAndRescan(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "scan.csv")
	dev := peakDevice()
	c := newController(t, dev, WithFactory(persist.NewFactory(true, nil)))
	rec := record(c)

	cfg := gridConfig(5, 5)
	cfg.Output = out
	cfg.AutoSeek = true
	cfg.SeekRadius = 1
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))

	points, err := persist.ReadCSV(out)
	require.NoError(t, err)
	require.Len(t, points, 25)
	// Rows are written in ascending x regardless of traversal direction.
	for i, p := range points {
		assert.Equal(t, float64(i%5), p.X, "point %d", i)
		assert.Equal(t, float64(i/5), p.Y, "point %d", i)
		assert.True(t, p.Valid)
	}

	rescan, err := persist.ReadCSV(persist.RescanPath(out))
	require.NoError(t, err)
	assert.Len(t, rescan, 9)

	meta, err := persist.ReadMeta(out)
	require.NoError(t, err)
	assert.Equal(t, "completed", meta.Status)
	assert.Equal(t, 5, meta.Rows)

	assert.Len(t, rec.ofType(t, c, event.TypeRowFlushed), 5+3)
	assert.Empty(t, rec.ofType(t, c, event.TypePersistFailed))
}

func TestController_SinkFailureDoesNotAbort(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	c := newController(t, dev, WithSinkOpener(func(info persist.RunInfo) (Sink, error) {
		return nil, errors.New("disk full")
	}))
	rec := record(c)

	cfg := gridConfig(2, 2)
	cfg.Output = filepath.Join(t.TempDir(), "scan.csv")
	require.NoError(t, c.Start(cfg))
	require.NoError(t, wait(t, c))

	assert.Equal(t, 4, c.Snapshot().Done)
	failed := rec.ofType(t, c, event.TypePersistFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].(event.PersistFailedEvent).Err, "disk full")
}

func TestController_Probe(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 42 })
	c := newController(t, dev)

	r, err := c.Probe(testutil.Context(t, 2*time.Second), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, ValueOf(42), r)
	assert.Empty(t, dev.Moves())
}

func TestController_WorkerStateEvents(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	c := newController(t, dev)
	rec := record(c)

	require.NoError(t, c.Start(gridConfig(1, 1)))
	require.NoError(t, wait(t, c))
	require.NoError(t, c.Stop(true))

	states := rec.ofType(t, c, event.TypeWorkerState)
	require.Len(t, states, 3)
	first := states[0].(event.WorkerStateEvent)
	assert.Equal(t, "idle", first.From)
	assert.Equal(t, "busy", first.To)
	last := states[2].(event.WorkerStateEvent)
	assert.False(t, last.Attached)
}

func TestController_SnapshotIsACopy(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	c := newController(t, dev)

	require.NoError(t, c.Start(gridConfig(2, 2)))
	require.NoError(t, wait(t, c))

	snap := c.Snapshot()
	snap.Image[0][0] = ValueOf(99)
	snap.XPositions[0] = 99
	again := c.Snapshot()
	assert.Equal(t, ValueOf(1), again.Image[0][0])
	assert.Equal(t, 0.0, again.XPositions[0])
}

func TestController_CloseAbortsRunningScan(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 1 })
	dev.Gate = make(chan struct{})
	dev.Entered = make(chan struct{}, 64)
	c := NewController(dev)
	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Start(gridConfig(3, 3)))
	<-dev.Entered

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	close(dev.Gate)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.ErrorIs(t, c.Wait(context.Background()), errors.ErrSessionAborted)
	assert.Equal(t, 1, dev.Releases())
	assert.Error(t, c.Start(gridConfig(1, 1)))
}
