// Package testutil provides fakes and helpers shared by pmtscan tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/errors"
)

// Move records one MoveAxis call.
type Move struct {
	Axis device.Axis
	Pos  float64
}

// FakeDevice is an in-memory device.Device. The zero value measures a
// constant 0 and never fails.
//
// Measure returns MeasureFunc(x, y) where x and y are the last positions
// moved to. Set Gate to make every Measure block until a value is sent on
// (or the channel is closed); Entered receives one value per Measure that
// reached the gate. ReleaseGate does the same for Release.
type FakeDevice struct {
	MeasureFunc func(x, y float64) (float64, error)
	MoveErr     func(axis device.Axis, pos float64) error
	AcquireErr  error

	Gate        chan struct{}
	Entered     chan struct{}
	ReleaseGate chan struct{}

	mu       sync.Mutex
	x, y     float64
	moves    []Move
	measures int
	acquires int
	releases int
	attached bool
}

// NewFakeDevice creates a FakeDevice measuring f.
func NewFakeDevice(f func(x, y float64) float64) *FakeDevice {
	return &FakeDevice{MeasureFunc: func(x, y float64) (float64, error) { return f(x, y), nil }}
}

// Acquire implements device.Resource.
func (d *FakeDevice) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquires++
	if d.AcquireErr != nil {
		return d.AcquireErr
	}
	d.attached = true
	return nil
}

// Release implements device.Resource.
func (d *FakeDevice) Release() error {
	if d.ReleaseGate != nil {
		<-d.ReleaseGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
	d.attached = false
	return nil
}

// MoveAxis implements device.Facade.
func (d *FakeDevice) MoveAxis(ctx context.Context, axis device.Axis, pos float64) (float64, error) {
	if d.MoveErr != nil {
		if err := d.MoveErr(axis, pos); err != nil {
			return 0, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return 0, errors.NewDeviceFault("fake device not acquired", errors.ErrDeviceUnreachable)
	}
	d.moves = append(d.moves, Move{Axis: axis, Pos: pos})
	if axis == device.AxisX {
		d.x = pos
	} else {
		d.y = pos
	}
	return pos, nil
}

// Measure implements device.Facade.
func (d *FakeDevice) Measure(ctx context.Context, exposureMs float64, repeats int) (float64, error) {
	if d.Entered != nil {
		d.Entered <- struct{}{}
	}
	if d.Gate != nil {
		<-d.Gate
	}

	d.mu.Lock()
	d.measures++
	x, y := d.x, d.y
	f := d.MeasureFunc
	d.mu.Unlock()

	if f == nil {
		return 0, nil
	}
	return f(x, y)
}

// Moves returns a copy of every recorded move.
func (d *FakeDevice) Moves() []Move {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Move(nil), d.moves...)
}

// Measures returns how many times Measure completed.
func (d *FakeDevice) Measures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.measures
}

// Acquires returns how many times Acquire was called.
func (d *FakeDevice) Acquires() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires
}

// Releases returns how many times Release was called.
func (d *FakeDevice) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}

// Position returns the last positions moved to.
func (d *FakeDevice) Position() (x, y float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.x, d.y
}

// Eventually polls cond every 5ms until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// Context returns a context cancelled when the test ends or after timeout.
func Context(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WriteFile writes content below dir, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}
