package device

import (
	"context"
	"sync"

	"github.com/ionlab/pmtscan/internal/errors"
)

// HandleState is the ownership state of a [Handle].
type HandleState int

const (
	// Released means the hardware is closed. Every operation fails with
	// *errors.ResourceStateError until Acquire succeeds.
	Released HandleState = iota
	// Attached means the hardware is open and owned by this process.
	Attached
)

// String returns a human-readable string for the state.
func (s HandleState) String() string {
	switch s {
	case Released:
		return "released"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

// Handle guards a Device with an explicit Attached/Released state.
// A new Handle starts Released.
//
// Handle is safe for concurrent use, but the scan worker is its only owner
// in practice: it acquires lazily before executing a request and releases on
// a hard stop.
type Handle struct {
	mu    sync.Mutex
	dev   Device
	state HandleState
}

// NewHandle wraps dev. It does not open the hardware.
func NewHandle(dev Device) *Handle {
	return &Handle{dev: dev}
}

// State returns the current state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attached reports whether the handle is attached.
func (h *Handle) Attached() bool {
	return h.State() == Attached
}

// Acquire opens the device if the handle is released. Acquiring an attached
// handle is a no-op.
func (h *Handle) Acquire(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Attached {
		return nil
	}
	if err := h.dev.Acquire(ctx); err != nil {
		return err
	}
	h.state = Attached
	return nil
}

// Release closes the device. The handle is Released afterwards even when the
// device reports an error while closing. Releasing a released handle is a
// no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Released {
		return nil
	}
	h.state = Released
	return h.dev.Release()
}

// MoveAxis forwards to the device, or fails with *errors.ResourceStateError
// when released.
func (h *Handle) MoveAxis(ctx context.Context, axis Axis, pos float64) (float64, error) {
	if err := h.check("move " + axis.String()); err != nil {
		return 0, err
	}
	return h.dev.MoveAxis(ctx, axis, pos)
}

// Measure forwards to the device, or fails with *errors.ResourceStateError
// when released.
func (h *Handle) Measure(ctx context.Context, exposureMs float64, repeats int) (float64, error) {
	if err := h.check("measure"); err != nil {
		return 0, err
	}
	return h.dev.Measure(ctx, exposureMs, repeats)
}

func (h *Handle) check(op string) error {
	if s := h.State(); s != Attached {
		return errors.NewResourceStateError(op, s.String())
	}
	return nil
}
