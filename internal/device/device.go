// Package device defines the hardware capabilities the scan engine consumes
// and the adapters that turn raw stages and detectors into them.
//
// The engine only ever sees a [Device]: a [Facade] for blocking move and
// measure calls plus a [Resource] for exclusive ownership. A [Handle] wraps a
// Device with an explicit Attached/Released state so that no call can reach
// hardware that has been torn down. A [Rig] assembles two [Stage]s and a
// [Detector] into a Device; package sim provides simulated parts.
//
// Devices are injected through constructors. Nothing in this package opens
// hardware at import time.
package device

import "context"

// Axis identifies one of the two stage axes.
type Axis int

const (
	// AxisX is the fast (inner loop) axis.
	AxisX Axis = iota
	// AxisY is the slow (row) axis.
	AxisY
)

// String returns the lowercase axis name.
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return "unknown"
	}
}

// Facade is the blocking hardware capability used by the scan worker.
//
// Both calls may take tens of milliseconds to seconds. Implementations must
// honor ctx for timeouts, but callers never rely on cancellation to stop a
// call that is already on the wire.
type Facade interface {
	// MoveAxis moves axis to pos and returns the position the stage reports
	// after the move. Communication failures and timeouts are returned as
	// *errors.DeviceFault.
	MoveAxis(ctx context.Context, axis Axis, pos float64) (float64, error)

	// Measure integrates the detector for exposureMs, repeats times, and
	// returns the mean count. A readout with the wrong number of samples is
	// returned as *errors.AcquisitionFault.
	Measure(ctx context.Context, exposureMs float64, repeats int) (float64, error)
}

// Resource is exclusive ownership of the hardware.
type Resource interface {
	// Acquire opens the hardware. It is called before the first operation
	// and again after every Release.
	Acquire(ctx context.Context) error

	// Release closes the hardware so another process can open it.
	Release() error
}

// Device combines the call surface with ownership.
type Device interface {
	Facade
	Resource
}

// Stage is a single motorized axis.
type Stage interface {
	// Open connects to the controller.
	Open(ctx context.Context) error
	// MoveTo blocks until the stage has settled and returns the realized
	// position.
	MoveTo(ctx context.Context, pos float64) (float64, error)
	// Position reads the current position back from the controller.
	Position(ctx context.Context) (float64, error)
	// Close disconnects from the controller.
	Close() error
}

// SampleSource is the raw detector: a counter sampled repeats times, each
// sample integrated over ticks 1 µs clock ticks.
type SampleSource interface {
	Open(ctx context.Context) error
	// Samples runs one acquisition and returns every sample read back from
	// the device FIFO. The slice length is not checked by the source.
	Samples(ctx context.Context, ticks, repeats int) ([]float64, error)
	Close() error
}
