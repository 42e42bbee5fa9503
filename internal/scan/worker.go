package scan

import (
	"context"
	"sync"
	"time"

	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/logging"
)

// DefaultCallTimeout bounds a single move or measure call.
const DefaultCallTimeout = 30 * time.Second

// WorkerState is the state of the worker goroutine.
type WorkerState int

const (
	// WorkerIdle means the worker is waiting for a request.
	WorkerIdle WorkerState = iota
	// WorkerBusy means a request is executing against the device.
	WorkerBusy
	// WorkerStopped means the worker observed cancellation while idle and
	// has exited.
	WorkerStopped
)

// String returns a human-readable string for the state.
func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StateFunc observes worker transitions. It is called on the worker
// goroutine and must not block.
type StateFunc func(from, to WorkerState, attached bool)

// Worker executes requests from a RequestChannel against a device, one at a
// time. It is the sole owner of the device handle.
type Worker struct {
	ch          *RequestChannel
	handle      *device.Handle
	callTimeout time.Duration
	logger      *logging.Logger
	onState     StateFunc

	mu    sync.Mutex
	state WorkerState
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithCallTimeout bounds each device call. Zero keeps the default.
func WithCallTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.callTimeout = d
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l *logging.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithStateFunc registers a transition observer.
func WithStateFunc(fn StateFunc) WorkerOption {
	return func(w *Worker) { w.onState = fn }
}

// NewWorker creates a worker for dev. The device is not opened until the
// first request arrives.
func NewWorker(ch *RequestChannel, dev device.Device, opts ...WorkerOption) *Worker {
	w := &Worker{
		ch:          ch,
		handle:      device.NewHandle(dev),
		callTimeout: DefaultCallTimeout,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("worker")
	return w
}

// State returns the current state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Handle returns the device handle.
func (w *Worker) Handle() *device.Handle {
	return w.handle
}

func (w *Worker) setState(to WorkerState) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()

	if from != to && w.onState != nil {
		w.onState(from, to, w.handle.Attached())
	}
}

// Run executes requests until ctx is cancelled while idle. A request that
// is already executing always completes and delivers its result first.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker started")
	for {
		req, err := w.ch.Take(ctx)
		if err != nil {
			w.setState(WorkerStopped)
			w.logger.Debug("worker stopped")
			return
		}

		// Busy is set under the worker lock, so a concurrent Release either
		// finishes first (and execute re-acquires) or sees Busy.
		w.setState(WorkerBusy)
		res := w.execute(ctx, req)
		w.setState(WorkerIdle)

		if err := w.ch.Deliver(ctx, res); err != nil {
			w.logger.Error("failed to deliver result", "request", req.String(), "error", err.Error())
		}
	}
}

// Release releases the device handle. It is only allowed while the worker
// is idle or stopped and returns errors.ErrWorkerBusy otherwise. The next
// request re-acquires the handle.
func (w *Worker) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WorkerBusy {
		return errors.ErrWorkerBusy
	}
	if !w.handle.Attached() {
		return nil
	}
	err := w.handle.Release()
	w.logger.Info("device released", "state", w.state.String())
	if w.onState != nil {
		w.onState(w.state, w.state, false)
	}
	return err
}

// callCtx detaches from the stop signal: an operation on the wire is never
// preempted, only bounded by the call timeout.
func (w *Worker) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.callTimeout)
}

func (w *Worker) execute(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res = Result{Request: req, Count: NoData()}
	defer func() { res.Elapsed = time.Since(start) }()

	if !w.handle.Attached() {
		cctx, cancel := w.callCtx(ctx)
		err := w.handle.Acquire(cctx)
		cancel()
		if err != nil {
			res.Err = w.wrap("acquire", "", err)
			w.logger.Error("failed to acquire device", "request", req.String(), "error", err.Error())
			return res
		}
		w.logger.Info("device acquired", "request", req.String())
	}

	if req.Kind == KindPoint || req.Kind == KindSettle {
		for _, axis := range []device.Axis{device.AxisX, device.AxisY} {
			target := req.XPos
			if axis == device.AxisY {
				target = req.YPos
			}
			cctx, cancel := w.callCtx(ctx)
			realized, err := w.handle.MoveAxis(cctx, axis, target)
			cancel()
			if err != nil {
				res.Err = w.wrap("move", axis.String(), err)
				w.logger.Warn("move failed", "request", req.String(), "axis", axis.String(), "error", err.Error())
				return res
			}
			if axis == device.AxisX {
				res.RealizedX = realized
			} else {
				res.RealizedY = realized
			}
		}
	}

	if req.Kind == KindPoint || req.Kind == KindProbe {
		cctx, cancel := w.callCtx(ctx)
		count, err := w.handle.Measure(cctx, req.ExposureMs, req.Repeats)
		cancel()
		if err != nil {
			repeats := req.Repeats
			if repeats <= 0 {
				repeats = device.DefaultRepeats
			}
			res.Err = w.wrap("measure", "", errors.AsAcquisitionFault(err, repeats))
			w.logger.Warn("measure failed", "request", req.String(), "error", err.Error())
			return res
		}
		res.Count = ValueOf(count)
	}

	w.logger.Debug("request done", "request", req.String(), "elapsed", time.Since(start).String())
	return res
}

// wrap turns deadline overruns into DeviceFaults carrying a TimeoutError.
// Typed faults from the device layer pass through.
func (w *Worker) wrap(op, axis string, err error) error {
	var scanErr errors.ScanError
	if errors.As(err, &scanErr) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		fault := errors.NewDeviceFault(op+" timed out",
			errors.NewTimeoutError(op, w.callTimeout).WithCause(err))
		if axis != "" {
			fault = fault.WithAxis(axis)
		}
		return fault
	}
	fault := errors.NewDeviceFault(op+" failed", err)
	if axis != "" {
		fault = fault.WithAxis(axis)
	}
	return fault
}
