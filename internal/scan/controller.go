package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/persist"
)

// run spans one Start or SeekMaximum call up to the end of the last session
// it triggers, including the refinement and the settle move.
type run struct {
	done chan struct{}
	err  error
}

func (r *run) finish(err error) {
	if r == nil {
		return
	}
	select {
	case <-r.done:
	default:
		r.err = err
		close(r.done)
	}
}

// Controller drives scan sessions over a single worker. All public methods
// are safe for concurrent use; session state is guarded by one mutex shared
// with the result loop, so the pause flag and the decision to submit the
// next request can never disagree.
type Controller struct {
	ch       *RequestChannel
	worker   *Worker
	bus      *event.Bus
	queue    *event.Queue
	logger   *logging.Logger
	openSink SinkOpener

	mu          sync.Mutex
	opened      bool
	closed      bool
	cancel      context.CancelFunc
	loops       sync.WaitGroup
	queueDone   chan struct{}
	seq         uint64
	session     *Session
	cfg         Config
	sink        Sink
	inFlight    bool
	running     bool
	stopping    bool
	hardRelease bool
	attempt     int
	current     *run
	probes      chan Result

	// afterUnlock runs once c.mu is released; device I/O never happens
	// under the lock.
	afterUnlock func()
}

// NewController creates a controller for dev. Call Open before Start.
func NewController(dev device.Device, opts ...Option) *Controller {
	cc := &controllerConfig{}
	for _, opt := range opts {
		opt(cc)
	}
	logger := cc.logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	bus := cc.bus
	if bus == nil {
		bus = event.NewBus(logger)
	}

	c := &Controller{
		ch:        NewRequestChannel(),
		bus:       bus,
		queue:     event.NewQueue(bus),
		logger:    logger.WithComponent("scan"),
		openSink:  cc.openSink,
		queueDone: make(chan struct{}),
		probes:    make(chan Result, 1),
	}

	workerOpts := append([]WorkerOption{
		WithWorkerLogger(logger),
		WithStateFunc(func(from, to WorkerState, attached bool) {
			c.queue.Publish(event.NewWorkerStateEvent(from.String(), to.String(), attached))
		}),
	}, cc.workerOpts...)
	c.worker = NewWorker(c.ch, dev, workerOpts...)
	return c
}

// Bus returns the bus events are delivered into.
func (c *Controller) Bus() *event.Bus { return c.bus }

// Publish enqueues an event behind everything the controller has published.
func (c *Controller) Publish(e event.Event) { c.queue.Publish(e) }

// Flush waits until every event published so far has been delivered.
func (c *Controller) Flush(ctx context.Context) error { return c.queue.Flush(ctx) }

// Worker returns the worker.
func (c *Controller) Worker() *Worker { return c.worker }

// Open starts the worker, the result loop and event delivery.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.NewResourceStateError("open", "closed")
	}
	if c.opened {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.opened = true

	go func() {
		defer close(c.queueDone)
		c.queue.Run(context.Background())
	}()

	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.worker.Run(ctx)
	}()
	go func() {
		defer c.loops.Done()
		c.resultLoop(ctx)
	}()

	c.logger.Debug("controller opened")
	return nil
}

// Close stops the worker once it is idle, aborts a running session,
// releases the device and drains pending events. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	opened := c.opened
	cancel := c.cancel
	c.mu.Unlock()

	if !opened {
		c.queue.Close()
		return nil
	}

	cancel()
	c.loops.Wait()

	// The worker may have delivered after the result loop saw the cancel.
	if res, ok := c.ch.TryReceive(); ok {
		c.handle(res)
	}

	c.mu.Lock()
	if c.running {
		c.hardRelease = false
		if c.session != nil && c.session.Status == StatusRunning {
			c.abortLocked("closed", nil)
		} else {
			c.finishRunLocked(errors.ErrSessionAborted)
		}
	}
	c.unlock()

	err := c.worker.Release()
	c.queue.Close()
	<-c.queueDone
	c.logger.Debug("controller closed")
	return err
}

// Start validates cfg and begins a coarse scan. It fails with
// errors.ErrSessionActive while a scan is running and errors.ErrWorkerBusy
// while a probe is in flight.
func (c *Controller) Start(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked("start"); err != nil {
		return err
	}
	s, err := NewSession(PhaseCoarse, cfg.X, cfg.Y, cfg.ExposureMs, cfg.Repeats)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.beginRunLocked()
	c.beginLocked(s, cfg.Output)
	return nil
}

// SeekMaximum starts the refinement around the maximum of the last
// completed coarse session.
func (c *Controller) SeekMaximum() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked("seek"); err != nil {
		return err
	}
	s := c.session
	if s == nil {
		return errors.ErrNoSession
	}
	if s.Phase != PhaseCoarse || s.Status != StatusCompleted {
		return errors.NewValidationError("seek needs a completed coarse session").
			WithField("session").
			WithValue(fmt.Sprintf("%s %s", s.Phase, s.Status))
	}

	previous := c.current
	c.beginRunLocked()
	if err := c.startSeekLocked(s); err != nil {
		c.running = false
		c.current = previous
		return err
	}
	return nil
}

func (c *Controller) readyLocked(op string) error {
	if !c.opened || c.closed {
		return errors.NewResourceStateError(op, "closed")
	}
	if c.running {
		return errors.ErrSessionActive
	}
	if c.inFlight {
		return errors.ErrWorkerBusy
	}
	return nil
}

func (c *Controller) beginRunLocked() {
	c.current = &run{done: make(chan struct{})}
	c.running = true
	c.stopping = false
	c.hardRelease = false
}

// Pause withholds the next submission. The in-flight request, if any, still
// completes and is recorded. Pausing twice is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.activeLocked()
	if err != nil {
		return err
	}
	if s.Paused {
		return nil
	}
	s.Paused = true
	c.queue.Publish(event.NewScanPausedEvent(s.ID, s.Done))
	c.logger.Info("scan paused", "session_id", s.ID, "done", s.Done)
	return nil
}

// Resume clears the pause flag and submits the withheld request. Progress is
// never reset. Resuming a running scan is a no-op.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.unlock()

	s, err := c.activeLocked()
	if err != nil {
		return err
	}
	if !s.Paused {
		return nil
	}
	s.Paused = false
	c.queue.Publish(event.NewScanResumedEvent(s.ID, s.Done))
	c.logger.Info("scan resumed", "session_id", s.ID, "done", s.Done)
	if !c.inFlight {
		c.advanceLocked()
	}
	return nil
}

func (c *Controller) activeLocked() (*Session, error) {
	if c.session == nil || c.session.Status != StatusRunning {
		return nil, errors.ErrNoSession
	}
	return c.session, nil
}

// Stop ends the current run. The in-flight request completes and is
// recorded; nothing further is submitted. With hardRelease the device
// handle is released as soon as the worker is idle, and without a running
// scan it is released immediately.
func (c *Controller) Stop(hardRelease bool) error {
	c.mu.Lock()
	if !c.running {
		inFlight := c.inFlight
		c.mu.Unlock()
		if !hardRelease {
			return errors.ErrNoSession
		}
		if inFlight {
			return errors.ErrWorkerBusy
		}
		return c.worker.Release()
	}
	defer c.unlock()

	c.stopping = true
	c.hardRelease = c.hardRelease || hardRelease
	c.logger.Info("stop requested", "hard_release", hardRelease, "in_flight", c.inFlight)

	if !c.inFlight {
		if c.session != nil && c.session.Status == StatusRunning {
			c.abortLocked("stopped", nil)
		} else {
			c.finishRunLocked(nil)
		}
	}
	return nil
}

// Wait blocks until the current run ends and returns its error. A stopped
// run returns an error matching errors.ErrSessionAborted.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	if r == nil {
		return errors.ErrNoSession
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current session together with the worker
// state. The zero Snapshot is returned before the first Start.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	var snap Snapshot
	if c.session != nil {
		snap = c.session.Snapshot()
	}
	snap.Active = c.running
	c.mu.Unlock()

	snap.WorkerState = c.worker.State().String()
	snap.Attached = c.worker.Handle().Attached()
	return snap
}

// OnResult registers fn for every recorded cell. Callbacks run on the event
// delivery goroutine in the order results were recorded. It returns the
// subscription ID.
func (c *Controller) OnResult(fn func(event.ScanResultEvent)) string {
	return c.bus.Subscribe(event.TypeScanResult, func(e event.Event) {
		if ev, ok := e.(event.ScanResultEvent); ok {
			fn(ev)
		}
	})
}

// OnSessionComplete registers fn for every completed session, coarse and
// refinement alike.
func (c *Controller) OnSessionComplete(fn func(event.ScanCompletedEvent)) string {
	return c.bus.Subscribe(event.TypeScanCompleted, func(e event.Event) {
		if ev, ok := e.(event.ScanCompletedEvent); ok {
			fn(ev)
		}
	})
}

// Probe measures at the current stage position without moving. It is only
// allowed while no scan is running.
func (c *Controller) Probe(ctx context.Context, exposureMs float64, repeats int) (Reading, error) {
	c.mu.Lock()
	if err := c.readyLocked("probe"); err != nil {
		c.mu.Unlock()
		return NoData(), err
	}
	select {
	case <-c.probes:
	default:
	}
	c.seq++
	c.submitLocked(Request{Seq: c.seq, Kind: KindProbe, ExposureMs: exposureMs, Repeats: repeats})
	c.mu.Unlock()

	select {
	case res := <-c.probes:
		return res.Count, res.Err
	case <-ctx.Done():
		return NoData(), ctx.Err()
	}
}

func (c *Controller) resultLoop(ctx context.Context) {
	for {
		res, err := c.ch.Receive(ctx)
		if err != nil {
			return
		}
		c.handle(res)
	}
}

func (c *Controller) handle(res Result) {
	c.mu.Lock()
	defer c.unlock()

	c.inFlight = false
	switch res.Kind {
	case KindProbe:
		select {
		case c.probes <- res:
		default:
		}
		return
	case KindSettle:
		c.settledLocked(res)
		return
	}

	s := c.session
	if s == nil || res.SessionID != s.ID || s.Status != StatusRunning {
		c.logger.Warn("dropping result for inactive session", "request", res.Request.String())
		return
	}

	switch decide(res.Err, c.cfg.Policy, res.Attempt, c.cfg.MaxRetries) {
	case actAbort:
		if errors.IsProgrammerError(res.Err) {
			c.logger.Error("worker broke its contract", "session_id", s.ID, "request", res.Request.String(), "error", res.Err.Error())
		} else {
			c.logger.Error("scan aborted by fault", "session_id", s.ID, "request", res.Request.String(),
				"error", res.Err.Error(), "device", errors.IsDeviceError(res.Err))
		}
		c.abortLocked(res.Err.Error(), res.Err)
		return
	case actRetry:
		c.logger.Warn("retrying cell", "session_id", s.ID, "request", res.Request.String(), "attempt", res.Attempt+1, "error", res.Err.Error())
		c.attempt = res.Attempt + 1
		c.advanceLocked()
		return
	}

	reading := res.Count
	cell := event.CellResult{
		Index:     res.Linear,
		XIndex:    res.XIndex,
		YIndex:    res.YIndex,
		XPos:      res.XPos,
		YPos:      res.YPos,
		RealizedX: res.RealizedX,
		RealizedY: res.RealizedY,
	}
	if res.Err != nil {
		reading = NoData()
		cell.Err = res.Err.Error()
		c.logger.Warn("recording cell without data", "session_id", s.ID, "request", res.Request.String(), "error", res.Err.Error())
	}
	cell.Count, cell.Valid = reading.Value, reading.Valid

	if err := s.Record(res.XIndex, res.YIndex, reading); err != nil {
		c.logger.Error("failed to record result", "session_id", s.ID, "error", err.Error())
		c.abortLocked(err.Error(), err)
		return
	}
	c.attempt = 0
	c.queue.Publish(event.NewScanResultEvent(s.ID, string(s.Phase), cell, s.Done, s.Total))

	if s.Grid.RowComplete(res.Linear) {
		c.flushRowLocked(s, res.YIndex)
	}
	c.advanceLocked()
}

// advanceLocked decides what follows a recorded result: completion, abort
// on stop, withholding on pause, or the next submission.
func (c *Controller) advanceLocked() {
	s := c.session
	switch {
	case s.Complete():
		c.completeLocked(s)
	case c.closed:
		c.abortLocked("closed", nil)
	case c.stopping:
		c.abortLocked("stopped", nil)
	case s.Paused:
		c.logger.Debug("submission withheld", "session_id", s.ID, "done", s.Done)
	default:
		cell, err := s.Next()
		if err != nil {
			c.abortLocked(err.Error(), err)
			return
		}
		c.seq++
		c.submitLocked(Request{
			Seq:        c.seq,
			SessionID:  s.ID,
			Kind:       KindPoint,
			Linear:     cell.Linear,
			XIndex:     cell.XIndex,
			YIndex:     cell.YIndex,
			XPos:       cell.XPos,
			YPos:       cell.YPos,
			ExposureMs: s.ExposureMs,
			Repeats:    s.Repeats,
			Attempt:    c.attempt,
		})
	}
}

// submitLocked panics on channel misuse: a second outstanding request means
// the controller lost track of its own state.
func (c *Controller) submitLocked(req Request) {
	if err := c.ch.Submit(req); err != nil {
		if errors.IsProgrammerError(err) {
			c.logger.Error("request channel misuse", "request", req.String(), "error", err.Error())
		}
		panic(err)
	}
	c.inFlight = true
}

func (c *Controller) beginLocked(s *Session, output string) {
	c.session = s
	c.attempt = 0
	c.openSinkLocked(s, output)
	c.queue.Publish(event.NewScanStartedEvent(s.ID, string(s.Phase), s.Grid.X, s.Grid.Y, s.ExposureMs))
	c.logger.Info("scan started",
		"session_id", s.ID,
		"phase", string(s.Phase),
		"nx", s.Grid.NX(),
		"ny", s.Grid.NY(),
		"exposure_ms", s.ExposureMs,
	)
	c.advanceLocked()
}

func (c *Controller) completeLocked(s *Session) {
	s.Status = StatusCompleted
	s.EndedAt = time.Now()
	c.finishSinkLocked(s, string(StatusCompleted))

	xi, yi, ok := Argmax(s.Image)
	var best event.CellResult
	if ok {
		best = event.CellResult{
			XIndex: xi,
			YIndex: yi,
			XPos:   s.Grid.X[xi],
			YPos:   s.Grid.Y[yi],
			Count:  s.Image[xi][yi].Value,
			Valid:  true,
		}
	}
	c.queue.Publish(event.NewScanCompletedEvent(s.ID, string(s.Phase), s.Total, best, ok))
	c.logger.Info("scan completed", "session_id", s.ID, "phase", string(s.Phase), "total", s.Total, "has_max", ok)

	switch {
	case s.Phase == PhaseCoarse && c.cfg.AutoSeek && !c.stopping:
		if err := c.startSeekLocked(s); err != nil {
			c.logger.Warn("maximum seek skipped", "session_id", s.ID, "error", err.Error())
			c.finishRunLocked(nil)
		}
	case s.Phase == PhaseRefine && !c.stopping:
		c.settleLocked(s, xi, yi, ok)
	default:
		c.finishRunLocked(nil)
	}
}

func (c *Controller) startSeekLocked(parent *Session) error {
	plan, err := Plan(parent.Snapshot(), c.cfg.SeekRadius)
	if err != nil {
		return err
	}
	refine, err := NewSession(PhaseRefine, plan.X, plan.Y, parent.ExposureMs, parent.Repeats)
	if err != nil {
		return err
	}
	refine.ParentID = parent.ID

	output := ""
	if c.cfg.Output != "" {
		output = persist.RescanPath(c.cfg.Output)
	}
	c.queue.Publish(event.NewSeekStartedEvent(parent.ID, plan.CenterX, plan.CenterY, plan.Radius))
	c.logger.Info("seeking maximum",
		"parent_id", parent.ID,
		"center_x", plan.CenterX,
		"center_y", plan.CenterY,
		"radius", plan.Radius,
	)
	c.beginLocked(refine, output)
	return nil
}

func (c *Controller) settleLocked(s *Session, xi, yi int, ok bool) {
	if !ok {
		c.logger.Warn("no valid reading in refinement, settle skipped", "session_id", s.ID)
		c.finishRunLocked(nil)
		return
	}
	c.seq++
	c.submitLocked(Request{
		Seq:       c.seq,
		SessionID: s.ID,
		Kind:      KindSettle,
		XIndex:    xi,
		YIndex:    yi,
		XPos:      s.Grid.X[xi],
		YPos:      s.Grid.Y[yi],
	})
}

func (c *Controller) settledLocked(res Result) {
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
		c.logger.Error("settle move failed", "session_id", res.SessionID, "error", errMsg)
	} else {
		c.logger.Info("settled on maximum", "session_id", res.SessionID, "x", res.RealizedX, "y", res.RealizedY)
	}
	c.queue.Publish(event.NewSeekSettledEvent(res.SessionID, res.XPos, res.YPos, res.RealizedX, res.RealizedY, errMsg))
	c.finishRunLocked(res.Err)
}

func (c *Controller) abortLocked(reason string, cause error) {
	s := c.session
	s.Status = StatusAborted
	s.EndedAt = time.Now()
	s.Err = cause
	c.finishSinkLocked(s, string(StatusAborted))
	c.queue.Publish(event.NewScanAbortedEvent(s.ID, string(s.Phase), s.Done, s.Total, reason))
	c.logger.Info("scan aborted", "session_id", s.ID, "done", s.Done, "total", s.Total, "reason", reason)

	err := fmt.Errorf("session %s %w: %s", s.ID, errors.ErrSessionAborted, reason)
	if cause != nil {
		err = fmt.Errorf("session %s %w: %w", s.ID, errors.ErrSessionAborted, cause)
	}
	c.finishRunLocked(err)
}

// finishRunLocked ends the current run. With a hard release pending the
// device is released after c.mu is unlocked and waiters are woken only once
// it is.
func (c *Controller) finishRunLocked(err error) {
	c.running = false
	c.stopping = false
	r := c.current
	if !c.hardRelease {
		r.finish(err)
		return
	}
	c.hardRelease = false
	c.afterUnlock = func() {
		if rerr := c.worker.Release(); rerr != nil {
			c.logger.Warn("failed to release device", "error", rerr.Error())
		}
		r.finish(err)
	}
}

// unlock releases c.mu and then runs the deferred device release, if any.
func (c *Controller) unlock() {
	after := c.afterUnlock
	c.afterUnlock = nil
	c.mu.Unlock()
	if after != nil {
		after()
	}
}

func (c *Controller) openSinkLocked(s *Session, output string) {
	c.sink = nil
	if output == "" || c.openSink == nil {
		return
	}
	sink, err := c.openSink(s.RunInfo(output))
	if err != nil {
		c.logger.Error("failed to open output, continuing without persistence",
			"session_id", s.ID, "path", output, "error", err.Error())
		c.queue.Publish(event.NewPersistFailedEvent(s.ID, -1, output, err.Error()))
		return
	}
	c.sink = sink
}

func (c *Controller) flushRowLocked(s *Session, yi int) {
	if c.sink == nil {
		return
	}
	if err := c.sink.AppendRow(s.Row(yi)); err != nil {
		c.logger.Error("failed to persist row", "session_id", s.ID, "row", yi, "error", err.Error())
		c.queue.Publish(event.NewPersistFailedEvent(s.ID, yi, c.sink.Path(), err.Error()))
		return
	}
	c.queue.Publish(event.NewRowFlushedEvent(s.ID, yi, c.sink.Path()))
}

func (c *Controller) finishSinkLocked(s *Session, status string) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Finish(status); err != nil {
		c.logger.Error("failed to finish output", "session_id", s.ID, "path", c.sink.Path(), "error", err.Error())
		c.queue.Publish(event.NewPersistFailedEvent(s.ID, -1, c.sink.Path(), err.Error()))
	}
	c.sink = nil
}
