// Package event defines event types for decoupling the scan engine from its
// front ends (terminal UI, websocket stream, headless CLI).
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "scan.result", "seek.settled")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type names.
const (
	TypeScanStarted    = "scan.started"
	TypeScanResult     = "scan.result"
	TypeRowFlushed     = "scan.row_flushed"
	TypeScanPaused     = "scan.paused"
	TypeScanResumed    = "scan.resumed"
	TypeScanCompleted  = "scan.completed"
	TypeScanAborted    = "scan.aborted"
	TypeSeekStarted    = "seek.started"
	TypeSeekSettled    = "seek.settled"
	TypeWorkerState    = "worker.state"
	TypePersistFailed  = "persist.failed"
	TypeMonitorSample  = "monitor.sample"
	TypeConfigReloaded = "config.reloaded"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Scan Session Events
// -----------------------------------------------------------------------------

// ScanStartedEvent is emitted when a session is created, before the first
// request is submitted.
type ScanStartedEvent struct {
	baseEvent
	SessionID  string
	Phase      string // "coarse" or "refine"
	XPositions []float64
	YPositions []float64
	Total      int
	ExposureMs float64
}

// NewScanStartedEvent creates a ScanStartedEvent.
func NewScanStartedEvent(sessionID, phase string, xs, ys []float64, exposureMs float64) ScanStartedEvent {
	return ScanStartedEvent{
		baseEvent:  newBaseEvent(TypeScanStarted),
		SessionID:  sessionID,
		Phase:      phase,
		XPositions: xs,
		YPositions: ys,
		Total:      len(xs) * len(ys),
		ExposureMs: exposureMs,
	}
}

// CellResult is one visited cell as seen by observers.
type CellResult struct {
	Index     int     `json:"index"`
	XIndex    int     `json:"x_index"`
	YIndex    int     `json:"y_index"`
	XPos      float64 `json:"x"`
	YPos      float64 `json:"y"`
	RealizedX float64 `json:"realized_x"`
	RealizedY float64 `json:"realized_y"`
	Count     float64 `json:"count"`
	Valid     bool    `json:"valid"`
	Err       string  `json:"error,omitempty"`
}

// ScanResultEvent is emitted after a cell result has been applied to the session.
type ScanResultEvent struct {
	baseEvent
	SessionID string
	Phase     string
	Cell      CellResult
	Done      int
	Total     int
}

// NewScanResultEvent creates a ScanResultEvent.
func NewScanResultEvent(sessionID, phase string, cell CellResult, done, total int) ScanResultEvent {
	return ScanResultEvent{
		baseEvent: newBaseEvent(TypeScanResult),
		SessionID: sessionID,
		Phase:     phase,
		Cell:      cell,
		Done:      done,
		Total:     total,
	}
}

// RowFlushedEvent is emitted after a finished row was appended to the sink.
type RowFlushedEvent struct {
	baseEvent
	SessionID string
	Row       int
	Path      string
}

// NewRowFlushedEvent creates a RowFlushedEvent.
func NewRowFlushedEvent(sessionID string, row int, path string) RowFlushedEvent {
	return RowFlushedEvent{
		baseEvent: newBaseEvent(TypeRowFlushed),
		SessionID: sessionID,
		Row:       row,
		Path:      path,
	}
}

// ScanPausedEvent is emitted when the pause flag is set.
type ScanPausedEvent struct {
	baseEvent
	SessionID string
	Done      int
}

// NewScanPausedEvent creates a ScanPausedEvent.
func NewScanPausedEvent(sessionID string, done int) ScanPausedEvent {
	return ScanPausedEvent{
		baseEvent: newBaseEvent(TypeScanPaused),
		SessionID: sessionID,
		Done:      done,
	}
}

// ScanResumedEvent is emitted when the pause flag is cleared.
type ScanResumedEvent struct {
	baseEvent
	SessionID string
	Done      int
}

// NewScanResumedEvent creates a ScanResumedEvent.
func NewScanResumedEvent(sessionID string, done int) ScanResumedEvent {
	return ScanResumedEvent{
		baseEvent: newBaseEvent(TypeScanResumed),
		SessionID: sessionID,
		Done:      done,
	}
}

// ScanCompletedEvent is emitted when every cell of a session has a result.
type ScanCompletedEvent struct {
	baseEvent
	SessionID string
	Phase     string
	Total     int
	// HasMax is false when no cell holds valid data.
	HasMax bool
	Max    CellResult
}

// NewScanCompletedEvent creates a ScanCompletedEvent.
func NewScanCompletedEvent(sessionID, phase string, total int, max CellResult, hasMax bool) ScanCompletedEvent {
	return ScanCompletedEvent{
		baseEvent: newBaseEvent(TypeScanCompleted),
		SessionID: sessionID,
		Phase:     phase,
		Total:     total,
		HasMax:    hasMax,
		Max:       max,
	}
}

// ScanAbortedEvent is emitted when a session ends early: a stop request,
// a device fault, or an acquisition fault under the abort policy.
type ScanAbortedEvent struct {
	baseEvent
	SessionID string
	Phase     string
	Done      int
	Total     int
	Reason    string
}

// NewScanAbortedEvent creates a ScanAbortedEvent.
func NewScanAbortedEvent(sessionID, phase string, done, total int, reason string) ScanAbortedEvent {
	return ScanAbortedEvent{
		baseEvent: newBaseEvent(TypeScanAborted),
		SessionID: sessionID,
		Phase:     phase,
		Done:      done,
		Total:     total,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Maximum Seek Events
// -----------------------------------------------------------------------------

// SeekStartedEvent is emitted when a refinement window is planned around
// the coarse maximum.
type SeekStartedEvent struct {
	baseEvent
	ParentSessionID string
	CenterX         float64
	CenterY         float64
	Radius          float64
}

// NewSeekStartedEvent creates a SeekStartedEvent.
func NewSeekStartedEvent(parentID string, cx, cy, radius float64) SeekStartedEvent {
	return SeekStartedEvent{
		baseEvent:       newBaseEvent(TypeSeekStarted),
		ParentSessionID: parentID,
		CenterX:         cx,
		CenterY:         cy,
		Radius:          radius,
	}
}

// SeekSettledEvent is emitted once the final settle move has completed.
type SeekSettledEvent struct {
	baseEvent
	SessionID string
	X         float64
	Y         float64
	RealizedX float64
	RealizedY float64
	Err       string
}

// NewSeekSettledEvent creates a SeekSettledEvent.
func NewSeekSettledEvent(sessionID string, x, y, rx, ry float64, err string) SeekSettledEvent {
	return SeekSettledEvent{
		baseEvent: newBaseEvent(TypeSeekSettled),
		SessionID: sessionID,
		X:         x,
		Y:         y,
		RealizedX: rx,
		RealizedY: ry,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Worker, Persistence and Monitor Events
// -----------------------------------------------------------------------------

// WorkerStateEvent is emitted on every worker state transition, including
// resource handle release and re-acquire.
type WorkerStateEvent struct {
	baseEvent
	From     string
	To       string
	Attached bool
}

// NewWorkerStateEvent creates a WorkerStateEvent.
func NewWorkerStateEvent(from, to string, attached bool) WorkerStateEvent {
	return WorkerStateEvent{
		baseEvent: newBaseEvent(TypeWorkerState),
		From:      from,
		To:        to,
		Attached:  attached,
	}
}

// PersistFailedEvent is emitted when a row could not be written. The scan
// keeps running.
type PersistFailedEvent struct {
	baseEvent
	SessionID string
	Row       int
	Path      string
	Err       string
}

// NewPersistFailedEvent creates a PersistFailedEvent.
func NewPersistFailedEvent(sessionID string, row int, path, errMsg string) PersistFailedEvent {
	return PersistFailedEvent{
		baseEvent: newBaseEvent(TypePersistFailed),
		SessionID: sessionID,
		Row:       row,
		Path:      path,
		Err:       errMsg,
	}
}

// MonitorSampleEvent is emitted for every live detector reading.
type MonitorSampleEvent struct {
	baseEvent
	Count float64
	Valid bool
	Mean  float64
	N     int
	Err   string
}

// NewMonitorSampleEvent creates a MonitorSampleEvent.
func NewMonitorSampleEvent(count float64, valid bool, mean float64, n int, errMsg string) MonitorSampleEvent {
	return MonitorSampleEvent{
		baseEvent: newBaseEvent(TypeMonitorSample),
		Count:     count,
		Valid:     valid,
		Mean:      mean,
		N:         n,
		Err:       errMsg,
	}
}

// ConfigReloadedEvent is emitted when the config file changed on disk.
// Changes apply from the next session on.
type ConfigReloadedEvent struct {
	baseEvent
	Path string
	Err  string
}

// NewConfigReloadedEvent creates a ConfigReloadedEvent.
func NewConfigReloadedEvent(path, errMsg string) ConfigReloadedEvent {
	return ConfigReloadedEvent{
		baseEvent: newBaseEvent(TypeConfigReloaded),
		Path:      path,
		Err:       errMsg,
	}
}
