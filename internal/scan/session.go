package scan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/persist"
	"github.com/ionlab/pmtscan/internal/raster"
)

// Phase distinguishes the initial scan from the refinement around its
// maximum.
type Phase string

const (
	PhaseCoarse Phase = persist.PhaseCoarse
	PhaseRefine Phase = persist.PhaseRefine
)

// Status is the lifecycle status of a Session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Session is the state of one scan: the grid, the image being filled in and
// progress. It is owned by the Controller and only mutated under its lock.
type Session struct {
	ID         string
	ParentID   string
	Phase      Phase
	XRange     raster.AxisRange
	YRange     raster.AxisRange
	Grid       raster.Grid
	ExposureMs float64
	Repeats    int

	// Image is indexed [x][y].
	Image   [][]Reading
	written [][]bool

	Done   int
	Total  int
	Paused bool

	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

// NewSession validates the ranges and creates an empty running session.
func NewSession(phase Phase, x, y raster.AxisRange, exposureMs float64, repeats int) (*Session, error) {
	grid, err := raster.NewGrid(x, y)
	if err != nil {
		return nil, err
	}

	image := make([][]Reading, grid.NX())
	written := make([][]bool, grid.NX())
	for i := range image {
		image[i] = make([]Reading, grid.NY())
		written[i] = make([]bool, grid.NY())
	}

	return &Session{
		ID:         uuid.NewString(),
		Phase:      phase,
		XRange:     x,
		YRange:     y,
		Grid:       grid,
		ExposureMs: exposureMs,
		Repeats:    repeats,
		Image:      image,
		written:    written,
		Total:      grid.Total(),
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}, nil
}

// Record writes one cell and advances Done. Each cell may be written once.
func (s *Session) Record(xi, yi int, r Reading) error {
	if xi < 0 || xi >= s.Grid.NX() || yi < 0 || yi >= s.Grid.NY() {
		return fmt.Errorf("cell (%d,%d): %w", xi, yi, errors.ErrIndexOutOfRange)
	}
	if s.written[xi][yi] {
		return fmt.Errorf("cell (%d,%d) written twice in session %s", xi, yi, s.ID)
	}
	s.written[xi][yi] = true
	s.Image[xi][yi] = r
	s.Done++
	return nil
}

// Written reports whether a cell has a result.
func (s *Session) Written(xi, yi int) bool {
	return s.written[xi][yi]
}

// Complete reports whether every cell has a result.
func (s *Session) Complete() bool {
	return s.Done == s.Total
}

// Next returns the cell for visit index Done.
func (s *Session) Next() (raster.Cell, error) {
	return s.Grid.PositionAt(s.Done)
}

// Row returns row yi in ascending x order for persistence.
func (s *Session) Row(yi int) persist.Row {
	row := persist.Row{Index: yi, Points: make([]persist.Point, 0, s.Grid.NX())}
	for xi, x := range s.Grid.X {
		r := s.Image[xi][yi]
		row.Points = append(row.Points, persist.Point{
			X:          x,
			Y:          s.Grid.Y[yi],
			ExposureMs: s.ExposureMs,
			Count:      r.Value,
			Valid:      r.Valid,
		})
	}
	return row
}

// RunInfo describes the session for persistence.
func (s *Session) RunInfo(path string) persist.RunInfo {
	return persist.RunInfo{
		SessionID:  s.ID,
		ParentID:   s.ParentID,
		Phase:      string(s.Phase),
		Path:       path,
		X:          s.XRange,
		Y:          s.YRange,
		ExposureMs: s.ExposureMs,
		Repeats:    s.Repeats,
		StartedAt:  s.StartedAt,
	}
}

// Snapshot is a copy of a session safe to hand to other goroutines.
type Snapshot struct {
	SessionID  string           `json:"session_id"`
	ParentID   string           `json:"parent_id,omitempty"`
	Phase      Phase            `json:"phase"`
	Status     Status           `json:"status"`
	XRange     raster.AxisRange `json:"x_range"`
	YRange     raster.AxisRange `json:"y_range"`
	XPositions []float64        `json:"x"`
	YPositions []float64        `json:"y"`
	// Image is indexed [x][y]; cells without data are null.
	Image      [][]Reading `json:"image"`
	Done       int         `json:"done"`
	Total      int         `json:"total"`
	ExposureMs float64     `json:"exposure_ms"`
	Paused     bool        `json:"paused"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at,omitempty"`
	Err        string      `json:"error,omitempty"`

	// Worker fields are filled in by the Controller.
	Active      bool   `json:"active"`
	WorkerState string `json:"worker_state"`
	Attached    bool   `json:"attached"`
}

// Snapshot copies the session.
func (s *Session) Snapshot() Snapshot {
	image := make([][]Reading, len(s.Image))
	for i := range s.Image {
		image[i] = append([]Reading(nil), s.Image[i]...)
	}
	snap := Snapshot{
		SessionID:  s.ID,
		ParentID:   s.ParentID,
		Phase:      s.Phase,
		Status:     s.Status,
		XRange:     s.XRange,
		YRange:     s.YRange,
		XPositions: append([]float64(nil), s.Grid.X...),
		YPositions: append([]float64(nil), s.Grid.Y...),
		Image:      image,
		Done:       s.Done,
		Total:      s.Total,
		ExposureMs: s.ExposureMs,
		Paused:     s.Paused,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}
	if s.Err != nil {
		snap.Err = s.Err.Error()
	}
	return snap
}
