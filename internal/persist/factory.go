package persist

import (
	"fmt"
	"sync"
	"time"

	"github.com/ionlab/pmtscan/internal/logging"
)

// Phase names written to the sidecar.
const (
	PhaseCoarse = "coarse"
	PhaseRefine = "refine"
)

// Factory opens one Run per scan session.
type Factory struct {
	// WriteMeta enables the YAML sidecar.
	WriteMeta bool
	logger    *logging.Logger
}

// NewFactory creates a Factory. logger may be nil.
func NewFactory(writeMeta bool, logger *logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Factory{WriteMeta: writeMeta, logger: logger.WithComponent("persist")}
}

// Open locks info.Path, creates the CSV and writes the initial sidecar.
// Refinement runs get the rescan banner.
func (f *Factory) Open(info RunInfo) (*Run, error) {
	if info.Path == "" {
		return nil, fmt.Errorf("open run %s: empty path", info.SessionID)
	}

	lock, err := AcquireLock(info.Path, f.logger)
	if err != nil {
		return nil, err
	}

	banner := ""
	if info.Phase == PhaseRefine {
		banner = RescanBanner
	}
	sink, err := CreateCSV(info.Path, banner)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	r := &Run{
		sink:      sink,
		lock:      lock,
		writeMeta: f.WriteMeta,
		meta:      Meta{RunInfo: info, Status: "running"},
		logger:    f.logger.WithSession(info.SessionID),
	}
	if r.writeMeta {
		if err := WriteMeta(info.Path, r.meta); err != nil {
			r.logger.Warn("failed to write run metadata", "path", info.Path, "error", err.Error())
		}
	}
	r.logger.Info("run opened", "path", info.Path, "phase", info.Phase)
	return r, nil
}

// Run is an open output file for one session.
type Run struct {
	mu        sync.Mutex
	sink      *CSVSink
	lock      *Lock
	writeMeta bool
	meta      Meta
	finished  bool
	logger    *logging.Logger
}

// Path returns the CSV path.
func (r *Run) Path() string {
	return r.sink.Path()
}

// AppendRow appends one finished row.
func (r *Run) AppendRow(row Row) error {
	return r.sink.AppendRow(row)
}

// Finish closes the CSV, records status in the sidecar and releases the
// lock. Finish is idempotent.
func (r *Run) Finish(status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return nil
	}
	r.finished = true

	err := r.sink.Close()
	if r.writeMeta {
		r.meta.Status = status
		r.meta.EndedAt = time.Now()
		r.meta.Rows = r.sink.Rows()
		if merr := WriteMeta(r.meta.Path, r.meta); merr != nil && err == nil {
			err = merr
		}
	}
	if lerr := r.lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	r.logger.Info("run finished", "path", r.meta.Path, "status", status, "rows", r.sink.Rows())
	return err
}
