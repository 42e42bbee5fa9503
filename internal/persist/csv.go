// Package persist stores scan results on disk.
//
// Each session is one CSV file of x,y,exposure_ms,count rows, appended one
// finished scan row at a time so that completed rows survive an abort. An
// empty count means the cell holds no data. A YAML sidecar next to the CSV
// records the ranges and identity of the run.
package persist

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ionlab/pmtscan/internal/errors"
)

// Header is the CSV column header.
var Header = []string{"x", "y", "exposure_ms", "count"}

// RescanSuffix is appended to the base name of the file that holds the
// refinement scan around the maximum.
const RescanSuffix = "_rescan_around_max"

// RescanBanner is the first line of a refinement file.
const RescanBanner = "auto-generated file holding measurements taken while seeking the maximum"

// Point is one measured cell.
type Point struct {
	X          float64
	Y          float64
	ExposureMs float64
	Count      float64
	// Valid is false when the cell holds no data.
	Valid bool
}

// Row is one finished scan row, ordered by ascending x.
type Row struct {
	Index  int
	Points []Point
}

// RescanPath returns the refinement file path for a scan file path.
func RescanPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + RescanSuffix + ".csv"
}

// CSVSink appends rows to a CSV file.
type CSVSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

// CreateCSV creates (or truncates) path, writes the optional banner as a
// comment line and the header.
func CreateCSV(path, banner string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	if banner != "" {
		if _, err := fmt.Fprintf(f, "# %s\n", banner); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write banner: %w", err)
		}
	}

	s := &CSVSink{path: path, f: f, w: csv.NewWriter(f)}
	if err := s.w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return s, nil
}

// Path returns the file path.
func (s *CSVSink) Path() string {
	return s.path
}

// Rows returns the number of rows appended so far.
func (s *CSVSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// AppendRow writes every point of row and flushes it to the file.
func (s *CSVSink) AppendRow(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("append row %d to %s: sink closed", row.Index, s.path)
	}
	for _, p := range row.Points {
		if err := s.w.Write(formatPoint(p)); err != nil {
			return fmt.Errorf("append row %d: %w", row.Index, err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("append row %d: %w", row.Index, err)
	}
	s.rows++
	return nil
}

// Close flushes and closes the file. Close is idempotent.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.f.Close()
	s.f = nil
	if werr != nil {
		return werr
	}
	return cerr
}

func formatPoint(p Point) []string {
	count := ""
	if p.Valid {
		count = strconv.FormatFloat(p.Count, 'g', -1, 64)
	}
	return []string{
		strconv.FormatFloat(p.X, 'g', -1, 64),
		strconv.FormatFloat(p.Y, 'g', -1, 64),
		strconv.FormatFloat(p.ExposureMs, 'g', -1, 64),
		count,
	}
}

// ReadCSV reads every point from a scan file. Comment lines and the header
// are skipped, so files written without a header are read as well.
func ReadCSV(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("scan file", path).WithCause(err)
		}
		return nil, errors.Wrap(err, "failed to open scan file")
	}
	defer f.Close()
	return readPoints(f)
}

func readPoints(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.Comment = '#'
	cr.FieldsPerRecord = len(Header)

	var points []Point
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return points, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && rec[0] == Header[0] {
			continue
		}
		p, err := parsePoint(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", line, err)
		}
		points = append(points, p)
	}
}

func parsePoint(rec []string) (Point, error) {
	var p Point
	var err error
	if p.X, err = strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err != nil {
		return p, fmt.Errorf("x: %w", err)
	}
	if p.Y, err = strconv.ParseFloat(strings.TrimSpace(rec[1]), 64); err != nil {
		return p, fmt.Errorf("y: %w", err)
	}
	if p.ExposureMs, err = strconv.ParseFloat(strings.TrimSpace(rec[2]), 64); err != nil {
		return p, fmt.Errorf("exposure_ms: %w", err)
	}
	count := strings.TrimSpace(rec[3])
	if count == "" || strings.EqualFold(count, "nan") {
		return p, nil
	}
	if p.Count, err = strconv.ParseFloat(count, 64); err != nil {
		return p, fmt.Errorf("count: %w", err)
	}
	p.Valid = true
	return p, nil
}
