package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ionlab/pmtscan/internal/raster"
)

// MetaSuffix is the extension of the sidecar written next to each CSV.
const MetaSuffix = ".meta.yaml"

// RunInfo identifies a session being persisted.
type RunInfo struct {
	SessionID  string           `yaml:"session_id"`
	ParentID   string           `yaml:"parent_id,omitempty"`
	Phase      string           `yaml:"phase"`
	Path       string           `yaml:"-"`
	X          raster.AxisRange `yaml:"x"`
	Y          raster.AxisRange `yaml:"y"`
	ExposureMs float64          `yaml:"exposure_ms"`
	Repeats    int              `yaml:"repeats"`
	StartedAt  time.Time        `yaml:"started_at"`
}

// Meta is the sidecar document.
type Meta struct {
	RunInfo `yaml:",inline"`
	// Status and EndedAt are filled in when the session ends.
	Status  string    `yaml:"status,omitempty"`
	EndedAt time.Time `yaml:"ended_at,omitempty"`
	Rows    int       `yaml:"rows"`
}

// MetaPath returns the sidecar path for a CSV path.
func MetaPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + MetaSuffix
}

// WriteMeta writes m next to csvPath, replacing any previous sidecar
// atomically.
func WriteMeta(csvPath string, m Meta) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return atomicWriteFile(MetaPath(csvPath), data, 0644)
}

// ReadMeta reads the sidecar of csvPath.
func ReadMeta(csvPath string) (*Meta, error) {
	data, err := os.ReadFile(MetaPath(csvPath))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	m.Path = csvPath
	return &m, nil
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it into place.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
