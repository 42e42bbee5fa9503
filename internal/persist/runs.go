package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// RunFile describes one scan file found on disk.
type RunFile struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
	// Rescan is true for refinement files.
	Rescan bool
	// Meta is nil when the file has no readable sidecar.
	Meta *Meta
}

// ListRuns returns the CSV files in dir whose base name matches pattern,
// newest first. An empty pattern matches every file. Patterns use glob
// syntax with {a,b} alternatives, e.g. "scan-{a,b}*".
func ListRuns(dir, pattern string) ([]RunFile, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []RunFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		if !g.Match(e.Name()) && !g.Match(strings.TrimSuffix(e.Name(), ".csv")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		run := RunFile{
			Path:    path,
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Rescan:  strings.HasSuffix(strings.TrimSuffix(e.Name(), ".csv"), RescanSuffix),
		}
		if m, err := ReadMeta(path); err == nil {
			run.Meta = m
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].ModTime.Equal(runs[j].ModTime) {
			return runs[i].ModTime.After(runs[j].ModTime)
		}
		return runs[i].Name < runs[j].Name
	})
	return runs, nil
}
