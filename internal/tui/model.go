package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/scan"
)

const (
	defaultWidth  = 80
	defaultHeight = 24
	// chromeRows is the height used by everything except the grid.
	chromeRows = 8 + maxLogLines
)

// Controller is the part of *scan.Controller the view drives.
type Controller interface {
	Pause() error
	Resume() error
	Stop(hardRelease bool) error
	SeekMaximum() error
	Snapshot() scan.Snapshot
}

// Model is the Bubble Tea model of the scan view.
type Model struct {
	ctrl  Controller
	title string
	keys  KeyMap

	width  int
	height int

	snap     scan.Snapshot
	progress progress.Model
	log      []string
	err      string
}

// NewModel creates the model and takes an initial snapshot.
func NewModel(ctrl Controller, title string) Model {
	return Model{
		ctrl:     ctrl,
		title:    title,
		keys:     DefaultKeyMap(),
		width:    defaultWidth,
		height:   defaultHeight,
		snap:     ctrl.Snapshot(),
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(10, msg.Width-20)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.snap = m.ctrl.Snapshot()
		if line := Describe(msg.event); line != "" {
			m.appendLog(line)
		}
		return m, nil

	case tickMsg:
		m.snap = m.ctrl.Snapshot()
		return m, tick()

	case actionErrMsg:
		m.err = fmt.Sprintf("%s: %v", msg.action, msg.err)
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var (
		action string
		err    error
	)
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Pause):
		if m.snap.Paused {
			action, err = "resume", m.ctrl.Resume()
		} else {
			action, err = "pause", m.ctrl.Pause()
		}
	case key.Matches(msg, m.keys.Stop):
		action, err = "stop", m.ctrl.Stop(false)
	case key.Matches(msg, m.keys.Release):
		action, err = "release", m.ctrl.Stop(true)
	case key.Matches(msg, m.keys.Seek):
		action, err = "seek", m.ctrl.SeekMaximum()
	default:
		return m, nil
	}

	m.err = ""
	if err != nil {
		m.err = fmt.Sprintf("%s: %v", action, err)
	}
	m.snap = m.ctrl.Snapshot()
	return m, nil
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

// View renders the model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderProgress())
	b.WriteString("\n")

	if len(m.snap.Image) > 0 {
		b.WriteString(gridStyle.Render(m.renderGrid()))
		b.WriteString("\n")
		b.WriteString(m.renderAxes())
		b.WriteString("\n")
	} else {
		b.WriteString(mutedStyle.Render("no session"))
		b.WriteString("\n")
	}

	for _, line := range m.log {
		b.WriteString(mutedStyle.Render(fit(line, m.width)))
		b.WriteString("\n")
	}
	if m.err != "" {
		b.WriteString(errorStyle.Render(fit(m.err, m.width)))
		b.WriteString("\n")
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	title := m.title
	if title == "" {
		title = "pmtscan"
	}
	parts := []string{titleStyle.Render(title)}
	if m.snap.SessionID == "" {
		return parts[0]
	}

	status := string(m.snap.Status)
	label := status
	if m.snap.Paused {
		label = "paused"
	}
	parts = append(parts,
		string(m.snap.Phase),
		statusStyle(status, m.snap.Paused).Render(label),
		mutedStyle.Render("session "+shortID(m.snap.SessionID)),
	)
	if m.snap.WorkerState != "" {
		worker := m.snap.WorkerState
		if !m.snap.Attached {
			worker += " (released)"
		}
		parts = append(parts, mutedStyle.Render("worker "+worker))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderProgress() string {
	if m.snap.Total == 0 {
		return m.progress.ViewAs(0)
	}
	pct := float64(m.snap.Done) / float64(m.snap.Total)
	return fmt.Sprintf("%s  %d/%d", m.progress.ViewAs(pct), m.snap.Done, m.snap.Total)
}

// renderGrid draws the image with the highest y row on top. Large grids are
// sampled down to fit the window.
func (m Model) renderGrid() string {
	nx, ny := len(m.snap.Image), len(m.snap.Image[0])
	cols := max(4, (m.width-6)/2)
	rows := max(4, m.height-chromeRows)
	sx := (nx + cols - 1) / cols
	sy := (ny + rows - 1) / rows

	lo, hi := imageRange(m.snap.Image)
	mx, my, hasMax := scan.Argmax(m.snap.Image)

	var lines []string
	for y := ((ny - 1) / sy) * sy; y >= 0; y -= sy {
		var line strings.Builder
		for x := 0; x < nx; x += sx {
			line.WriteString(m.renderCell(x, y, lo, hi, hasMax && x == mx && y == my))
		}
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderCell(x, y int, lo, hi float64, isMax bool) string {
	r := m.snap.Image[x][y]
	switch {
	case r.Valid && isMax:
		return maxCellStyle.Background(heatColor(r.Value, lo, hi)).Render("<>")
	case r.Valid:
		return lipgloss.NewStyle().Foreground(heatColor(r.Value, lo, hi)).Render("██")
	case visited(x, y, len(m.snap.Image), m.snap.Done):
		return errorStyle.Render("××")
	default:
		return mutedStyle.Render("··")
	}
}

func (m Model) renderAxes() string {
	xs, ys := m.snap.XPositions, m.snap.YPositions
	if len(xs) == 0 || len(ys) == 0 {
		return ""
	}
	line := fmt.Sprintf("x %g … %g   y %g … %g   %g ms",
		xs[0], xs[len(xs)-1], ys[0], ys[len(ys)-1], m.snap.ExposureMs)
	if xi, yi, ok := scan.Argmax(m.snap.Image); ok {
		line += fmt.Sprintf("   max %.1f at (%g, %g)", m.snap.Image[xi][yi].Value, xs[xi], ys[yi])
	}
	if m.snap.Err != "" {
		line += "   " + errorStyle.Render(m.snap.Err)
	}
	return mutedStyle.Render(line)
}

func (m Model) renderHelp() string {
	var parts []string
	for _, k := range m.keys.Help() {
		h := k.Help()
		parts = append(parts, keyStyle.Render(h.Key)+" "+mutedStyle.Render(h.Desc))
	}
	return strings.Join(parts, "  ")
}

// visited reports whether the zigzag traversal has passed cell (x, y).
func visited(x, y, nx, done int) bool {
	linear := y * nx
	if y%2 == 0 {
		linear += x
	} else {
		linear += nx - 1 - x
	}
	return linear < done
}

func imageRange(image [][]scan.Reading) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, col := range image {
		for _, r := range col {
			if r.Valid {
				lo = math.Min(lo, r.Value)
				hi = math.Max(hi, r.Value)
			}
		}
	}
	return lo, hi
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Describe turns a notable event into a one-line summary. Events that are
// not worth a line (individual results, row flushes) return "".
func Describe(e event.Event) string {
	switch e := e.(type) {
	case event.ScanStartedEvent:
		return fmt.Sprintf("%s scan started: %dx%d points at %g ms",
			e.Phase, len(e.XPositions), len(e.YPositions), e.ExposureMs)
	case event.ScanPausedEvent:
		return fmt.Sprintf("paused after %d points", e.Done)
	case event.ScanResumedEvent:
		return "resumed"
	case event.ScanCompletedEvent:
		if e.HasMax {
			return fmt.Sprintf("%s scan completed: max %.1f at (%g, %g)", e.Phase, e.Max.Count, e.Max.XPos, e.Max.YPos)
		}
		return fmt.Sprintf("%s scan completed without data", e.Phase)
	case event.ScanAbortedEvent:
		return fmt.Sprintf("%s scan aborted at %d/%d: %s", e.Phase, e.Done, e.Total, e.Reason)
	case event.SeekStartedEvent:
		return fmt.Sprintf("refining around (%g, %g) radius %g", e.CenterX, e.CenterY, e.Radius)
	case event.SeekSettledEvent:
		if e.Err != "" {
			return "settle failed: " + e.Err
		}
		return fmt.Sprintf("settled at (%g, %g)", e.RealizedX, e.RealizedY)
	case event.PersistFailedEvent:
		if e.Row < 0 {
			return fmt.Sprintf("output %s: %s", e.Path, e.Err)
		}
		return fmt.Sprintf("row %d not written: %s", e.Row, e.Err)
	case event.WorkerStateEvent:
		if !e.Attached && e.From == e.To {
			return "devices released"
		}
	case event.ConfigReloadedEvent:
		if e.Err != "" {
			return "config reload failed: " + e.Err
		}
		return "config reloaded, applies to the next session"
	}
	return ""
}
