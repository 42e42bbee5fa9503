package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ionlab/pmtscan/internal/event"
)

const refreshInterval = 250 * time.Millisecond

// maxLogLines bounds the activity log under the grid.
const maxLogLines = 6

// eventMsg carries a controller event into the program.
type eventMsg struct {
	event event.Event
}

// tickMsg refreshes the snapshot while no events arrive.
type tickMsg time.Time

// actionErrMsg reports a failed key action.
type actionErrMsg struct {
	action string
	err    error
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
