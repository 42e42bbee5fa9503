package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// fit cuts s to width terminal columns, ending it with "..." when cut.
// Escape sequences and wide runes are measured by their rendered width.
func fit(s string, width int) string {
	if width <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, ellipsis)
}
