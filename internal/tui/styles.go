package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#A78BFA")
	okColor      = lipgloss.Color("#10B981")
	warnColor    = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	borderColor  = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle = lipgloss.NewStyle().Foreground(errorColor)
	keyStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	gridStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	maxCellStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
)

// heatRamp runs from background to peak.
var heatRamp = []lipgloss.Color{
	"#1E1B4B", "#312E81", "#4C1D95", "#7E22CE",
	"#BE185D", "#E11D48", "#F97316", "#FACC15",
}

func statusStyle(status string, paused bool) lipgloss.Style {
	switch {
	case paused:
		return lipgloss.NewStyle().Bold(true).Foreground(warnColor)
	case status == "running":
		return lipgloss.NewStyle().Bold(true).Foreground(okColor)
	case status == "aborted":
		return lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	default:
		return lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	}
}

// heatColor maps v within [lo, hi] onto the ramp.
func heatColor(v, lo, hi float64) lipgloss.Color {
	if hi <= lo {
		return heatRamp[len(heatRamp)-1]
	}
	i := int((v - lo) / (hi - lo) * float64(len(heatRamp)-1))
	i = max(0, min(i, len(heatRamp)-1))
	return heatRamp[i]
}
