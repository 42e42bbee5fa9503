package tui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestFit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{"fits", "settled", 10, "settled"},
		{"exact", "settled", 7, "settled"},
		{"cut", "row 12 not written", 10, "row 12..."},
		{"tiny width", "settled", 3, "..."},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fit(tt.input, tt.width); got != tt.want {
				t.Errorf("fit(%q, %d) = %q, want %q", tt.input, tt.width, got, tt.want)
			}
		})
	}
}

func TestFit_Styled(t *testing.T) {
	styled := errorStyle.Render("device fault on axis x: stage stalled")
	got := fit(styled, 12)
	if w := lipgloss.Width(got); w > 12 {
		t.Errorf("fit() width = %d, want <= 12", w)
	}
}
