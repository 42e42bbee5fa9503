package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard bindings of the scan view.
type KeyMap struct {
	Pause   key.Binding
	Stop    key.Binding
	Release key.Binding
	Seek    key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Pause: key.NewBinding(
			key.WithKeys("p", " "),
			key.WithHelp("p", "pause/resume"),
		),
		Stop: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "stop"),
		),
		Release: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "stop + release"),
		),
		Seek: key.NewBinding(
			key.WithKeys("g"),
			key.WithHelp("g", "go to max"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Help returns the bindings in display order.
func (k KeyMap) Help() []key.Binding {
	return []key.Binding{k.Pause, k.Stop, k.Release, k.Seek, k.Quit}
}
