// Package tui is the interactive terminal front end of a scan.
//
// The view shows the image as it fills in, a progress bar, and an activity
// log. Keys drive the controller: pause/resume, stop, stop and release the
// devices, and move to the maximum.
package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ionlab/pmtscan/internal/event"
)

// App wraps the Bubbletea program.
type App struct {
	ctrl  Controller
	bus   *event.Bus
	title string
}

// New creates an App. Events published on bus are forwarded to the view.
func New(ctrl Controller, bus *event.Bus, title string) *App {
	return &App{ctrl: ctrl, bus: bus, title: title}
}

// Run shows the view until the user quits or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	p := tea.NewProgram(
		NewModel(a.ctrl, a.title),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	if a.bus != nil {
		id := a.bus.SubscribeAll(func(e event.Event) {
			p.Send(eventMsg{event: e})
		})
		defer a.bus.Unsubscribe(id)
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
