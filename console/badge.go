// Copyright 2022 The presence Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package console

import (
	"context"
	"fmt"

	"github.com/alwitt/presence/presence"
	"github.com/apex/log"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	badgeStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 2).MarginTop(1)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Italic(true)
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
)

// Toggler switches the watched aggregator on and off
type Toggler interface {
	Enabled() bool
	SetEnabled(enabled bool) error
}

// SnapshotMsg delivers a new presence snapshot
type SnapshotMsg struct{ Snapshot presence.Snapshot }

// toggleFailedMsg reports a failed pause / resume
type toggleFailedMsg struct{ Err error }

// Model the presence badge
type Model struct {
	target   string
	snapshot presence.Snapshot
	toggler  Toggler
	paused   bool
	err      error
}

// NewModel define a badge for a target showing the initial snapshot
func NewModel(target string, initial presence.Snapshot, toggler Toggler) Model {
	return Model{target: target, snapshot: initial, toggler: toggler}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case SnapshotMsg:
		m.snapshot = msg.Snapshot
	case toggleFailedMsg:
		m.err = msg.Err
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p":
			if m.toggler == nil {
				return m, nil
			}
			m.paused = !m.paused
			m.err = nil
			enable := !m.paused
			toggler := m.toggler
			return m, func() tea.Msg {
				if err := toggler.SetEnabled(enable); err != nil {
					return toggleFailedMsg{Err: err}
				}
				return nil
			}
		}
	}
	return m, nil
}

func formatCount(value *int64) string {
	if value == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *value)
}

// Badge render the one line presence badge
func (m Model) Badge() string {
	switch {
	case m.paused:
		return pausedStyle.Render("|| paused")
	case !m.snapshot.IsConnected:
		return offlineStyle.Render("o offline")
	case m.snapshot.UniqueVisitors == nil && m.snapshot.LiveConnections == nil:
		return waitingStyle.Render("* online, waiting for counts")
	default:
		return onlineStyle.Render(fmt.Sprintf(
			"* %s online, %s connections",
			formatCount(m.snapshot.UniqueVisitors),
			formatCount(m.snapshot.LiveConnections),
		))
	}
}

// View implements tea.Model
func (m Model) View() string {
	view := titleStyle.Render(fmt.Sprintf("presence @ %s", m.target)) + "\n"
	view += badgeStyle.Render(m.Badge()) + "\n"
	if m.err != nil {
		view += offlineStyle.Render(m.err.Error()) + "\n"
	}
	hint := "q quit"
	if m.toggler != nil {
		hint = "p pause / resume, q quit"
	}
	return view + hintStyle.Render(hint) + "\n"
}

// Watchable an aggregator the badge can follow
type Watchable interface {
	Toggler
	Snapshot() presence.Snapshot
	Subscribe(observer presence.ObserverCB) func()
}

// Run show the badge for an aggregator until the user quits or the context ends
func Run(ctxt context.Context, target string, source Watchable, options ...tea.ProgramOption) error {
	logTags := log.Fields{"module": "console", "component": "badge", "instance": target}
	program := tea.NewProgram(NewModel(target, source.Snapshot(), source), options...)
	unsubscribe := source.Subscribe(func(snapshot presence.Snapshot) {
		program.Send(SnapshotMsg{Snapshot: snapshot})
	})
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctxt.Done():
			program.Quit()
		case <-done:
		}
	}()

	if _, err := program.Run(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Badge failed")
		return err
	}
	return nil
}
