// ABOUTME: Live dashboard of registry sessions rendered with bubbletea/lipgloss
// ABOUTME: renders live SessionRegistry introspection instead of decoded-track now-playing state
package server

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lox-audioserver/node-sendspin/pkg/sendspin"
)

// ServerTUI renders a live table of connected sessions.
type ServerTUI struct {
	program  *tea.Program
	updates  chan ServerStatus
	quitChan chan struct{}
	name     string
	port     int
}

// ServerStatus is one point-in-time snapshot of the server's registry.
type ServerStatus struct {
	Name    string
	Port    int
	Uptime  time.Duration
	Clients []ClientInfo
	Stats   sendspin.RegistryStats
}

// ClientInfo summarizes one session row in the dashboard.
type ClientInfo struct {
	ID    string
	Roles []string
	State string
	Drops int
}

type tickMsg time.Time
type statusMsg ServerStatus

func NewServerTUI(name string, port int) *ServerTUI {
	return &ServerTUI{
		updates:  make(chan ServerStatus, 10),
		quitChan: make(chan struct{}, 1),
		name:     name,
		port:     port,
	}
}

func (t *ServerTUI) Start() error {
	m := tuiModel{
		status: ServerStatus{
			Name:    t.name,
			Port:    t.port,
			Clients: []ClientInfo{},
		},
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}
	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for status := range t.updates {
			if t.program != nil {
				t.program.Send(statusMsg(status))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update sends a fresh status snapshot to the dashboard. Non-blocking.
func (t *ServerTUI) Update(status ServerStatus) {
	select {
	case t.updates <- status:
	default:
	}
}

func (t *ServerTUI) Stop() {
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan signals when the operator pressed 'q'/ctrl+c in the dashboard.
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}

type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down sendspin server...\n"
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sessionHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	dropStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Sendspin Server"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Name: "))
	b.WriteString(valueStyle.Render(m.status.Name))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Port: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.status.Port)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n\n")

	b.WriteString(sessionHeaderStyle.Render(fmt.Sprintf("Sessions (%d connected, %d identified)",
		m.status.Stats.ConnectedSessions, m.status.Stats.Identified)))
	b.WriteString("\n\n")

	if len(m.status.Clients) == 0 {
		b.WriteString(valueStyle.Render("  no sessions connected"))
		b.WriteString("\n")
	} else {
		for _, c := range m.status.Clients {
			b.WriteString(fmt.Sprintf("  %s", c.ID))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" roles=%s state=%s", strings.Join(c.Roles, ","), c.State)))
			if c.Drops > 0 {
				b.WriteString(dropStyle.Render(fmt.Sprintf(" drops=%d", c.Drops)))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}
