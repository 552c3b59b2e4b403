package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/fleet"
)

const (
	refreshInterval = 2 * time.Second
	maxEventLog     = 50
)

// Source is what the monitor watches; *fleet.Manager satisfies it.
type Source interface {
	Status(ctx context.Context) []fleet.Status
	Hub() *events.Hub
}

type (
	tickMsg   time.Time
	eventMsg  events.Event
	statusMsg []fleet.Status
	closedMsg struct{}
)

// Model is the BubbleTea model for the fleet monitor.
type Model struct {
	source Source

	width  int
	height int

	statuses []fleet.Status
	eventLog []events.Event

	table   table.Model
	ticker  Ticker
	spinner Spinner
	theme   Theme

	hubEvents   <-chan events.Event
	unsubscribe func()
	now         func() time.Time
}

// New creates a monitor for source. Call Close once the program exits.
func New(source Source) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Address", Width: 28},
			{Title: "Role", Width: 10},
			{Title: "Mode", Width: 9},
			{Title: "Slots", Width: 5},
			{Title: "PIDs", Width: 18},
			{Title: "Token", Width: 24},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	ch, cancel := source.Hub().Subscribe()
	return &Model{
		source:      source,
		table:       t,
		ticker:      NewTicker(),
		theme:       NewDefaultTheme(),
		hubEvents:   ch,
		unsubscribe: cancel,
		now:         time.Now,
	}
}

// Close stops the hub subscription.
func (m *Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.receiveNextEvent(),
		m.refresh(),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(m.now())
		return m, tea.Batch(m.refresh(), tick())

	case statusMsg:
		m.statuses = msg
		m.table.SetRows(rows(msg))
		return m, nil

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.spinner.OnEvent(m.now())
		return m, tea.Batch(m.receiveNextEvent(), m.refresh())

	case closedMsg:
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing monitor..."
	}

	header := renderHeader(summarize(m.statuses), m.ticker, m.spinner, m.theme, m.width, m.now())
	workers := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("WORKERS"),
		m.table.View(),
	))
	stream := renderEventStream(m.eventLog, m.theme, m.width)
	help := m.theme.Dim.Render(" [q] Quit • [r] Refresh • [↑/↓] Select")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, workers, stream, help),
	)
}

func rows(statuses []fleet.Status) []table.Row {
	out := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		state := "●"
		if !st.Alive {
			state = "○"
		}
		role := st.Info.Role
		if st.Info.Master {
			role += "★"
		}
		pids := make([]string, 0, len(st.PIDs))
		for _, pid := range st.PIDs {
			pids = append(pids, fmt.Sprint(pid))
		}
		out = append(out, table.Row{
			state,
			st.Address,
			role,
			st.Info.Mode,
			fmt.Sprint(st.Info.Slots),
			strings.Join(pids, ","),
			st.Fingerprint,
		})
	}
	return out
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		return statusMsg(m.source.Status(ctx))
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.hubEvents
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}
