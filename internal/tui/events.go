package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/drover/internal/events"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("LIFECYCLE"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, maxEventLines)
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("LIFECYCLE"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var style lipgloss.Style
	switch e.Type {
	case events.InstanceReady, events.GridMaster, events.TeardownDone:
		style = theme.StatusOK
	case events.InstanceTimeout, events.TeardownError:
		style = theme.StatusFailed
	case events.InstanceSpawning, events.GridNode:
		style = theme.StatusWait
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-18s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	l, err := e.Decode()
	if err != nil {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	var parts []string
	if l.Address != "" {
		parts = append(parts, l.Address)
	}
	if l.Role != "" {
		parts = append(parts, l.Role)
	}
	if l.Neighbour != "" {
		parts = append(parts, "→ "+l.Neighbour)
	}
	if len(l.PIDs) > 0 {
		parts = append(parts, fmt.Sprintf("pids=%v", l.PIDs))
	}
	if l.Count > 0 {
		parts = append(parts, fmt.Sprintf("count=%d", l.Count))
	}
	if l.Error != "" {
		parts = append(parts, l.Error)
	}
	return strings.Join(parts, " ")
}
