package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/drover/internal/fleet"
)

// summary counts what the last refresh saw.
type summary struct {
	total, alive int
	slots        int
	masters      int
}

func summarize(statuses []fleet.Status) summary {
	var s summary
	for _, st := range statuses {
		s.total++
		if st.Alive {
			s.alive++
			s.slots += st.Info.Slots
		}
		if st.Info.Master {
			s.masters++
		}
	}
	return s
}

func renderHeader(s summary, ticker Ticker, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	state := theme.StatusOK.Render("HEALTHY")
	switch {
	case s.total == 0:
		state = theme.Dim.Render("EMPTY")
	case s.alive < s.total:
		state = theme.StatusFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !spinner.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" DROVER FLEET %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock+" ",
		fmt.Sprintf(" %s  Workers: %d/%d alive  Slots: %d  Masters: %d",
			state, s.alive, s.total, s.slots, s.masters),
		fmt.Sprintf(" Last event: %s %s", lastEvent, spinner.Render(theme)),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
