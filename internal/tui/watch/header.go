package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func renderHeader(m Model) string {
	innerWidth := m.width - 4
	theme := m.theme

	daemon := theme.StatusFailed.Render("NOT RUNNING")
	if m.report.Daemon.Running {
		daemon = theme.StatusOK.Render(fmt.Sprintf("RUNNING (pid %d)", m.report.Daemon.PID))
	}
	if !m.loaded {
		daemon = theme.Dim.Render("LOADING")
	}

	lastPoll := "never"
	if m.report.LastPollAt != nil {
		lastPoll = formatDuration(m.now().Sub(*m.report.LastPollAt)) + " ago"
	}

	tickerStr := theme.Highlight.Render(m.ticker.Current())
	clock := theme.Dim.Render(m.now().Format("15:04:05"))
	titleText := fmt.Sprintf(" TICKETD WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" Daemon: %s  Last poll: %s  State: %s",
		daemon, lastPoll, theme.Dim.Render(m.report.Backend))

	lines := []string{titleLine, statsLine}
	if m.opts.APIURL != "" {
		conn := theme.StatusFailed.Render("disconnected")
		if m.connected {
			conn = theme.StatusOK.Render("live")
		}
		lastEvent := "never"
		if !m.spinner.LastEvent().IsZero() {
			lastEvent = formatDuration(m.now().Sub(m.spinner.LastEvent())) + " ago"
		}
		lines = append(lines, fmt.Sprintf(" Events: %s  Last event: %s %s", conn, lastEvent, m.spinner.Render(theme)))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
