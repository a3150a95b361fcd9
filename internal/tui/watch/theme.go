// Package watch implements the ticketd system watch TUI.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ticketd/internal/state"
)

// Theme holds every style the watch screen renders with.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

var (
	colorGreen  = lipgloss.Color("#5FD75F")
	colorAmber  = lipgloss.Color("#FFD75F")
	colorRed    = lipgloss.Color("#FF5F5F")
	colorGrey   = lipgloss.Color("#8A8A8A")
	colorDark   = lipgloss.Color("#4E4E4E")
	colorBlue   = lipgloss.Color("#5FAFFF")
	colorViolet = lipgloss.Color("#875FFF")
	colorWhite  = lipgloss.Color("#EEEEEE")
)

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:      fg(colorGreen),
		StatusRunning: fg(colorAmber),
		StatusFailed:  fg(colorRed),
		StatusIdle:    fg(colorGrey),

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorViolet),
		Title:     fg(colorWhite).Bold(true).Padding(0, 1),
		Header:    fg(colorBlue).Bold(true),
		Dim:       fg(colorGrey),
		Highlight: fg(colorAmber).Underline(true),

		TickerActive:   fg(colorGreen),
		TickerInactive: fg(colorDark),
	}
}

var statusGlyphs = map[state.JobStatus]string{
	state.StatusSucceeded: "●",
	state.StatusRunning:   "◉",
	state.StatusFailed:    "∅",
	state.StatusTimedOut:  "◑",
}

func (t Theme) statusStyle(status string) lipgloss.Style {
	switch state.JobStatus(status) {
	case state.StatusSucceeded:
		return t.StatusOK
	case state.StatusRunning:
		return t.StatusRunning
	case state.StatusFailed, state.StatusTimedOut:
		return t.StatusFailed
	}
	return t.StatusIdle
}

func statusSymbol(status string) string {
	if g, ok := statusGlyphs[state.JobStatus(status)]; ok {
		return g
	}
	return "○"
}
