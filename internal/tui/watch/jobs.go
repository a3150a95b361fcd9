package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ticketd/internal/inspect"
	"github.com/mattjoyce/ticketd/internal/state"
)

func newHistoryTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Ticket", Width: 12},
			{Title: "Status", Width: 10},
			{Title: "Run", Width: 16},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 40},
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
	return t
}

func historyRows(jobs []inspect.Job, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		errText := j.Error
		if i := strings.IndexByte(errText, '\n'); i >= 0 {
			errText = errText[:i]
		}
		rows = append(rows, table.Row{
			theme.statusStyle(j.Status).Render(statusSymbol(j.Status)),
			j.Ticket,
			j.Status,
			orDash(j.RunID),
			j.Duration,
			errText,
		})
	}
	return rows
}

func renderCurrentJob(j *inspect.Job, theme Theme, width int) string {
	title := theme.Title.Render("CURRENT JOB")
	if j == nil {
		return theme.Border.Width(width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  Idle, no job in flight")),
		)
	}

	lines := []string{
		fmt.Sprintf("  %s %s %s", theme.StatusRunning.Render(statusSymbol(string(state.StatusRunning))), theme.Header.Render(j.Ticket), j.Title),
		fmt.Sprintf("  run: %s  attempt: %d  elapsed: %s", orDash(j.RunID), j.RetryCount+1, j.Duration),
		theme.Dim.Render(fmt.Sprintf("  job %s started %s", j.ID, j.StartedAt.Format("15:04:05"))),
	}
	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, append([]string{title}, lines...)...),
	)
}

func renderRetries(retries []inspect.Retry, theme Theme, width int) string {
	title := theme.Title.Render("RETRIES")
	if len(retries) == 0 {
		return theme.Border.Width(width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  No failing tickets")),
		)
	}

	var lines []string
	for _, r := range retries {
		name := r.Ticket
		if name == "" {
			name = r.TicketRef
		}
		line := fmt.Sprintf("  %-12s %d failure(s)", name, r.Failures)
		if r.Exhausted {
			line = theme.StatusFailed.Render(line + "  needs manual attention")
		}
		lines = append(lines, line)
	}
	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, append([]string{title}, lines...)...),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
