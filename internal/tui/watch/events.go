package watch

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ticketd/internal/events"
)

const (
	visibleEvents   = 10
	rawPayloadLimit = 60
)

// renderEventStream draws the newest events first. eventLog is already
// ordered newest first by the model.
func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	body := theme.Dim.Render("  Waiting for events...")
	if len(eventLog) > 0 {
		shown := eventLog[:min(len(eventLog), visibleEvents)]
		rows := make([]string, len(shown))
		for i, ev := range shown {
			rows[i] = formatEvent(ev, theme)
		}
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(rows, "\n"))
	}
	panel := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("EVENT STREAM"), body)
	return theme.Border.Width(width - 4).Render(panel)
}

func formatEvent(ev events.Event, theme Theme) string {
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(ev.At.Format("15:04:05")),
		theme.eventStyle(ev.Type).Render(fmt.Sprintf("%-20s", ev.Type)),
		summarizePayload(ev.Data),
	)
}

func (t Theme) eventStyle(typ string) lipgloss.Style {
	switch typ {
	case events.PollFailed, events.DispatchAborted, events.OrphanRecovered:
		return t.StatusFailed
	case events.DispatchStarted, events.DispatchRunStarted:
		return t.StatusRunning
	case events.DispatchFinished:
		return t.StatusOK
	case events.WebhookReceived:
		return t.Highlight
	}
	return t.Dim
}

// summarizePayload prints the ticket identifier bare, then the remaining
// fields as sorted key=value pairs. Non-object payloads are shown raw.
func summarizePayload(data []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || len(fields) == 0 {
		raw := string(data)
		if len(raw) > rawPayloadLimit {
			raw = raw[:rawPayloadLimit] + "..."
		}
		return raw
	}

	var b strings.Builder
	if ticket, ok := fields["ticket"]; ok {
		fmt.Fprint(&b, ticket)
		delete(fields, "ticket")
	}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, fields[k])
	}
	return b.String()
}
