package dispatch

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/ticketd/internal/tracker"
)

const truncationMarker = "\n\n[description truncated]"

// BuildTask renders the instruction handed to the workflow tool.
func BuildTask(t tracker.Ticket, maxDescriptionBytes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n\n", t.HumanID, t.Title)
	b.WriteString(truncateHead(strings.TrimSpace(t.Description), maxDescriptionBytes))
	if t.URL != "" {
		fmt.Fprintf(&b, "\n\nTicket: %s", t.URL)
	}
	return b.String()
}

// truncateHead keeps at most n bytes of s, cut on a rune boundary.
func truncateHead(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func missingDescriptionComment() string {
	return "ticketd skipped this ticket because it has no description. " +
		"Add a description of the work and leave it in Todo to have it picked up."
}

func successComment(runID string, d time.Duration) string {
	return fmt.Sprintf("Completed by workflow run `%s` in %s.", runID, formatDuration(d))
}

func reassignedComment(runID string) string {
	return fmt.Sprintf("Workflow run `%s` completed, but this ticket was reassigned while it was running. "+
		"Please review the result; the status was left unchanged.", runID)
}

func unverifiedComment(runID string) string {
	return fmt.Sprintf("Workflow run `%s` completed, but ticketd could not re-check this ticket afterwards. "+
		"Please review the result; the status was left unchanged.", runID)
}

func canceledComment(runID string) string {
	return fmt.Sprintf("Workflow run `%s` completed after this ticket was canceled. "+
		"The status was left as Canceled.", runID)
}

// failureComment reports a failed or timed-out run. At the retry ceiling it
// doubles as the escalation notice.
func failureComment(kind, reason, output string, retries, maxRetries int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow run %s: %s\n\n", kind, reason)
	if output != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", output)
	}
	if retries >= maxRetries {
		fmt.Fprintf(&b, "This ticket has failed %d of %d allowed attempts and needs manual attention. "+
			"ticketd will not pick it up again until it succeeds or the failure count is reset.", retries, maxRetries)
	} else {
		fmt.Fprintf(&b, "Attempt %d of %d failed; the ticket was moved back to Todo for another attempt.", retries, maxRetries)
	}
	return b.String()
}

func canceledAfterFailureComment(kind, reason string, retries, maxRetries int) string {
	return fmt.Sprintf("Workflow run %s: %s\n\nThe ticket was canceled meanwhile, so it was not moved back to Todo (attempt %d of %d).",
		kind, reason, retries, maxRetries)
}

func unexpectedErrorComment(err string) string {
	return fmt.Sprintf("ticketd hit an unexpected error while working on this ticket: %s\n\n"+
		"The ticket was moved back to Todo.", err)
}

// OrphanComment explains a job recovered at startup. At the retry ceiling
// the ticket is left where it is and the comment escalates instead.
func OrphanComment(runID string, retries, maxRetries int) string {
	var b strings.Builder
	if runID == "" {
		b.WriteString("ticketd restarted while working on this ticket. The attempt was recorded as failed")
	} else {
		fmt.Fprintf(&b, "ticketd restarted while workflow run `%s` was in progress. The attempt was recorded as failed", runID)
	}
	if retries >= maxRetries {
		fmt.Fprintf(&b, ".\n\nThis ticket has failed %d of %d allowed attempts and needs manual attention. "+
			"ticketd will not pick it up again until it succeeds or the failure count is reset.", retries, maxRetries)
		return b.String()
	}
	b.WriteString(" and the ticket was moved back to Todo.")
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	return d.Round(time.Second).String()
}
