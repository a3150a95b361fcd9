// Package inspect renders the operator status report from the persisted
// poller state.
package inspect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/ticketd/internal/state"
)

// Report is the structured JSON representation of the status report.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Backend     string         `json:"backend"`
	Daemon      Daemon         `json:"daemon"`
	LastPollAt  *time.Time     `json:"last_poll_at"`
	CurrentJob  *Job           `json:"current_job"`
	Retries     []Retry        `json:"retries"`
	History     []Job          `json:"history"`
	Totals      map[string]int `json:"totals"`
}

// Daemon describes the process holding the single-instance lock.
type Daemon struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Job is one dispatch attempt.
type Job struct {
	ID         string     `json:"id"`
	Ticket     string     `json:"ticket"`
	TicketRef  string     `json:"ticket_ref"`
	Title      string     `json:"title,omitempty"`
	Status     string     `json:"status"`
	RunID      string     `json:"run_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   string     `json:"duration,omitempty"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// Retry is one entry of the retry tracker.
type Retry struct {
	TicketRef string `json:"ticket_ref"`
	Ticket    string `json:"ticket,omitempty"`
	Failures  int    `json:"failures"`
	Exhausted bool   `json:"exhausted"`
}

// Options control what Gather includes.
type Options struct {
	Backend      string
	Daemon       Daemon
	MaxRetries   int
	HistoryLimit int // most recent entries shown; <= 0 shows all
	Now          time.Time
}

// Gather builds a Report from a state snapshot.
func Gather(doc state.PollerState, opts Options) Report {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := Report{
		GeneratedAt: now.UTC(),
		Backend:     opts.Backend,
		Daemon:      opts.Daemon,
		LastPollAt:  doc.LastPollAt,
		Retries:     make([]Retry, 0, len(doc.RetryTracker)),
		History:     make([]Job, 0, len(doc.History)),
		Totals:      map[string]int{},
	}
	if doc.CurrentJob != nil {
		j := toJob(*doc.CurrentJob, now)
		r.CurrentJob = &j
	}

	names := map[string]string{}
	for _, j := range doc.History {
		names[j.TicketRef] = j.HumanID
		r.Totals[string(j.Status)]++
	}
	if doc.CurrentJob != nil {
		names[doc.CurrentJob.TicketRef] = doc.CurrentJob.HumanID
	}

	for i := len(doc.History) - 1; i >= 0; i-- {
		if opts.HistoryLimit > 0 && len(r.History) >= opts.HistoryLimit {
			break
		}
		r.History = append(r.History, toJob(doc.History[i], now))
	}

	for ref, n := range doc.RetryTracker {
		r.Retries = append(r.Retries, Retry{
			TicketRef: ref,
			Ticket:    names[ref],
			Failures:  n,
			Exhausted: opts.MaxRetries > 0 && n >= opts.MaxRetries,
		})
	}
	sort.Slice(r.Retries, func(i, j int) bool {
		if r.Retries[i].Failures != r.Retries[j].Failures {
			return r.Retries[i].Failures > r.Retries[j].Failures
		}
		return r.Retries[i].TicketRef < r.Retries[j].TicketRef
	})
	return r
}

func toJob(j state.JobRecord, now time.Time) Job {
	out := Job{
		ID:         j.ID,
		Ticket:     j.HumanID,
		TicketRef:  j.TicketRef,
		Title:      j.Title,
		Status:     string(j.Status),
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		RetryCount: j.RetryCount,
	}
	if j.ExternalRunID != nil {
		out.RunID = *j.ExternalRunID
	}
	if j.ErrorMessage != nil {
		out.Error = *j.ErrorMessage
	}
	if j.FinishedAt != nil {
		out.Duration = j.Duration().Round(time.Second).String()
	} else {
		out.Duration = now.Sub(j.StartedAt).Round(time.Second).String() + " (running)"
	}
	return out
}

// BuildReport renders a terminal-friendly status report.
func BuildReport(r Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "ticketd status\n")
	fmt.Fprintf(&out, "State       : %s\n", renderUnset(r.Backend, "<unknown>"))
	if r.Daemon.Running {
		fmt.Fprintf(&out, "Daemon      : running (pid %d)\n", r.Daemon.PID)
	} else {
		fmt.Fprintf(&out, "Daemon      : not running\n")
	}
	if r.LastPollAt != nil {
		ago := r.GeneratedAt.Sub(*r.LastPollAt).Round(time.Second)
		fmt.Fprintf(&out, "Last poll   : %s (%s ago)\n", r.LastPollAt.Format(time.RFC3339), ago)
	} else {
		fmt.Fprintf(&out, "Last poll   : <never>\n")
	}
	fmt.Fprintf(&out, "\n")

	if r.CurrentJob == nil {
		fmt.Fprintf(&out, "Current job : <none>\n")
	} else {
		j := r.CurrentJob
		fmt.Fprintf(&out, "Current job : %s %s\n", j.Ticket, j.Title)
		fmt.Fprintf(&out, "    job_id  : %s\n", j.ID)
		fmt.Fprintf(&out, "    run_id  : %s\n", renderUnset(j.RunID, "<pending>"))
		fmt.Fprintf(&out, "    started : %s (%s)\n", j.StartedAt.Format(time.RFC3339), j.Duration)
		fmt.Fprintf(&out, "    attempt : %d\n", j.RetryCount+1)
	}
	fmt.Fprintf(&out, "\n")

	if len(r.Retries) == 0 {
		fmt.Fprintf(&out, "Retries     : <none>\n")
	} else {
		fmt.Fprintf(&out, "Retries     :\n")
		for _, rt := range r.Retries {
			marker := ""
			if rt.Exhausted {
				marker = "  needs manual attention"
			}
			fmt.Fprintf(&out, "  - %s %d failure(s)%s\n", renderUnset(rt.Ticket, rt.TicketRef), rt.Failures, marker)
		}
	}
	fmt.Fprintf(&out, "\n")

	if len(r.History) == 0 {
		fmt.Fprintf(&out, "History     : <empty>\n")
	} else {
		fmt.Fprintf(&out, "History     : (most recent first)\n")
		for _, j := range r.History {
			fmt.Fprintf(&out, "  %-10s %-9s %-8s run=%s\n", j.Ticket, j.Status, j.Duration, renderUnset(j.RunID, "-"))
			if j.Error != "" {
				fmt.Fprintf(&out, "             error: %s\n", firstLine(j.Error))
			}
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(r Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
