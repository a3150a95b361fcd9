package api

import (
	"time"

	"github.com/mattjoyce/ticketd/internal/inspect"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Backend       string     `json:"backend"`
	JobInFlight   bool       `json:"job_in_flight"`
	LastPollAt    *time.Time `json:"last_poll_at"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	inspect.Report
	LastCycle *CycleSummary `json:"last_cycle,omitempty"`
}

// CycleSummary describes the most recent poll cycle run by this process.
type CycleSummary struct {
	At         time.Time `json:"at"`
	Candidates int       `json:"candidates"`
	Excluded   []string  `json:"excluded,omitempty"`
	Selected   string    `json:"selected,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Result     string    `json:"result,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Jobs []inspect.Job `json:"jobs"`
}

// PollResponse is returned by POST /poll.
type PollResponse struct {
	Status string `json:"status"`
}
