// Package workflow drives the external execution tool: a CLI adapter that
// starts, polls and cancels runs, and a supervisor that follows one run to
// a terminal outcome.
package workflow

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the external tool's view of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	// RunUnknown means the status could not be determined. It is not terminal.
	RunUnknown RunStatus = "unknown"
)

// IsTerminal reports whether the run has finished one way or another.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ErrEmptyRunID is returned by Start when the tool printed no run id.
var ErrEmptyRunID = errors.New("workflow tool returned no run id")

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/ticketd/internal/workflow Runner

// Runner is the contract with the external execution tool.
type Runner interface {
	// Start launches a detached run for task and returns its run id.
	Start(ctx context.Context, task string) (string, error)
	// Poll returns the run's status and the raw output it was parsed from.
	Poll(ctx context.Context, runID string) (RunStatus, string, error)
	// Cancel asks the tool to stop the run. Best-effort.
	Cancel(ctx context.Context, runID string) error
}

// Outcome is the terminal result of a supervised run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result describes one supervised run.
type Result struct {
	Outcome   Outcome
	RunID     string // empty when Start failed
	Output    string // last output seen, truncated for diagnostics
	Err       error  // set for failed and timed_out
	StartedAt time.Time
	Duration  time.Duration
}
