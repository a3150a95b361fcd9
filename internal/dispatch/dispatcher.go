package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/log"
	"github.com/mattjoyce/ticketd/internal/state"
	"github.com/mattjoyce/ticketd/internal/tracker"
	"github.com/mattjoyce/ticketd/internal/workflow"
)

// Result is how a dispatch ended.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultTimedOut  Result = "timed_out"
	ResultAborted   Result = "aborted"
	ResultDryRun    Result = "dry_run"
)

// Abort reasons.
const (
	AbortFetchFailed    = "re-fetch failed"
	AbortNotFound       = "ticket no longer exists"
	AbortNoDescription  = "ticket has no description"
	AbortStatusChanged  = "ticket is no longer in Todo"
	AbortReassigned     = "ticket is no longer assigned to the agent"
	AbortClaimFailed    = "could not move ticket to In Progress"
	AbortJobNotRecorded = "could not record job"
)

// Outcome summarises one Dispatch call.
type Outcome struct {
	Ticket   string
	Result   Result
	Reason   string // abort reason or failure message
	JobID    string
	RunID    string
	Retries  int // retry count after the attempt
	Duration time.Duration
}

// Dispatcher runs the dispatch state machine for one ticket at a time.
type Dispatcher struct {
	tracker tracker.Client
	runner  workflow.Runner
	state   *state.Store
	events  events.Publisher
	logger  *slog.Logger

	agentID        string
	maxRetries     int
	maxDescription int
	dryRun         bool
	supervise      workflow.Options
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithClock overrides how supervision reads time and waits between polls.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) {
		d.supervise.Now = now
		d.supervise.Sleep = sleep
	}
}

// New creates a Dispatcher.
func New(cfg *config.Config, tc tracker.Client, runner workflow.Runner, st *state.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tracker:        tc,
		runner:         runner,
		state:          st,
		logger:         log.WithComponent("dispatch"),
		agentID:        cfg.Tracker.AgentUserID,
		maxRetries:     cfg.Retry.MaxRetries,
		maxDescription: cfg.Workflow.MaxDescriptionBytes,
		dryRun:         cfg.Service.DryRun,
		supervise: workflow.Options{
			PollInterval:   cfg.Workflow.PollInterval,
			Timeout:        cfg.Workflow.Timeout,
			MaxOutputBytes: cfg.Workflow.MaxOutputBytes,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch drives ticket t from Selected to Reconciled (or an abort).
func (d *Dispatcher) Dispatch(ctx context.Context, t tracker.Ticket) (out Outcome) {
	logger := log.WithTicket(d.logger, t.HumanID)
	out = Outcome{Ticket: t.HumanID}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during dispatch", "panic", r, "stack", string(debug.Stack()))
			out = d.finishUnexpected(ctx, t, out, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	if d.dryRun {
		logger.Info("dry run: would dispatch ticket", "title", t.Title)
		out.Result = ResultDryRun
		return out
	}

	// Verifying.
	fresh, reason := d.verify(ctx, t, logger)
	if fresh == nil {
		return d.abort(out, reason, logger)
	}

	// InProgress.
	if err := d.tracker.SetStatus(ctx, fresh.ID, tracker.StatusInProgress); err != nil {
		logger.Error("failed to claim ticket", "error", err)
		return d.abort(out, AbortClaimFailed, logger)
	}
	job, err := d.state.StartJob(ctx, state.JobSeed{TicketRef: fresh.ID, HumanID: fresh.HumanID, Title: fresh.Title})
	if err != nil {
		logger.Error("failed to record job, releasing ticket", "error", err)
		d.setStatus(ctx, fresh.ID, tracker.StatusTodo, logger)
		return d.abort(out, AbortJobNotRecorded, logger)
	}
	out.JobID = job.ID
	logger = logger.With("job_id", job.ID)
	logger.Info("dispatching ticket", "retry_count", job.RetryCount)
	d.publish(events.DispatchStarted, map[string]any{
		"ticket": fresh.HumanID, "job_id": job.ID, "title": fresh.Title, "retry_count": job.RetryCount,
	})

	// Running.
	opts := d.supervise
	opts.Logger = logger
	opts.OnStarted = func(runID string) {
		if err := d.state.SetExternalRunID(ctx, runID); err != nil {
			logger.Error("failed to persist run id", "run_id", runID, "error", err)
		}
		d.publish(events.DispatchRunStarted, map[string]any{"ticket": fresh.HumanID, "job_id": job.ID, "run_id": runID})
	}
	res := workflow.Supervise(ctx, d.runner, BuildTask(*fresh, d.maxDescription), opts)
	out.RunID = res.RunID
	out.Duration = res.Duration

	// Reconciling.
	if res.Outcome == workflow.OutcomeSucceeded {
		out = d.reconcileSuccess(ctx, *fresh, res, out, logger)
	} else {
		out = d.reconcileFailure(ctx, *fresh, res, out, logger)
	}
	d.publish(events.DispatchFinished, map[string]any{
		"ticket": out.Ticket, "job_id": out.JobID, "run_id": out.RunID,
		"result": out.Result, "reason": out.Reason, "duration_ms": out.Duration.Milliseconds(),
	})
	return out
}

// verify re-fetches the ticket and checks it is still ours to take. It
// returns nil and a reason when dispatch must stop.
func (d *Dispatcher) verify(ctx context.Context, t tracker.Ticket, logger *slog.Logger) (*tracker.Ticket, string) {
	fresh, err := d.tracker.FetchTicket(ctx, t.ID)
	if err != nil {
		logger.Error("failed to re-fetch ticket", "error", err)
		return nil, AbortFetchFailed
	}
	if fresh == nil {
		return nil, AbortNotFound
	}
	if strings.TrimSpace(fresh.Description) == "" {
		d.comment(ctx, fresh.ID, missingDescriptionComment(), logger)
		return nil, AbortNoDescription
	}
	if fresh.Status != tracker.StatusTodo {
		return nil, AbortStatusChanged
	}
	if fresh.AssigneeID != d.agentID {
		return nil, AbortReassigned
	}
	return fresh, ""
}

func (d *Dispatcher) abort(out Outcome, reason string, logger *slog.Logger) Outcome {
	logger.Info("dispatch aborted", "reason", reason)
	out.Result = ResultAborted
	out.Reason = reason
	d.publish(events.DispatchAborted, map[string]any{"ticket": out.Ticket, "reason": reason})
	return out
}

func (d *Dispatcher) reconcileSuccess(ctx context.Context, t tracker.Ticket, res workflow.Result, out Outcome, logger *slog.Logger) Outcome {
	out.Result = ResultSucceeded

	latest, err := d.tracker.FetchTicket(ctx, t.ID)
	switch {
	case err != nil:
		// Without a current view the reassignment guard cannot run; leave
		// the status for a human.
		logger.Error("failed to re-fetch ticket after success", "error", err)
		d.comment(ctx, t.ID, unverifiedComment(res.RunID), logger)
	case latest == nil:
		logger.Warn("ticket disappeared while the run was in progress")
	case latest.AssigneeID != d.agentID:
		logger.Info("ticket was reassigned during the run, not marking done", "assignee", latest.AssigneeID)
		d.comment(ctx, t.ID, reassignedComment(res.RunID), logger)
	case latest.Status == tracker.StatusCanceled:
		logger.Info("ticket was canceled during the run, not marking done")
		d.comment(ctx, t.ID, canceledComment(res.RunID), logger)
	default:
		d.setStatus(ctx, t.ID, tracker.StatusDone, logger)
		d.comment(ctx, t.ID, successComment(res.RunID, res.Duration), logger)
	}

	if _, err := d.state.FinishJob(ctx, state.StatusSucceeded, ""); err != nil {
		logger.Error("failed to persist job completion", "error", err)
	}
	logger.Info("dispatch succeeded", "run_id", res.RunID, "duration", res.Duration)
	return out
}

func (d *Dispatcher) reconcileFailure(ctx context.Context, t tracker.Ticket, res workflow.Result, out Outcome, logger *slog.Logger) Outcome {
	status, kind := state.StatusFailed, "failed"
	out.Result = ResultFailed
	if res.Outcome == workflow.OutcomeTimedOut {
		status, kind = state.StatusTimedOut, "timed out"
		out.Result = ResultTimedOut
	}
	reason := "unknown error"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	out.Reason = reason

	if _, err := d.state.FinishJob(ctx, status, reason); err != nil {
		logger.Error("failed to persist job failure", "error", err)
	}
	retries := d.state.GetRetryCount(t.ID)
	out.Retries = retries

	latest, err := d.tracker.FetchTicket(ctx, t.ID)
	if err != nil {
		logger.Warn("failed to re-fetch ticket after failure", "error", err)
	}
	canceled := latest != nil && latest.Status == tracker.StatusCanceled

	switch {
	case retries >= d.maxRetries:
		logger.Warn("retry ceiling reached, escalating", "retries", retries, "max_retries", d.maxRetries, "reason", reason)
		d.comment(ctx, t.ID, failureComment(kind, reason, res.Output, retries, d.maxRetries), logger)
	case canceled:
		logger.Info("ticket was canceled during the run, leaving status", "retries", retries)
		d.comment(ctx, t.ID, canceledAfterFailureComment(kind, reason, retries, d.maxRetries), logger)
	default:
		logger.Warn("dispatch failed, returning ticket to Todo", "retries", retries, "reason", reason)
		d.setStatus(ctx, t.ID, tracker.StatusTodo, logger)
		d.comment(ctx, t.ID, failureComment(kind, reason, res.Output, retries, d.maxRetries), logger)
	}
	return out
}

// finishUnexpected finalises a job interrupted by an unexpected error. When
// no job was recorded yet there is nothing to undo.
func (d *Dispatcher) finishUnexpected(ctx context.Context, t tracker.Ticket, out Outcome, cause error, logger *slog.Logger) Outcome {
	out.Result = ResultFailed
	out.Reason = cause.Error()

	cur := d.state.CurrentJob()
	if cur == nil || cur.TicketRef != t.ID {
		return out
	}
	if _, err := d.state.FinishJob(ctx, state.StatusFailed, cause.Error()); err != nil && !errors.Is(err, state.ErrNoCurrentJob) {
		logger.Error("failed to persist job failure", "error", err)
	}
	out.Retries = d.state.GetRetryCount(t.ID)
	d.setStatus(ctx, t.ID, tracker.StatusTodo, logger)
	d.comment(ctx, t.ID, unexpectedErrorComment(cause.Error()), logger)
	d.publish(events.DispatchFinished, map[string]any{
		"ticket": out.Ticket, "job_id": out.JobID, "result": out.Result, "reason": out.Reason,
	})
	return out
}

func (d *Dispatcher) setStatus(ctx context.Context, id string, s tracker.Status, logger *slog.Logger) {
	if err := d.tracker.SetStatus(ctx, id, s); err != nil {
		logger.Error("failed to update ticket status", "status", s, "error", err)
	}
}

func (d *Dispatcher) comment(ctx context.Context, id, body string, logger *slog.Logger) {
	if err := d.tracker.AddComment(ctx, id, body); err != nil {
		logger.Error("failed to comment on ticket", "error", err)
	}
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.events != nil {
		d.events.Publish(eventType, data)
	}
}
