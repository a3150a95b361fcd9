package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/dispatch"
	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/selector"
	"github.com/mattjoyce/ticketd/internal/state"
	"github.com/mattjoyce/ticketd/internal/tracker"
)

// Skip reasons reported in a CycleReport.
const (
	SkipJobInFlight = "job in flight"
	SkipFetchFailed = "fetch failed"
	SkipNoTicket    = "no eligible ticket"
)

// CycleReport describes one poll cycle.
type CycleReport struct {
	At         time.Time
	Candidates int
	Excluded   []selector.Exclusion
	Selected   string
	SkipReason string
	Outcome    *dispatch.Outcome
	Err        error
}

// Scheduler runs poll cycles: fetch candidates, select one, dispatch it.
// Only one cycle runs at a time and a cycle never starts while a job is
// recorded as in flight.
type Scheduler struct {
	cfg        *config.Config
	tracker    tracker.Client
	dispatcher Dispatcher
	canceller  RunCanceller
	state      *state.Store
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	cycleMu sync.Mutex // serialises RunOnce

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	last *CycleReport
}

// New creates a Scheduler. canceller may be nil, which disables the
// orphaned run cancel.
func New(cfg *config.Config, tc tracker.Client, d Dispatcher, canceller RunCanceller, st *state.Store, pub events.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		tracker:    tc,
		dispatcher: d,
		canceller:  canceller,
		state:      st,
		events:     pub,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// RecoverOrphans finalises a job left running by a previous process. It
// must run after the state is loaded and before the first cycle. In dry-run
// mode the orphan is only logged and stays recorded as in flight. Tracker
// and workflow calls are best-effort; only a failed state write is
// returned. Safe to call repeatedly.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (*state.JobRecord, error) {
	if !s.state.HasOrphanedJob() {
		s.logger.Debug("no orphaned job found")
		return nil, nil
	}
	if s.cfg.Service.DryRun {
		cur := s.state.CurrentJob()
		s.logger.Warn("dry run: leaving orphaned job untouched", "ticket", cur.HumanID, "job_id", cur.ID, "started_at", cur.StartedAt)
		return nil, nil
	}

	orphan, err := s.state.ClearOrphanedJob(ctx)
	if err != nil {
		return orphan, fmt.Errorf("recover orphaned job: %w", err)
	}
	if orphan == nil {
		return nil, nil
	}

	runID := ""
	if orphan.ExternalRunID != nil {
		runID = *orphan.ExternalRunID
	}
	logger := s.logger.With("ticket", orphan.HumanID, "job_id", orphan.ID, "run_id", runID)
	retries := s.state.GetRetryCount(orphan.TicketRef)
	logger.Warn("recovered orphaned job", "started_at", orphan.StartedAt, "retry_count", retries)

	if runID != "" && s.canceller != nil && s.cfg.Workflow.ShouldCancelOrphans() {
		if err := s.canceller.Cancel(ctx, runID); err != nil {
			logger.Warn("failed to cancel orphaned run", "error", err)
		} else {
			logger.Info("cancelled orphaned run")
		}
	}
	if retries >= s.cfg.Retry.MaxRetries {
		logger.Warn("retry ceiling reached, escalating orphaned ticket", "retries", retries, "max_retries", s.cfg.Retry.MaxRetries)
	} else if err := s.tracker.SetStatus(ctx, orphan.TicketRef, tracker.StatusTodo); err != nil {
		logger.Error("failed to return orphaned ticket to Todo", "error", err)
	}
	if err := s.tracker.AddComment(ctx, orphan.TicketRef, dispatch.OrphanComment(runID, retries, s.cfg.Retry.MaxRetries)); err != nil {
		logger.Error("failed to comment on orphaned ticket", "error", err)
	}

	s.publish(events.OrphanRecovered, map[string]any{"ticket": orphan.HumanID, "job_id": orphan.ID, "run_id": runID})
	return orphan, nil
}

// RunOnce performs a single poll cycle. A dispatch started here runs to
// completion even if ctx is cancelled meanwhile.
func (s *Scheduler) RunOnce(ctx context.Context) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := CycleReport{At: s.now().UTC()}
	defer func() { s.setLast(report) }()

	if err := s.state.MarkPolled(ctx, report.At); err != nil {
		s.logger.Error("failed to record poll time", "error", err)
	}

	if cur := s.state.CurrentJob(); cur != nil {
		s.logger.Info("job in flight, skipping cycle", "ticket", cur.HumanID, "job_id", cur.ID)
		report.SkipReason = SkipJobInFlight
		return report
	}

	tickets, err := s.tracker.FetchActionableTickets(ctx)
	if err != nil {
		s.logger.Error("failed to fetch candidate tickets", "error", err)
		report.SkipReason = SkipFetchFailed
		report.Err = err
		s.publish(events.PollFailed, map[string]any{"error": err.Error()})
		return report
	}

	decision := selector.Select(tickets, s.cfg.Tracker.AgentUserID, s.state, s.cfg.Retry.MaxRetries, s.logger)
	report.Candidates = decision.Candidates
	report.Excluded = decision.Excluded
	selected := ""
	if decision.Selected != nil {
		selected = decision.Selected.HumanID
	}
	s.publish(events.PollCompleted, map[string]any{
		"candidates": decision.Candidates, "excluded": len(decision.Excluded), "selected": selected,
	})

	if decision.Selected == nil {
		report.SkipReason = SkipNoTicket
		return report
	}
	report.Selected = selected

	out := s.dispatcher.Dispatch(context.WithoutCancel(ctx), *decision.Selected)
	report.Outcome = &out
	s.logger.Info("cycle finished", "ticket", out.Ticket, "result", out.Result, "reason", out.Reason)
	return report
}

// Run polls continuously until ctx is cancelled or RequestShutdown is
// called. The first cycle runs immediately; later ones wait for the poll
// interval or an earlier Wake.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Service.PollInterval
	s.logger.Info("poll loop started", "poll_interval", interval, "dry_run", s.cfg.Service.DryRun)
	defer s.logger.Info("poll loop stopped")

	for {
		if s.stopping(ctx) {
			return nil
		}
		s.RunOnce(ctx)
		if s.stopping(ctx) {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-s.wake:
			s.logger.Debug("woken for an early cycle")
		case <-s.stopCh:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// Wake requests an early cycle. Requests made while one is pending are
// coalesced.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RequestShutdown stops Run after the current cycle.
func (s *Scheduler) RequestShutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutdown requested")
		close(s.stopCh)
	})
}

// LastCycle returns the most recent cycle report, if any.
func (s *Scheduler) LastCycle() *CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *Scheduler) setLast(r CycleReport) {
	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
