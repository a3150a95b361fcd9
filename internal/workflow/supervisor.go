package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/ticketd/internal/log"
)

// Options controls Supervise.
type Options struct {
	PollInterval   time.Duration
	Timeout        time.Duration
	MaxOutputBytes int

	// OnStarted runs once the run id is known, before the first poll.
	OnStarted func(runID string)

	Logger *slog.Logger
	Now    func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervise starts task on runner and polls until the run reaches a
// terminal status or the timeout, measured from start, elapses. On timeout
// the run is cancelled and the outcome is timed_out whatever Cancel
// returns. Unknown statuses and poll errors keep the loop going.
func Supervise(ctx context.Context, runner Runner, task string, opts Options) Result {
	opts.setDefaults()
	logger := opts.Logger

	startedAt := opts.Now()
	res := Result{StartedAt: startedAt}
	finish := func(outcome Outcome, output string, err error) Result {
		res.Outcome = outcome
		res.Output = TruncateTail(output, opts.MaxOutputBytes)
		res.Err = err
		res.Duration = opts.Now().Sub(startedAt)
		return res
	}

	runID, err := runner.Start(ctx, task)
	if err != nil {
		return finish(OutcomeFailed, "", err)
	}
	if runID == "" {
		return finish(OutcomeFailed, "", ErrEmptyRunID)
	}
	res.RunID = runID
	logger = log.WithRun(logger, runID)
	logger.Info("workflow run started")
	if opts.OnStarted != nil {
		opts.OnStarted(runID)
	}

	deadline := startedAt.Add(opts.Timeout)
	var lastOutput string
	for {
		remaining := deadline.Sub(opts.Now())
		if remaining <= 0 {
			logger.Warn("workflow run timed out, cancelling", "timeout", opts.Timeout)
			if cerr := runner.Cancel(context.WithoutCancel(ctx), runID); cerr != nil {
				logger.Warn("cancel after timeout failed", "error", cerr)
			}
			return finish(OutcomeTimedOut, lastOutput, fmt.Errorf("run %s exceeded timeout of %s", runID, opts.Timeout))
		}

		if err := opts.Sleep(ctx, min(opts.PollInterval, remaining)); err != nil {
			logger.Warn("supervision interrupted, cancelling run", "error", err)
			if cerr := runner.Cancel(context.WithoutCancel(ctx), runID); cerr != nil {
				logger.Warn("cancel after interruption failed", "error", cerr)
			}
			return finish(OutcomeFailed, lastOutput, fmt.Errorf("supervision of run %s interrupted: %w", runID, err))
		}

		status, output, err := runner.Poll(ctx, runID)
		if output != "" {
			lastOutput = output
		}
		if err != nil {
			logger.Warn("status poll failed", "error", err)
			continue
		}

		switch status {
		case RunCompleted:
			logger.Info("workflow run completed")
			return finish(OutcomeSucceeded, lastOutput, nil)
		case RunFailed:
			logger.Info("workflow run failed")
			return finish(OutcomeFailed, lastOutput, fmt.Errorf("run %s failed", runID))
		case RunCancelled:
			logger.Info("workflow run was cancelled externally")
			return finish(OutcomeFailed, lastOutput, fmt.Errorf("run %s was cancelled", runID))
		case RunUnknown:
			logger.Debug("workflow status unknown, still polling")
		default:
			logger.Debug("workflow run still running", "status", status)
		}
	}
}

