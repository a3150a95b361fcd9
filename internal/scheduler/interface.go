package scheduler

import (
	"context"

	"github.com/mattjoyce/ticketd/internal/dispatch"
	"github.com/mattjoyce/ticketd/internal/tracker"
)

//go:generate mockgen -destination=mocks/mock_dispatcher.go -package=mocks github.com/mattjoyce/ticketd/internal/scheduler Dispatcher,RunCanceller

// Dispatcher runs the dispatch state machine for a selected ticket.
type Dispatcher interface {
	Dispatch(ctx context.Context, t tracker.Ticket) dispatch.Outcome
}

// RunCanceller stops an external workflow run. Used when recovering an
// orphaned job.
type RunCanceller interface {
	Cancel(ctx context.Context, runID string) error
}
