// Package tracker defines the issue-tracker contract ticketd dispatches from
// and its Linear implementation.
package tracker

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Status is ticketd's tracker-neutral view of a workflow state.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
	// StatusUnknown is a state that maps to none of the above.
	StatusUnknown Status = "unknown"
)

// Statuses lists every status ticketd can move a ticket to.
var Statuses = []Status{StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCanceled}

// ErrNotFound is returned when the tracker has no ticket for an id.
var ErrNotFound = errors.New("ticket not found")

// ErrUnknownState is returned by SetStatus when the team has no workflow
// state for the requested status.
var ErrUnknownState = errors.New("no workflow state for status")

// Ref is a lightweight pointer to a related ticket.
type Ref struct {
	ID      string `json:"id"`
	HumanID string `json:"humanId"`
	Status  Status `json:"status"`
}

// Ticket is a unit of work in the tracker.
type Ticket struct {
	ID                 string `json:"id"`
	HumanID            string `json:"humanId"`
	Number             int    `json:"number"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	URL                string `json:"url"`
	Status             Status `json:"status"`
	AssigneeID         string `json:"assigneeId"`
	UnresolvedBlockers []Ref  `json:"unresolvedBlockers"`
	UnresolvedChildren []Ref  `json:"unresolvedChildren"`
}

// Sequence orders tickets by creation. It is the tracker's issue number,
// falling back to the numeric suffix of HumanID ("ENG-42" -> 42).
// Tickets with neither sort last.
func (t Ticket) Sequence() int {
	if t.Number > 0 {
		return t.Number
	}
	if i := strings.LastIndex(t.HumanID, "-"); i >= 0 {
		if n, err := strconv.Atoi(t.HumanID[i+1:]); err == nil && n > 0 {
			return n
		}
	}
	return math.MaxInt
}

// Ineligibility names the first actionable condition a ticket fails.
type Ineligibility string

const (
	Actionable            Ineligibility = ""
	NotTodo               Ineligibility = "not_todo"
	NotAssignedToAgent    Ineligibility = "not_assigned_to_agent"
	HasUnresolvedChildren Ineligibility = "unresolved_children"
	HasUnresolvedBlockers Ineligibility = "blocked"
	MissingDescription    Ineligibility = "missing_description"
)

// CheckActionable tests the actionable invariant: in Todo, assigned to
// agentID, no unresolved children or blockers, and a non-blank
// description. Children are checked before blockers.
func CheckActionable(t Ticket, agentID string) Ineligibility {
	switch {
	case t.Status != StatusTodo:
		return NotTodo
	case agentID == "" || t.AssigneeID != agentID:
		return NotAssignedToAgent
	case len(t.UnresolvedChildren) > 0:
		return HasUnresolvedChildren
	case len(t.UnresolvedBlockers) > 0:
		return HasUnresolvedBlockers
	case strings.TrimSpace(t.Description) == "":
		return MissingDescription
	}
	return Actionable
}

// IsActionable reports whether the ticket may be picked up by the agent.
func IsActionable(t Ticket, agentID string) bool {
	return CheckActionable(t, agentID) == Actionable
}

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/mattjoyce/ticketd/internal/tracker Client

// Client is the tracker surface the poller needs.
type Client interface {
	// FetchActionableTickets returns the agent's candidate tickets with
	// their unresolved blockers and children populated.
	FetchActionableTickets(ctx context.Context) ([]Ticket, error)
	// FetchTicket returns the current view of one ticket, or (nil, nil)
	// when it no longer exists.
	FetchTicket(ctx context.Context, id string) (*Ticket, error)
	SetStatus(ctx context.Context, id string, status Status) error
	AddComment(ctx context.Context, id string, body string) error
}
