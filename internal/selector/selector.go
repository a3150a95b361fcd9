// Package selector picks the next ticket to dispatch from a candidate list.
package selector

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/ticketd/internal/tracker"
)

// Reason explains why a candidate was passed over.
type Reason string

const (
	ReasonNotTodo            = Reason(tracker.NotTodo)
	ReasonNotAssigned        = Reason(tracker.NotAssignedToAgent)
	ReasonUnresolvedChildren = Reason(tracker.HasUnresolvedChildren)
	ReasonBlocked            = Reason(tracker.HasUnresolvedBlockers)
	ReasonMissingDescription = Reason(tracker.MissingDescription)
	ReasonRetriesExhausted   Reason = "exceeded_max_retries"
)

// RetryLookup reports consecutive failures per ticket id.
type RetryLookup interface {
	GetRetryCount(ticketRef string) int
}

// Exclusion records one candidate that was not eligible.
type Exclusion struct {
	HumanID string
	Reason  Reason
	// Detail lists the related tickets or the retry count behind Reason.
	Detail string
}

// Decision is the result of one selection.
type Decision struct {
	Selected   *tracker.Ticket
	Candidates int
	Excluded   []Exclusion
}

// Select drops tickets that are not actionable for agentID (wrong state or
// assignee, unresolved children or blockers, blank description) or that
// have exhausted their retries, then returns the one created first.
// Sequence ties fall back to HumanID, then ID, so the choice is total.
func Select(tickets []tracker.Ticket, agentID string, retries RetryLookup, maxRetries int, logger *slog.Logger) Decision {
	if logger == nil {
		logger = slog.Default()
	}
	d := Decision{Candidates: len(tickets)}
	if len(tickets) == 0 {
		logger.Info("0 tickets found")
		return d
	}

	eligible := make([]tracker.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if ex, ok := exclude(t, agentID, retries, maxRetries, logger); ok {
			d.Excluded = append(d.Excluded, ex)
			continue
		}
		eligible = append(eligible, t)
	}

	if len(eligible) == 0 {
		logger.Info("no eligible tickets", "candidates", len(tickets), "excluded", len(d.Excluded))
		return d
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if sa, sb := a.Sequence(), b.Sequence(); sa != sb {
			return sa < sb
		}
		if a.HumanID != b.HumanID {
			return a.HumanID < b.HumanID
		}
		return a.ID < b.ID
	})

	chosen := eligible[0]
	d.Selected = &chosen
	logger.Info("selected ticket", "ticket", chosen.HumanID, "eligible", len(eligible), "candidates", len(tickets))
	return d
}

func exclude(t tracker.Ticket, agentID string, retries RetryLookup, maxRetries int, logger *slog.Logger) (Exclusion, bool) {
	ex := Exclusion{HumanID: t.HumanID, Reason: Reason(tracker.CheckActionable(t, agentID))}
	switch ex.Reason {
	case Reason(tracker.Actionable):
	case ReasonUnresolvedChildren:
		ex.Detail = joinRefs(t.UnresolvedChildren)
		logger.Info("skipping ticket with outstanding children", "ticket", t.HumanID, "children", ex.Detail)
		return ex, true
	case ReasonBlocked:
		ex.Detail = joinRefs(t.UnresolvedBlockers)
		logger.Info("skipping blocked ticket", "ticket", t.HumanID, "blocked_by", ex.Detail)
		return ex, true
	case ReasonMissingDescription:
		logger.Info("skipping ticket without a description", "ticket", t.HumanID)
		return ex, true
	default:
		ex.Detail = fmt.Sprintf("status=%s assignee=%s", t.Status, t.AssigneeID)
		logger.Info("skipping ticket not actionable by the agent", "ticket", t.HumanID, "reason", ex.Reason, "status", t.Status)
		return ex, true
	}

	if retries == nil {
		return ex, false
	}
	if n := retries.GetRetryCount(t.ID); n >= maxRetries {
		ex.Reason, ex.Detail = ReasonRetriesExhausted, strconv.Itoa(n)
		logger.Info("skipping ticket: exceeded max retries", "ticket", t.HumanID, "retries", n, "max_retries", maxRetries)
		return ex, true
	}
	return ex, false
}

func joinRefs(refs []tracker.Ref) string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		id := r.HumanID
		if id == "" {
			id = r.ID
		}
		ids = append(ids, id)
	}
	return strings.Join(ids, ", ")
}
