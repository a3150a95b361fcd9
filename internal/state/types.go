package state

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle of one dispatch attempt. It only moves forward:
// running → succeeded | failed | timed_out.
type JobStatus string

const (
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusTimedOut  JobStatus = "timed_out"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// OrphanMessage is recorded on a job that was still running when the
// previous process exited.
const OrphanMessage = "orphaned: process exited while job was running"

var (
	// ErrJobInFlight is returned by StartJob while another job is running.
	ErrJobInFlight = errors.New("a job is already running")
	// ErrNoCurrentJob is returned when finishing with nothing in flight.
	ErrNoCurrentJob = errors.New("no current job")
	// ErrNotTerminal is returned when FinishJob is given a non-terminal status.
	ErrNotTerminal = errors.New("status is not terminal")
)

// JobRecord is ticketd's bookkeeping entry for one dispatch attempt.
type JobRecord struct {
	ID            string     `json:"id"`
	TicketRef     string     `json:"ticketRef"`
	HumanID       string     `json:"humanId"`
	Title         string     `json:"title"`
	Status        JobStatus  `json:"status"`
	ExternalRunID *string    `json:"externalRunId"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
	ErrorMessage  *string    `json:"errorMessage"`
	RetryCount    int        `json:"retryCount"`
}

// Duration is the wall-clock length of a finished job, or zero while running.
func (j JobRecord) Duration() time.Duration {
	if j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// JobSeed carries the ticket fields copied into a new JobRecord.
type JobSeed struct {
	TicketRef string
	HumanID   string
	Title     string
}

// PollerState is the whole persisted document.
type PollerState struct {
	CurrentJob   *JobRecord     `json:"currentJob"`
	History      []JobRecord    `json:"history"`
	RetryTracker map[string]int `json:"retryTracker"`
	LastPollAt   *time.Time     `json:"lastPollAt"`
}

// Empty returns the default document used when nothing was persisted yet.
func Empty() PollerState {
	return PollerState{
		History:      []JobRecord{},
		RetryTracker: map[string]int{},
	}
}

func (p *PollerState) normalize() {
	if p.History == nil {
		p.History = []JobRecord{}
	}
	if p.RetryTracker == nil {
		p.RetryTracker = map[string]int{}
	}
}

// Clone returns a deep copy that shares no pointers with p.
func (p PollerState) Clone() PollerState {
	out := PollerState{
		History:      make([]JobRecord, len(p.History)),
		RetryTracker: make(map[string]int, len(p.RetryTracker)),
	}
	if p.CurrentJob != nil {
		j := p.CurrentJob.clone()
		out.CurrentJob = &j
	}
	for i, j := range p.History {
		out.History[i] = j.clone()
	}
	for k, v := range p.RetryTracker {
		out.RetryTracker[k] = v
	}
	if p.LastPollAt != nil {
		t := *p.LastPollAt
		out.LastPollAt = &t
	}
	return out
}

func (j JobRecord) clone() JobRecord {
	out := j
	if j.ExternalRunID != nil {
		v := *j.ExternalRunID
		out.ExternalRunID = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		out.FinishedAt = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		out.ErrorMessage = &v
	}
	return out
}
