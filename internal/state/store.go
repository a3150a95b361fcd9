package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit caps the number of finished jobs kept in history.
const DefaultHistoryLimit = 100

// Store owns the PollerState document. StartJob, SetExternalRunID,
// FinishJob, ClearOrphanedJob and MarkPolled are the only mutation entry
// points; each one persists before returning.
type Store struct {
	mu           sync.Mutex
	backend      Backend
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger

	doc PollerState
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets the history cap (values < 1 are ignored).
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.historyLimit = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store over backend holding an empty document until Load.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:      backend,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		logger:       slog.Default(),
		doc:          Empty(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")
	return s
}

// Load replaces the in-memory document with the persisted one. Missing data
// yields the empty default; undecodable data is logged and reset to empty.
// Only backend I/O failures are returned.
func (s *Store) Load(ctx context.Context) (PollerState, error) {
	raw, err := s.backend.Read(ctx)
	if err != nil {
		return PollerState{}, fmt.Errorf("load state from %s: %w", s.backend.Describe(), err)
	}

	doc := Empty()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			s.logger.Warn("persisted state is unreadable, starting from empty state",
				"backend", s.backend.Describe(),
				"error", err,
			)
			doc = Empty()
		}
	}
	doc.normalize()

	s.mu.Lock()
	s.doc = doc
	out := s.doc.Clone()
	s.mu.Unlock()
	return out, nil
}

// Save writes the full document through the backend.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return fmt.Errorf("save state to %s: %w", s.backend.Describe(), err)
	}
	return nil
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() PollerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// CurrentJob returns a copy of the in-flight job, or nil.
func (s *Store) CurrentJob() *JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.CurrentJob == nil {
		return nil
	}
	j := s.doc.CurrentJob.clone()
	return &j
}

// GetRetryCount returns the consecutive-failure count for a ticket.
func (s *Store) GetRetryCount(ticketRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RetryTracker[ticketRef]
}

// StartJob records a running job for the ticket and persists it immediately.
func (s *Store) StartJob(ctx context.Context, seed JobSeed) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.CurrentJob != nil {
		return JobRecord{}, fmt.Errorf("start job for %s: %w (current: %s)", seed.HumanID, ErrJobInFlight, s.doc.CurrentJob.HumanID)
	}

	job := JobRecord{
		ID:         uuid.NewString(),
		TicketRef:  seed.TicketRef,
		HumanID:    seed.HumanID,
		Title:      seed.Title,
		Status:     StatusRunning,
		StartedAt:  s.now().UTC(),
		RetryCount: s.doc.RetryTracker[seed.TicketRef],
	}
	s.doc.CurrentJob = &job

	if err := s.saveLocked(ctx); err != nil {
		// Without the persisted record there is no crash recovery; do not
		// pretend the job started.
		s.doc.CurrentJob = nil
		return JobRecord{}, err
	}
	return job.clone(), nil
}

// SetExternalRunID attaches the external run identifier to the current job.
func (s *Store) SetExternalRunID(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.CurrentJob == nil {
		return ErrNoCurrentJob
	}
	s.doc.CurrentJob.ExternalRunID = &runID
	return s.saveLocked(ctx)
}

// FinishJob finalises the current job, moves it into history and updates
// the retry tracker. The returned record is valid even when persisting
// fails; the error then reports the failed write.
func (s *Store) FinishJob(ctx context.Context, status JobStatus, errMsg string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(ctx, status, errMsg)
}

func (s *Store) finishLocked(ctx context.Context, status JobStatus, errMsg string) (JobRecord, error) {
	if !status.IsTerminal() {
		return JobRecord{}, fmt.Errorf("finish job with %q: %w", status, ErrNotTerminal)
	}
	if s.doc.CurrentJob == nil {
		return JobRecord{}, ErrNoCurrentJob
	}

	job := *s.doc.CurrentJob
	finished := s.now().UTC()
	job.Status = status
	job.FinishedAt = &finished
	if errMsg != "" {
		job.ErrorMessage = &errMsg
	}

	s.doc.History = append(s.doc.History, job)
	if over := len(s.doc.History) - s.historyLimit; over > 0 {
		s.doc.History = append([]JobRecord(nil), s.doc.History[over:]...)
	}

	switch status {
	case StatusSucceeded:
		delete(s.doc.RetryTracker, job.TicketRef)
	case StatusFailed, StatusTimedOut:
		s.doc.RetryTracker[job.TicketRef]++
	}
	s.doc.CurrentJob = nil

	return job.clone(), s.saveLocked(ctx)
}

// HasOrphanedJob reports whether the loaded document still has a running
// job. Called right after Load at startup, that can only mean the previous
// process died mid-dispatch.
func (s *Store) HasOrphanedJob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CurrentJob != nil && s.doc.CurrentJob.Status == StatusRunning
}

// ClearOrphanedJob finalises an orphaned job as failed. It returns nil when
// there is nothing to clear, so repeated calls finalise at most once.
func (s *Store) ClearOrphanedJob(ctx context.Context) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.CurrentJob == nil || s.doc.CurrentJob.Status != StatusRunning {
		return nil, nil
	}
	job, err := s.finishLocked(ctx, StatusFailed, OrphanMessage)
	if err != nil {
		return &job, err
	}
	return &job, nil
}

// MarkPolled records the time of a poll cycle.
func (s *Store) MarkPolled(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := at.UTC()
	s.doc.LastPollAt = &t
	return s.saveLocked(ctx)
}

// Describe names the backend, for logs and reports.
func (s *Store) Describe() string {
	return s.backend.Describe()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
