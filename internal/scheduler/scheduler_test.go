package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/dispatch"
	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/log"
	"github.com/mattjoyce/ticketd/internal/scheduler/mocks"
	"github.com/mattjoyce/ticketd/internal/selector"
	"github.com/mattjoyce/ticketd/internal/state"
	"github.com/mattjoyce/ticketd/internal/tracker"
	trackermocks "github.com/mattjoyce/ticketd/internal/tracker/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type fixture struct {
	cfg      *config.Config
	tc       *trackermocks.MockClient
	disp     *mocks.MockDispatcher
	cancel   *mocks.MockRunCanceller
	store    *state.Store
	hub      *events.Hub
	s        *Scheduler
	logBuf   *TestLogBuffer
	statPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	cfg := config.Defaults()
	cfg.Tracker.AgentUserID = "agent-1"
	cfg.Service.PollInterval = time.Hour

	path := filepath.Join(t.TempDir(), "state.json")
	f := &fixture{
		cfg:      cfg,
		tc:       trackermocks.NewMockClient(ctrl),
		disp:     mocks.NewMockDispatcher(ctrl),
		cancel:   mocks.NewMockRunCanceller(ctrl),
		hub:      events.NewHub(32),
		statPath: path,
	}
	f.store = openStore(t, path)

	slogger, buf := NewTestSlogger()
	f.logBuf = buf
	f.s = New(cfg, f.tc, f.disp, f.cancel, f.store, f.hub, slogger)
	return f
}

func openStore(t *testing.T, path string) *state.Store {
	t.Helper()
	backend, err := state.NewFileBackend(path)
	require.NoError(t, err)
	st := state.NewStore(backend, state.WithLogger(log.Discard()))
	_, err = st.Load(context.Background())
	require.NoError(t, err)
	return st
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, ev := range f.hub.Since(0) {
		out = append(out, ev.Type)
	}
	return out
}

func ticket(id, human string, n int) tracker.Ticket {
	return tracker.Ticket{
		ID: id, HumanID: human, Number: n, Title: "work " + human,
		Description: "do it", Status: tracker.StatusTodo, AssigneeID: "agent-1",
	}
}

func TestRunOnceDispatchesLowestSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tc.EXPECT().FetchActionableTickets(gomock.Any()).Return([]tracker.Ticket{
		ticket("t-9", "ENG-9", 9),
		ticket("t-2", "ENG-2", 2),
	}, nil)
	f.disp.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(dctx context.Context, tk tracker.Ticket) dispatch.Outcome {
		assert.Equal(t, "ENG-2", tk.HumanID)
		assert.NoError(t, dctx.Err())
		return dispatch.Outcome{Ticket: tk.HumanID, Result: dispatch.ResultSucceeded}
	})

	report := f.s.RunOnce(ctx)
	assert.Equal(t, "ENG-2", report.Selected)
	assert.Equal(t, 2, report.Candidates)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, dispatch.ResultSucceeded, report.Outcome.Result)
	assert.Empty(t, report.SkipReason)
	assert.Equal(t, []string{events.PollCompleted}, f.eventTypes())

	last := f.s.LastCycle()
	require.NotNil(t, last)
	assert.Equal(t, "ENG-2", last.Selected)
}

func TestRunOnceSkipsWhileJobInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
	require.NoError(t, err)

	// No fetch and no dispatch are expected.
	report := f.s.RunOnce(ctx)
	assert.Equal(t, SkipJobInFlight, report.SkipReason)
	assert.Contains(t, f.logBuf.String(), "job in flight, skipping cycle")

	snap := f.store.Snapshot()
	require.NotNil(t, snap.LastPollAt)
}

func TestRunOnceAlwaysRecordsPollTime(t *testing.T) {
	tests := []struct {
		name    string
		tickets []tracker.Ticket
		err     error
		skip    string
		event   string
	}{
		{name: "fetch error", err: errors.New("linear down"), skip: SkipFetchFailed, event: events.PollFailed},
		{name: "nothing actionable", skip: SkipNoTicket, event: events.PollCompleted},
		{
			name: "only blocked tickets",
			tickets: []tracker.Ticket{func() tracker.Ticket {
				tk := ticket("t-1", "ENG-1", 1)
				tk.UnresolvedBlockers = []tracker.Ref{{ID: "t-0", HumanID: "ENG-0", Status: tracker.StatusInProgress}}
				return tk
			}()},
			skip:  SkipNoTicket,
			event: events.PollCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.tc.EXPECT().FetchActionableTickets(gomock.Any()).Return(tt.tickets, tt.err)

			report := f.s.RunOnce(context.Background())
			assert.Equal(t, tt.skip, report.SkipReason)
			assert.Equal(t, []string{tt.event}, f.eventTypes())
			if tt.err != nil {
				assert.ErrorIs(t, report.Err, tt.err)
			}

			// Persisted, not just held in memory.
			reloaded := openStore(t, f.statPath)
			assert.NotNil(t, reloaded.Snapshot().LastPollAt)
		})
	}
}

func TestRunOnceHonoursRetryCeiling(t *testing.T) {
	f := newFixture(t)
	f.cfg.Retry.MaxRetries = 2
	ctx := context.Background()

	for range 2 {
		_, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)
		_, err = f.store.FinishJob(ctx, state.StatusFailed, "boom")
		require.NoError(t, err)
	}

	f.tc.EXPECT().FetchActionableTickets(gomock.Any()).Return([]tracker.Ticket{
		ticket("t-1", "ENG-1", 1),
		ticket("t-5", "ENG-5", 5),
	}, nil)
	f.disp.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, tk tracker.Ticket) dispatch.Outcome {
		return dispatch.Outcome{Ticket: tk.HumanID, Result: dispatch.ResultSucceeded}
	})

	report := f.s.RunOnce(ctx)
	assert.Equal(t, "ENG-5", report.Selected)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, "ENG-1", report.Excluded[0].HumanID)
}

func TestRunOnceSkipsTicketWithoutDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := ticket("t-1", "ENG-1", 1)
	empty.Description = ""
	f.tc.EXPECT().FetchActionableTickets(gomock.Any()).Return([]tracker.Ticket{empty, ticket("t-2", "ENG-2", 2)}, nil).Times(3)
	f.disp.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, tk tracker.Ticket) dispatch.Outcome {
		return dispatch.Outcome{Ticket: tk.HumanID, Result: dispatch.ResultSucceeded}
	}).Times(3)

	// The blank ticket must not starve the queue or collect a comment per cycle.
	for range 3 {
		report := f.s.RunOnce(ctx)
		assert.Equal(t, "ENG-2", report.Selected)
		require.Len(t, report.Excluded, 1)
		assert.Equal(t, selector.ReasonMissingDescription, report.Excluded[0].Reason)
	}
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()

	t.Run("No orphaned job", func(t *testing.T) {
		f := newFixture(t)
		orphan, err := f.s.RecoverOrphans(ctx)
		assert.NoError(t, err)
		assert.Nil(t, orphan)
	})

	t.Run("Orphan with run id is cancelled and released", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)
		require.NoError(t, f.store.SetExternalRunID(ctx, "run-7"))

		// Simulate a restart.
		restarted := openStore(t, f.statPath)
		slogger, buf := NewTestSlogger()
		s := New(f.cfg, f.tc, f.disp, f.cancel, restarted, f.hub, slogger)

		gomock.InOrder(
			f.cancel.EXPECT().Cancel(gomock.Any(), "run-7").Return(nil),
			f.tc.EXPECT().SetStatus(gomock.Any(), "t-1", tracker.StatusTodo).Return(nil),
			f.tc.EXPECT().AddComment(gomock.Any(), "t-1", dispatch.OrphanComment("run-7", 1, f.cfg.Retry.MaxRetries)).Return(nil),
		)

		orphan, err := s.RecoverOrphans(ctx)
		require.NoError(t, err)
		require.NotNil(t, orphan)
		assert.Equal(t, state.StatusFailed, orphan.Status)
		require.NotNil(t, orphan.ErrorMessage)
		assert.Equal(t, state.OrphanMessage, *orphan.ErrorMessage)
		assert.Nil(t, restarted.CurrentJob())
		assert.Equal(t, 1, restarted.GetRetryCount("t-1"))
		assert.Contains(t, buf.String(), "recovered orphaned job")
		assert.Equal(t, []string{events.OrphanRecovered}, f.eventTypes())

		// A second pass has nothing to do.
		again, err := s.RecoverOrphans(ctx)
		assert.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("Tracker errors do not block recovery", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)

		f.tc.EXPECT().SetStatus(gomock.Any(), "t-1", tracker.StatusTodo).Return(errors.New("linear down"))
		f.tc.EXPECT().AddComment(gomock.Any(), "t-1", gomock.Any()).Return(errors.New("linear down"))

		orphan, err := f.s.RecoverOrphans(ctx)
		require.NoError(t, err)
		require.NotNil(t, orphan)
		assert.Nil(t, f.store.CurrentJob())
		assert.Contains(t, f.logBuf.String(), "failed to return orphaned ticket to Todo")
	})

	t.Run("Dry run leaves the orphan alone", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Service.DryRun = true
		job, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)
		require.NoError(t, f.store.SetExternalRunID(ctx, "run-7"))

		restarted := openStore(t, f.statPath)
		slogger, buf := NewTestSlogger()
		s := New(f.cfg, f.tc, f.disp, f.cancel, restarted, f.hub, slogger)

		// No Cancel, SetStatus or AddComment expectations: any call fails the test.
		orphan, err := s.RecoverOrphans(ctx)
		require.NoError(t, err)
		assert.Nil(t, orphan)
		require.NotNil(t, restarted.CurrentJob())
		assert.Equal(t, job.ID, restarted.CurrentJob().ID)
		assert.Zero(t, restarted.GetRetryCount("t-1"))
		assert.Empty(t, f.eventTypes())
		assert.Contains(t, buf.String(), "dry run: leaving orphaned job untouched")

		report := s.RunOnce(ctx)
		assert.Equal(t, SkipJobInFlight, report.SkipReason)
	})

	t.Run("Orphan at the retry ceiling is escalated, not requeued", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Retry.MaxRetries = 2
		_, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)
		_, err = f.store.FinishJob(ctx, state.StatusFailed, "boom")
		require.NoError(t, err)
		_, err = f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)

		var body string
		f.tc.EXPECT().AddComment(gomock.Any(), "t-1", gomock.Any()).DoAndReturn(func(_ context.Context, _ string, b string) error {
			body = b
			return nil
		})

		orphan, err := f.s.RecoverOrphans(ctx)
		require.NoError(t, err)
		require.NotNil(t, orphan)
		assert.Equal(t, 2, f.store.GetRetryCount("t-1"))
		assert.Equal(t, dispatch.OrphanComment("", 2, 2), body)
		assert.Contains(t, body, "needs manual attention")
		assert.NotContains(t, body, "moved back to Todo")
	})

	t.Run("Cancel disabled", func(t *testing.T) {
		f := newFixture(t)
		off := false
		f.cfg.Workflow.CancelOrphans = &off
		_, err := f.store.StartJob(ctx, state.JobSeed{TicketRef: "t-1", HumanID: "ENG-1"})
		require.NoError(t, err)
		require.NoError(t, f.store.SetExternalRunID(ctx, "run-8"))

		f.tc.EXPECT().SetStatus(gomock.Any(), "t-1", tracker.StatusTodo).Return(nil)
		f.tc.EXPECT().AddComment(gomock.Any(), "t-1", gomock.Any()).Return(nil)

		_, err = f.s.RecoverOrphans(ctx)
		require.NoError(t, err)
	})
}

func TestRunStopsOnShutdownRequest(t *testing.T) {
	f := newFixture(t)

	f.tc.EXPECT().FetchActionableTickets(gomock.Any()).DoAndReturn(func(context.Context) ([]tracker.Ticket, error) {
		f.s.RequestShutdown()
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- f.s.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after shutdown request")
	}
	// Idempotent.
	f.s.RequestShutdown()
}

func TestRunWakeTriggersEarlyCycle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := make(chan struct{}, 4)
	f.tc.EXPECT().FetchActionableTickets(gomock.Any()).DoAndReturn(func(context.Context) ([]tracker.Ticket, error) {
		cycles <- struct{}{}
		return nil, nil
	}).MinTimes(2)

	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run immediately")
	}

	f.s.Wake()
	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not trigger a cycle")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
