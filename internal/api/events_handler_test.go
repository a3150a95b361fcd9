package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/log"
)

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}

// readEvent reads one SSE frame and returns its event type and data.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var typ, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if typ != "" || data != "" {
				return typ, data
			}
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.PollCompleted, map[string]any{"candidates": 2})
	hub.Publish(events.DispatchStarted, map[string]any{"ticket": "ENG-1"})

	srv := New(Config{APIKey: testKey}, newTestStore(t), nil, hub, log.Discard())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)

	// Event 1 was already seen by the client.
	typ, data := readEvent(t, r)
	assert.Equal(t, events.DispatchStarted, typ)
	assert.JSONEq(t, `{"ticket":"ENG-1"}`, data)

	hub.Publish(events.DispatchFinished, map[string]any{"ticket": "ENG-1", "result": "succeeded"})
	typ, data = readEvent(t, r)
	assert.Equal(t, events.DispatchFinished, typ)
	assert.JSONEq(t, `{"ticket":"ENG-1","result":"succeeded"}`, data)
}

func TestEventsDisabledWithoutHub(t *testing.T) {
	srv := New(Config{APIKey: testKey}, newTestStore(t), nil, nil, log.Discard())
	rec := do(t, srv.Handler(), http.MethodGet, "/events", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
