// Package events is the in-process feed of dispatch lifecycle events. The
// API streams it over SSE and the TUI renders it.
package events

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

const (
	defaultCapacity  = 100
	subscriberBuffer = 64
)

// Event types published by the poller.
const (
	PollCompleted      = "poll.completed"
	PollFailed         = "poll.failed"
	DispatchStarted    = "dispatch.started"
	DispatchRunStarted = "dispatch.run_started"
	DispatchFinished   = "dispatch.finished"
	DispatchAborted    = "dispatch.aborted"
	OrphanRecovered    = "orphan.recovered"
	WebhookReceived    = "webhook.received"
)

// Event is one published occurrence. Data holds the JSON payload.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is what components need to emit events. A nil *Hub is a valid
// Publisher that drops everything.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub fans events out to subscribers and remembers the last few so a client
// reconnecting with Last-Event-ID can catch up.
type Hub struct {
	now      func() time.Time
	capacity int

	mu     sync.Mutex
	lastID int64
	recent []Event
	subs   map[chan Event]struct{}
}

// NewHub creates a hub remembering up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		now:      time.Now,
		capacity: capacity,
		recent:   make([]Event, 0, capacity),
		subs:     make(map[chan Event]struct{}),
	}
}

func encodePayload(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Publish records an event and offers it to every subscriber. A subscriber
// whose buffer is full misses the event; the publisher never blocks.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := encodePayload(data)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: h.now().UTC(), Data: payload}
	if len(h.recent) == h.capacity {
		h.recent = append(h.recent[:0], h.recent[1:]...)
	}
	h.recent = append(h.recent, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and an idempotent cancel that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := sync.OnceFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, ch)
		close(ch)
	})
	return ch, cancel
}

// Since returns remembered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, _ := slices.BinarySearchFunc(h.recent, lastID+1, func(ev Event, id int64) int {
		return cmp.Compare(ev.ID, id)
	})
	return slices.Clone(h.recent[i:])
}
