package webhook

import "time"

// Waker requests an early poll cycle.
type Waker interface {
	Wake()
}

// Config holds the resolved webhook endpoint settings.
type Config struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
	MaxAge          time.Duration
}

// payload is the subset of a Linear delivery ticketd reads.
type payload struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID         string `json:"id"`
		Identifier string `json:"identifier"`
	} `json:"data"`
	// WebhookTimestamp is milliseconds since the epoch.
	WebhookTimestamp int64 `json:"webhookTimestamp"`
}

// AcceptedResponse is returned when the scheduler was woken.
type AcceptedResponse struct {
	Status string `json:"status"`
	Ticket string `json:"ticket,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB
	DefaultMaxAge      = time.Minute
)
