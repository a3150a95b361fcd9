package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/ticketd/internal/events"
)

// Handler serves Linear webhook deliveries. Mount it on the API router at
// Config.Path.
type Handler struct {
	config Config
	waker  Waker
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a webhook handler. pub may be nil.
func New(cfg Config, waker Waker, pub events.Publisher, logger *slog.Logger) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config: cfg,
		waker:  waker,
		events: pub,
		logger: logger.With("component", "webhook"),
		now:    time.Now,
	}
}

// ServeHTTP handles incoming webhook POST requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodySize+1))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > h.config.MaxBodySize {
		h.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	if signature == "" {
		h.logger.Warn("webhook signature missing", "header", h.config.SignatureHeader)
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, h.config.Secret); err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.logger.Warn("webhook payload is not JSON", "error", err)
		h.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	// A signed body without a timestamp could be replayed forever.
	if p.WebhookTimestamp <= 0 {
		h.logger.Warn("webhook delivery rejected: no webhookTimestamp")
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	sent := time.UnixMilli(p.WebhookTimestamp)
	if age := h.now().Sub(sent); age > h.config.MaxAge || age < -h.config.MaxAge {
		h.logger.Warn("webhook delivery rejected as stale", "age", age.Round(time.Second))
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	if p.Type != "Issue" {
		h.logger.Debug("ignoring webhook delivery", "type", p.Type, "action", p.Action)
		h.respondJSON(w, http.StatusOK, AcceptedResponse{Status: "ignored"})
		return
	}

	h.logger.Info("webhook received, waking scheduler", "ticket", p.Data.Identifier, "action", p.Action)
	if h.events != nil {
		h.events.Publish(events.WebhookReceived, map[string]any{
			"ticket": p.Data.Identifier, "action": p.Action,
		})
	}
	h.waker.Wake()
	h.respondJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", Ticket: p.Data.Identifier})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}
