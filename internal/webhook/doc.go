// Package webhook receives Linear webhook deliveries and turns them into
// early poll cycles.
//
// A delivery never changes state on its own. It is authenticated, checked
// for freshness and then only wakes the scheduler, which re-reads the
// tracker through the normal poll path. Dropped or duplicated deliveries
// are therefore harmless: the periodic poll still runs.
//
// # Security Model
//
// - HMAC-SHA256 over the raw body, hex encoded in the Linear-Signature header
// - constant-time comparison (hmac.Equal)
// - body size limit (413 when exceeded)
// - a missing webhookTimestamp, or one older than max_age, is rejected as a replay
// - error responses never say which check failed
//
// # Configuration
//
//	webhook:
//	  enabled: true
//	  path: /webhooks/linear
//	  secret: ${LINEAR_WEBHOOK_SECRET}
//	  max_body_size: 1MB
//	  max_age: 60s
//
// # Responses
//
// - 202 Accepted: issue event, scheduler woken
// - 200 OK: authenticated but ignored (not an issue event)
// - 403 Forbidden: missing or invalid signature, stale timestamp
// - 413 Payload Too Large: body exceeds max_body_size
package webhook
