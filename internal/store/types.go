package store

import "quill/internal/event"

// QueuedEvent is a WritingEvent plus the local-only sync bookkeeping. It
// lives only in the durable local buffer; once the remote store
// acknowledges an event the row leaves pending status and serves purely as
// the local replay cache.
type QueuedEvent struct {
	event.WritingEvent

	Synced     bool   `json:"synced"`
	QueuedAt   int64  `json:"queued_at"` // milliseconds since the Unix epoch
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}
