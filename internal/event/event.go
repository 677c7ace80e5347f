// Package event defines the atomic unit of change in a quill document
// history: the immutable, timestamped WritingEvent.
//
// Events are append-only. Once captured they are never updated or deleted
// except together with their owning document. All downstream components
// (replay, playback, sync) consume events as opaque ordered records.
package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Type discriminates the three kinds of text edits quill records.
type Type string

const (
	// TypeInsert adds Content at Position.
	TypeInsert Type = "insert"
	// TypeDelete removes ContentBefore starting at Position.
	TypeDelete Type = "delete"
	// TypeReplace substitutes ContentBefore with Content at Position.
	TypeReplace Type = "replace"
)

// WritingEvent is a single recorded text edit.
//
// Position is a zero-based rune offset into the document content as it
// existed immediately before this event. Timestamp is in milliseconds and
// must be non-decreasing within a document's committed log; ties are broken
// by insertion order.
type WritingEvent struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	SessionID  string `json:"session_id"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	Type     Type `json:"event_type"`
	Position int  `json:"position"`

	// Content is the text added. Required for insert and replace.
	Content string `json:"content,omitempty"`

	// ContentBefore is the text removed. Required for delete and replace.
	ContentBefore string `json:"content_before,omitempty"`
}

// New creates a WritingEvent with a fresh ID.
func New(docID, sessionID string, ts int64, typ Type, position int, content, contentBefore string) WritingEvent {
	return WritingEvent{
		ID:            uuid.NewString(),
		DocumentID:    docID,
		SessionID:     sessionID,
		Timestamp:     ts,
		Type:          typ,
		Position:      position,
		Content:       content,
		ContentBefore: contentBefore,
	}
}

// ValidationError describes why an event was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event validation: %s: %s", e.Field, e.Reason)
}

// Validate checks the structural rules for a single event: field presence
// per event type, non-negative position, and a non-negative timestamp.
//
// Exactly one combination of {Content, ContentBefore} matches each type:
// insert carries Content only, delete carries ContentBefore only, replace
// carries both. A violating event is malformed and must be rejected, never
// coerced. Cross-event ordering is not checked here; see replay.ValidateOrdering.
func Validate(ev WritingEvent) error {
	if ev.DocumentID == "" {
		return &ValidationError{Field: "document_id", Reason: "required"}
	}
	if ev.Position < 0 {
		return &ValidationError{Field: "position", Reason: fmt.Sprintf("must be >= 0, got %d", ev.Position)}
	}
	if ev.Timestamp < 0 {
		return &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("must be >= 0, got %d", ev.Timestamp)}
	}

	switch ev.Type {
	case TypeInsert:
		if ev.Content == "" {
			return &ValidationError{Field: "content", Reason: "required for insert"}
		}
		if ev.ContentBefore != "" {
			return &ValidationError{Field: "content_before", Reason: "must be empty for insert"}
		}
	case TypeDelete:
		if ev.ContentBefore == "" {
			return &ValidationError{Field: "content_before", Reason: "required for delete"}
		}
		if ev.Content != "" {
			return &ValidationError{Field: "content", Reason: "must be empty for delete"}
		}
	case TypeReplace:
		if ev.Content == "" {
			return &ValidationError{Field: "content", Reason: "required for replace"}
		}
		if ev.ContentBefore == "" {
			return &ValidationError{Field: "content_before", Reason: "required for replace"}
		}
	default:
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown type %q", ev.Type)}
	}

	return nil
}
