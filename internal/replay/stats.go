package replay

import "quill/internal/event"

// Stats aggregates a document's event history. The reduction is
// order-independent: first/last timestamps are extracted by min/max scan,
// not array position, since callers may pass unsorted input.
type Stats struct {
	TotalEvents  int   `json:"total_events"`
	Inserts      int   `json:"inserts"`
	Deletes      int   `json:"deletes"`
	Replaces     int   `json:"replaces"`
	CharsWritten int   `json:"chars_written"`
	CharsDeleted int   `json:"chars_deleted"`
	SessionCount int   `json:"session_count"`
	FirstEventAt int64 `json:"first_event_at"`
	LastEventAt  int64 `json:"last_event_at"`
}

// CalculateStats reduces an event list to aggregate counts.
func CalculateStats(events []event.WritingEvent) Stats {
	s := Stats{TotalEvents: len(events)}
	if len(events) == 0 {
		return s
	}

	sessions := make(map[string]struct{})
	s.FirstEventAt = events[0].Timestamp
	s.LastEventAt = events[0].Timestamp

	for _, ev := range events {
		switch ev.Type {
		case event.TypeInsert:
			s.Inserts++
			s.CharsWritten += runeLen(ev.Content)
		case event.TypeDelete:
			s.Deletes++
			s.CharsDeleted += runeLen(ev.ContentBefore)
		case event.TypeReplace:
			s.Replaces++
			s.CharsWritten += runeLen(ev.Content)
			s.CharsDeleted += runeLen(ev.ContentBefore)
		}

		if ev.SessionID != "" {
			sessions[ev.SessionID] = struct{}{}
		}
		if ev.Timestamp < s.FirstEventAt {
			s.FirstEventAt = ev.Timestamp
		}
		if ev.Timestamp > s.LastEventAt {
			s.LastEventAt = ev.Timestamp
		}
	}

	s.SessionCount = len(sessions)
	return s
}
