// Package replay reconstructs document content by folding an ordered
// writing-event sequence, optionally starting from a checkpoint snapshot.
//
// The fold is pure and referentially transparent: identical (events,
// checkpoint) input always yields identical content, independent of
// wall-clock time. Wall-clock timing is recorded only as an observability
// metric. The engine never re-sorts its input; callers must supply events
// in ascending timestamp order or reject them via ValidateOrdering first.
package replay

import (
	"fmt"
	"time"

	"quill/internal/checkpoint"
	"quill/internal/event"
	"quill/internal/logging"
)

// AnomalyKind classifies non-fatal irregularities observed during a fold.
type AnomalyKind string

const (
	// AnomalyUnknownType marks an event whose type the engine does not
	// recognize. The event is skipped, never a crash.
	AnomalyUnknownType AnomalyKind = "unknown_event_type"

	// AnomalyIntegrity marks a delete/replace whose ContentBefore did not
	// match the actual substring at its position.
	AnomalyIntegrity AnomalyKind = "content_integrity"

	// AnomalyPosition marks an event whose position fell outside the
	// content and was clamped.
	AnomalyPosition AnomalyKind = "position_out_of_range"
)

// Anomaly records one irregularity surfaced while replaying.
type Anomaly struct {
	Index   int
	EventID string
	Kind    AnomalyKind
	Detail  string
}

// ContentIntegrityError reports a delete/replace span whose recorded
// ContentBefore disagrees with the document. The engine trusts the span
// length over its text: replay proceeds using the substring actually
// removed, and the discrepancy is surfaced rather than halting the fold.
type ContentIntegrityError struct {
	EventID  string
	Position int
	Expected string
	Actual   string
}

func (e *ContentIntegrityError) Error() string {
	return fmt.Sprintf("content integrity: event %s at position %d expected %q, found %q",
		e.EventID, e.Position, e.Expected, e.Actual)
}

// Result is the outcome of a full fold.
type Result struct {
	Content        string
	EventCount     int
	Duration       time.Duration
	UsedCheckpoint bool
	Anomalies      []Anomaly
}

// Apply folds a single event into content and returns the new content.
//
// Positions are rune offsets. A *ContentIntegrityError is returned (with
// valid new content) when a delete/replace span mismatches; unknown event
// types leave the content untouched.
func Apply(content string, ev event.WritingEvent) (string, error) {
	switch ev.Type {
	case event.TypeInsert:
		out, _ := splice(content, ev.Position, 0, ev.Content)
		return out, nil

	case event.TypeDelete:
		out, removed := splice(content, ev.Position, runeLen(ev.ContentBefore), "")
		if removed != ev.ContentBefore {
			return out, &ContentIntegrityError{EventID: ev.ID, Position: ev.Position, Expected: ev.ContentBefore, Actual: removed}
		}
		return out, nil

	case event.TypeReplace:
		out, removed := splice(content, ev.Position, runeLen(ev.ContentBefore), ev.Content)
		if removed != ev.ContentBefore {
			return out, &ContentIntegrityError{EventID: ev.ID, Position: ev.Position, Expected: ev.ContentBefore, Actual: removed}
		}
		return out, nil

	default:
		logging.Warn("skipping event with unknown type", "event_id", ev.ID, "event_type", string(ev.Type))
		return content, nil
	}
}

// Replay folds the event sequence into document content.
//
// With a checkpoint, the fold starts from the checkpoint's full content and
// applies only events[checkpoint.EventCount:]. A checkpoint claiming more
// events than were supplied is ignored and the fold starts from empty.
func Replay(events []event.WritingEvent, cp *checkpoint.Checkpoint) Result {
	start := time.Now()

	content := ""
	first := 0
	used := false
	if cp != nil && cp.EventCount <= len(events) {
		content = cp.FullContent
		first = cp.EventCount
		used = true
	}

	var anomalies []Anomaly
	for i := first; i < len(events); i++ {
		content = applyCollecting(content, events[i], i, &anomalies)
	}

	return Result{
		Content:        content,
		EventCount:     len(events),
		Duration:       time.Since(start),
		UsedCheckpoint: used,
		Anomalies:      anomalies,
	}
}

// ReplayUpTo reconstructs document state as of targetTimestamp: the same
// fold, restricted to events with Timestamp <= targetTimestamp. The
// checkpoint is only consulted when every event it covers falls inside the
// target window.
func ReplayUpTo(events []event.WritingEvent, targetTimestamp int64, cp *checkpoint.Checkpoint) string {
	content := ""
	first := 0
	if cp != nil && cp.EventCount <= len(events) &&
		(cp.EventCount == 0 || events[cp.EventCount-1].Timestamp <= targetTimestamp) {
		content = cp.FullContent
		first = cp.EventCount
	}

	var anomalies []Anomaly
	for i := first; i < len(events); i++ {
		if events[i].Timestamp > targetTimestamp {
			continue
		}
		content = applyCollecting(content, events[i], i, &anomalies)
	}
	return content
}

func applyCollecting(content string, ev event.WritingEvent, index int, anomalies *[]Anomaly) string {
	if n := runeLen(content); ev.Position > n {
		*anomalies = append(*anomalies, Anomaly{
			Index:   index,
			EventID: ev.ID,
			Kind:    AnomalyPosition,
			Detail:  fmt.Sprintf("position %d beyond content length %d", ev.Position, n),
		})
	}

	switch ev.Type {
	case event.TypeInsert, event.TypeDelete, event.TypeReplace:
		out, err := Apply(content, ev)
		if err != nil {
			logging.Warn("content integrity mismatch during replay", "event_id", ev.ID, "index", index, "error", err)
			*anomalies = append(*anomalies, Anomaly{Index: index, EventID: ev.ID, Kind: AnomalyIntegrity, Detail: err.Error()})
		}
		return out
	default:
		out, _ := Apply(content, ev)
		*anomalies = append(*anomalies, Anomaly{Index: index, EventID: ev.ID, Kind: AnomalyUnknownType, Detail: string(ev.Type)})
		return out
	}
}

// splice removes removeLen runes at pos and inserts insert there, clamping
// pos and removeLen to the content bounds. It returns the new content and
// the text actually removed.
func splice(content string, pos, removeLen int, insert string) (string, string) {
	runes := []rune(content)
	if pos < 0 {
		pos = 0
	}
	if pos > len(runes) {
		pos = len(runes)
	}
	end := pos + removeLen
	if end > len(runes) {
		end = len(runes)
	}

	removed := string(runes[pos:end])
	out := make([]rune, 0, len(runes)-(end-pos)+runeLen(insert))
	out = append(out, runes[:pos]...)
	out = append(out, []rune(insert)...)
	out = append(out, runes[end:]...)
	return string(out), removed
}

func runeLen(s string) int {
	return len([]rune(s))
}
