// Package capture turns observed document snapshots into writing events.
//
// The capture layer never records keystrokes. It sees a document before
// and after a change and infers the single edit that connects them:
// the earliest point of divergence, the run of text removed there, and
// the run of text inserted in its place.
package capture

import (
	"quill/internal/event"
)

// Infer compares two document snapshots and returns the writing event
// that transforms old into new. It returns nil when the snapshots are
// identical. Positions and lengths are measured in runes so multi-byte
// text diffs the same as ASCII.
func Infer(documentID, sessionID, old, new string, timestamp int64) *event.WritingEvent {
	if old == new {
		return nil
	}

	or := []rune(old)
	nr := []rune(new)

	// Longest common prefix.
	p := 0
	for p < len(or) && p < len(nr) && or[p] == nr[p] {
		p++
	}

	// Longest common suffix over the remainder.
	s := 0
	for s < len(or)-p && s < len(nr)-p && or[len(or)-1-s] == nr[len(nr)-1-s] {
		s++
	}

	removed := string(or[p : len(or)-s])
	inserted := string(nr[p : len(nr)-s])

	var ev event.WritingEvent
	switch {
	case removed == "":
		ev = event.New(documentID, sessionID, timestamp, event.TypeInsert, p, inserted, "")
	case inserted == "":
		ev = event.New(documentID, sessionID, timestamp, event.TypeDelete, p, "", removed)
	default:
		ev = event.New(documentID, sessionID, timestamp, event.TypeReplace, p, inserted, removed)
	}
	return &ev
}
