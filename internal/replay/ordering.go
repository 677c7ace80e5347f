package replay

import (
	"fmt"

	"quill/internal/event"
)

// OrderingError describes one violation found while validating a sequence.
type OrderingError struct {
	Index   int
	EventID string
	Reason  string
}

func (e OrderingError) Error() string {
	return fmt.Sprintf("event %d (%s): %s", e.Index, e.EventID, e.Reason)
}

// OrderingReport is the outcome of ValidateOrdering.
type OrderingReport struct {
	Valid  bool
	Errors []OrderingError
}

// ValidateOrdering confirms non-decreasing timestamps and per-event
// structural validity. Every violation is reported, not just the first;
// diagnostic completeness matters more than short-circuiting here.
func ValidateOrdering(events []event.WritingEvent) OrderingReport {
	var errs []OrderingError

	var prev int64
	for i, ev := range events {
		if err := event.Validate(ev); err != nil {
			errs = append(errs, OrderingError{Index: i, EventID: ev.ID, Reason: err.Error()})
		}
		if i > 0 && ev.Timestamp < prev {
			errs = append(errs, OrderingError{
				Index:   i,
				EventID: ev.ID,
				Reason:  fmt.Sprintf("timestamp %d precedes previous event at %d", ev.Timestamp, prev),
			})
		}
		prev = ev.Timestamp
	}

	return OrderingReport{Valid: len(errs) == 0, Errors: errs}
}
