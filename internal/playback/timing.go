package playback

import (
	"math"

	"quill/internal/event"
)

// Timing-compression band boundaries, in milliseconds of raw gap.
const (
	// Gaps below this pass through unchanged: natural typing rhythm.
	shortGapMs = 2000
	// Gaps up to this compress to half: thinking pauses stay noticeable
	// but brisk.
	midGapMs = 10000

	longGapBaseMs  = 2000
	longGapCapMs   = 1000
	longGapScaleMs = 300
)

// CompressDelay maps a raw inter-event gap to its playback delay, before
// speed scaling. Long breaks collapse to roughly 2-3 seconds regardless of
// their true length, so a one-hour break and a four-hour break feel
// similarly brief on replay.
func CompressDelay(rawMs float64) float64 {
	switch {
	case rawMs <= 0:
		return 0
	case rawMs < shortGapMs:
		return rawMs
	case rawMs <= midGapMs:
		return rawMs * 0.5
	default:
		seconds := rawMs / 1000
		return longGapBaseMs + math.Min(longGapCapMs, math.Log10(seconds)*longGapScaleMs)
	}
}

// cumulativeTimes returns, for each event index, the compressed and
// speed-scaled timeline position at which that event's frame is emitted.
// The first frame is always at 0.
func cumulativeTimes(events []event.WritingEvent, speed float64) []float64 {
	if len(events) == 0 {
		return nil
	}
	cum := make([]float64, len(events))
	for i := 1; i < len(events); i++ {
		raw := float64(events[i].Timestamp - events[i-1].Timestamp)
		cum[i] = cum[i-1] + CompressDelay(raw)/speed
	}
	return cum
}

// TotalDuration returns the full compressed playback duration in
// milliseconds at the given speed. It uses the identical compression
// function applied during playback; anything else would desynchronize
// seek and progress reporting from real playback.
func TotalDuration(events []event.WritingEvent, speed float64) float64 {
	cum := cumulativeTimes(events, speed)
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}
