package playback

import (
	"math"
	"testing"

	"quill/internal/event"
)

func TestCompressDelayBands(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{-100, 0},
		{0, 0},
		{500, 500},
		{1500, 1500},
		{1999, 1999},
		{2000, 1000},
		{6000, 3000},
		{10000, 5000},
		// 2000 + log10(20)*300
		{20000, 2390.308998699194},
	}

	for _, tt := range tests {
		got := CompressDelay(tt.raw)
		if math.Abs(got-tt.want) > 0.01 {
			t.Errorf("CompressDelay(%v) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestCompressDelayLongGapsBounded(t *testing.T) {
	// One hour and four hours feel similarly brief: always within 2-3.1s.
	for _, raw := range []float64{10001, 60000, 3600000, 14400000, 86400000} {
		got := CompressDelay(raw)
		if got < longGapBaseMs || got >= 3100 {
			t.Errorf("CompressDelay(%v) = %v, want within [2000, 3100)", raw, got)
		}
	}
}

func TestCompressDelayMonotonicWithinBands(t *testing.T) {
	bands := [][]float64{
		{0, 100, 500, 1000, 1999},
		{2000, 3000, 5000, 9999, 10000},
		{10001, 20000, 100000, 3600000},
	}
	for _, band := range bands {
		prev := -1.0
		for _, raw := range band {
			got := CompressDelay(raw)
			if got < prev {
				t.Errorf("CompressDelay(%v) = %v decreased below %v within band", raw, got, prev)
			}
			prev = got
		}
	}
}

func timedEvents(timestamps ...int64) []event.WritingEvent {
	evs := make([]event.WritingEvent, len(timestamps))
	for i, ts := range timestamps {
		evs[i] = event.WritingEvent{
			ID: "ev", DocumentID: "doc-1", Timestamp: ts,
			Type: event.TypeInsert, Position: i, Content: "x",
		}
	}
	return evs
}

func TestTotalDuration(t *testing.T) {
	events := timedEvents(0, 1500)

	if got := TotalDuration(events, 1); got != 1500 {
		t.Errorf("TotalDuration(speed 1) = %v, want 1500", got)
	}
	if got := TotalDuration(events, 2); got != 750 {
		t.Errorf("TotalDuration(speed 2) = %v, want 750", got)
	}
}

func TestTotalDurationMatchesGapSum(t *testing.T) {
	events := timedEvents(0, 800, 3000, 25000, 25500)
	speed := 1.5

	var want float64
	for i := 1; i < len(events); i++ {
		want += CompressDelay(float64(events[i].Timestamp-events[i-1].Timestamp)) / speed
	}

	if got := TotalDuration(events, speed); math.Abs(got-want) > 1e-9 {
		t.Errorf("TotalDuration = %v, want %v", got, want)
	}
}

func TestTotalDurationDegenerate(t *testing.T) {
	if got := TotalDuration(nil, 1); got != 0 {
		t.Errorf("TotalDuration(nil) = %v, want 0", got)
	}
	if got := TotalDuration(timedEvents(5000), 1); got != 0 {
		t.Errorf("TotalDuration(single) = %v, want 0", got)
	}
}

func TestCumulativeTimes(t *testing.T) {
	events := timedEvents(0, 100, 300)
	cum := cumulativeTimes(events, 1)

	want := []float64{0, 100, 300}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("cum[%d] = %v, want %v", i, cum[i], want[i])
		}
	}
}

func TestCumulativeTimesNegativeGapClamped(t *testing.T) {
	// Out-of-order input is the caller's bug, but the timeline must not
	// run backwards because of it.
	events := timedEvents(1000, 500, 600)
	cum := cumulativeTimes(events, 1)
	if cum[1] != 0 {
		t.Errorf("cum[1] = %v, want 0 for negative gap", cum[1])
	}
	if cum[2] != 100 {
		t.Errorf("cum[2] = %v, want 100", cum[2])
	}
}
