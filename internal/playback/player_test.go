package playback

import (
	"testing"
	"time"

	"quill/internal/event"
	"quill/internal/replay"
)

func typing(words ...string) []event.WritingEvent {
	var evs []event.WritingEvent
	pos := 0
	for i, w := range words {
		evs = append(evs, event.WritingEvent{
			ID: w, DocumentID: "doc-1", SessionID: "sess-1",
			Timestamp: int64(i * 10), Type: event.TypeInsert,
			Position: pos, Content: w,
		})
		pos += len([]rune(w))
	}
	return evs
}

func waitFrame(t *testing.T, p *Player, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-p.Frames():
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func waitState(t *testing.T, p *Player, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("player never reached state %s (stuck at %s)", want, p.State())
}

func TestNewPlayerRejectsBadSpeed(t *testing.T) {
	for _, speed := range []float64{0, -1} {
		if _, err := NewPlayer(nil, speed); err == nil {
			t.Errorf("NewPlayer(speed=%v) should fail", speed)
		}
	}
}

func TestPlayEmitsAllFramesThenCompletes(t *testing.T) {
	events := typing("Hello", " world", "!")
	p, err := NewPlayer(events, 1)
	if err != nil {
		t.Fatalf("NewPlayer failed: %v", err)
	}

	p.Play()

	for i := 0; i < len(events); i++ {
		f := waitFrame(t, p, 2*time.Second)
		if f.EventIndex != i {
			t.Errorf("frame %d has EventIndex %d", i, f.EventIndex)
		}
		if f.TotalEvents != len(events) {
			t.Errorf("frame %d TotalEvents = %d, want %d", i, f.TotalEvents, len(events))
		}
	}

	waitState(t, p, StateCompleted)

	final := p.Current()
	if final == nil {
		t.Fatal("no current frame after completion")
	}
	if final.Content != "Hello world!" {
		t.Errorf("final content = %q, want %q", final.Content, "Hello world!")
	}
	if final.Progress != 100 {
		t.Errorf("final progress = %v, want 100", final.Progress)
	}
	if p.Elapsed() != p.Total() {
		t.Errorf("elapsed %v != total %v after completion", p.Elapsed(), p.Total())
	}
}

func TestPlayEmptyEvents(t *testing.T) {
	p, err := NewPlayer(nil, 1)
	if err != nil {
		t.Fatalf("NewPlayer failed: %v", err)
	}
	if p.Total() != 0 {
		t.Errorf("Total = %v, want 0", p.Total())
	}

	p.Play()
	if p.State() != StateCompleted {
		t.Errorf("state = %s, want completed", p.State())
	}

	select {
	case f := <-p.Frames():
		t.Errorf("unexpected frame %+v from empty playback", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPlaySingleEvent(t *testing.T) {
	events := typing("Hi")
	p, _ := NewPlayer(events, 1)

	p.Play()

	f := waitFrame(t, p, 2*time.Second)
	if f.DelayMs != 0 {
		t.Errorf("single frame DelayMs = %v, want 0", f.DelayMs)
	}
	if f.Progress != 100 {
		t.Errorf("Progress = %v, want 100", f.Progress)
	}

	waitState(t, p, StateCompleted)
	if p.Total() != 0 {
		t.Errorf("Total = %v, want 0", p.Total())
	}
}

func TestPauseStopsEmission(t *testing.T) {
	// A wide gap so the pause lands inside the suspension.
	events := []event.WritingEvent{
		{ID: "a", DocumentID: "d", Timestamp: 0, Type: event.TypeInsert, Position: 0, Content: "a"},
		{ID: "b", DocumentID: "d", Timestamp: 500, Type: event.TypeInsert, Position: 1, Content: "b"},
	}
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)
	p.Pause()

	if p.State() != StatePaused {
		t.Fatalf("state = %s, want paused", p.State())
	}

	// The canceled suspension must not produce the second frame.
	select {
	case f := <-p.Frames():
		t.Errorf("frame %+v emitted after pause", f)
	case <-time.After(100 * time.Millisecond):
	}

	elapsed := p.Elapsed()
	if elapsed <= 0 || elapsed >= p.Total() {
		t.Errorf("paused elapsed = %v, want within (0, %v)", elapsed, p.Total())
	}
}

func TestPauseResumeDeliversEverything(t *testing.T) {
	events := typing("a", "b", "c", "d")
	p, _ := NewPlayer(events, 1)

	p.Play()
	first := waitFrame(t, p, 2*time.Second)
	p.Pause()

	seen := map[int]bool{first.EventIndex: true}
	// Drain anything emitted before the pause took hold.
	for {
		select {
		case f := <-p.Frames():
			seen[f.EventIndex] = true
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	p.Play()
	deadline := time.After(2 * time.Second)
	for len(seen) < len(events) {
		select {
		case f := <-p.Frames():
			seen[f.EventIndex] = true
		case <-deadline:
			t.Fatalf("only saw %d distinct frames, want %d", len(seen), len(events))
		}
	}

	waitState(t, p, StateCompleted)
}

func TestStopResetsToIdle(t *testing.T) {
	events := typing("a", "b", "c")
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)
	p.Stop()

	if p.State() != StateIdle {
		t.Errorf("state = %s, want idle", p.State())
	}
	if p.Elapsed() != 0 {
		t.Errorf("elapsed = %v, want 0", p.Elapsed())
	}
	if p.Current() != nil {
		t.Error("current frame should be cleared by stop")
	}
}

func TestPlayAfterCompletedRestarts(t *testing.T) {
	events := typing("a", "b")
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)
	waitFrame(t, p, 2*time.Second)
	waitState(t, p, StateCompleted)

	p.Play()
	f := waitFrame(t, p, 2*time.Second)
	if f.EventIndex != 0 {
		t.Errorf("restart began at index %d, want 0", f.EventIndex)
	}
	waitState(t, p, StateCompleted)
}

func TestSeekReconstructsContent(t *testing.T) {
	events := []event.WritingEvent{
		{ID: "a", DocumentID: "d", Timestamp: 0, Type: event.TypeInsert, Position: 0, Content: "Hello"},
		{ID: "b", DocumentID: "d", Timestamp: 1500, Type: event.TypeInsert, Position: 5, Content: " world"},
	}
	p, _ := NewPlayer(events, 1)

	// Halfway through the only gap: only the first event has played.
	p.Seek(375)

	f := waitFrame(t, p, time.Second)
	if f.Content != "Hello" {
		t.Errorf("seek frame content = %q, want %q", f.Content, "Hello")
	}
	if f.EventIndex != 0 {
		t.Errorf("seek frame index = %d, want 0", f.EventIndex)
	}
	if p.Elapsed() != 375 {
		t.Errorf("elapsed = %v, want 375", p.Elapsed())
	}

	// Seek matches a fresh replay at the mapped timestamp.
	want := replay.ReplayUpTo(events, events[0].Timestamp, nil)
	if f.Content != want {
		t.Errorf("seek content %q diverges from replay %q", f.Content, want)
	}
}

func TestSeekClampsToTotal(t *testing.T) {
	events := typing("a", "b", "c")
	p, _ := NewPlayer(events, 1)

	p.Seek(1e9)

	f := waitFrame(t, p, time.Second)
	if f.EventIndex != len(events)-1 {
		t.Errorf("seek frame index = %d, want %d", f.EventIndex, len(events)-1)
	}
	if p.Elapsed() != p.Total() {
		t.Errorf("elapsed = %v, want total %v", p.Elapsed(), p.Total())
	}
}

func TestSeekFromIdleStaysIdle(t *testing.T) {
	events := typing("a", "b")
	p, _ := NewPlayer(events, 1)

	p.Seek(0)
	waitFrame(t, p, time.Second)
	if p.State() != StateIdle {
		t.Errorf("state = %s, want idle", p.State())
	}
}

func TestSeekWhilePausedParksPosition(t *testing.T) {
	events := typing("a", "b", "c")
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)
	p.Pause()

	p.Seek(p.Total())
	waitFrame(t, p, time.Second)
	if p.State() != StatePaused {
		t.Errorf("state = %s, want paused", p.State())
	}
}

func TestSeekWhilePlayingResumes(t *testing.T) {
	events := typing("a", "b", "c", "d")
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)

	p.Seek(0)

	// Stream restarts from index 1; playback still runs to completion.
	waitState(t, p, StateCompleted)
	final := p.Current()
	if final == nil || final.Content != "abcd" {
		t.Errorf("final frame = %+v, want content abcd", final)
	}
}

func TestSetSpeedRescalesTimeline(t *testing.T) {
	events := []event.WritingEvent{
		{ID: "a", DocumentID: "d", Timestamp: 0, Type: event.TypeInsert, Position: 0, Content: "a"},
		{ID: "b", DocumentID: "d", Timestamp: 1000, Type: event.TypeInsert, Position: 1, Content: "b"},
	}
	p, _ := NewPlayer(events, 1)

	if p.Total() != 1000 {
		t.Fatalf("Total = %v, want 1000", p.Total())
	}
	if err := p.SetSpeed(4); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	if p.Total() != 250 {
		t.Errorf("Total after speed change = %v, want 250", p.Total())
	}
	if err := p.SetSpeed(0); err == nil {
		t.Error("SetSpeed(0) should fail")
	}
}

func TestSetSpeedKeepsPausedMidGapPosition(t *testing.T) {
	events := []event.WritingEvent{
		{ID: "a", DocumentID: "d", Timestamp: 0, Type: event.TypeInsert, Position: 0, Content: "a"},
		{ID: "b", DocumentID: "d", Timestamp: 500, Type: event.TypeInsert, Position: 1, Content: "b"},
	}
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	p.Pause()

	before := p.Elapsed()
	if before <= 0 || before >= p.Total() {
		t.Fatalf("paused elapsed = %v, want within (0, %v)", before, p.Total())
	}

	if err := p.SetSpeed(2); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}

	// The timeline halved, so the held position halves with it rather
	// than snapping back to the last emitted frame.
	if got := p.Elapsed(); got != before/2 {
		t.Errorf("elapsed after speed change = %v, want %v", got, before/2)
	}
}

func TestSeekDeliversFrameToBackloggedConsumer(t *testing.T) {
	events := []event.WritingEvent{
		{ID: "a", DocumentID: "d", Timestamp: 0, Type: event.TypeInsert, Position: 0, Content: "Hello"},
		{ID: "b", DocumentID: "d", Timestamp: 1500, Type: event.TypeInsert, Position: 5, Content: " world"},
	}
	p, _ := NewPlayer(events, 1)

	// A consumer that stopped reading leaves the channel full.
	for i := 0; i < cap(p.frames); i++ {
		p.frames <- Frame{EventIndex: -1}
	}

	p.Seek(375)

	f := waitFrame(t, p, time.Second)
	if f.EventIndex != 0 || f.Content != "Hello" {
		t.Errorf("frame after seek = index %d content %q, want index 0 content %q",
			f.EventIndex, f.Content, "Hello")
	}
	select {
	case f := <-p.Frames():
		t.Errorf("stale frame %+v survived the seek", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSetSpeedWhilePlaying(t *testing.T) {
	events := typing("a", "b", "c")
	p, _ := NewPlayer(events, 1)

	p.Play()
	waitFrame(t, p, 2*time.Second)
	if err := p.SetSpeed(10); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	if p.State() != StatePlaying {
		t.Errorf("state = %s, want playing after speed change", p.State())
	}
	waitState(t, p, StateCompleted)
}
