// Package playback turns a static, timestamp-ordered event sequence into a
// cancelable, seekable, speed-adjustable stream of timed frames for
// animated presentation.
//
// A Player owns one logical stream at a time. Each emitted frame is
// followed by a timer suspension of the compressed, speed-scaled gap to
// the next event; pausing or stopping cancels the in-flight suspension and
// no further frames from that stream are emitted. Frames from two
// overlapping streams are never interleaved: every stream carries a
// generation number and bails out the moment the player has moved on.
package playback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quill/internal/event"
	"quill/internal/replay"
)

// State is the playback lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// Frame is one step of the playback animation. Frames are ephemeral and
// never persisted.
type Frame struct {
	Content     string
	Event       event.WritingEvent
	EventIndex  int
	TotalEvents int
	Progress    float64
	DelayMs     float64
}

// Player schedules frame emission over a fixed event sequence. Events must
// be pre-sorted ascending by timestamp, the same contract the replay
// engine has.
type Player struct {
	mu sync.Mutex

	events []event.WritingEvent
	speed  float64
	cum    []float64 // timeline position per event index, at current speed

	state     State
	nextIndex int     // next unconsumed event index
	elapsedMs float64 // timeline position at the last emission or pause
	content   string  // document content after the last emitted frame
	current   *Frame

	lastFrameAt time.Time // wall clock of the last emission, valid while playing

	frames chan Frame
	cancel context.CancelFunc
	gen    uint64 // stream generation; stale streams must not touch state
}

// NewPlayer creates a player over a timestamp-ordered event sequence.
// Speed must be positive; 1.0 plays at the compressed natural rhythm.
func NewPlayer(events []event.WritingEvent, speed float64) (*Player, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("playback speed must be positive, got %v", speed)
	}
	p := &Player{
		events: events,
		speed:  speed,
		state:  StateIdle,
		frames: make(chan Frame, 64),
	}
	p.cum = cumulativeTimes(events, speed)
	return p, nil
}

// Frames returns the channel frames are delivered on. The channel is
// shared across play/pause/seek cycles of this player.
func (p *Player) Frames() <-chan Frame {
	return p.frames
}

// State returns the current lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns a copy of the most recently emitted frame, or nil before
// the first emission.
func (p *Player) Current() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	f := *p.current
	return &f
}

// Elapsed returns the current timeline position in milliseconds.
func (p *Player) Elapsed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsedLocked()
}

// Total returns the full playback duration in milliseconds at the current
// speed.
func (p *Player) Total() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalLocked()
}

// Speed returns the current speed multiplier.
func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// Play starts or resumes frame emission. From idle or completed the stream
// begins at event index 0; from paused it resumes at the next unconsumed
// index with elapsed time preserved. Playing is a no-op.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StatePlaying:
		return
	case StateIdle, StateCompleted:
		p.nextIndex = 0
		p.elapsedMs = 0
		p.content = ""
		p.current = nil
	case StatePaused:
		// Resume from the parked position.
	}

	if len(p.events) == 0 {
		p.state = StateCompleted
		return
	}
	p.startStreamLocked()
}

// Pause suspends playback, capturing the elapsed time including the
// portion of the in-flight suspension already served. Position is kept.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying {
		return
	}
	p.elapsedMs = p.elapsedLocked()
	p.cancelStreamLocked()
	p.state = StatePaused
}

// Stop cancels any in-flight stream, resets elapsed time to zero, clears
// the current frame, and returns to idle.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying && p.state != StatePaused {
		return
	}
	p.cancelStreamLocked()
	p.state = StateIdle
	p.nextIndex = 0
	p.elapsedMs = 0
	p.content = ""
	p.current = nil
}

// SetSpeed changes the speed multiplier. While playing this restarts the
// stream from the current position at the new speed; it is never applied
// retroactively to an in-flight suspension.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("playback speed must be positive, got %v", speed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wasPlaying := p.state == StatePlaying
	if wasPlaying {
		p.elapsedMs = p.elapsedLocked()
		p.cancelStreamLocked()
	}

	oldSpeed := p.speed
	p.speed = speed
	p.cum = cumulativeTimes(p.events, speed)
	// The whole timeline scales by oldSpeed/speed, so the elapsed offset
	// scales the same way. This keeps a position held mid-suspension
	// instead of snapping back to the last emitted frame.
	p.elapsedMs = p.elapsedMs * oldSpeed / speed

	if wasPlaying {
		p.startStreamLocked()
	}
	return nil
}

// Seek jumps to an arbitrary timeline offset. The offset is clamped to
// [0, Total]; the event index whose cumulative delay reaches that time is
// located, content is reconstructed up to that index via the replay
// engine, and a synthetic frame is emitted. If playback was active the
// stream restarts from index+1 with elapsed time rebased; otherwise the
// resume position is parked and the player becomes paused, unless it was
// idle.
func (p *Player) Seek(targetMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.events) == 0 {
		return
	}

	total := p.totalLocked()
	if targetMs < 0 {
		targetMs = 0
	}
	if targetMs > total {
		targetMs = total
	}

	// Largest index whose timeline position does not exceed the target.
	idx := sort.Search(len(p.cum), func(i int) bool { return p.cum[i] > targetMs }) - 1
	if idx < 0 {
		idx = 0
	}

	wasPlaying := p.state == StatePlaying
	if wasPlaying || p.state == StatePaused {
		p.cancelStreamLocked()
	}

	content := replay.Replay(p.events[:idx+1], nil).Content
	frame := Frame{
		Content:     content,
		Event:       p.events[idx],
		EventIndex:  idx,
		TotalEvents: len(p.events),
		Progress:    float64(idx+1) / float64(len(p.events)) * 100,
	}

	p.content = content
	p.current = &frame
	p.nextIndex = idx + 1
	p.elapsedMs = targetMs

	// Frames buffered before the jump describe positions the seek just
	// superseded. Drop them so the synthetic frame always lands, even
	// when the consumer is backlogged.
drain:
	for {
		select {
		case <-p.frames:
		default:
			break drain
		}
	}
	select {
	case p.frames <- frame:
	default:
	}

	switch {
	case wasPlaying:
		if p.nextIndex >= len(p.events) {
			p.state = StateCompleted
			p.elapsedMs = total
		} else {
			p.startStreamLocked()
		}
	case p.state != StateIdle:
		p.state = StatePaused
	}
}

// elapsedLocked returns the live timeline position: the position of the
// last emitted frame plus any wall-clock time served of the current
// suspension, clamped so it never overtakes the next frame.
func (p *Player) elapsedLocked() float64 {
	if p.state != StatePlaying || p.lastFrameAt.IsZero() {
		return p.elapsedMs
	}
	base := 0.0
	if p.nextIndex > 0 {
		base = p.cum[p.nextIndex-1]
	}
	live := base + float64(time.Since(p.lastFrameAt))/float64(time.Millisecond)
	limit := p.totalLocked()
	if p.nextIndex < len(p.cum) {
		limit = p.cum[p.nextIndex]
	}
	if live > limit {
		return limit
	}
	return live
}

func (p *Player) totalLocked() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// startStreamLocked launches a new frame stream at the current position.
// Caller holds the mutex.
func (p *Player) startStreamLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	p.state = StatePlaying
	go p.run(ctx, p.gen)
}

// cancelStreamLocked aborts the active stream, if any. The generation
// bump makes a racing stream goroutine drop out before emitting anything
// further. Caller holds the mutex.
func (p *Player) cancelStreamLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.lastFrameAt = time.Time{}
}

// run is the stream goroutine: emit a frame, wait the compressed delay,
// repeat. It owns no state; every mutation happens under the player mutex
// and only while the generation still matches.
func (p *Player) run(ctx context.Context, gen uint64) {
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}

		i := p.nextIndex
		if i >= len(p.events) {
			p.state = StateCompleted
			p.elapsedMs = p.totalLocked()
			p.lastFrameAt = time.Time{}
			p.mu.Unlock()
			return
		}

		ev := p.events[i]
		// Span mismatches are tolerated during playback; Apply already
		// proceeded with the actual substring removed.
		next, _ := replay.Apply(p.content, ev)

		delayMs := 0.0
		if i+1 < len(p.events) {
			delayMs = p.cum[i+1] - p.cum[i]
		}

		frame := Frame{
			Content:     next,
			Event:       ev,
			EventIndex:  i,
			TotalEvents: len(p.events),
			Progress:    float64(i+1) / float64(len(p.events)) * 100,
			DelayMs:     delayMs,
		}

		p.content = next
		p.current = &frame
		p.nextIndex = i + 1
		p.elapsedMs = p.cum[i]
		p.lastFrameAt = time.Now()
		last := i+1 >= len(p.events)
		p.mu.Unlock()

		select {
		case p.frames <- frame:
		case <-ctx.Done():
			return
		}

		if last {
			p.mu.Lock()
			if p.gen == gen {
				p.state = StateCompleted
				p.elapsedMs = p.totalLocked()
				p.lastFrameAt = time.Time{}
			}
			p.mu.Unlock()
			return
		}

		timer := time.NewTimer(time.Duration(delayMs * float64(time.Millisecond)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
