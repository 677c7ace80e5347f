package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"quill/internal/event"
)

// DefaultSessionGap is the idle duration after which the next inferred
// event starts a new writing session.
const DefaultSessionGap = 30 * time.Minute

// maxSnapshotBytes bounds how large a file the watcher will snapshot.
const maxSnapshotBytes = 8 << 20

// DocumentID derives a stable identifier for a watched file from its
// absolute path. The same file always maps to the same document.
func DocumentID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// docState is the per-file capture state.
type docState struct {
	content     string
	lastMod     time.Time
	pending     bool
	sessionID   string
	lastEventAt time.Time
}

// Watcher monitors documents and emits inferred writing events.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	paths      []string
	debounce   time.Duration
	sessionGap time.Duration

	// State tracking: path -> capture state
	state   map[string]*docState
	stateMu sync.Mutex

	events chan event.WritingEvent
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher for the given files or directories.
// Changes are not reported until a file has been quiet for the debounce
// interval.
func NewWatcher(paths []string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = time.Second
	}

	return &Watcher{
		fsWatcher:  fsWatcher,
		paths:      paths,
		debounce:   debounce,
		sessionGap: DefaultSessionGap,
		state:      make(map[string]*docState),
		events:     make(chan event.WritingEvent, 100),
		errors:     make(chan error, 10),
		done:       make(chan struct{}),
	}, nil
}

// SetSessionGap overrides the idle duration that closes a session.
// Must be called before Start.
func (w *Watcher) SetSessionGap(gap time.Duration) {
	if gap > 0 {
		w.sessionGap = gap
	}
}

// Events returns the channel of inferred writing events.
func (w *Watcher) Events() <-chan event.WritingEvent {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start snapshots all configured paths and begins watching them.
// The initial snapshot is the baseline; only subsequent changes
// produce events.
func (w *Watcher) Start() error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}

		if info.IsDir() {
			if err := w.fsWatcher.Add(absPath); err != nil {
				return err
			}

			entries, err := os.ReadDir(absPath)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					w.snapshotBaseline(filepath.Join(absPath, entry.Name()))
				}
			}
		} else {
			// Watch the containing directory so editor rename-and-replace
			// saves are still observed.
			if err := w.fsWatcher.Add(filepath.Dir(absPath)); err != nil {
				return err
			}
			w.snapshotBaseline(absPath)
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

// snapshotBaseline records a file's current content without emitting.
func (w *Watcher) snapshotBaseline(path string) {
	content, err := readSnapshot(path)
	if err != nil {
		return
	}

	w.stateMu.Lock()
	w.state[path] = &docState{content: content, lastMod: time.Now()}
	w.stateMu.Unlock()
}

// eventLoop handles fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case fe, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if fe.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			info, err := os.Stat(fe.Name)
			if err != nil || info.IsDir() {
				continue
			}

			w.stateMu.Lock()
			st, exists := w.state[fe.Name]
			if !exists {
				// First sighting: the file appeared under a watched
				// directory. Its full content becomes the first insert
				// once it stabilizes.
				st = &docState{}
				w.state[fe.Name] = st
			}
			st.lastMod = time.Now()
			st.pending = true
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// debounceLoop periodically scans for files that have settled.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

// checkStableFiles diffs files that have been quiet for the debounce
// interval. File reads happen without the lock so eventLoop is never
// blocked on I/O.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.debounce)

	type candidate struct {
		path    string
		lastMod time.Time
	}

	var stable []candidate
	w.stateMu.Lock()
	for path, st := range w.state {
		if st.pending && st.lastMod.Before(threshold) {
			stable = append(stable, candidate{path: path, lastMod: st.lastMod})
		}
	}
	w.stateMu.Unlock()

	if len(stable) == 0 {
		return
	}

	type snapshot struct {
		path    string
		lastMod time.Time
		content string
		err     error
	}
	snaps := make([]snapshot, len(stable))
	for i, c := range stable {
		content, err := readSnapshot(c.path)
		snaps[i] = snapshot{path: c.path, lastMod: c.lastMod, content: content, err: err}
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, s := range snaps {
		if s.err != nil {
			select {
			case w.errors <- s.err:
			default:
			}
			continue
		}

		st, exists := w.state[s.path]
		if !exists {
			continue
		}
		if st.lastMod != s.lastMod {
			// Modified again during the read; let it stabilize again.
			continue
		}

		ts := now.UnixMilli()
		if st.sessionID == "" || now.Sub(st.lastEventAt) > w.sessionGap {
			st.sessionID = uuid.NewString()
		}

		ev := Infer(DocumentID(s.path), st.sessionID, st.content, s.content, ts)
		if ev == nil {
			st.pending = false
			continue
		}

		select {
		case w.events <- *ev:
			st.content = s.content
			st.pending = false
			st.lastEventAt = now
		default:
			// Channel full, retry on the next tick.
		}
	}
}

// readSnapshot loads a file's content for diffing.
func readSnapshot(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxSnapshotBytes {
		return "", &TooLargeError{Path: path, Size: info.Size()}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TooLargeError reports a watched file exceeding the snapshot limit.
type TooLargeError struct {
	Path string
	Size int64
}

func (e *TooLargeError) Error() string {
	return "capture: file too large to snapshot: " + e.Path
}

// WatchedPaths returns the list of paths being watched.
func (w *Watcher) WatchedPaths() []string {
	return w.paths
}

// TrackedFiles returns the current number of tracked files.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return len(w.state)
}
