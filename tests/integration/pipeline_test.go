//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quill/internal/capture"
	"quill/internal/checkpoint"
	"quill/internal/event"
	"quill/internal/playback"
	"quill/internal/replay"
	"quill/internal/store"
	"quill/internal/syncqueue"
	"quill/internal/transport"
)

// remoteStore is a minimal in-memory stand-in for the remote event store.
type remoteStore struct {
	mu     sync.Mutex
	events map[string][]event.WritingEvent
	fail   bool
}

func (r *remoteStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		var batch transport.BatchRequest
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.events == nil {
			r.events = make(map[string][]event.WritingEvent)
		}
		r.events[batch.DocumentID] = append(r.events[batch.DocumentID], batch.Events...)

		json.NewEncoder(w).Encode(transport.BatchResponse{
			Success:       true,
			InsertedCount: len(batch.Events),
		})
	})
}

func (r *remoteStore) count(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[documentID])
}

func (r *remoteStore) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

// TestCaptureToReplayPipeline drives the full path: file edits are
// captured as events, buffered locally, synced to a remote store, and
// the remote copy replays to the final file content.
func TestCaptureToReplayPipeline(t *testing.T) {
	tmpDir := t.TempDir()

	remote := &remoteStore{}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	st, err := store.Open(filepath.Join(tmpDir, "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	client, err := transport.NewClient(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	queue := syncqueue.New(st, client, syncqueue.Config{})

	docDir := filepath.Join(tmpDir, "docs")
	if err := os.MkdirAll(docDir, 0700); err != nil {
		t.Fatal(err)
	}
	docFile := filepath.Join(docDir, "draft.md")

	watcher, err := capture.NewWatcher([]string{docDir}, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	// Simulate a writing session: each revision settles past the
	// debounce window and becomes one event.
	revisions := []string{
		"Once upon",
		"Once upon a time",
		"Once upon a midnight",
	}
	for i, rev := range revisions {
		if err := os.WriteFile(docFile, []byte(rev), 0600); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-watcher.Events():
			if err := queue.Enqueue(ev); err != nil {
				t.Fatalf("enqueue revision %d: %v", i, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for revision %d", i)
		}
	}

	docID := capture.DocumentID(docFile)

	local, err := st.ListEvents(docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(local))
	}

	if ok := queue.Sync(context.Background(), docID); !ok {
		t.Fatal("sync should succeed")
	}
	if remote.count(docID) != 3 {
		t.Fatalf("expected 3 events on remote, got %d", remote.count(docID))
	}

	// The remote copy reconstructs the final file content.
	remote.mu.Lock()
	result := replay.Replay(remote.events[docID], nil)
	remote.mu.Unlock()

	if result.Content != "Once upon a midnight" {
		t.Errorf("remote replay mismatch: %q", result.Content)
	}
	if len(result.Anomalies) != 0 {
		t.Errorf("unexpected anomalies: %v", result.Anomalies)
	}

	// The local buffer still replays after syncing; synced events stay
	// available as the offline cache.
	cached, err := st.ListEvents(docID)
	if err != nil {
		t.Fatal(err)
	}
	if got := replay.Replay(cached, nil).Content; got != "Once upon a midnight" {
		t.Errorf("local replay mismatch: %q", got)
	}
}

// TestOfflineBufferingAndRecovery verifies events survive a process
// restart and sync once the remote comes back.
func TestOfflineBufferingAndRecovery(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "events.db")

	remote := &remoteStore{}
	remote.setFail(true)
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	client, err := transport.NewClient(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	queue := syncqueue.New(st, client, syncqueue.Config{})

	ev := event.New("doc-offline", "s1", 100, event.TypeInsert, 0, "buffered while offline", "")
	if err := queue.Enqueue(ev); err != nil {
		t.Fatal(err)
	}

	if ok := queue.Sync(context.Background(), "doc-offline"); ok {
		t.Fatal("sync should fail while remote is down")
	}

	// Simulate a daemon restart.
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	st2, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	queue2 := syncqueue.New(st2, client, syncqueue.Config{})

	status, err := queue2.Status("doc-offline")
	if err != nil {
		t.Fatal(err)
	}
	if status.PendingCount != 1 {
		t.Fatalf("expected 1 pending event after restart, got %d", status.PendingCount)
	}

	remote.setFail(false)

	if ok := queue2.Sync(context.Background(), "doc-offline"); !ok {
		t.Fatal("sync should succeed once remote recovers")
	}
	if remote.count("doc-offline") != 1 {
		t.Fatalf("expected 1 event on remote, got %d", remote.count("doc-offline"))
	}
}

// TestCheckpointAcceleratedReplayMatches builds a long history, saves a
// checkpoint chain, and checks the accelerated replay agrees with the
// full fold.
func TestCheckpointAcceleratedReplayMatches(t *testing.T) {
	tmpDir := t.TempDir()

	var events []event.WritingEvent
	content := ""
	for i := 0; i < 250; i++ {
		ev := event.New("doc-long", "s1", int64(i*100), event.TypeInsert, i, "x", "")
		events = append(events, ev)
		next, err := replay.Apply(content, ev)
		if err != nil {
			t.Fatal(err)
		}
		content = next
	}

	policy := checkpoint.Policy{Interval: 100}
	chain, err := checkpoint.GetOrCreateChain(tmpDir, "doc-long")
	if err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= len(events); n++ {
		if policy.ShouldCheckpoint(n) {
			snapshot := replay.Replay(events[:n], chain.BestFor(n))
			if _, err := chain.Append(n, snapshot.Content); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := chain.Save(chain.StoragePath()); err != nil {
		t.Fatal(err)
	}

	reloaded, err := checkpoint.GetOrCreateChain(tmpDir, "doc-long")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Latest() == nil || reloaded.Latest().EventCount != 200 {
		t.Fatalf("expected latest checkpoint at 200 events, got %+v", reloaded.Latest())
	}

	accelerated := replay.Replay(events, reloaded.BestFor(len(events)))
	if !accelerated.UsedCheckpoint {
		t.Error("replay should start from the checkpoint")
	}
	if accelerated.Content != content {
		t.Error("accelerated replay must match the full fold")
	}
	if accelerated.EventCount != len(events) {
		t.Errorf("expected event count %d, got %d", len(events), accelerated.EventCount)
	}
}

// TestPlaybackOfCapturedHistory plays a captured history end to end and
// checks the final frame matches the replayed content.
func TestPlaybackOfCapturedHistory(t *testing.T) {
	var events []event.WritingEvent
	words := []string{"The ", "quick ", "brown ", "fox"}
	pos := 0
	for i, w := range words {
		ev := event.New("doc-play", "s1", int64(i*50), event.TypeInsert, pos, w, "")
		events = append(events, ev)
		pos += len(w)
	}

	player, err := playback.NewPlayer(events, 4.0)
	if err != nil {
		t.Fatal(err)
	}
	player.Play()

	var last playback.Frame
	deadline := time.After(5 * time.Second)
	for i := 0; i < len(events); i++ {
		select {
		case last = <-player.Frames():
		case <-deadline:
			t.Fatalf("timeout after %d frames", i)
		}
	}

	want := replay.Replay(events, nil).Content
	if last.Content != want {
		t.Errorf("final frame %q does not match replay %q", last.Content, want)
	}
	if last.Progress != 100 {
		t.Errorf("expected progress 100, got %g", last.Progress)
	}
}
