// Package syncqueue buffers writing events durably while offline and
// delivers them to the remote store in batches with bounded retry.
//
// The queue owns all writes to the durable buffer. Retries are
// caller-triggered (a periodic timer or a pending threshold); the queue
// provides the retry bookkeeping, never an autonomous retry loop, so it
// stays embeddable in different hosts.
package syncqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quill/internal/event"
	"quill/internal/logging"
	"quill/internal/store"
)

// Reference tunables.
const (
	// DefaultBatchSize caps one sync request's payload.
	DefaultBatchSize = 50

	// DefaultMaxRetries is the delivery budget per event. An event that
	// fails this many attempts is poisoned: still queryable and removable,
	// but never retried automatically again.
	DefaultMaxRetries = 5
)

// Sender transmits one batch of events to the remote store. Any returned
// error, transport or rejection, counts as a failed attempt.
type Sender interface {
	SendBatch(ctx context.Context, documentID string, events []event.WritingEvent) error
}

// SyncStatus is a volatile, derived view of one document's queue state.
// It gates concurrent sync attempts; the durable buffer remains the source
// of truth and the status is always recomputable from it.
type SyncStatus struct {
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	IsSyncing    bool      `json:"is_syncing"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	LastError    string    `json:"last_error,omitempty"`
	RetryCount   int       `json:"retry_count"`
}

// docStatus is the in-memory half of SyncStatus.
type docStatus struct {
	isSyncing  bool
	lastSyncAt time.Time
	lastError  string
	retryCount int
}

// Config tunes a queue. Zero values take the package defaults.
type Config struct {
	BatchSize  int
	MaxRetries int
}

// Queue is the local sync queue for all documents. Mutual exclusion is
// per-document: syncing document A never blocks document B.
type Queue struct {
	store  *store.Store
	sender Sender

	batchSize  int
	maxRetries int

	mu     sync.Mutex
	status map[string]*docStatus
}

// New creates a queue over an injected durable store and batch sender.
func New(st *store.Store, sender Sender, cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:      st,
		sender:     sender,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		status:     make(map[string]*docStatus),
	}
}

// Enqueue validates and durably buffers one event. Once Enqueue returns
// nil the event survives a crash of the host process; this is where zero
// data loss is enforced, independent of network state.
func (q *Queue) Enqueue(ev event.WritingEvent) error {
	if err := event.Validate(ev); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	qe := &store.QueuedEvent{
		WritingEvent: ev,
		QueuedAt:     time.Now().UnixMilli(),
	}
	if err := q.store.InsertEvent(qe); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// EnqueueBatch durably buffers several events in one transaction. A single
// malformed event rejects the whole batch; nothing is partially applied.
func (q *Queue) EnqueueBatch(events []event.WritingEvent) error {
	now := time.Now().UnixMilli()
	qes := make([]*store.QueuedEvent, len(events))
	for i, ev := range events {
		if err := event.Validate(ev); err != nil {
			return fmt.Errorf("enqueue batch item %d: %w", i, err)
		}
		qes[i] = &store.QueuedEvent{WritingEvent: ev, QueuedAt: now}
	}
	if err := q.store.InsertEvents(qes); err != nil {
		return fmt.Errorf("enqueue batch: %w", err)
	}
	return nil
}

// GetPending returns one batch worth of unsynced events for a document,
// oldest timestamp first.
func (q *Queue) GetPending(documentID string) ([]store.QueuedEvent, error) {
	return q.store.GetPending(documentID, q.batchSize)
}

// Sync attempts one batched delivery for a document. It returns false
// without any network call when a sync for the same document is already
// in flight; that contention is expected and silently ignorable, not a
// fault.
func (q *Queue) Sync(ctx context.Context, documentID string) bool {
	q.mu.Lock()
	ds := q.statusLocked(documentID)
	if ds.isSyncing {
		q.mu.Unlock()
		return false
	}
	ds.isSyncing = true
	q.mu.Unlock()

	// isSyncing must clear on every exit path; a stuck flag would block
	// the document's queue forever.
	ok, attemptErr := q.attempt(ctx, documentID)

	q.mu.Lock()
	ds.isSyncing = false
	if ok {
		ds.lastSyncAt = time.Now()
		ds.lastError = ""
		ds.retryCount = 0
	} else if attemptErr != nil {
		ds.lastError = attemptErr.Error()
		ds.retryCount++
	}
	q.mu.Unlock()

	return ok
}

// attempt performs the fetch-filter-transmit-mark cycle for one document.
func (q *Queue) attempt(ctx context.Context, documentID string) (bool, error) {
	pending, err := q.store.GetPending(documentID, q.batchSize)
	if err != nil {
		logging.Error("failed to read pending events", "document_id", documentID, "error", err)
		return false, err
	}

	// Poisoned events are excluded from the attempt; they stay queryable
	// and removable but are never retried automatically again.
	eligible := make([]event.WritingEvent, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, qe := range pending {
		if qe.RetryCount >= q.maxRetries {
			continue
		}
		eligible = append(eligible, qe.WritingEvent)
		ids = append(ids, qe.ID)
	}

	if len(eligible) == 0 {
		return true, nil
	}

	if err := q.sender.SendBatch(ctx, documentID, eligible); err != nil {
		// The failure charges every event pending at attempt time, not
		// just the transmitted subset.
		if _, bumpErr := q.store.BumpRetry(documentID, err.Error()); bumpErr != nil {
			logging.Error("failed to record sync failure", "document_id", documentID, "error", bumpErr)
		}
		logging.Warn("sync attempt failed", "document_id", documentID, "events", len(eligible), "error", err)
		return false, err
	}

	if err := q.store.MarkSynced(ids); err != nil {
		logging.Error("failed to mark events synced", "document_id", documentID, "error", err)
		return false, err
	}

	logging.Debug("sync attempt succeeded", "document_id", documentID, "events", len(eligible))
	return true, nil
}

// SyncAll runs one sync attempt for every document with pending events and
// reports the per-document outcome. Documents are independent; an
// already-syncing document simply reports false.
func (q *Queue) SyncAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)

	docs, err := q.store.DocumentsWithPending()
	if err != nil {
		logging.Error("failed to list documents with pending events", "error", err)
		return results
	}

	for _, docID := range docs {
		results[docID] = q.Sync(ctx, docID)
	}
	return results
}

// ClearFailedEvents permanently discards a document's poisoned events and
// returns the count discarded. This is the explicit, operator-visible
// data-loss escape hatch; it never runs automatically.
func (q *Queue) ClearFailedEvents(documentID string) (int64, error) {
	n, err := q.store.DeleteFailed(documentID, q.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("clear failed events: %w", err)
	}
	if n > 0 {
		logging.Info("discarded poisoned events", "document_id", documentID, "count", n)
	}
	return n, nil
}

// Status recomputes a document's sync status from the durable buffer plus
// the in-memory attempt bookkeeping.
func (q *Queue) Status(documentID string) (SyncStatus, error) {
	pending, err := q.store.PendingCount(documentID)
	if err != nil {
		return SyncStatus{}, err
	}
	failed, err := q.store.FailedCount(documentID, q.maxRetries)
	if err != nil {
		return SyncStatus{}, err
	}

	q.mu.Lock()
	ds := q.statusLocked(documentID)
	st := SyncStatus{
		PendingCount: pending,
		FailedCount:  failed,
		IsSyncing:    ds.isSyncing,
		LastSyncAt:   ds.lastSyncAt,
		LastError:    ds.lastError,
		RetryCount:   ds.retryCount,
	}
	q.mu.Unlock()

	return st, nil
}

// statusLocked returns the docStatus entry, creating it on first use.
// Caller holds the mutex.
func (q *Queue) statusLocked(documentID string) *docStatus {
	ds, ok := q.status[documentID]
	if !ok {
		ds = &docStatus{}
		q.status[documentID] = ds
	}
	return ds
}
