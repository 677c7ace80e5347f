// Package checkpoint decides when a full-content snapshot of a document
// should be captured, and caches those snapshots locally as a per-document
// chain.
//
// Checkpoints are purely a replay-cost optimization: a checkpoint at event
// count N records the content produced by replaying exactly the first N
// events in timestamp order. Deleting every checkpoint must never change
// replay results, only how long replay takes.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultInterval is the reference checkpoint interval: with a snapshot
// every 1000 events, worst-case replay is one checkpoint fetch plus at most
// 1000 event applications, independent of total history length.
const DefaultInterval = 1000

// Checkpoint is an immutable full-content snapshot at a known log position.
// Later checkpoints supersede earlier ones; an existing checkpoint is never
// edited in place.
type Checkpoint struct {
	DocumentID  string    `json:"document_id"`
	EventCount  int       `json:"event_count"`
	FullContent string    `json:"full_content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Policy decides when, not how, to snapshot. Computing the snapshot content
// (via the replay engine) and persisting it is the caller's responsibility.
type Policy struct {
	Interval int
}

// DefaultPolicy returns a policy with the reference interval.
func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval}
}

// ShouldCheckpoint reports whether a snapshot is due after eventCount
// committed events.
func (p Policy) ShouldCheckpoint(eventCount int) bool {
	if p.Interval <= 0 {
		return false
	}
	return eventCount > 0 && eventCount%p.Interval == 0
}

// Chain is the locally cached checkpoint sequence for one document,
// persisted as a single JSON file under the quill data directory.
type Chain struct {
	DocumentID  string        `json:"document_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Checkpoints []*Checkpoint `json:"checkpoints"`

	storagePath string
}

// NewChain creates an empty chain for a document.
func NewChain(documentID string) *Chain {
	return &Chain{
		DocumentID:  documentID,
		CreatedAt:   time.Now(),
		Checkpoints: make([]*Checkpoint, 0),
	}
}

// Append records a new checkpoint. The new snapshot must cover strictly
// more events than the latest existing one; anything else indicates the
// caller replayed a stale view.
func (c *Chain) Append(eventCount int, fullContent string) (*Checkpoint, error) {
	if eventCount <= 0 {
		return nil, fmt.Errorf("checkpoint event count must be positive, got %d", eventCount)
	}
	if latest := c.Latest(); latest != nil && eventCount <= latest.EventCount {
		return nil, fmt.Errorf("checkpoint at %d events would not supersede latest at %d", eventCount, latest.EventCount)
	}

	cp := &Checkpoint{
		DocumentID:  c.DocumentID,
		EventCount:  eventCount,
		FullContent: fullContent,
		CreatedAt:   time.Now(),
	}
	c.Checkpoints = append(c.Checkpoints, cp)
	return cp, nil
}

// Latest returns the most recent checkpoint, or nil if the chain is empty.
func (c *Chain) Latest() *Checkpoint {
	if len(c.Checkpoints) == 0 {
		return nil
	}
	return c.Checkpoints[len(c.Checkpoints)-1]
}

// BestFor returns the newest checkpoint covering at most eventCount events,
// or nil when no checkpoint is usable. Checkpoints are appended in
// increasing EventCount order, so the scan runs from the tail.
func (c *Chain) BestFor(eventCount int) *Checkpoint {
	for i := len(c.Checkpoints) - 1; i >= 0; i-- {
		if c.Checkpoints[i].EventCount <= eventCount {
			return c.Checkpoints[i]
		}
	}
	return nil
}

// Save persists the chain to disk.
func (c *Chain) Save(path string) error {
	c.storagePath = path

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create chain directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}

	return nil
}

// Load reads a chain from disk.
func Load(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}

	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}

	c.storagePath = path
	return &c, nil
}

// ChainPath returns the storage location for a document's chain file.
func ChainPath(dataDir, documentID string) string {
	return filepath.Join(dataDir, "checkpoints", documentID+".json")
}

// GetOrCreateChain loads a document's chain, or creates an empty one when
// none has been saved yet.
func GetOrCreateChain(dataDir, documentID string) (*Chain, error) {
	path := ChainPath(dataDir, documentID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			c := NewChain(documentID)
			c.storagePath = path
			return c, nil
		}
		return nil, err
	}
	return Load(path)
}

// StoragePath returns where the chain is persisted.
func (c *Chain) StoragePath() string {
	return c.storagePath
}
