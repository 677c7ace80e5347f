// quilld watches documents, records writing events, and syncs them to the
// remote store when one is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quill/internal/capture"
	"quill/internal/checkpoint"
	"quill/internal/config"
	"quill/internal/logging"
	"quill/internal/replay"
	"quill/internal/store"
	"quill/internal/syncqueue"
	"quill/internal/transport"
)

var (
	configPath = flag.String("config", "", "path to config file")
	watchFlag  = flag.String("watch", "", "additional path to watch")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *watchFlag != "" {
		cfg.Watch.Paths = append(cfg.Watch.Paths, *watchFlag)
	}
	if len(cfg.Watch.Paths) == 0 {
		fmt.Fprintln(os.Stderr, "No watch paths configured. Set [watch] paths in the config or pass -watch.")
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		Level:     mustLevel(cfg.Logging.Level),
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "quilld",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logging.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	logging.Info("quilld started",
		"paths", cfg.Watch.Paths,
		"storage", cfg.Storage.Path,
		"sync_enabled", cfg.Sync.Enabled)

	if err := d.run(ctx); err != nil {
		logging.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func mustLevel(s string) logging.Level {
	lvl, err := logging.ParseLevel(s)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

// daemon wires capture, storage, checkpoints, and sync together.
type daemon struct {
	cfg     *config.Config
	st      *store.Store
	queue   *syncqueue.Queue
	watcher *capture.Watcher
	policy  checkpoint.Policy
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	var sender syncqueue.Sender
	if cfg.Sync.Enabled {
		client, err := transport.NewClient(cfg.Sync.RemoteURL, time.Duration(cfg.Sync.TimeoutSec)*time.Second)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("create sync client: %w", err)
		}
		sender = client
	}

	queue := syncqueue.New(st, sender, syncqueue.Config{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
	})

	watcher, err := capture.NewWatcher(cfg.Watch.Paths, time.Duration(cfg.Watch.DebounceMs)*time.Millisecond)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if cfg.Watch.SessionGapMinutes > 0 {
		watcher.SetSessionGap(time.Duration(cfg.Watch.SessionGapMinutes) * time.Minute)
	}

	return &daemon{
		cfg:     cfg,
		st:      st,
		queue:   queue,
		watcher: watcher,
		policy:  checkpoint.Policy{Interval: cfg.Checkpoints.Interval},
	}, nil
}

func (d *daemon) run(ctx context.Context) error {
	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	var syncTick <-chan time.Time
	if d.cfg.Sync.Enabled {
		ticker := time.NewTicker(time.Duration(d.cfg.Sync.IntervalSec) * time.Second)
		defer ticker.Stop()
		syncTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if d.cfg.Sync.Enabled {
				// Final flush with a short deadline so shutdown is bounded.
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				d.queue.SyncAll(flushCtx)
				cancel()
			}
			if err := d.watcher.Stop(); err != nil {
				logging.Warn("stopping watcher", "error", err)
			}
			return d.st.Close()

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return nil
			}
			if err := d.queue.Enqueue(ev); err != nil {
				logging.Error("recording event", "document", ev.DocumentID, "error", err)
				continue
			}
			logging.Debug("event recorded",
				"document", ev.DocumentID,
				"type", string(ev.Type),
				"position", ev.Position)

			d.maintainCheckpoints(ev.DocumentID)

			if d.cfg.Sync.Enabled && d.cfg.Sync.PendingThreshold > 0 {
				if n, err := d.st.PendingCount(ev.DocumentID); err == nil && n >= d.cfg.Sync.PendingThreshold {
					go d.queue.Sync(ctx, ev.DocumentID)
				}
			}

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return nil
			}
			logging.Warn("watcher error", "error", err)

		case <-syncTick:
			results := d.queue.SyncAll(ctx)
			for doc, ok := range results {
				if !ok {
					logging.Debug("sync incomplete", "document", doc)
				}
			}
		}
	}
}

// maintainCheckpoints appends a checkpoint when the event count crosses
// the policy interval. Replay from the previous checkpoint keeps the
// cost proportional to the interval, not the full history.
func (d *daemon) maintainCheckpoints(documentID string) {
	n, err := d.st.CountEvents(documentID)
	if err != nil {
		logging.Warn("counting events", "document", documentID, "error", err)
		return
	}
	if !d.policy.ShouldCheckpoint(n) {
		return
	}

	chain, err := checkpoint.GetOrCreateChain(d.cfg.Storage.DataDir, documentID)
	if err != nil {
		logging.Warn("loading checkpoint chain", "document", documentID, "error", err)
		return
	}
	if latest := chain.Latest(); latest != nil && latest.EventCount >= n {
		return
	}

	events, err := d.st.ListEvents(documentID)
	if err != nil {
		logging.Warn("listing events", "document", documentID, "error", err)
		return
	}

	result := replay.Replay(events, chain.BestFor(len(events)))
	if _, err := chain.Append(len(events), result.Content); err != nil {
		logging.Warn("appending checkpoint", "document", documentID, "error", err)
		return
	}
	if err := chain.Save(chain.StoragePath()); err != nil {
		logging.Warn("saving checkpoint chain", "document", documentID, "error", err)
		return
	}

	logging.Info("checkpoint created",
		"document", documentID,
		"event_count", len(events),
		"content_len", len(result.Content))
}
