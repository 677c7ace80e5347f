// quillctl is the control CLI for quilld.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"quill/internal/capture"
	"quill/internal/checkpoint"
	"quill/internal/config"
	"quill/internal/event"
	"quill/internal/playback"
	"quill/internal/replay"
	"quill/internal/store"
	"quill/internal/syncqueue"
	"quill/internal/transport"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "docs":
		cmdDocs()
	case "history":
		requireDoc("history")
		cmdHistory(resolveDoc(flag.Arg(1)))
	case "stats":
		requireDoc("stats")
		cmdStats(resolveDoc(flag.Arg(1)))
	case "replay":
		requireDoc("replay")
		cmdReplay(resolveDoc(flag.Arg(1)), flag.Args()[2:])
	case "play":
		requireDoc("play")
		cmdPlay(resolveDoc(flag.Arg(1)), flag.Args()[2:])
	case "sync":
		cmdSync(flag.Args()[1:])
	case "clear-failed":
		requireDoc("clear-failed")
		cmdClearFailed(resolveDoc(flag.Arg(1)))
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `quillctl - Control utility for quilld

Usage: quillctl [options] <command> [args]

Commands:
  status                 Show daemon storage and sync status
  docs                   List recorded documents
  history <doc>          Print the event history for a document
  stats <doc>            Show writing statistics for a document
  replay <doc> [-at ms]  Reconstruct document content
  play <doc> [-speed n]  Play back the writing timeline in the terminal
  sync [doc]             Sync pending events to the remote store
  clear-failed <doc>     Drop events that exhausted their retries
  help                   Show this help message

A <doc> argument is either a document id or a file path; paths are
mapped to the id quilld derived for them.

Options:
  -config <path>  Path to config file (default: ~/.quill/config.toml)`)
}

func requireDoc(cmd string) {
	if flag.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Usage: quillctl %s <doc>\n", cmd)
		os.Exit(1)
	}
}

// resolveDoc maps a file path argument to its document id. A bare id
// passes through unchanged.
func resolveDoc(arg string) string {
	if strings.ContainsAny(arg, "/\\.") {
		return capture.DocumentID(arg)
	}
	return arg
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening event store: %v\n", err)
		os.Exit(1)
	}
	return st
}

func loadEvents(st *store.Store, documentID string) []event.WritingEvent {
	events, err := st.ListEvents(documentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading events: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Fprintf(os.Stderr, "No events recorded for document %s\n", documentID)
		os.Exit(1)
	}
	return events
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("=== quilld Status ===")
	fmt.Println()

	fmt.Printf("Data directory: %s\n", cfg.Storage.DataDir)

	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println("Event store: not created yet")
		return
	}

	st := openStore(cfg)
	defer st.Close()

	docs, err := st.Documents()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing documents: %v\n", err)
		os.Exit(1)
	}

	info, _ := os.Stat(cfg.Storage.Path)
	if info != nil {
		fmt.Printf("Event store: %s (%s)\n", cfg.Storage.Path, formatBytes(info.Size()))
	}
	fmt.Printf("Documents: %d\n", len(docs))
	fmt.Println()

	if cfg.Sync.Enabled {
		fmt.Printf("Remote store: %s\n", cfg.Sync.RemoteURL)
	} else {
		fmt.Println("Remote store: disabled")
	}

	queue := syncqueue.New(st, nil, syncqueue.Config{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
	})

	if len(docs) > 0 {
		fmt.Println()
		fmt.Printf("%-18s %-8s %-8s %-8s\n", "Document", "Events", "Pending", "Failed")
		fmt.Println(strings.Repeat("-", 46))
		for _, doc := range docs {
			total, _ := st.CountEvents(doc)
			status, err := queue.Status(doc)
			if err != nil {
				fmt.Printf("%-18s error: %v\n", doc, err)
				continue
			}
			fmt.Printf("%-18s %-8d %-8d %-8d\n", doc, total, status.PendingCount, status.FailedCount)
		}
	}
}

func cmdDocs() {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	docs, err := st.Documents()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing documents: %v\n", err)
		os.Exit(1)
	}
	if len(docs) == 0 {
		fmt.Println("No documents recorded.")
		return
	}
	for _, doc := range docs {
		n, _ := st.CountEvents(doc)
		fmt.Printf("%s  (%d events)\n", doc, n)
	}
}

func cmdHistory(documentID string) {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	events := loadEvents(st, documentID)

	fmt.Printf("=== History for %s ===\n", documentID)
	fmt.Printf("%-24s %-8s %-6s %s\n", "Time", "Type", "Pos", "Text")
	fmt.Println(strings.Repeat("-", 60))

	for _, ev := range events {
		ts := time.UnixMilli(ev.Timestamp).Format("2006-01-02 15:04:05.000")
		text := ev.Content
		if ev.Type == event.TypeDelete {
			text = ev.ContentBefore
		}
		fmt.Printf("%-24s %-8s %-6d %s\n", ts, ev.Type, ev.Position, excerpt(text, 30))
	}

	report := replay.ValidateOrdering(events)
	if !report.Valid {
		fmt.Println()
		fmt.Printf("WARNING: %d ordering violations detected:\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Printf("  - %v\n", e)
		}
	}
}

func cmdStats(documentID string) {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	events := loadEvents(st, documentID)
	stats := replay.CalculateStats(events)

	fmt.Printf("=== Statistics for %s ===\n", documentID)
	fmt.Printf("Events:        %d (%d inserts, %d deletes, %d replaces)\n",
		stats.TotalEvents, stats.Inserts, stats.Deletes, stats.Replaces)
	fmt.Printf("Chars written: %d\n", stats.CharsWritten)
	fmt.Printf("Chars deleted: %d\n", stats.CharsDeleted)
	fmt.Printf("Sessions:      %d\n", stats.SessionCount)
	fmt.Printf("First event:   %s\n", time.UnixMilli(stats.FirstEventAt).Format(time.RFC3339))
	fmt.Printf("Last event:    %s\n", time.UnixMilli(stats.LastEventAt).Format(time.RFC3339))

	span := time.Duration(stats.LastEventAt-stats.FirstEventAt) * time.Millisecond
	fmt.Printf("Writing span:  %s\n", span.Round(time.Second))
}

func cmdReplay(documentID string, args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	at := fs.Int64("at", 0, "reconstruct content as of this timestamp (unix ms)")
	fs.Parse(args)

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	events := loadEvents(st, documentID)

	chain, err := checkpoint.GetOrCreateChain(cfg.Storage.DataDir, documentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading checkpoint chain: %v\n", err)
		os.Exit(1)
	}

	if *at > 0 {
		content := replay.ReplayUpTo(events, *at, chain.BestFor(len(events)))
		fmt.Print(content)
		return
	}

	result := replay.Replay(events, chain.BestFor(len(events)))
	for _, a := range result.Anomalies {
		fmt.Fprintf(os.Stderr, "warning: %s at event %d (%s): %s\n", a.Kind, a.Index, a.EventID, a.Detail)
	}
	fmt.Print(result.Content)
}

func cmdPlay(documentID string, args []string) {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	speed := fs.Float64("speed", 0, "playback speed multiplier")
	fs.Parse(args)

	cfg := loadConfig()
	if *speed <= 0 {
		*speed = cfg.Playback.DefaultSpeed
	}

	st := openStore(cfg)
	events := loadEvents(st, documentID)
	st.Close()

	player, err := playback.NewPlayer(events, *speed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating player: %v\n", err)
		os.Exit(1)
	}

	total := time.Duration(player.Total()) * time.Millisecond
	fmt.Printf("Playing %d events over %s (speed %gx). Ctrl-C to stop.\n\n",
		len(events), total.Round(time.Second), *speed)

	player.Play()
	for frame := range player.Frames() {
		// Redraw the document from the top on each frame.
		fmt.Print("\033[H\033[2J")
		fmt.Printf("[%3.0f%%] event %d/%d\n\n", frame.Progress, frame.EventIndex+1, frame.TotalEvents)
		fmt.Println(frame.Content)
		if frame.EventIndex == frame.TotalEvents-1 {
			break
		}
	}

	fmt.Println("\nPlayback complete.")
}

func cmdSync(args []string) {
	cfg := loadConfig()
	if !cfg.Sync.Enabled {
		fmt.Fprintln(os.Stderr, "Sync is not enabled. Set sync.remote_url in the config or QUILL_REMOTE_URL.")
		os.Exit(1)
	}

	st := openStore(cfg)
	defer st.Close()

	client, err := transport.NewClient(cfg.Sync.RemoteURL, time.Duration(cfg.Sync.TimeoutSec)*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating sync client: %v\n", err)
		os.Exit(1)
	}

	queue := syncqueue.New(st, client, syncqueue.Config{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var results map[string]bool
	if len(args) > 0 {
		doc := resolveDoc(args[0])
		results = map[string]bool{doc: queue.Sync(ctx, doc)}
	} else {
		results = queue.SyncAll(ctx)
	}

	if len(results) == 0 {
		fmt.Println("Nothing to sync.")
		return
	}

	failed := 0
	for doc, ok := range results {
		if ok {
			fmt.Printf("✓ %s synced\n", doc)
			continue
		}
		failed++
		status, err := queue.Status(doc)
		if err != nil {
			fmt.Printf("✗ %s sync failed\n", doc)
			continue
		}
		fmt.Printf("✗ %s sync failed: %s (%d pending, %d poisoned)\n",
			doc, status.LastError, status.PendingCount, status.FailedCount)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func cmdClearFailed(documentID string) {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	queue := syncqueue.New(st, nil, syncqueue.Config{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
	})

	n, err := queue.ClearFailedEvents(documentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing failed events: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d events that exhausted their retries.\n", n)
}

// Helper functions

func excerpt(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
