// Package config handles configuration loading, validation, and management for quilld.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Watch configuration for document monitoring.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Checkpoints configuration for replay acceleration.
	Checkpoints CheckpointConfig `toml:"checkpoints" json:"checkpoints" yaml:"checkpoints"`

	// Playback configuration for timeline streaming.
	Playback PlaybackConfig `toml:"playback" json:"playback" yaml:"playback"`

	// Sync configuration for the remote store.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// WatchConfig holds document watching configuration.
type WatchConfig struct {
	// Paths is a list of files or directories to monitor for changes.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// DebounceMs is the debounce interval in milliseconds.
	// Files must be stable for this duration before an event is inferred.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// SessionGapMinutes is the idle duration that closes a writing session.
	SessionGapMinutes int `toml:"session_gap_minutes" json:"session_gap_minutes" yaml:"session_gap_minutes"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the event database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// DataDir is the base directory for checkpoint chains and other state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// CheckpointConfig holds checkpoint policy configuration.
type CheckpointConfig struct {
	// Interval is the number of events between checkpoints.
	// Set to 0 to disable checkpointing.
	Interval int `toml:"interval" json:"interval" yaml:"interval"`
}

// PlaybackConfig holds timeline playback configuration.
type PlaybackConfig struct {
	// DefaultSpeed is the speed multiplier used when none is requested.
	DefaultSpeed float64 `toml:"default_speed" json:"default_speed" yaml:"default_speed"`
}

// SyncConfig holds remote store synchronization configuration.
type SyncConfig struct {
	// Enabled determines whether background sync runs.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// RemoteURL is the base URL of the remote store.
	RemoteURL string `toml:"remote_url" json:"remote_url" yaml:"remote_url"`

	// BatchSize is the maximum number of events per sync request.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`

	// MaxRetries is the retry bound before an event is excluded from sync.
	MaxRetries int `toml:"max_retries" json:"max_retries" yaml:"max_retries"`

	// IntervalSec is the periodic sync interval in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// PendingThreshold triggers an immediate sync once this many events
	// are queued for a document. Set to 0 to rely on the interval alone.
	PendingThreshold int `toml:"pending_threshold" json:"pending_threshold" yaml:"pending_threshold"`

	// TimeoutSec is the per-request timeout for remote calls.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := QuillDir()

	return &Config{
		Watch: WatchConfig{
			Paths:             []string{},
			DebounceMs:        2000,
			SessionGapMinutes: 30,
		},
		Storage: StorageConfig{
			Path:    filepath.Join(dir, "events.db"),
			DataDir: dir,
		},
		Checkpoints: CheckpointConfig{
			Interval: 1000,
		},
		Playback: PlaybackConfig{
			DefaultSpeed: 1.0,
		},
		Sync: SyncConfig{
			Enabled:          false,
			RemoteURL:        "",
			BatchSize:        50,
			MaxRetries:       5,
			IntervalSec:      60,
			PendingThreshold: 100,
			TimeoutSec:       30,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "file",
			FilePath: filepath.Join(dir, "quilld.log"),
		},
	}
}

// QuillDir returns the base quill data directory.
// QUILL_DATA_DIR overrides the platform default.
func QuillDir() string {
	if envDir := os.Getenv("QUILL_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quill"
	}
	return filepath.Join(home, ".quill")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(QuillDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try TOML by default
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the specified path in TOML format.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with QUILL_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("QUILL_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("QUILL_REMOTE_URL"); v != "" {
		c.Sync.RemoteURL = v
		c.Sync.Enabled = true
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUILL_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative, got %d", c.Watch.DebounceMs)
	}
	if c.Watch.SessionGapMinutes < 0 {
		return fmt.Errorf("watch.session_gap_minutes must not be negative, got %d", c.Watch.SessionGapMinutes)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Checkpoints.Interval < 0 {
		return fmt.Errorf("checkpoints.interval must not be negative, got %d", c.Checkpoints.Interval)
	}
	if c.Playback.DefaultSpeed <= 0 {
		return fmt.Errorf("playback.default_speed must be positive, got %g", c.Playback.DefaultSpeed)
	}
	if c.Sync.Enabled && c.Sync.RemoteURL == "" {
		return fmt.Errorf("sync.remote_url required when sync is enabled")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.IntervalSec <= 0 {
		return fmt.Errorf("sync.interval_sec must be positive, got %d", c.Sync.IntervalSec)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.Storage.DataDir,
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Watch.Paths = append([]string{}, c.Watch.Paths...)
	return &clone
}
