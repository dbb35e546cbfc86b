// Package config provides configuration for the search folder service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/text/language"
)

// Config holds the search folder service configuration.
type Config struct {
	// StorePath is the pebble directory holding criteria, status and result rows.
	// Defaults to "searchfolders" under the data directory.
	StorePath string `yaml:"store_path"`

	// BlockCacheSize is the pebble block cache size in bytes.
	// Defaults to 32MB.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// Workers is the number of rebuilds that may run at once.
	// Default: 2
	Workers int `yaml:"workers"`

	// ChunkSize is the number of candidate rows fetched and evaluated per
	// rebuild step. Cancellation is checked between chunks.
	// Default: 500
	ChunkSize int `yaml:"chunk_size"`

	// RebuildQPS caps the rows per second a single rebuild evaluates.
	// Zero disables the limit.
	// Default: 5000
	RebuildQPS int `yaml:"rebuild_qps"`

	// FlushInterval is the longest the processor sleeps before draining the
	// event queue.
	// Default: 1s
	FlushInterval time.Duration `yaml:"flush_interval"`

	// QueueCapacity bounds the number of distinct objects waiting in the
	// event queue. Events beyond it are dropped.
	// Default: 65536
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxParkedEvents bounds the events held back per folder while it rebuilds.
	// Default: 10000
	MaxParkedEvents int `yaml:"max_parked_events"`

	// Locale is the BCP-47 tag used for string comparison.
	// Default: "en"
	Locale string `yaml:"locale"`
}

// DefaultConfig returns the default search folder configuration.
func DefaultConfig() Config {
	return Config{
		StorePath:       "searchfolders",
		BlockCacheSize:  32 << 20,
		Workers:         2,
		ChunkSize:       500,
		RebuildQPS:      5000,
		FlushInterval:   time.Second,
		QueueCapacity:   65536,
		MaxParkedEvents: 10000,
		Locale:          "en",
	}
}

// ApplyDefaults fills zero values with defaults.
// RebuildQPS is left alone: zero means unlimited.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.StorePath == "" {
		c.StorePath = defaults.StorePath
	}
	if c.BlockCacheSize == 0 {
		c.BlockCacheSize = defaults.BlockCacheSize
	}
	if c.Workers == 0 {
		c.Workers = defaults.Workers
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaults.ChunkSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaults.QueueCapacity
	}
	if c.MaxParkedEvents == 0 {
		c.MaxParkedEvents = defaults.MaxParkedEvents
	}
	if c.Locale == "" {
		c.Locale = defaults.Locale
	}
}

// ApplyEnvOverrides applies SEARCHFOLDER_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("SEARCHFOLDER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("SEARCHFOLDER_REBUILD_QPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RebuildQPS = n
		}
	}
	if v := os.Getenv("SEARCHFOLDER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.FlushInterval = d
		}
	}
	if v := os.Getenv("SEARCHFOLDER_LOCALE"); v != "" {
		c.Locale = v
	}
}

// ResolvePaths resolves a relative StorePath against dataDir.
func (c *Config) ResolvePaths(_, dataDir string) {
	if c.StorePath != "" && !filepath.IsAbs(c.StorePath) && dataDir != "" {
		c.StorePath = filepath.Join(dataDir, c.StorePath)
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("search_folders.store_path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("search_folders.workers must be positive, got %d", c.Workers)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("search_folders.chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.RebuildQPS < 0 {
		return fmt.Errorf("search_folders.rebuild_qps cannot be negative, got %d", c.RebuildQPS)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("search_folders.flush_interval must be positive, got %v", c.FlushInterval)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("search_folders.queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MaxParkedEvents < 0 {
		return fmt.Errorf("search_folders.max_parked_events cannot be negative, got %d", c.MaxParkedEvents)
	}
	if _, err := language.Parse(c.Locale); err != nil {
		return fmt.Errorf("search_folders.locale %q: %w", c.Locale, err)
	}
	return nil
}
