// Package config holds the daemon's environment-derived configuration.
// It follows the functional-options shape used throughout the teacher
// WAL library (WithSegmentSize, WithMetaStore, ...) rather than a
// flag/viper library, since the surface here is a single flat struct
// read once at startup (see DESIGN.md for why stdlib suffices).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of environment/flag knobs named in spec §6.
type Config struct {
	Roots        []string
	SnapshotPath string
	NoSnapshot   bool
	NoBuild      bool
	NoWatch      bool
	IgnorePaths  []string
	HTTPPort     uint16

	// RebuildCooldown is the minimum time between rebuild starts (§9 open
	// question default: 5s).
	RebuildCooldown time.Duration

	// CompactionThreshold is len(delta_ids) at which compaction triggers (§4.8).
	CompactionThreshold int

	// StatsInterval is how often StatsReporter emits a report (§4.10).
	StatsInterval time.Duration

	// FlushInterval is how often the background flush worker calls
	// FlushNow (spec §5's "two background workers: flush and rebuild").
	// FlushNow itself is a cheap no-op when nothing is dirty.
	FlushInterval time.Duration
}

type Option func(*Config)

func WithRebuildCooldown(d time.Duration) Option {
	return func(c *Config) { c.RebuildCooldown = d }
}

func WithCompactionThreshold(n int) Option {
	return func(c *Config) { c.CompactionThreshold = n }
}

func WithStatsInterval(d time.Duration) Option {
	return func(c *Config) { c.StatsInterval = d }
}

func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}

func WithIgnorePaths(paths ...string) Option {
	return func(c *Config) { c.IgnorePaths = append(c.IgnorePaths, paths...) }
}

// Default returns a Config with the spec's suggested defaults applied.
func Default() Config {
	return Config{
		RebuildCooldown:     5 * time.Second,
		CompactionThreshold: 4,
		StatsInterval:       30 * time.Second,
		FlushInterval:       10 * time.Second,
		HTTPPort:            8080,
	}
}

// FromEnv populates a Config from the process environment, applying opts
// after the environment so callers can override in tests.
func FromEnv(opts ...Option) (Config, error) {
	c := Default()

	roots := os.Getenv("FILETRIE_ROOT")
	if roots == "" {
		return Config{}, fmt.Errorf("config: FILETRIE_ROOT is required")
	}
	c.Roots = splitNonEmpty(roots, ":")

	c.SnapshotPath = os.Getenv("FILETRIE_SNAPSHOT_PATH")
	if c.SnapshotPath == "" {
		c.SnapshotPath = filepath.Join(c.Roots[0], ".filetrie-index")
	}
	c.NoSnapshot = envBool("FILETRIE_NO_SNAPSHOT")
	c.NoBuild = envBool("FILETRIE_NO_BUILD")
	c.NoWatch = envBool("FILETRIE_NO_WATCH")
	c.IgnorePaths = splitNonEmpty(os.Getenv("FILETRIE_IGNORE_PATH"), ":")

	if v := os.Getenv("FILETRIE_HTTP_PORT"); v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("config: FILETRIE_HTTP_PORT: %w", err)
		}
		c.HTTPPort = uint16(p)
	}

	for _, opt := range opts {
		opt(&c)
	}

	// The snapshot path and its .d/ sibling must never be watched, or a
	// flush becomes a self-triggering watch event (spec §6).
	c.IgnorePaths = append(c.IgnorePaths, c.SnapshotPath, c.SnapshotPath+".d")

	return c, nil
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
