// Package config holds the small set of tunables the snapshot and
// rebalance core needs. Loading these from a file, flag set, or cluster-wide
// config service is out of scope (spec §1) — callers build a Config
// literal or via With* options, the way the paged-store layer this core is
// adapted from is constructed with plain functional options.
package config

import "time"

// Config bundles the tunables consumed by the snapshot, transmission, and
// rebalance packages.
type Config struct {
	// ChunkSize is the default number of bytes transferred per chunk when a
	// CHUNK-policy consumer doesn't request a different size (§4.5).
	ChunkSize int

	// SnapshotExecutorConcurrency bounds the number of partition/metadata
	// sub-tasks a single snapshot task runs concurrently (§5).
	SnapshotExecutorConcurrency int

	// CheckpointQueueDepth bounds the FIFO of operations scheduled onto the
	// checkpoint thread (§4.7, §9).
	CheckpointQueueDepth int

	// ReconnectBackoff is the delay between a failed transmission and a
	// reconnect attempt (§4.5 IOError retry).
	ReconnectBackoff time.Duration

	// TempDirRoot is the parent directory under which per-snapshot temp
	// directories are created (§3 tmpDir).
	TempDirRoot string
}

// Default returns a Config with conservative, test-friendly defaults.
func Default() Config {
	return Config{
		ChunkSize:                   256 * 1024,
		SnapshotExecutorConcurrency: 4,
		CheckpointQueueDepth:        64,
		ReconnectBackoff:            200 * time.Millisecond,
		TempDirRoot:                 "",
	}
}

// Option mutates a Config in place; used by constructors that want a
// functional-options call shape without requiring every caller to build a
// full literal.
type Option func(*Config)

// WithChunkSize overrides the default chunk size.
func WithChunkSize(n int) Option {
	return func(c *Config) { c.ChunkSize = n }
}

// WithSnapshotExecutorConcurrency overrides the snapshot fan-out bound.
func WithSnapshotExecutorConcurrency(n int) Option {
	return func(c *Config) { c.SnapshotExecutorConcurrency = n }
}

// WithTempDirRoot overrides the parent of per-snapshot temp directories.
func WithTempDirRoot(dir string) Option {
	return func(c *Config) { c.TempDirRoot = dir }
}

// New builds a Config from Default() with the given options applied.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
