// Package lsmtree is a persistent ordered key-value store organized as a
// Log-Structured Merge tree over fixed-width 32-bit signed integer keys
// and values.
package lsmtree

import (
	"os"

	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/logging"
)

// Logger is an alias for the logging.Logger interface, so callers can
// supply their own implementation without importing internal/logging.
type Logger = logging.Logger

// Policy is an alias for coretypes.Policy.
type Policy = coretypes.Policy

// Policy constants.
const (
	Tiered      = coretypes.Tiered
	Leveled     = coretypes.Leveled
	LazyLeveled = coretypes.LazyLeveled
	Partial     = coretypes.Partial
)

// Config holds every tree-level and startup option named in the command
// protocol's configuration section.
type Config struct {
	// DataDir is the directory run files and the manifest live under.
	DataDir string

	// BufferPages is the memtable capacity, expressed in pages; Buffer
	// records = BufferPages * PageSize.
	BufferPages int

	// PageSize is the number of records per disk page (fence-pointer
	// granularity). Defaults to the OS page size divided by record size
	// when zero.
	PageSize int

	// Fanout is the level capacity ratio T, must be >= 2.
	Fanout int

	// LevelPolicy selects TIERED, LEVELED, LAZY_LEVELED or PARTIAL.
	LevelPolicy Policy

	// BloomErrorRate is the target false-positive rate for new runs'
	// Bloom filters (default 1e-5).
	BloomErrorRate float64

	// ExecutorWidth bounds how many tasks the executor runs concurrently.
	ExecutorWidth int

	// CompactionPercentage is PARTIAL policy's window-size fraction.
	CompactionPercentage float64

	// VerboseBenchmarkFrequency logs a progress line every N benchmark
	// commands when running Benchmark in verbose mode.
	VerboseBenchmarkFrequency int

	// ThroughputReporting enables the periodic commands/sec report
	// (window and overall rates); it does not report I/O counts.
	ThroughputReporting bool

	// ThroughputFrequency is how many commands elapse between throughput
	// reports.
	ThroughputFrequency int

	// Logger receives the tree's diagnostic output. Defaults to a
	// stderr logger at Warn level.
	Logger Logger
}

// recordsPerPage derives the fence-pointer page size in records when the
// caller leaves PageSize unset.
func recordsPerPage(pageSize int) int {
	if pageSize > 0 {
		return pageSize
	}
	osPage := os.Getpagesize()
	const recordBytes = 8
	if osPage < recordBytes {
		return 1
	}
	return osPage / recordBytes
}

// DefaultConfig returns sensible defaults for every option not supplied
// by the caller.
func DefaultConfig() Config {
	return Config{
		DataDir:                   ".",
		BufferPages:               1,
		PageSize:                  0,
		Fanout:                    2,
		LevelPolicy:               Leveled,
		BloomErrorRate:            1e-5,
		ExecutorWidth:             4,
		CompactionPercentage:      0.5,
		VerboseBenchmarkFrequency: 1000,
		ThroughputReporting:       false,
		ThroughputFrequency:       1000,
		Logger:                    nil,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.BufferPages <= 0 {
		c.BufferPages = d.BufferPages
	}
	if c.Fanout < 2 {
		c.Fanout = d.Fanout
	}
	if c.BloomErrorRate <= 0 {
		c.BloomErrorRate = d.BloomErrorRate
	}
	if c.ExecutorWidth <= 0 {
		c.ExecutorWidth = d.ExecutorWidth
	}
	if c.CompactionPercentage <= 0 {
		c.CompactionPercentage = d.CompactionPercentage
	}
	if c.VerboseBenchmarkFrequency <= 0 {
		c.VerboseBenchmarkFrequency = d.VerboseBenchmarkFrequency
	}
	if c.ThroughputFrequency <= 0 {
		c.ThroughputFrequency = d.ThroughputFrequency
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

// bufferCapacity returns B in records.
func (c Config) bufferCapacity() int {
	return c.BufferPages * recordsPerPage(c.PageSize)
}
