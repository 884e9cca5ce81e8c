package bitcask

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CompactionOptions controls when automatic compaction runs (spec §4.D.6,
// §6 configuration surface).
type CompactionOptions struct {
	// DeadSpaceRatioThreshold triggers compaction when dead/total >= this.
	DeadSpaceRatioThreshold float64
	// DeadRecordCountThreshold triggers compaction on an absolute count.
	DeadRecordCountThreshold int64
	// MutationCountThreshold triggers compaction after this many writes
	// since the last compaction.
	MutationCountThreshold int64
	// MinimumFileSizeBytes suppresses compaction below this file size.
	MinimumFileSizeBytes int64
	// BackgroundCheckInterval, if non-zero, re-evaluates thresholds on a
	// timer even absent new writes.
	BackgroundCheckInterval time.Duration
	// Manual disables automatic compaction entirely; Compact() must be
	// called explicitly.
	Manual bool
}

// DefaultCompactionOptions matches the defaults named in spec §6.
func DefaultCompactionOptions() CompactionOptions {
	return CompactionOptions{
		DeadSpaceRatioThreshold:  0.4,
		DeadRecordCountThreshold: 10_000,
		MutationCountThreshold:   50_000,
		MinimumFileSizeBytes:     1 << 20,
	}
}

// Config configures a bitcask Engine.
type Config struct {
	DataDir string

	// ValidateCRCOnRead validates CRC32 on every read; a mismatch raises
	// a *acorn.CorruptedError. Off by default (spec §6).
	ValidateCRCOnRead bool

	Compaction CompactionOptions

	// BatchThreshold is the number of pending writes that forces an
	// immediate fsync flush (spec §4.D.2).
	BatchThreshold int
	// BatchInterval is the periodic flush tick when under threshold.
	BatchInterval time.Duration

	// InitialCapacityBytes is the accessor holder's starting mmap size.
	InitialCapacityBytes int64

	// Registerer receives the engine's prometheus instruments; defaults
	// to prometheus.DefaultRegisterer, so the counters are gatherable
	// through the default registry unless the caller supplies its own.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

const (
	defaultBatchThreshold       = 256
	defaultBatchInterval        = 100 * time.Millisecond
	defaultInitialCapacityBytes = 64 << 20
)

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:              dataDir,
		ValidateCRCOnRead:    false,
		Compaction:           DefaultCompactionOptions(),
		BatchThreshold:       defaultBatchThreshold,
		BatchInterval:        defaultBatchInterval,
		InitialCapacityBytes: defaultInitialCapacityBytes,
		Registerer:           prometheus.DefaultRegisterer,
		Logger:               slog.Default(),
	}
}

func (c *Config) withDefaults() {
	if c.BatchThreshold <= 0 {
		c.BatchThreshold = defaultBatchThreshold
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = defaultBatchInterval
	}
	if c.InitialCapacityBytes <= 0 {
		c.InitialCapacityBytes = defaultInitialCapacityBytes
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Compaction.DeadSpaceRatioThreshold <= 0 {
		c.Compaction.DeadSpaceRatioThreshold = DefaultCompactionOptions().DeadSpaceRatioThreshold
	}
	if c.Compaction.DeadRecordCountThreshold <= 0 {
		c.Compaction.DeadRecordCountThreshold = DefaultCompactionOptions().DeadRecordCountThreshold
	}
	if c.Compaction.MutationCountThreshold <= 0 {
		c.Compaction.MutationCountThreshold = DefaultCompactionOptions().MutationCountThreshold
	}
}
