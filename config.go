package pagestore

import (
	"time"

	"github.com/featurebasedb/pagestore/toml"
)

const (
	// DefaultPageSize is the page size of namespaces created without one.
	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 65536

	// MaxNamespaceNameLength is the longest allowed namespace name.
	MaxNamespaceNameLength = 255
)

// Config holds the store settings. Its sections are embedded in the server
// configuration file.
type Config struct {
	Namespace NamespaceConfig `toml:"namespace"`
	Cache     CacheConfig     `toml:"cache"`
	Pages     PagesConfig     `toml:"pages"`
	Commit    CommitConfig    `toml:"commit"`
	GC        GCConfig        `toml:"gc"`
}

type NamespaceConfig struct {
	// AutoCreate creates namespaces on first open instead of returning
	// NamespaceNotFound.
	AutoCreate bool `toml:"auto-create"`

	// PageSize is used for namespaces created without an explicit size.
	PageSize int `toml:"page-size"`
}

type CacheConfig struct {
	// MaxBytes bounds the content cache. Zero disables it.
	MaxBytes toml.ByteSize `toml:"max-bytes"`

	// WarmOnWrite adds committed pages to the cache.
	WarmOnWrite bool `toml:"warm-on-write"`
}

type PagesConfig struct {
	// VerifyChecksums re-hashes every blob read from the engine.
	VerifyChecksums bool `toml:"verify-checksums"`
}

type CommitConfig struct {
	// MultiPhaseThreshold is the write set size, in pages, above which a
	// commit is split into phases.
	MultiPhaseThreshold int `toml:"multiphase-threshold"`

	// PhaseSize is the number of pages staged per phase.
	PhaseSize int `toml:"phase-size"`

	// MaxWritePages is the largest write set a single commit may carry.
	MaxWritePages int `toml:"max-write-pages"`

	// TrackReads enables read-write conflict detection. Without it only
	// write-write conflicts are detected.
	TrackReads bool `toml:"track-reads"`

	// MaxAttempts bounds how often a commit is re-run after an engine
	// conflict or an ambiguous engine failure.
	MaxAttempts int `toml:"max-attempts"`

	// LockTTL is how long a multi-phase commit may hold the namespace
	// lock between phases before recovery may take it over.
	LockTTL toml.Duration `toml:"lock-ttl"`
}

type GCConfig struct {
	Disabled bool `toml:"disabled"`

	// TTL is the freshness window. A version is collectable once a newer
	// version of its page was current longer than TTL ago.
	TTL toml.Duration `toml:"ttl"`

	// Interval between collection passes over all namespaces.
	Interval toml.Duration `toml:"interval"`

	// BatchSize is the number of page records examined per engine
	// transaction.
	BatchSize int `toml:"batch-size"`

	// MaxBatchesPerSecond paces collection. Zero means unlimited.
	MaxBatchesPerSecond float64 `toml:"max-batches-per-second"`

	// Concurrency is the number of namespaces collected at once.
	Concurrency int `toml:"concurrency"`
}

// NewConfig returns a Config with default values.
func NewConfig() Config {
	return Config{
		Namespace: NamespaceConfig{
			AutoCreate: false,
			PageSize:   DefaultPageSize,
		},
		Cache: CacheConfig{
			MaxBytes:    64 << 20,
			WarmOnWrite: true,
		},
		Commit: CommitConfig{
			MultiPhaseThreshold: 256,
			PhaseSize:           128,
			MaxWritePages:       4096,
			TrackReads:          true,
			MaxAttempts:         5,
			LockTTL:             toml.Duration(30 * time.Second),
		},
		GC: GCConfig{
			TTL:                 toml.Duration(10 * time.Minute),
			Interval:            toml.Duration(time.Minute),
			BatchSize:           256,
			MaxBatchesPerSecond: 50,
			Concurrency:         4,
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case !validPageSize(c.Namespace.PageSize):
		return NewErrMalformed("namespace.page-size must be a power of two between %d and %d: %d", MinPageSize, MaxPageSize, c.Namespace.PageSize)
	case c.Cache.MaxBytes < 0:
		return NewErrMalformed("cache.max-bytes must not be negative")
	case c.Commit.MultiPhaseThreshold < 1:
		return NewErrMalformed("commit.multiphase-threshold must be positive")
	case c.Commit.PhaseSize < 1:
		return NewErrMalformed("commit.phase-size must be positive")
	case c.Commit.MaxWritePages < 1:
		return NewErrMalformed("commit.max-write-pages must be positive")
	case c.Commit.MaxAttempts < 1:
		return NewErrMalformed("commit.max-attempts must be positive")
	case c.Commit.LockTTL <= 0:
		return NewErrMalformed("commit.lock-ttl must be positive")
	case c.GC.TTL < 0:
		return NewErrMalformed("gc.ttl must not be negative")
	case c.GC.BatchSize < 2:
		return NewErrMalformed("gc.batch-size must be at least 2")
	case c.GC.MaxBatchesPerSecond < 0:
		return NewErrMalformed("gc.max-batches-per-second must not be negative")
	}
	return nil
}

func validPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}
