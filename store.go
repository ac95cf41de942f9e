// Package pagestore implements a multi-version page store with
// transactional commits on top of a transactional, ordered key-value
// engine.
//
// A namespace is an isolated sequence of fixed-size pages. Every commit
// to a namespace produces a new version; a transaction reads the pages
// of the version current when it began and commits only if no page it
// read or wrote was committed since (first committer wins). Superseded
// page versions are reclaimed by the garbage collector once they fall
// out of the freshness window and no local transaction can observe them.
package pagestore

import (
	"context"
	"math/rand"
	"time"

	"github.com/featurebasedb/pagestore/cache"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/stats"
	"github.com/featurebasedb/pagestore/tracing"
)

// LatestVersion requests a read at the current version.
const LatestVersion = ^uint64(0)

// Store is the entry point to the page store. It is safe for concurrent
// use by multiple goroutines.
type Store struct {
	engine kv.Engine
	cfg    Config
	now    func() time.Time

	logger logger.Logger
	stats  stats.StatsClient

	cache *cache.Cache
	pages *PageStore
	pins  *pinRegistry

	// Directory manages namespaces.
	Directory *Directory
}

// StoreOption is a functional option type for Store.
type StoreOption func(s *Store) error

func OptStoreLogger(l logger.Logger) StoreOption {
	return func(s *Store) error {
		s.logger = l
		return nil
	}
}

func OptStoreStatsClient(c stats.StatsClient) StoreOption {
	return func(s *Store) error {
		s.stats = c
		return nil
	}
}

func OptStoreConfig(cfg Config) StoreOption {
	return func(s *Store) error {
		s.cfg = cfg
		return nil
	}
}

// OptStoreClock sets the clock used for commit times, lock leases and the
// freshness window.
func OptStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) error {
		s.now = now
		return nil
	}
}

// OptStoreCache shares a content cache between stores. Without it each
// store creates its own from the configured budget.
func OptStoreCache(c *cache.Cache) StoreOption {
	return func(s *Store) error {
		s.cache = c
		return nil
	}
}

// NewStore returns a store over engine. The store does not own the engine
// and does not close it.
func NewStore(engine kv.Engine, opts ...StoreOption) (*Store, error) {
	s := &Store{
		engine: engine,
		cfg:    NewConfig(),
		now:    time.Now,
		logger: logger.NopLogger,
		stats:  stats.NopStatsClient,
		pins:   newPinRegistry(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.cache == nil {
		s.cache = cache.New(int64(s.cfg.Cache.MaxBytes))
	}
	s.pages = &PageStore{
		cache:  s.cache,
		warm:   s.cfg.Cache.WarmOnWrite,
		verify: s.cfg.Pages.VerifyChecksums,
		stats:  s.stats,
	}
	s.Directory = &Directory{store: s}
	return s, nil
}

// Config returns the store's configuration.
func (s *Store) Config() Config { return s.cfg }

// Cache returns the content cache.
func (s *Store) Cache() *cache.Cache { return s.cache }

// Logger returns the store's logger.
func (s *Store) Logger() logger.Logger { return s.logger }

// Create creates a namespace. See Directory.Create.
func (s *Store) Create(ctx context.Context, name string, pageSize int) (*Namespace, error) {
	return s.Directory.Create(ctx, name, pageSize)
}

// Destroy removes a namespace. See Directory.Destroy.
func (s *Store) Destroy(ctx context.Context, name string) error {
	return s.Directory.Destroy(ctx, name)
}

// Open returns the metadata of a namespace, creating it first if
// namespace auto-creation is enabled. A multi-phase commit whose lease has
// expired is recovered before Open returns.
func (s *Store) Open(ctx context.Context, name string) (*Namespace, error) {
	ns, err := s.Directory.Get(ctx, name)
	if errors.Is(err, ErrNamespaceNotFound) && s.cfg.Namespace.AutoCreate {
		ns, err = s.Directory.Create(ctx, name, 0)
		if errors.Is(err, ErrNamespaceExists) {
			ns, err = s.Directory.Get(ctx, name)
		}
	}
	if err != nil {
		return nil, err
	}
	if ns.lockExpired(s.now()) {
		if _, err := s.Recover(ctx, name); err != nil {
			return nil, errors.Wrap(err, "recovering namespace")
		}
		return s.Directory.Get(ctx, name)
	}
	return ns, nil
}

// Version returns the current version of a namespace.
func (s *Store) Version(ctx context.Context, name string) (uint64, error) {
	info, err := s.Directory.Info(ctx, name)
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

// ReadPage reads a page outside of a transaction. version may be
// LatestVersion. The returned snapshot is the version the read was served
// at.
func (s *Store) ReadPage(ctx context.Context, name string, page uint32, version uint64) (pr PageRead, snapshot uint64, err error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Store.ReadPage")
	defer span.Finish()

	if err := ValidateName(name); err != nil {
		return pr, 0, err
	}
	err = s.view(ctx, func(r kv.Reader) error {
		ns, err := loadNamespace(r, name)
		if err != nil {
			return err
		}
		current, err := readCounter(r, ns.ID)
		if err != nil {
			return err
		}
		snapshot = version
		if version == LatestVersion {
			snapshot = current
		} else if version > current {
			return NewErrMalformed("version %d is newer than the current version %d of namespace '%s'", version, current, name)
		}
		pr, err = s.pages.Read(r, ns, page, snapshot)
		return err
	})
	return pr, snapshot, err
}

// maxViewAttempts bounds retries of read-only engine transactions.
const maxViewAttempts = 3

// view runs fn in a read-only engine transaction, retrying transient
// failures. Reads are idempotent so retrying them is always safe.
func (s *Store) view(ctx context.Context, fn func(kv.Reader) error) error {
	return s.retry(ctx, maxViewAttempts, kv.IsRetryable, func() error {
		return s.engine.View(ctx, fn)
	})
}

// update runs fn in a read-write engine transaction, retrying it when the
// engine reports an optimistic conflict. Those are guaranteed not to have
// been applied; ambiguous failures are returned.
func (s *Store) update(ctx context.Context, fn func(kv.Txn) error) error {
	return s.retry(ctx, s.cfg.Commit.MaxAttempts, isTxnConflict, func() error {
		return s.engine.Update(ctx, fn)
	})
}

// updateIdempotent is update for functions which may safely be applied
// twice, so ambiguous failures are retried as well.
func (s *Store) updateIdempotent(ctx context.Context, fn func(kv.Txn) error) error {
	return s.retry(ctx, s.cfg.Commit.MaxAttempts, kv.IsRetryable, func() error {
		return s.engine.Update(ctx, fn)
	})
}

func (s *Store) retry(ctx context.Context, attempts int, retryable func(error) bool, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !retryable(err) {
			return err
		} else if attempt+1 >= attempts {
			return contended(err, attempts)
		}
		s.stats.Count(MetricCommitRetry, 1, 1.0)
		if err := sleep(ctx, backoff(attempt)); err != nil {
			return err
		}
	}
}

func isTxnConflict(err error) bool { return errors.Is(err, kv.ErrTxnConflict) }

// contended reports an engine conflict which outlasted every attempt as
// a transient failure. Nothing was written, so the caller may retry.
func contended(err error, attempts int) error {
	if !errors.Is(err, kv.ErrTxnConflict) {
		return err
	}
	return errors.Newf(ErrUnavailable, "engine contention persisted over %d attempts: %v", attempts, err)
}

// backoff returns a jittered, exponentially growing delay.
func backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := time.Millisecond << uint(attempt)
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
