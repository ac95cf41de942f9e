package pagestore

import (
	"context"
	"sync"
	"time"

	"github.com/featurebasedb/pagestore/cache"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/tracing"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// GCStats describes one collection pass over a namespace.
type GCStats struct {
	Namespace string `json:"namespace"`
	// Horizon is the watermark after the pass. Every page keeps its newest
	// version at or below the horizon and every version above it.
	Horizon              uint64        `json:"horizon"`
	VersionsDeleted      int           `json:"versions_deleted"`
	BlobsDeleted         int           `json:"blobs_deleted"`
	CommitRecordsDeleted int           `json:"commit_records_deleted"`
	JournalsSwept        int           `json:"journals_swept"`
	Batches              int           `json:"batches"`
	Duration             time.Duration `json:"duration"`
}

// CollectGarbage runs one collection pass over a namespace.
//
// The pass first advances the namespace's watermark to the horizon: the
// newest version which was already current at now minus the freshness
// TTL, but no newer than the oldest snapshot pinned by a transaction of
// this store. The watermark is persisted before anything is deleted, so
// reads below it fail with RetentionExpired instead of seeing a partially
// collected history. Then every page version superseded by a version at
// or below the horizon is deleted, batch by batch.
func (s *Store) CollectGarbage(ctx context.Context, name string) (GCStats, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Store.CollectGarbage")
	defer span.Finish()

	start := s.now()
	st := GCStats{Namespace: name}
	ns, err := s.Directory.Get(ctx, name)
	if err != nil {
		return st, err
	}

	p := s.pins.get(ns.ID)
	p.gate.Lock()
	horizon, err := s.advanceWatermark(ctx, ns, p)
	p.gate.Unlock()
	if err != nil {
		return st, errors.Wrap(err, "advancing watermark")
	}
	st.Horizon = horizon

	limiter := rate.NewLimiter(rate.Inf, 1)
	if bps := s.cfg.GC.MaxBatchesPerSecond; bps > 0 {
		limiter = rate.NewLimiter(rate.Limit(bps), 1)
	}
	if err := s.sweepVersions(ctx, ns.ID, horizon, limiter, &st); err != nil {
		return st, errors.Wrap(err, "collecting page versions")
	}
	if err := s.sweepCommitRecords(ctx, ns.ID, horizon, limiter, &st); err != nil {
		return st, errors.Wrap(err, "collecting commit records")
	}
	if err := s.sweepJournals(ctx, ns.ID, limiter, &st); err != nil {
		return st, errors.Wrap(err, "sweeping journals")
	}
	st.Duration = s.now().Sub(start)

	tags := s.stats.WithTags("namespace:" + name)
	tags.Count(MetricGCPass, 1, 1.0)
	tags.Count(MetricGCVersionsCollected, int64(st.VersionsDeleted), 1.0)
	tags.Count(MetricGCBlobsCollected, int64(st.BlobsDeleted), 1.0)
	tags.Count(MetricGCCommitsCollected, int64(st.CommitRecordsDeleted), 1.0)
	tags.Gauge(MetricNamespaceGCWatermark, float64(horizon), 1.0)
	tags.Timing(MetricGCDuration, st.Duration, 1.0)
	if st.VersionsDeleted > 0 || st.JournalsSwept > 0 {
		s.logger.Infof("gc: namespace %s: horizon %d, deleted %d versions, %d blobs, %d commit records, swept %d journal entries in %s",
			name, horizon, st.VersionsDeleted, st.BlobsDeleted, st.CommitRecordsDeleted, st.JournalsSwept, st.Duration)
	}
	return st, nil
}

// advanceWatermark computes the horizon and persists it as the
// namespace's watermark. The caller holds p.gate exclusively.
func (s *Store) advanceWatermark(ctx context.Context, ns *Namespace, p *pins) (uint64, error) {
	threshold := s.now().Add(-time.Duration(s.cfg.GC.TTL))

	var horizon uint64
	err := s.view(ctx, func(r kv.Reader) error {
		cur, err := loadNamespaceID(r, ns.Name, ns.ID)
		if err != nil {
			return err
		}
		*ns = *cur
		horizon, err = freshHorizon(r, ns, threshold)
		return err
	})
	if err != nil {
		return 0, err
	}
	if pinned, ok := p.oldest(); ok && pinned < horizon {
		horizon = pinned
	}
	if horizon <= ns.GCWatermark {
		return ns.GCWatermark, nil
	}

	err = s.update(ctx, func(tx kv.Txn) error {
		cur, err := loadNamespaceID(tx, ns.Name, ns.ID)
		if err != nil {
			return err
		}
		if cur.GCWatermark >= horizon {
			horizon = cur.GCWatermark
			return nil
		}
		cur.GCWatermark = horizon
		return putNamespace(tx, cur)
	})
	return horizon, err
}

// freshHorizon returns the newest version committed at or before
// threshold, and never less than the current watermark. Commit records
// are scanned in version order and the scan stops at the first one after
// threshold, so clock skew between committers can only lower the result.
func freshHorizon(r kv.Reader, ns *Namespace, threshold time.Time) (uint64, error) {
	horizon := ns.GCWatermark
	begin := commitKey(ns.ID, ns.GCWatermark+1)
	end := kv.PrefixEnd(namespaceKey(ns.ID, subCommit, 0))
	for {
		kvs, err := r.Scan(begin, end, commitScanSize)
		if err != nil {
			return 0, err
		}
		for _, pair := range kvs {
			rec, err := decodeCommitRecord(pair.Value)
			if err != nil {
				return 0, err
			}
			if rec.CommittedAt.After(threshold) {
				return horizon, nil
			}
			horizon = decodeCommitKey(pair.Key)
		}
		if len(kvs) < commitScanSize {
			return horizon, nil
		}
		begin = append(kv.Clone(kvs[len(kvs)-1].Key), 0)
	}
}

// sweepVersions deletes every page record whose successor for the same
// page is at or below horizon. Page records are ordered by page, then
// version, so each batch compares neighbours and carries its last record
// over into the next batch.
func (s *Store) sweepVersions(ctx context.Context, id uuid.UUID, horizon uint64, limiter *rate.Limiter, st *GCStats) error {
	prefix := pageIndexPrefix(id)
	cursor, end := prefix, kv.PrefixEnd(prefix)
	batch := s.cfg.GC.BatchSize
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		var n, versions, blobs int
		var last []byte
		err := s.update(ctx, func(tx kv.Txn) error {
			kvs, err := tx.Scan(cursor, end, batch)
			if err != nil {
				return err
			}
			n, versions = len(kvs), 0
			deltas := make(map[cache.Key]int64)
			for i := 0; i+1 < len(kvs); i++ {
				page, _, ok := decodePageKey(kvs[i].Key)
				next, nextVersion, nextOK := decodePageKey(kvs[i+1].Key)
				if !ok || !nextOK || page != next || nextVersion > horizon {
					continue
				}
				if err := tx.Delete(kvs[i].Key); err != nil {
					return err
				}
				var h cache.Key
				copy(h[:], kvs[i].Value)
				deltas[h]--
				versions++
			}
			if n > 0 {
				last = kvs[n-1].Key
			}
			blobs, err = s.pages.adjustRefs(tx, id, deltas, nil)
			return err
		})
		if err != nil {
			return err
		}
		st.Batches++
		st.VersionsDeleted += versions
		st.BlobsDeleted += blobs
		if n < batch {
			return nil
		}
		cursor = last
	}
}

// sweepCommitRecords deletes commit records below horizon. Records
// younger than the larger of the freshness TTL and the multi-phase lock
// TTL are kept even below the horizon, so a committer resolving an
// ambiguous failure can still find its own record.
func (s *Store) sweepCommitRecords(ctx context.Context, id uuid.UUID, horizon uint64, limiter *rate.Limiter, st *GCStats) error {
	retain := time.Duration(s.cfg.GC.TTL)
	if lock := time.Duration(s.cfg.Commit.LockTTL); lock > retain {
		retain = lock
	}
	cutoff := s.now().Add(-retain)

	begin, end := commitKey(id, 0), commitKey(id, horizon)
	batch := s.cfg.GC.BatchSize
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		var n int
		var young bool
		err := s.update(ctx, func(tx kv.Txn) error {
			kvs, err := tx.Scan(begin, end, batch)
			if err != nil {
				return err
			}
			n, young = 0, len(kvs) < batch
			for _, pair := range kvs {
				rec, err := decodeCommitRecord(pair.Value)
				if err != nil {
					return err
				}
				if rec.CommittedAt.After(cutoff) {
					young = true
					break
				}
				n++
			}
			if n == 0 {
				return nil
			}
			return tx.DeleteRange(begin, append(kv.Clone(kvs[n-1].Key), 0))
		})
		if err != nil {
			return err
		}
		st.Batches++
		st.CommitRecordsDeleted += n
		if young {
			return nil
		}
	}
}

// sweepJournals deletes journal entries of multi-phase commits which no
// longer have a marker. Those were finalized, and clearing their journal
// failed.
func (s *Store) sweepJournals(ctx context.Context, id uuid.UUID, limiter *rate.Limiter, st *GCStats) error {
	prefix := allStagingPrefix(id)
	cursor, end := prefix, kv.PrefixEnd(prefix)
	batch := s.cfg.GC.BatchSize
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		var n, swept int
		var next []byte
		err := s.update(ctx, func(tx kv.Txn) error {
			kvs, err := tx.Scan(cursor, end, batch)
			if err != nil {
				return err
			}
			n, swept = len(kvs), 0
			live := make(map[uuid.UUID]bool)
			for _, pair := range kvs {
				commitID, _ := decodeStagingKey(pair.Key)
				ok, seen := live[commitID]
				if !seen {
					m, err := tx.Get(markerKey(id, commitID))
					if err != nil {
						return err
					}
					ok = m != nil
					live[commitID] = ok
				}
				if ok {
					continue
				}
				if err := tx.Delete(pair.Key); err != nil {
					return err
				}
				swept++
			}
			if n > 0 {
				next = append(kv.Clone(kvs[n-1].Key), 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if n > 0 {
			st.Batches++
		}
		st.JournalsSwept += swept
		if n < batch {
			return nil
		}
		cursor = next
	}
}

// Collector runs collection passes over every namespace of a store at a
// fixed interval.
type Collector struct {
	store       *Store
	interval    time.Duration
	concurrency int
	logger      logger.Logger

	mu    sync.Mutex
	last  map[string]GCStats
	after chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector returns a collector for s configured from s's GC settings.
func NewCollector(s *Store) *Collector {
	concurrency := s.cfg.GC.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Collector{
		store:       s,
		interval:    time.Duration(s.cfg.GC.Interval),
		concurrency: concurrency,
		logger:      s.logger.WithPrefix("gc: "),
		last:        make(map[string]GCStats),
		after:       make(chan struct{}),
	}
}

// Start runs passes in the background until Stop is called. It does
// nothing if collection is disabled.
func (c *Collector) Start() {
	if c.store.cfg.GC.Disabled || c.interval <= 0 {
		c.logger.Infof("background collection disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Errorf("collection pass: %v", err)
			}
		}
	}()
}

// Stop stops background collection and waits for a running pass to end.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

// RunOnce collects every namespace once. Failing namespaces do not stop
// the others; the first error is returned.
func (c *Collector) RunOnce(ctx context.Context) ([]GCStats, error) {
	nss, err := c.store.Directory.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing namespaces")
	}

	var (
		mu       sync.Mutex
		results  = make([]GCStats, 0, len(nss))
		firstErr error
	)
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, ns := range nss {
		name := ns.Name
		g.Go(func() error {
			st, err := c.store.CollectGarbage(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNamespaceNotFound) {
				return nil
			} else if err != nil {
				c.logger.Warnf("namespace %s: %v", name, err)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			results = append(results, st)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	for _, st := range results {
		c.last[st.Namespace] = st
	}
	close(c.after)
	c.after = make(chan struct{})
	c.mu.Unlock()
	return results, firstErr
}

// LastStats returns the latest pass statistics per namespace.
func (c *Collector) LastStats() map[string]GCStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string]GCStats, len(c.last))
	for k, v := range c.last {
		m[k] = v
	}
	return m
}

// AfterGC returns a channel which is closed when the next pass over all
// namespaces completes.
func (c *Collector) AfterGC() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.after
}
