package pagestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/tracing"
	"github.com/google/uuid"
)

// CommitRequest is a complete transaction submitted for commit.
type CommitRequest struct {
	Namespace string
	// CommitID identifies the commit across retries. A zero id is
	// replaced by a random one.
	CommitID    uuid.UUID
	BaseVersion uint64
	ReadSet     []ReadEntry
	Writes      []PageWrite
}

// commitRecord is stored at each committed version.
type commitRecord struct {
	CommitID    uuid.UUID `json:"commit_id"`
	CommittedAt time.Time `json:"committed_at"`
	Pages       []uint32  `json:"pages"`
}

// errRecoveryNeeded is returned from inside a commit attempt which found
// the namespace held by a multi-phase commit whose lease expired.
const errRecoveryNeeded errors.Code = "RecoveryNeeded"

// Commit applies a write set as the next version of a namespace and
// returns that version. Write sets larger than the multi-phase threshold
// are staged in several engine transactions and made visible at once.
//
// Optimistic conflicts reported by the engine are retried. A transient
// engine failure leaves the outcome unknown; the next attempt first looks
// for the commit's own record and only re-applies the write set if the
// commit was not applied.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (uint64, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Store.Commit")
	defer span.Finish()
	span.LogKV("namespace", req.Namespace, "writes", len(req.Writes))

	if err := ValidateName(req.Namespace); err != nil {
		return 0, err
	}
	if req.CommitID == uuid.Nil {
		req.CommitID = uuid.New()
	}
	ns, err := s.Open(ctx, req.Namespace)
	if err != nil {
		return 0, err
	}
	if len(req.Writes) == 0 {
		return s.commitReadOnly(ctx, ns, req)
	}
	if len(req.Writes) > s.cfg.Commit.MaxWritePages {
		return 0, NewErrMalformed("write set of %d pages exceeds commit.max-write-pages %d", len(req.Writes), s.cfg.Commit.MaxWritePages)
	}
	if err := validatePages(ns, req.Writes); err != nil {
		return 0, err
	}
	if len(req.Writes) > s.cfg.Commit.MultiPhaseThreshold {
		return s.commitMultiPhase(ctx, ns, req)
	}

	tags := []string{"namespace:" + ns.Name}
	start := s.now()
	var (
		version   uint64
		ambiguous bool
	)
	for attempt := 0; ; attempt++ {
		err = s.engine.Update(ctx, func(tx kv.Txn) (err error) {
			version, err = s.applyCommit(tx, ns, req, ambiguous)
			return err
		})
		if err == nil {
			break
		}
		expired := errors.Is(err, errRecoveryNeeded)
		if !expired && !kv.IsRetryable(err) {
			if errors.Is(err, ErrConflict) {
				s.stats.WithTags(tags...).Count(MetricCommitConflict, 1, 1.0)
			}
			return 0, err
		}
		if attempt+1 >= s.cfg.Commit.MaxAttempts {
			if expired {
				return 0, NewErrNamespaceLocked(ns.Name)
			}
			return 0, contended(err, attempt+1)
		}
		if expired {
			if _, err := s.Recover(ctx, ns.Name); err != nil {
				return 0, err
			}
			continue
		}
		if errors.Is(err, kv.ErrUnavailable) {
			ambiguous = true
		}
		s.stats.WithTags(tags...).Count(MetricCommitRetry, 1, 1.0)
		if err := sleep(ctx, backoff(attempt)); err != nil {
			return 0, err
		}
	}

	st := s.stats.WithTags(tags...)
	st.Count(MetricCommit, 1, 1.0)
	st.Histogram(MetricCommitPages, float64(len(req.Writes)), 1.0)
	st.Timing(MetricCommitDuration, s.now().Sub(start), 1.0)
	st.Gauge(MetricNamespaceVersion, float64(version), 1.0)
	s.logger.Debugf("commit %s: namespace %s version %d (%d pages)", req.CommitID, ns.Name, version, len(req.Writes))
	return version, nil
}

// applyCommit is one attempt of a single-phase commit.
func (s *Store) applyCommit(tx kv.Txn, opened *Namespace, req CommitRequest, ambiguous bool) (uint64, error) {
	ns, err := loadNamespaceID(tx, opened.Name, opened.ID)
	if err != nil {
		return 0, err
	}
	current, err := readCounter(tx, ns.ID)
	if err != nil {
		return 0, err
	}
	if ambiguous {
		if v, ok, err := findCommit(tx, ns.ID, req.CommitID, req.BaseVersion); err != nil {
			return 0, err
		} else if ok {
			return v, nil
		}
	}
	if err := s.checkCommit(tx, ns, current, req.BaseVersion, req.ReadSet, writtenPages(req.Writes)); err != nil {
		// A commit replayed by a client after a lost response conflicts
		// with itself.
		if !ambiguous && errors.Is(err, ErrConflict) {
			if v, ok, ferr := findCommit(tx, ns.ID, req.CommitID, req.BaseVersion); ferr != nil {
				return 0, ferr
			} else if ok {
				return v, nil
			}
		}
		return 0, err
	}

	version := current + 1
	if err := s.pages.WriteBatch(tx, ns, req.Writes, version); err != nil {
		return 0, err
	}
	if err := putCommitRecord(tx, ns.ID, version, req.CommitID, s.now(), writtenPages(req.Writes)); err != nil {
		return 0, err
	}
	return version, setCounter(tx, ns.ID, version)
}

// checkCommit verifies a commit based on base may be applied on top of
// current: the namespace is not locked and no page in pages, or in reads
// when reads are tracked, was committed after it was observed.
func (s *Store) checkCommit(r kv.Reader, ns *Namespace, current, base uint64, reads []ReadEntry, pages []uint32) error {
	if base > current {
		return NewErrMalformed("base version %d is newer than the current version %d of namespace '%s'", base, current, ns.Name)
	}
	if ns.Locked() {
		if ns.lockExpired(s.now()) {
			return errors.New(errRecoveryNeeded, "namespace lock expired")
		}
		return NewErrNamespaceLocked(ns.Name)
	}
	if base == current {
		return nil
	}
	for _, p := range pages {
		if err := checkPage(r, ns, p, base); err != nil {
			return err
		}
	}
	if s.cfg.Commit.TrackReads {
		for _, re := range reads {
			if err := checkPage(r, ns, re.Page, re.Version); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkPage returns a Conflict error if page has a record newer than
// observed.
func checkPage(r kv.Reader, ns *Namespace, page uint32, observed uint64) error {
	if observed == LatestVersion {
		return nil
	}
	kvs, err := r.Scan(pageKey(ns.ID, page, observed+1), pageEnd(ns.ID, page), 1)
	if err != nil {
		return err
	} else if len(kvs) > 0 {
		return NewErrConflict(ns.Name, page, observed)
	}
	return nil
}

// commitReadOnly validates the base version of a commit without writes.
func (s *Store) commitReadOnly(ctx context.Context, ns *Namespace, req CommitRequest) (uint64, error) {
	err := s.view(ctx, func(r kv.Reader) error {
		current, err := readCounter(r, ns.ID)
		if err != nil {
			return err
		} else if req.BaseVersion > current {
			return NewErrMalformed("base version %d is newer than the current version %d of namespace '%s'", req.BaseVersion, current, ns.Name)
		}
		return nil
	})
	return req.BaseVersion, err
}

func writtenPages(pages []PageWrite) []uint32 {
	a := make([]uint32, len(pages))
	for i := range pages {
		a[i] = pages[i].Page
	}
	return a
}

func putCommitRecord(tx kv.Txn, id uuid.UUID, version uint64, commitID uuid.UUID, at time.Time, pages []uint32) error {
	b, err := json.Marshal(commitRecord{CommitID: commitID, CommittedAt: at.UTC(), Pages: pages})
	if err != nil {
		return errors.Wrap(err, "encoding commit record")
	}
	return tx.Put(commitKey(id, version), b)
}

func decodeCommitRecord(b []byte) (*commitRecord, error) {
	var rec commitRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding commit record")
	}
	return &rec, nil
}

// findCommit searches the commit records after version since for
// commitID.
func findCommit(r kv.Reader, id, commitID uuid.UUID, since uint64) (uint64, bool, error) {
	if since == LatestVersion {
		return 0, false, nil
	}
	begin, end := commitKey(id, since+1), kv.PrefixEnd(namespaceKey(id, subCommit, 0))
	for {
		kvs, err := r.Scan(begin, end, commitScanSize)
		if err != nil {
			return 0, false, err
		}
		for _, pair := range kvs {
			rec, err := decodeCommitRecord(pair.Value)
			if err != nil {
				return 0, false, err
			}
			if rec.CommitID == commitID {
				return decodeCommitKey(pair.Key), true, nil
			}
		}
		if len(kvs) < commitScanSize {
			return 0, false, nil
		}
		begin = append(kv.Clone(kvs[len(kvs)-1].Key), 0)
	}
}

const commitScanSize = 256
