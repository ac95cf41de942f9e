package pagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/featurebasedb/pagestore/cache"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/tracing"
	"github.com/google/uuid"
)

// MultiPhaseState is the state of a persisted multi-phase commit.
type MultiPhaseState string

const (
	// MultiPhaseStaging commits accept phases and may be finalized.
	MultiPhaseStaging MultiPhaseState = "staging"
	// MultiPhaseAborting commits are being discarded.
	MultiPhaseAborting MultiPhaseState = "aborting"
	// MultiPhaseCommitted is reported by BeginMultiPhase for a commit id
	// which was already finalized. Nothing is persisted in this state.
	MultiPhaseCommitted MultiPhaseState = "committed"
)

// MultiPhaseRequest starts a multi-phase commit. Pages lists every page
// the commit will write; they are conflict checked up front and each
// phase may only stage pages from this list.
type MultiPhaseRequest struct {
	Namespace   string
	CommitID    uuid.UUID
	BaseVersion uint64
	ReadSet     []ReadEntry
	Pages       []uint32
	Phases      int
}

// MultiPhaseCommit is the marker persisted for a multi-phase commit while
// it holds its namespace. Staged pages are invisible until the commit is
// finalized, because they are written at Target and readers never see
// past the version counter.
type MultiPhaseCommit struct {
	CommitID    uuid.UUID       `json:"commit_id"`
	State       MultiPhaseState `json:"state"`
	BaseVersion uint64          `json:"base_version"`
	Target      uint64          `json:"target"`
	Phases      int             `json:"phases"`
	Staged      []bool          `json:"staged"`
	Pages       []uint32        `json:"pages"`
	StagedPages int             `json:"staged_pages"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (m *MultiPhaseCommit) complete() bool {
	for _, ok := range m.Staged {
		if !ok {
			return false
		}
	}
	return m.StagedPages == len(m.Pages)
}

func (m *MultiPhaseCommit) declares(page uint32) bool {
	i := sort.Search(len(m.Pages), func(i int) bool { return m.Pages[i] >= page })
	return i < len(m.Pages) && m.Pages[i] == page
}

// Recovery describes what recovery did with one multi-phase commit.
type Recovery struct {
	CommitID uuid.UUID `json:"commit_id"`
	Action   string    `json:"action"`
	// Version is the version a rolled forward commit became.
	Version uint64 `json:"version,omitempty"`
}

const (
	RecoveryRolledForward = "rolled-forward"
	RecoveryDiscarded     = "discarded"
)

// BeginMultiPhase locks a namespace for a multi-phase commit and reserves
// the commit's version. While the lock is held other commits to the
// namespace fail with Conflict. Beginning the same commit id twice
// returns the existing commit, and beginning one which was already
// finalized returns it in state MultiPhaseCommitted with Target set to
// its version.
func (s *Store) BeginMultiPhase(ctx context.Context, req MultiPhaseRequest) (*MultiPhaseCommit, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Store.BeginMultiPhase")
	defer span.Finish()

	if err := ValidateName(req.Namespace); err != nil {
		return nil, err
	}
	if req.CommitID == uuid.Nil {
		return nil, NewErrMalformed("commit id required")
	} else if req.Phases < 1 {
		return nil, NewErrMalformed("multi-phase commit needs at least one phase")
	} else if len(req.Pages) == 0 {
		return nil, NewErrMalformed("multi-phase commit without pages")
	} else if len(req.Pages) > s.cfg.Commit.MaxWritePages {
		return nil, NewErrMalformed("multi-phase commit of %d pages exceeds commit.max-write-pages %d", len(req.Pages), s.cfg.Commit.MaxWritePages)
	}
	pages := append([]uint32(nil), req.Pages...)
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	for i := 1; i < len(pages); i++ {
		if pages[i] == pages[i-1] {
			return nil, NewErrMalformed("page %d declared twice", pages[i])
		}
	}

	ns, err := s.Open(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	var m *MultiPhaseCommit
	for attempt := 0; ; attempt++ {
		err = s.updateIdempotent(ctx, func(tx kv.Txn) error {
			ns, err := loadNamespaceID(tx, ns.Name, ns.ID)
			if err != nil {
				return err
			}
			if m, err = loadMarker(tx, ns.ID, req.CommitID); err != nil || m != nil {
				return err
			}
			current, err := readCounter(tx, ns.ID)
			if err != nil {
				return err
			}
			if err := s.checkCommit(tx, ns, current, req.BaseVersion, req.ReadSet, pages); err != nil {
				// A finalized commit conflicts with its own pages.
				if !errors.Is(err, ErrConflict) {
					return err
				}
				v, ok, ferr := findCommit(tx, ns.ID, req.CommitID, req.BaseVersion)
				if ferr != nil {
					return ferr
				} else if !ok {
					return err
				}
				m = &MultiPhaseCommit{
					CommitID:    req.CommitID,
					State:       MultiPhaseCommitted,
					BaseVersion: req.BaseVersion,
					Target:      v,
					Phases:      req.Phases,
					Pages:       pages,
				}
				return nil
			}

			now := s.now().UTC()
			m = &MultiPhaseCommit{
				CommitID:    req.CommitID,
				State:       MultiPhaseStaging,
				BaseVersion: req.BaseVersion,
				Target:      current + 1,
				Phases:      req.Phases,
				Staged:      make([]bool, req.Phases),
				Pages:       pages,
				CreatedAt:   now,
			}
			ns.LockToken = req.CommitID
			ns.LockExpiresAt = now.Add(time.Duration(s.cfg.Commit.LockTTL))
			if err := putNamespace(tx, ns); err != nil {
				return err
			}
			return putMarker(tx, ns.ID, m)
		})
		if errors.Is(err, errRecoveryNeeded) && attempt == 0 {
			if _, err := s.Recover(ctx, ns.Name); err != nil {
				return nil, err
			}
			continue
		} else if errors.Is(err, errRecoveryNeeded) {
			return nil, NewErrNamespaceLocked(ns.Name)
		}
		break
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.stats.WithTags("namespace:"+ns.Name).Count(MetricCommitConflict, 1, 1.0)
		}
		return nil, err
	}
	if m.State == MultiPhaseCommitted {
		s.logger.Debugf("multi-phase commit %s: already committed as version %d of namespace %s", m.CommitID, m.Target, ns.Name)
		return m, nil
	}
	s.logger.Debugf("multi-phase commit %s: locked namespace %s for version %d (%d pages, %d phases)", m.CommitID, ns.Name, m.Target, len(m.Pages), m.Phases)
	return m, nil
}

// StagePhase durably stages one phase of a multi-phase commit. Staging a
// phase again is a no-op.
func (s *Store) StagePhase(ctx context.Context, name string, commitID uuid.UUID, phase int, pages []PageWrite) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if len(pages) > s.cfg.Commit.PhaseSize {
		return NewErrMalformed("phase of %d pages exceeds the phase size %d", len(pages), s.cfg.Commit.PhaseSize)
	}
	return s.updateIdempotent(ctx, func(tx kv.Txn) error {
		ns, m, err := s.loadOwnedMarker(tx, name, commitID)
		if err != nil {
			return err
		}
		if phase < 0 || phase >= m.Phases {
			return NewErrMalformed("phase %d out of range [0,%d)", phase, m.Phases)
		} else if m.Staged[phase] {
			return nil
		}
		if err := validatePages(ns, pages); err != nil {
			return err
		}
		for _, pw := range pages {
			if !m.declares(pw.Page) {
				return NewErrMalformed("page %d was not declared by multi-phase commit %s", pw.Page, commitID)
			}
			if v, err := tx.Get(stagingKey(ns.ID, commitID, pw.Page)); err != nil {
				return err
			} else if v != nil {
				return NewErrMalformed("page %d staged twice", pw.Page)
			}
		}

		if err := s.pages.WriteBatch(tx, ns, pages, m.Target); err != nil {
			return err
		}
		for _, pw := range pages {
			h := HashPage(pw.Data)
			if err := tx.Put(stagingKey(ns.ID, commitID, pw.Page), h[:]); err != nil {
				return err
			}
		}
		m.Staged[phase] = true
		m.StagedPages += len(pages)
		ns.LockExpiresAt = s.now().UTC().Add(time.Duration(s.cfg.Commit.LockTTL))
		if err := putNamespace(tx, ns); err != nil {
			return err
		}
		return putMarker(tx, ns.ID, m)
	})
}

// FinalizeMultiPhase makes a fully staged multi-phase commit visible and
// returns its version. Finalizing a commit which was already finalized,
// by its owner or by recovery, returns the same version.
func (s *Store) FinalizeMultiPhase(ctx context.Context, name string, commitID uuid.UUID) (uint64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	var (
		version uint64
		id      uuid.UUID
		pages   int
	)
	err := s.updateIdempotent(ctx, func(tx kv.Txn) error {
		ns, err := loadNamespace(tx, name)
		if err != nil {
			return err
		}
		id = ns.ID
		m, err := loadMarker(tx, ns.ID, commitID)
		if err != nil {
			return err
		}
		if m == nil || ns.LockToken != commitID {
			v, ok, err := findCommit(tx, ns.ID, commitID, 0)
			if err != nil {
				return err
			} else if !ok {
				return NewErrAborted("multi-phase commit %s is not in progress", commitID)
			}
			version = v
			return nil
		}
		if m.State != MultiPhaseStaging {
			return NewErrAborted("multi-phase commit %s is being discarded", commitID)
		} else if !m.complete() {
			return NewErrMalformed("multi-phase commit %s: not every phase is staged", commitID)
		}
		pages = len(m.Pages)
		version = m.Target
		return s.finalize(tx, ns, m)
	})
	if err != nil {
		return 0, err
	}
	if pages > 0 {
		s.clearJournal(ctx, id, commitID)
		st := s.stats.WithTags("namespace:" + name)
		st.Count(MetricMultiPhaseCommit, 1, 1.0)
		st.Gauge(MetricNamespaceVersion, float64(version), 1.0)
		s.logger.Debugf("multi-phase commit %s: namespace %s version %d (%d pages)", commitID, name, version, pages)
	}
	return version, nil
}

// finalize publishes m and releases the namespace lock.
func (s *Store) finalize(tx kv.Txn, ns *Namespace, m *MultiPhaseCommit) error {
	current, err := readCounter(tx, ns.ID)
	if err != nil {
		return err
	} else if current+1 != m.Target {
		return NewErrAborted("multi-phase commit %s targets version %d but namespace '%s' is at %d", m.CommitID, m.Target, ns.Name, current)
	}
	if err := putCommitRecord(tx, ns.ID, m.Target, m.CommitID, s.now(), m.Pages); err != nil {
		return err
	}
	if err := setCounter(tx, ns.ID, m.Target); err != nil {
		return err
	}
	ns.LockToken, ns.LockExpiresAt = uuid.Nil, time.Time{}
	if err := putNamespace(tx, ns); err != nil {
		return err
	}
	return tx.Delete(markerKey(ns.ID, m.CommitID))
}

// AbortMultiPhase discards a multi-phase commit and releases its lock.
// Aborting an unknown commit does nothing; aborting a finalized one fails.
func (s *Store) AbortMultiPhase(ctx context.Context, name string, commitID uuid.UUID) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	var (
		ns *Namespace
		m  *MultiPhaseCommit
	)
	err := s.updateIdempotent(ctx, func(tx kv.Txn) (err error) {
		if ns, err = loadNamespace(tx, name); err != nil {
			return err
		}
		if m, err = loadMarker(tx, ns.ID, commitID); err != nil {
			return err
		}
		if m == nil {
			if _, ok, err := findCommit(tx, ns.ID, commitID, 0); err != nil {
				return err
			} else if ok {
				return NewErrMalformed("multi-phase commit %s was already finalized", commitID)
			}
			return nil
		}
		m.State = MultiPhaseAborting
		return putMarker(tx, ns.ID, m)
	})
	if err != nil || m == nil {
		return err
	}
	s.logger.Infof("multi-phase commit %s: aborting, discarding staged pages of namespace %s", commitID, name)
	return s.discard(ctx, ns, m)
}

// Recover finishes multi-phase commits of a namespace which were
// abandoned: their lease expired or they no longer hold the lock. A
// commit with every phase staged is rolled forward. Anything else is
// discarded, including commits whose state cannot be determined.
func (s *Store) Recover(ctx context.Context, name string) ([]Recovery, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Store.Recover")
	defer span.Finish()

	ns, err := s.Directory.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var markers []*MultiPhaseCommit
	err = s.view(ctx, func(r kv.Reader) (err error) {
		markers, err = loadMarkers(r, ns.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var recovered []Recovery
	for _, m := range markers {
		if ns.LockToken == m.CommitID && !ns.lockExpired(s.now()) && m.State == MultiPhaseStaging {
			continue
		}
		r, err := s.recoverCommit(ctx, ns, m)
		if err != nil {
			return recovered, errors.Wrapf(err, "recovering multi-phase commit %s", m.CommitID)
		} else if r != nil {
			recovered = append(recovered, *r)
			s.stats.WithTags("namespace:"+name, "action:"+r.Action).Count(MetricMultiPhaseRecover, 1, 1.0)
			s.logger.Infof("recovered multi-phase commit %s of namespace %s: %s", r.CommitID, name, r.Action)
		}
	}
	return recovered, nil
}

func (s *Store) recoverCommit(ctx context.Context, opened *Namespace, m *MultiPhaseCommit) (*Recovery, error) {
	var (
		result  *Recovery
		discard *MultiPhaseCommit
	)
	err := s.updateIdempotent(ctx, func(tx kv.Txn) error {
		result, discard = nil, nil
		ns, err := loadNamespaceID(tx, opened.Name, opened.ID)
		if err != nil {
			return err
		}
		cur, err := loadMarker(tx, ns.ID, m.CommitID)
		if err != nil || cur == nil {
			return err
		}
		owner := ns.LockToken == cur.CommitID
		if owner && !ns.lockExpired(s.now()) && cur.State == MultiPhaseStaging {
			// Revived by its owner since we looked.
			return nil
		}
		if owner && cur.State == MultiPhaseStaging && cur.complete() {
			result = &Recovery{CommitID: cur.CommitID, Action: RecoveryRolledForward, Version: cur.Target}
			return s.finalize(tx, ns, cur)
		}

		cur.State = MultiPhaseAborting
		if owner {
			ns.LockExpiresAt = s.now().UTC().Add(time.Duration(s.cfg.Commit.LockTTL))
			if err := putNamespace(tx, ns); err != nil {
				return err
			}
		}
		discard = cur
		return putMarker(tx, ns.ID, cur)
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.clearJournal(ctx, opened.ID, m.CommitID)
		return result, nil
	}
	if discard == nil {
		return nil, nil
	}
	if err := s.discard(ctx, opened, discard); err != nil {
		return nil, err
	}
	return &Recovery{CommitID: discard.CommitID, Action: RecoveryDiscarded}, nil
}

// discard removes everything a multi-phase commit staged, in batches,
// then releases its lock and deletes its marker. It may be repeated after
// a crash. Page records at the target are only removed while the target
// is still unpublished.
func (s *Store) discard(ctx context.Context, ns *Namespace, m *MultiPhaseCommit) error {
	begin := stagingPrefix(ns.ID, m.CommitID)
	end := kv.PrefixEnd(begin)
	for {
		var n int
		err := s.updateIdempotent(ctx, func(tx kv.Txn) error {
			entries, err := tx.Scan(begin, end, s.cfg.Commit.PhaseSize)
			if err != nil {
				return err
			}
			n = len(entries)
			current, err := readCounter(tx, ns.ID)
			if err != nil {
				return err
			}
			deltas := make(map[cache.Key]int64)
			for _, e := range entries {
				if current < m.Target {
					_, page := decodeStagingKey(e.Key)
					key := pageKey(ns.ID, page, m.Target)
					rec, err := tx.Get(key)
					if err != nil {
						return err
					}
					if rec != nil && bytes.Equal(rec, e.Value) {
						if err := tx.Delete(key); err != nil {
							return err
						}
						var h cache.Key
						copy(h[:], rec)
						deltas[h]--
					}
				}
				if err := tx.Delete(e.Key); err != nil {
					return err
				}
			}
			_, err = s.pages.adjustRefs(tx, ns.ID, deltas, nil)
			return err
		})
		if err != nil {
			return err
		}
		if n < s.cfg.Commit.PhaseSize {
			break
		}
	}

	return s.updateIdempotent(ctx, func(tx kv.Txn) error {
		cur, err := loadNamespace(tx, ns.Name)
		if err != nil {
			return err
		}
		if cur.ID == ns.ID && cur.LockToken == m.CommitID {
			cur.LockToken, cur.LockExpiresAt = uuid.Nil, time.Time{}
			if err := putNamespace(tx, cur); err != nil {
				return err
			}
		}
		return tx.Delete(markerKey(ns.ID, m.CommitID))
	})
}

// clearJournal deletes the journal of a finalized commit. Failures only
// leave garbage behind, which the collector sweeps.
func (s *Store) clearJournal(ctx context.Context, id, commitID uuid.UUID) {
	begin := stagingPrefix(id, commitID)
	end := kv.PrefixEnd(begin)
	for {
		var n int
		err := s.update(ctx, func(tx kv.Txn) error {
			kvs, err := tx.Scan(begin, end, purgeBatchSize)
			if err != nil {
				return err
			}
			n = len(kvs)
			if n == 0 {
				return nil
			}
			return tx.DeleteRange(begin, append(kv.Clone(kvs[n-1].Key), 0))
		})
		if err != nil {
			s.logger.Warnf("clearing journal of multi-phase commit %s: %v", commitID, err)
			return
		}
		if n < purgeBatchSize {
			return
		}
	}
}

// commitMultiPhase drives a whole multi-phase commit for Commit.
func (s *Store) commitMultiPhase(ctx context.Context, ns *Namespace, req CommitRequest) (uint64, error) {
	writes := append([]PageWrite(nil), req.Writes...)
	sortPages(writes)
	var phases [][]PageWrite
	for size := s.cfg.Commit.PhaseSize; len(writes) > 0; {
		if size > len(writes) {
			size = len(writes)
		}
		phases = append(phases, writes[:size])
		writes = writes[size:]
	}

	m, err := s.BeginMultiPhase(ctx, MultiPhaseRequest{
		Namespace:   ns.Name,
		CommitID:    req.CommitID,
		BaseVersion: req.BaseVersion,
		ReadSet:     req.ReadSet,
		Pages:       writtenPages(req.Writes),
		Phases:      len(phases),
	})
	if err != nil {
		return 0, err
	} else if m.State == MultiPhaseCommitted {
		return m.Target, nil
	}
	for i, pages := range phases {
		if err := s.StagePhase(ctx, ns.Name, m.CommitID, i, pages); err != nil {
			if aerr := s.AbortMultiPhase(ctx, ns.Name, m.CommitID); aerr != nil {
				s.logger.Errorf("multi-phase commit %s: abort after failed phase %d: %v", m.CommitID, i, aerr)
			}
			return 0, err
		}
	}
	return s.FinalizeMultiPhase(ctx, ns.Name, m.CommitID)
}

// loadOwnedMarker loads the marker of a multi-phase commit which must
// still own its namespace and be staging.
func (s *Store) loadOwnedMarker(tx kv.Reader, name string, commitID uuid.UUID) (*Namespace, *MultiPhaseCommit, error) {
	ns, err := loadNamespace(tx, name)
	if err != nil {
		return nil, nil, err
	}
	m, err := loadMarker(tx, ns.ID, commitID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case m == nil:
		return nil, nil, NewErrAborted("multi-phase commit %s is not in progress", commitID)
	case ns.LockToken != commitID:
		return nil, nil, NewErrAborted("multi-phase commit %s no longer holds namespace '%s'", commitID, name)
	case m.State != MultiPhaseStaging:
		return nil, nil, NewErrAborted("multi-phase commit %s is being discarded", commitID)
	}
	return ns, m, nil
}

// MultiPhaseCommits returns the multi-phase commits in progress in a
// namespace.
func (s *Store) MultiPhaseCommits(ctx context.Context, name string) ([]*MultiPhaseCommit, error) {
	ns, err := s.Directory.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var markers []*MultiPhaseCommit
	err = s.view(ctx, func(r kv.Reader) (err error) {
		markers, err = loadMarkers(r, ns.ID)
		return err
	})
	return markers, err
}

func loadMarker(r kv.Reader, id, commitID uuid.UUID) (*MultiPhaseCommit, error) {
	v, err := r.Get(markerKey(id, commitID))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeMarker(v)
}

func loadMarkers(r kv.Reader, id uuid.UUID) ([]*MultiPhaseCommit, error) {
	prefix := markerPrefix(id)
	kvs, err := r.Scan(prefix, kv.PrefixEnd(prefix), 0)
	if err != nil {
		return nil, err
	}
	markers := make([]*MultiPhaseCommit, 0, len(kvs))
	for _, pair := range kvs {
		m, err := decodeMarker(pair.Value)
		if err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, nil
}

func decodeMarker(b []byte) (*MultiPhaseCommit, error) {
	var m MultiPhaseCommit
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "decoding multi-phase marker")
	}
	return &m, nil
}

func putMarker(tx kv.Txn, id uuid.UUID, m *MultiPhaseCommit) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding multi-phase marker")
	}
	return tx.Put(markerKey(id, m.CommitID), b)
}
