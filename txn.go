package pagestore

import (
	"context"
	"sort"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/google/uuid"
)

// TxnState is the life-cycle state of a transaction.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnConflict
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnConflict:
		return "conflict"
	case TxnAborted:
		return "aborted"
	}
	return "unknown"
}

// ReadEntry records that a page was read at a snapshot version.
type ReadEntry struct {
	Page    uint32 `json:"page"`
	Version uint64 `json:"version"`
}

// Txn is a transaction against one namespace. All reads observe the
// namespace as of the base version, except pages the transaction wrote
// itself. A Txn must not be used from more than one goroutine at a time.
type Txn struct {
	store *Store
	ns    *Namespace
	pins  *pins

	base     uint64
	readOnly bool
	state    TxnState
	version  uint64

	reads  map[uint32]uint64
	writes map[uint32][]byte
}

// Begin starts a transaction at the current version of a namespace.
func (s *Store) Begin(ctx context.Context, name string) (*Txn, error) {
	ns, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	p := s.pins.get(ns.ID)

	p.gate.RLock()
	defer p.gate.RUnlock()
	var base uint64
	err = s.view(ctx, func(r kv.Reader) (err error) {
		if ns, err = loadNamespaceID(r, name, ns.ID); err != nil {
			return err
		}
		base, err = readCounter(r, ns.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.pin(base)
	return s.newTxn(ns, p, base, false), nil
}

// BeginAt starts a read-only transaction at a historical version.
func (s *Store) BeginAt(ctx context.Context, name string, version uint64) (*Txn, error) {
	ns, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	p := s.pins.get(ns.ID)

	p.gate.RLock()
	defer p.gate.RUnlock()
	err = s.view(ctx, func(r kv.Reader) (err error) {
		if ns, err = loadNamespaceID(r, name, ns.ID); err != nil {
			return err
		}
		current, err := readCounter(r, ns.ID)
		if err != nil {
			return err
		}
		if version > current {
			return NewErrMalformed("version %d is newer than the current version %d of namespace '%s'", version, current, name)
		} else if version < ns.GCWatermark {
			return NewErrRetentionExpired(name, version, ns.GCWatermark)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.pin(version)
	return s.newTxn(ns, p, version, true), nil
}

func (s *Store) newTxn(ns *Namespace, p *pins, base uint64, readOnly bool) *Txn {
	return &Txn{
		store:    s,
		ns:       ns,
		pins:     p,
		base:     base,
		readOnly: readOnly,
		reads:    make(map[uint32]uint64),
		writes:   make(map[uint32][]byte),
	}
}

// Namespace returns the name of the transaction's namespace.
func (t *Txn) Namespace() string { return t.ns.Name }

// PageSize returns the page size of the transaction's namespace.
func (t *Txn) PageSize() int { return t.ns.PageSize }

// BaseVersion returns the snapshot version the transaction reads at.
func (t *Txn) BaseVersion() uint64 { return t.base }

// State returns the transaction's state.
func (t *Txn) State() TxnState { return t.state }

// Version returns the commit version of a committed transaction.
func (t *Txn) Version() uint64 { return t.version }

// Read returns the contents of page.
func (t *Txn) Read(ctx context.Context, page uint32) ([]byte, error) {
	pr, err := t.ReadPage(ctx, page)
	return pr.Data, err
}

// ReadPage returns the contents of page and the version which wrote it.
// Pages written by this transaction report the base version.
func (t *Txn) ReadPage(ctx context.Context, page uint32) (PageRead, error) {
	if t.state != TxnActive {
		return PageRead{}, NewErrAborted("transaction is %s", t.state)
	}
	if data, ok := t.writes[page]; ok {
		return PageRead{Page: page, Version: t.base, Data: kv.Clone(data)}, nil
	}

	var pr PageRead
	err := t.store.view(ctx, func(r kv.Reader) error {
		ns, err := loadNamespaceID(r, t.ns.Name, t.ns.ID)
		if err != nil {
			return err
		}
		pr, err = t.store.pages.Read(r, ns, page, t.base)
		return err
	})
	if err != nil {
		return PageRead{}, err
	}
	if t.store.cfg.Commit.TrackReads {
		t.reads[page] = t.base
	}
	return pr, nil
}

// Write buffers new contents for page. data must be exactly one page.
func (t *Txn) Write(page uint32, data []byte) error {
	if t.state != TxnActive {
		return NewErrAborted("transaction is %s", t.state)
	} else if t.readOnly {
		return NewErrMalformed("transaction at version %d is read-only", t.base)
	} else if len(data) != t.ns.PageSize {
		return NewErrMalformed("page %d: %d bytes, namespace '%s' uses %d byte pages", page, len(data), t.ns.Name, t.ns.PageSize)
	}
	t.writes[page] = kv.Clone(data)
	return nil
}

// ReadSet returns the pages read from the store, ordered by page.
func (t *Txn) ReadSet() []ReadEntry {
	rs := make([]ReadEntry, 0, len(t.reads))
	for p, v := range t.reads {
		rs = append(rs, ReadEntry{Page: p, Version: v})
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Page < rs[j].Page })
	return rs
}

// WriteSet returns the buffered writes, ordered by page.
func (t *Txn) WriteSet() []PageWrite {
	ws := make([]PageWrite, 0, len(t.writes))
	for p, data := range t.writes {
		ws = append(ws, PageWrite{Page: p, Data: data})
	}
	sortPages(ws)
	return ws
}

// Commit makes the transaction's writes visible as a new version and
// returns it. A transaction without writes commits at its base version.
// If another transaction committed a page this one read or wrote since
// the base version, Commit fails with a Conflict error and the caller
// should retry with a new transaction.
func (t *Txn) Commit(ctx context.Context) (uint64, error) {
	if t.state != TxnActive {
		return 0, NewErrAborted("transaction is %s", t.state)
	}
	t.state = TxnCommitting
	defer t.pins.unpin(t.base)

	v, err := t.store.Commit(ctx, CommitRequest{
		Namespace:   t.ns.Name,
		CommitID:    uuid.New(),
		BaseVersion: t.base,
		ReadSet:     t.ReadSet(),
		Writes:      t.WriteSet(),
	})
	switch {
	case err == nil:
		t.state, t.version = TxnCommitted, v
	case errors.Is(err, ErrConflict):
		t.state = TxnConflict
	default:
		t.state = TxnAborted
	}
	return v, err
}

// Abort discards the transaction. Nothing it wrote was durable. Aborting
// a finished transaction does nothing.
func (t *Txn) Abort() {
	if t.state != TxnActive {
		return
	}
	t.state = TxnAborted
	t.pins.unpin(t.base)
}
