// Package pebble provides a kv.Engine backed by a local Pebble LSM store.
package pebble

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
)

// Ensure type implements interface.
var _ kv.Engine = (*DB)(nil)

// DB is a kv.Engine on top of pebble. Read-only transactions run against a
// pebble snapshot. Read-write transactions are serialized and buffer their
// writes in an indexed batch, which also serves their reads.
type DB struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	db     *pebble.DB
	closed bool

	path string
	sync bool
}

// Options configures Open.
type Options struct {
	// InMemory keeps everything in memory. Path is ignored.
	InMemory bool
	// NoSync commits without waiting for the WAL to be synced.
	NoSync bool
	// CacheSize is the block cache size in bytes.
	CacheSize int64
}

// Open opens or creates a pebble store in dir.
func Open(dir string, opts Options) (*DB, error) {
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		popts.Cache = cache
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble at %s", dir)
	}
	return &DB{db: db, path: dir, sync: !opts.NoSync}, nil
}

// Path returns the directory the store was opened in.
func (db *DB) Path() string { return db.path }

func (db *DB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.db.Close()
}

func (db *DB) View(ctx context.Context, fn func(kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return kv.NewErrUnavailable(err)
	}
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return kv.NewErrClosed()
	}
	snap := db.db.NewSnapshot()
	db.mu.RUnlock()
	defer snap.Close()

	return fn(&txn{r: snap})
}

func (db *DB) Update(ctx context.Context, fn func(kv.Txn) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return kv.NewErrUnavailable(err)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return kv.NewErrClosed()
	}

	b := db.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(&txn{r: b, b: b}); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	opt := pebble.NoSync
	if db.sync {
		opt = pebble.Sync
	}
	return errors.Wrap(b.Commit(opt), "committing batch")
}

// txn reads through a *pebble.Snapshot or an indexed *pebble.Batch.
type txn struct {
	r pebble.Reader
	b *pebble.Batch // nil in View
}

func (tx *txn) Get(key []byte) ([]byte, error) {
	v, closer, err := tx.r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	return kv.Clone(v), nil
}

func (tx *txn) iter(begin, end []byte) (*pebble.Iterator, error) {
	return tx.r.NewIter(&pebble.IterOptions{
		LowerBound: begin,
		UpperBound: end,
	})
}

func (tx *txn) Scan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	iter, err := tx.iter(begin, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []kv.KeyValue
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, kv.KeyValue{Key: kv.Clone(iter.Key()), Value: kv.Clone(iter.Value())})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, iter.Error()
}

func (tx *txn) ReverseScan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	iter, err := tx.iter(begin, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []kv.KeyValue
	for iter.Last(); iter.Valid(); iter.Prev() {
		out = append(out, kv.KeyValue{Key: kv.Clone(iter.Key()), Value: kv.Clone(iter.Value())})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, iter.Error()
}

func (tx *txn) Put(key, value []byte) error {
	if tx.b == nil {
		return kv.NewErrReadOnly()
	}
	return tx.b.Set(key, value, nil)
}

func (tx *txn) Delete(key []byte) error {
	if tx.b == nil {
		return kv.NewErrReadOnly()
	}
	return tx.b.Delete(key, nil)
}

func (tx *txn) DeleteRange(begin, end []byte) error {
	if tx.b == nil {
		return kv.NewErrReadOnly()
	}
	if end != nil {
		if bytes.Compare(begin, end) >= 0 {
			return nil
		}
		return tx.b.DeleteRange(begin, end, nil)
	}
	kvs, err := tx.Scan(begin, nil, 0)
	if err != nil {
		return err
	}
	for _, p := range kvs {
		if err := tx.b.Delete(p.Key, nil); err != nil {
			return err
		}
	}
	return nil
}
