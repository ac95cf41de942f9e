// Package inmem provides an in-memory kv.Engine. Each committed state is an
// immutable sorted map, so readers take a snapshot by copying a pointer and
// never block writers. Writers are serialized.
package inmem

import (
	"bytes"
	"context"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/featurebasedb/pagestore/kv"
)

// Ensure type implements interface.
var _ kv.Engine = (*Engine)(nil)

// Engine is an in-memory kv.Engine.
type Engine struct {
	writeMu sync.Mutex // serializes Update

	mu     sync.RWMutex // protects root and closed
	root   *immutable.SortedMap
	closed bool
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{root: immutable.NewSortedMap(bytesComparer{})}
}

func (e *Engine) snapshot() (*immutable.SortedMap, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, kv.NewErrClosed()
	}
	return e.root, nil
}

func (e *Engine) View(ctx context.Context, fn func(kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return kv.NewErrUnavailable(err)
	}
	m, err := e.snapshot()
	if err != nil {
		return err
	}
	return fn(&txn{m: m})
}

func (e *Engine) Update(ctx context.Context, fn func(kv.Txn) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return kv.NewErrUnavailable(err)
	}
	m, err := e.snapshot()
	if err != nil {
		return err
	}
	tx := &txn{m: m, writable: true}
	if err := fn(tx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return kv.NewErrClosed()
	}
	e.root = tx.m
	return nil
}

// Len returns the number of keys currently stored.
func (e *Engine) Len() int {
	m, err := e.snapshot()
	if err != nil {
		return 0
	}
	return m.Len()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// txn reads from and writes to its own copy of the map. Writes become
// visible to others only when Update swaps the copy in.
type txn struct {
	m        *immutable.SortedMap
	writable bool
}

func (tx *txn) Get(key []byte) ([]byte, error) {
	v, ok := tx.m.Get(key)
	if !ok {
		return nil, nil
	}
	return kv.Clone(v.([]byte)), nil
}

func (tx *txn) Scan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	var out []kv.KeyValue
	itr := tx.m.Iterator()
	itr.Seek(begin)
	for !itr.Done() {
		k, v := itr.Next()
		key := k.([]byte)
		if end != nil && bytes.Compare(key, end) >= 0 {
			break
		}
		out = append(out, kv.KeyValue{Key: kv.Clone(key), Value: kv.Clone(v.([]byte))})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (tx *txn) ReverseScan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	var out []kv.KeyValue
	itr := tx.m.Iterator()
	if end == nil {
		itr.Last()
	} else {
		itr.Seek(end)
		if itr.Done() {
			itr.Last()
		}
	}
	for !itr.Done() {
		k, v := itr.Prev()
		key := k.([]byte)
		if end != nil && bytes.Compare(key, end) >= 0 {
			continue
		}
		if bytes.Compare(key, begin) < 0 {
			break
		}
		out = append(out, kv.KeyValue{Key: kv.Clone(key), Value: kv.Clone(v.([]byte))})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (tx *txn) Put(key, value []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	tx.m = tx.m.Set(kv.Clone(key), kv.Clone(value))
	return nil
}

func (tx *txn) Delete(key []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	tx.m = tx.m.Delete(key)
	return nil
}

func (tx *txn) DeleteRange(begin, end []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	kvs, err := tx.Scan(begin, end, 0)
	if err != nil {
		return err
	}
	for _, p := range kvs {
		tx.m = tx.m.Delete(p.Key)
	}
	return nil
}

// bytesComparer orders []byte keys lexicographically.
type bytesComparer struct{}

func (bytesComparer) Compare(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}
