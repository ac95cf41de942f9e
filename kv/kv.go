// Package kv defines the transactional, ordered key-value engine the page
// store is built on. An engine only has to provide atomic multi-key
// transactions with snapshot reads and ordered range scans; everything
// else (versions, conflicts, garbage collection) lives above it.
package kv

import (
	"bytes"
	"context"

	"github.com/featurebasedb/pagestore/errors"
)

const (
	// ErrTxnConflict is returned by Update when the engine could not commit
	// because something the transaction read changed underneath it. Nothing
	// was written and the transaction may be run again.
	ErrTxnConflict errors.Code = "TxnConflict"

	// ErrUnavailable is returned when the engine could not be reached or
	// timed out. An Update failing with ErrUnavailable may or may not have
	// been applied.
	ErrUnavailable errors.Code = "Unavailable"

	// ErrClosed is returned by engines which have been closed.
	ErrClosed errors.Code = "EngineClosed"
)

func NewErrTxnConflict(reason string) error {
	return errors.New(ErrTxnConflict, "kv: transaction conflict: "+reason)
}

func NewErrUnavailable(err error) error {
	return errors.Wrap(errors.New(ErrUnavailable, err.Error()), "kv: engine unavailable")
}

func NewErrClosed() error {
	return errors.New(ErrClosed, "kv: engine closed")
}

// Engine is a transactional, sorted key-value store.
type Engine interface {
	// Update runs fn in a read-write transaction. If fn returns nil the
	// writes are committed atomically; otherwise they are discarded and
	// fn's error is returned.
	Update(ctx context.Context, fn func(Txn) error) error

	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Reader) error) error

	Close() error
}

// Reader is the read half of a transaction. Reads observe the snapshot the
// transaction started from plus any writes it has already made. Returned
// slices belong to the caller.
type Reader interface {
	// Get returns the value of key, or nil if the key does not exist.
	Get(key []byte) ([]byte, error)

	// Scan returns up to limit pairs with begin <= key < end in ascending
	// key order. A nil end means no upper bound; limit <= 0 means no limit.
	Scan(begin, end []byte, limit int) ([]KeyValue, error)

	// ReverseScan is like Scan but returns pairs in descending key order.
	ReverseScan(begin, end []byte, limit int) ([]KeyValue, error)
}

// Txn is a read-write transaction.
type Txn interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
	// DeleteRange deletes all keys with begin <= key < end.
	DeleteRange(begin, end []byte) error
}

// KeyValue is a single pair returned from a scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// InRange reports whether begin <= key < end, treating a nil end as
// unbounded.
func InRange(key, begin, end []byte) bool {
	return bytes.Compare(key, begin) >= 0 && (end == nil || bytes.Compare(key, end) < 0)
}

// Clone returns a copy of b. Nil stays nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

// IsRetryable reports whether err is an engine failure which is safe to
// retry for an operation which does not write.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTxnConflict) || errors.Is(err, ErrUnavailable)
}

// ErrReadOnly is returned when a write is attempted inside View.
const ErrReadOnly errors.Code = "ReadOnly"

func NewErrReadOnly() error {
	return errors.New(ErrReadOnly, "kv: write in read-only transaction")
}
