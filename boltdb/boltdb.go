// Package boltdb provides a kv.Engine backed by a single bbolt file. It is
// meant for single-node deployments and tests which need durability.
package boltdb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	bolt "go.etcd.io/bbolt"
)

// Ensure type implements interface.
var _ kv.Engine = (*DB)(nil)

// bucket holds every key. bbolt orders keys within a bucket bytewise, which
// is the order kv.Engine requires.
var bucket = []byte("pagestore")

// DB represents the database connection.
type DB struct {
	db *bolt.DB

	// Datasource name, "file:" followed by a path.
	DSN string

	// NoSync skips fsync on commit. Only for tests.
	NoSync bool

	// Timeout to wait for the file lock when opening.
	OpenTimeout time.Duration

	filePath string
}

// NewDB returns a new instance of DB associated with the given datasource
// name. A DSN without the "file:" prefix is treated as a path.
func NewDB(dsn string) *DB {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return &DB{
		DSN:         dsn,
		OpenTimeout: time.Second,
	}
}

// Open opens the database file, creating it if needed.
func (db *DB) Open() (err error) {
	path := strings.TrimPrefix(db.DSN, "file:")
	if path == "" {
		return errors.New(errors.ErrUncoded, "boltdb: empty path in DSN")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db.db, err = bolt.Open(path, 0600, &bolt.Options{
		Timeout:         db.OpenTimeout,
		NoSync:          db.NoSync,
		InitialMmapSize: 64 << 20,
	})
	if err != nil {
		return errors.Wrapf(err, "open file: %s", path)
	}
	db.filePath = path

	return db.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return errors.Wrapf(err, "creating bucket: %s", bucket)
	})
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Path returns the path of the open database file.
func (db *DB) Path() string {
	return db.filePath
}

func (db *DB) View(ctx context.Context, fn func(kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return kv.NewErrUnavailable(err)
	}
	return db.translate(db.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{b: tx.Bucket(bucket)})
	}))
}

func (db *DB) Update(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return kv.NewErrUnavailable(err)
	}
	return db.translate(db.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{b: tx.Bucket(bucket), writable: true})
	}))
}

func (db *DB) translate(err error) error {
	if err == bolt.ErrDatabaseNotOpen {
		return kv.NewErrClosed()
	}
	return err
}

// txn wraps a bucket inside a bolt transaction. Bolt only permits one
// writer, so Update never sees an engine-level conflict.
type txn struct {
	b        *bolt.Bucket
	writable bool
}

func (tx *txn) Get(key []byte) ([]byte, error) {
	return kv.Clone(tx.b.Get(key)), nil
}

func (tx *txn) Scan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	var out []kv.KeyValue
	cur := tx.b.Cursor()
	for k, v := cur.Seek(begin); k != nil; k, v = cur.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		out = append(out, kv.KeyValue{Key: kv.Clone(k), Value: kv.Clone(v)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (tx *txn) ReverseScan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	var out []kv.KeyValue
	cur := tx.b.Cursor()

	var k, v []byte
	if end == nil {
		k, v = cur.Last()
	} else if k, v = cur.Seek(end); k == nil {
		k, v = cur.Last()
	} else {
		k, v = cur.Prev()
	}
	for ; k != nil; k, v = cur.Prev() {
		if bytes.Compare(k, begin) < 0 {
			break
		}
		out = append(out, kv.KeyValue{Key: kv.Clone(k), Value: kv.Clone(v)})
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
	// bolt rejects nil values as deletions-in-disguise.
	if value == nil {
		value = []byte{}
	}
	return tx.b.Put(key, value)
}

func (tx *txn) Delete(key []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	return tx.b.Delete(key)
}

func (tx *txn) DeleteRange(begin, end []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	// Collect first; deleting through a cursor while iterating skips keys.
	var doomed [][]byte
	cur := tx.b.Cursor()
	for k, _ := cur.Seek(begin); k != nil && (end == nil || bytes.Compare(k, end) < 0); k, _ = cur.Next() {
		doomed = append(doomed, kv.Clone(k))
	}
	for _, k := range doomed {
		if err := tx.b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
