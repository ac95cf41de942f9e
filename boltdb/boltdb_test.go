package boltdb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/featurebasedb/pagestore/boltdb"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MustOpenDB returns an open DB in a temporary directory.
func MustOpenDB(tb testing.TB) *boltdb.DB {
	tb.Helper()
	db := boltdb.NewDB("file:" + filepath.Join(tb.TempDir(), "pagestore.boltdb"))
	db.NoSync = true
	if err := db.Open(); err != nil {
		tb.Fatalf("opening db: %v", err)
	}
	return db
}

func TestDB(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		return MustOpenDB(t)
	})
}

func TestDB_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "reopen.boltdb")

	db := boltdb.NewDB(path)
	require.NoError(t, db.Open())
	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Update(ctx, func(tx kv.Txn) error {
		return tx.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Close())

	db = boltdb.NewDB(path)
	require.NoError(t, db.Open())
	defer db.Close()
	require.NoError(t, db.View(ctx, func(r kv.Reader) error {
		v, err := r.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
		return nil
	}))
}

func TestDB_ReadOnlyView(t *testing.T) {
	db := MustOpenDB(t)
	defer db.Close()
	err := db.View(context.Background(), func(r kv.Reader) error {
		return r.(kv.Txn).Delete([]byte("k"))
	})
	require.True(t, errors.Is(err, kv.ErrReadOnly), "got %v", err)
}
