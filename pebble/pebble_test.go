package pebble_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/kv/kvtest"
	"github.com/featurebasedb/pagestore/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDB(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		db, err := pebble.Open("mem", pebble.Options{InMemory: true, NoSync: true})
		require.NoError(t, err)
		return db
	})
}

func TestDB_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := pebble.Open(dir, pebble.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, func(tx kv.Txn) error {
		return tx.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = pebble.Open(dir, pebble.Options{CacheSize: 1 << 20})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.View(ctx, func(r kv.Reader) error {
		v, err := r.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
		return nil
	}))
}
