package etcd

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/kv/kvtest"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// mustStartEngine starts a single-node embedded etcd and returns an engine
// on it. The engine stops the server on Close.
func mustStartEngine(t *testing.T) *Engine {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping embedded etcd in short mode")
	}
	opt := Options{
		Name:          "pagestore-test",
		Dir:           t.TempDir(),
		LClientURL:    fmt.Sprintf("http://127.0.0.1:%d", freePort(t)),
		LPeerURL:      fmt.Sprintf("http://127.0.0.1:%d", freePort(t)),
		UnsafeNoFsync: true,
	}
	m := NewEmbedded(opt, logger.NewLogfLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	return NewEmbeddedEngine(m)
}

func TestEngine(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		return mustStartEngine(t)
	})
}

func TestEngine_Conflict(t *testing.T) {
	e := mustStartEngine(t)
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, func(tx kv.Txn) error {
		return tx.Put([]byte("p/1"), []byte("a"))
	}))

	// A scan that observed an empty range must fail if another
	// transaction inserts into that range before it commits.
	err := e.Update(ctx, func(tx kv.Txn) error {
		got, err := tx.Scan([]byte("q/"), kv.PrefixEnd([]byte("q/")), 0)
		require.NoError(t, err)
		require.Empty(t, got)

		require.NoError(t, e.Update(ctx, func(other kv.Txn) error {
			return other.Put([]byte("q/7"), []byte("b"))
		}))
		return tx.Put([]byte("p/2"), []byte("c"))
	})
	require.True(t, errors.Is(err, kv.ErrTxnConflict), "got %v", err)

	// Deleting a key another transaction read is also a conflict.
	err = e.Update(ctx, func(tx kv.Txn) error {
		v, err := tx.Get([]byte("p/1"))
		require.NoError(t, err)
		require.Equal(t, "a", string(v))

		require.NoError(t, e.Update(ctx, func(other kv.Txn) error {
			return other.Delete([]byte("p/1"))
		}))
		return tx.Put([]byte("p/1-copy"), v)
	})
	require.True(t, errors.Is(err, kv.ErrTxnConflict), "got %v", err)

	// A write to a key outside the read set does not conflict.
	require.NoError(t, e.Update(ctx, func(tx kv.Txn) error {
		if _, err := tx.Get([]byte("p/3")); err != nil {
			return err
		}
		require.NoError(t, e.Update(ctx, func(other kv.Txn) error {
			return other.Put([]byte("z"), []byte("unrelated"))
		}))
		return tx.Put([]byte("p/3"), []byte("d"))
	}))
}

func TestEngine_LimitedScanReadsPrefixOnly(t *testing.T) {
	e := mustStartEngine(t)
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, func(tx kv.Txn) error {
		for i := 0; i < 5; i++ {
			if err := tx.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	// Only k0 and k1 were observed, so a write to k4 must not conflict.
	require.NoError(t, e.Update(ctx, func(tx kv.Txn) error {
		got, err := tx.Scan([]byte("k"), kv.PrefixEnd([]byte("k")), 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.NoError(t, e.Update(ctx, func(other kv.Txn) error {
			return other.Put([]byte("k4"), []byte("changed"))
		}))
		return tx.Delete(got[0].Key)
	}))
}

func TestParseOptions(t *testing.T) {
	opt := Options{
		Name:       "n1",
		Dir:        t.TempDir(),
		LClientURL: "http://127.0.0.1:10101",
		LPeerURL:   "http://127.0.0.1:10102",
	}
	cfg, err := opt.parseOptions()
	require.NoError(t, err)
	assert.Equal(t, "n1=http://127.0.0.1:10102", cfg.InitialCluster)
	assert.EqualValues(t, defaultMaxTxnOps, cfg.MaxTxnOps)
	assert.Equal(t, "127.0.0.1:10101", cfg.ACUrls[0].Host)

	opt.LClientURL = "://bad"
	_, err = opt.parseOptions()
	assert.Error(t, err)
}

func TestDial_NoEndpoints(t *testing.T) {
	_, err := Dial(Options{})
	assert.Error(t, err)
}
