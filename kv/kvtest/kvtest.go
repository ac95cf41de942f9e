// Package kvtest contains a conformance suite which every kv.Engine
// implementation runs from its own tests.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewEngineFunc returns a fresh, empty engine. The suite closes it.
type NewEngineFunc func(t *testing.T) kv.Engine

// Run runs the conformance suite against engines returned by newEngine.
func Run(t *testing.T, newEngine NewEngineFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e kv.Engine)
	}{
		{"GetPut", testGetPut},
		{"Scan", testScan},
		{"ReverseScan", testReverseScan},
		{"ReadYourWrites", testReadYourWrites},
		{"Rollback", testRollback},
		{"DeleteRange", testDeleteRange},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"ConcurrentIncrement", testConcurrentIncrement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			defer e.Close()
			tt.fn(t, e)
		})
	}
}

func put(t *testing.T, e kv.Engine, pairs ...string) {
	t.Helper()
	require.NoError(t, e.Update(context.Background(), func(tx kv.Txn) error {
		for i := 0; i+1 < len(pairs); i += 2 {
			if err := tx.Put([]byte(pairs[i]), []byte(pairs[i+1])); err != nil {
				return err
			}
		}
		return nil
	}))
}

func keys(kvs []kv.KeyValue) []string {
	out := make([]string, 0, len(kvs))
	for _, p := range kvs {
		out = append(out, string(p.Key))
	}
	return out
}

func testGetPut(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	put(t, e, "a", "1", "b", "2")

	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		v, err := r.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))

		v, err = r.Get([]byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	}))

	require.NoError(t, e.Update(ctx, func(tx kv.Txn) error {
		return tx.Delete([]byte("a"))
	}))
	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		v, err := r.Get([]byte("a"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	}))
}

func testScan(t *testing.T, e kv.Engine) {
	put(t, e, "k1", "a", "k2", "b", "k3", "c", "k4", "d", "l1", "e")
	require.NoError(t, e.View(context.Background(), func(r kv.Reader) error {
		got, err := r.Scan([]byte("k2"), []byte("k4"), 0)
		require.NoError(t, err)
		want := []kv.KeyValue{{Key: []byte("k2"), Value: []byte("b")}, {Key: []byte("k3"), Value: []byte("c")}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("scan mismatch (-want +got):\n%s", diff)
		}

		got, err = r.Scan([]byte("k"), kv.PrefixEnd([]byte("k")), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "k2"}, keys(got))

		got, err = r.Scan([]byte("k3"), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"k3", "k4", "l1"}, keys(got))

		got, err = r.Scan([]byte("m"), nil, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}

func testReverseScan(t *testing.T, e kv.Engine) {
	put(t, e, "k1", "a", "k2", "b", "k3", "c", "k4", "d", "l1", "e")
	require.NoError(t, e.View(context.Background(), func(r kv.Reader) error {
		got, err := r.ReverseScan([]byte("k2"), []byte("k4"), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"k3", "k2"}, keys(got))

		got, err = r.ReverseScan([]byte("k"), []byte("k35"), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"k3"}, keys(got))

		got, err = r.ReverseScan([]byte("k"), nil, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"l1", "k4"}, keys(got))

		got, err = r.ReverseScan([]byte("a"), []byte("b"), 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}

func testReadYourWrites(t *testing.T, e kv.Engine) {
	put(t, e, "a", "1", "c", "3", "d", "4")
	require.NoError(t, e.Update(context.Background(), func(tx kv.Txn) error {
		require.NoError(t, tx.Put([]byte("b"), []byte("2")))
		require.NoError(t, tx.Delete([]byte("c")))
		require.NoError(t, tx.Put([]byte("a"), []byte("1x")))

		v, err := tx.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, "1x", string(v))

		v, err = tx.Get([]byte("c"))
		require.NoError(t, err)
		assert.Nil(t, v)

		got, err := tx.Scan([]byte("a"), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d"}, keys(got))

		got, err = tx.ReverseScan([]byte("a"), nil, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b"}, keys(got))

		require.NoError(t, tx.DeleteRange([]byte("a"), []byte("c")))
		got, err = tx.Scan([]byte("a"), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, keys(got))
		return nil
	}))
}

func testRollback(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	put(t, e, "a", "1")
	boom := errors.Errorf("boom")
	err := e.Update(ctx, func(tx kv.Txn) error {
		require.NoError(t, tx.Put([]byte("a"), []byte("2")))
		require.NoError(t, tx.Put([]byte("b"), []byte("2")))
		return boom
	})
	require.Equal(t, boom, err)

	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		got, err := r.Scan([]byte(""), nil, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "1", string(got[0].Value))
		return nil
	}))
}

func testDeleteRange(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	put(t, e, "p1", "a", "p2", "b", "p3", "c", "q1", "d")
	require.NoError(t, e.Update(ctx, func(tx kv.Txn) error {
		return tx.DeleteRange([]byte("p"), kv.PrefixEnd([]byte("p")))
	}))
	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		got, err := r.Scan([]byte(""), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1"}, keys(got))
		return nil
	}))
}

// testSnapshotIsolation checks that a View never observes a commit which
// happens while it runs.
func testSnapshotIsolation(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	put(t, e, "x", "old")

	started := make(chan struct{})
	committed := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-started
		put(t, e, "x", "new", "y", "new")
		close(committed)
	}()

	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		v, err := r.Get([]byte("x"))
		require.NoError(t, err)
		close(started)
		<-committed

		v2, err := r.Get([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, string(v), string(v2))
		y, err := r.Get([]byte("y"))
		require.NoError(t, err)
		assert.Nil(t, y)
		return nil
	}))
	wg.Wait()
}

// testConcurrentIncrement runs read-modify-write transactions concurrently,
// retrying engine conflicts, and checks no increment is lost.
func testConcurrentIncrement(t *testing.T, e kv.Engine) {
	const workers, rounds = 4, 10
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				for {
					err := e.Update(ctx, func(tx kv.Txn) error {
						v, err := tx.Get([]byte("counter"))
						if err != nil {
							return err
						}
						n := 0
						if v != nil {
							fmt.Sscanf(string(v), "%d", &n)
						}
						return tx.Put([]byte("counter"), []byte(fmt.Sprint(n+1)))
					})
					if errors.Is(err, kv.ErrTxnConflict) {
						continue
					}
					if err != nil {
						errs <- err
						return
					}
					break
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		v, err := r.Get([]byte("counter"))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(workers*rounds), string(v))
		return nil
	}))
}
