package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaulty(t *testing.T) {
	ctx := context.Background()

	t.Run("DropBeforeUpdate", func(t *testing.T) {
		e := inmem.NewEngine()
		f := kv.NewFaulty(e, kv.InjectorFunc(func(p kv.Point) kv.Fault {
			return kv.Fault{Fail: p == kv.BeforeUpdate}
		}))
		err := f.Update(ctx, func(tx kv.Txn) error {
			return tx.Put([]byte("a"), []byte("1"))
		})
		require.True(t, errors.Is(err, kv.ErrUnavailable), "got %v", err)
		assert.Equal(t, 0, e.Len())
	})

	t.Run("AmbiguousAfterUpdate", func(t *testing.T) {
		e := inmem.NewEngine()
		f := kv.NewFaulty(e, kv.InjectorFunc(func(p kv.Point) kv.Fault {
			return kv.Fault{Fail: p == kv.AfterUpdate}
		}))
		err := f.Update(ctx, func(tx kv.Txn) error {
			return tx.Put([]byte("a"), []byte("1"))
		})
		require.True(t, errors.Is(err, kv.ErrUnavailable), "got %v", err)
		assert.Equal(t, 1, e.Len(), "write should be durable despite the error")
	})

	t.Run("ConflictBeforeUpdate", func(t *testing.T) {
		e := inmem.NewEngine()
		f := kv.NewFaulty(e, kv.InjectorFunc(func(p kv.Point) kv.Fault {
			return kv.Fault{Conflict: true}
		}))
		err := f.Update(ctx, func(tx kv.Txn) error {
			return tx.Put([]byte("a"), []byte("1"))
		})
		require.True(t, errors.Is(err, kv.ErrTxnConflict), "got %v", err)
		assert.True(t, kv.IsRetryable(err))
		assert.Equal(t, 0, e.Len())
		require.NoError(t, f.View(ctx, func(kv.Reader) error { return nil }), "views are not affected")
	})

	t.Run("DelayHonorsContext", func(t *testing.T) {
		f := kv.NewFaulty(inmem.NewEngine(), kv.InjectorFunc(func(p kv.Point) kv.Fault {
			return kv.Fault{Delay: time.Hour}
		}))
		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		err := f.View(ctx, func(kv.Reader) error { return nil })
		require.True(t, errors.Is(err, kv.ErrUnavailable), "got %v", err)
	})
}

func TestRandomInjector(t *testing.T) {
	cfg := kv.RandomInjectorConfig{Seed: 42, DropProbability: 0.5, AmbiguousProbability: 0.5}
	a, b := kv.NewRandomInjector(cfg), kv.NewRandomInjector(cfg)
	var fails int
	for i := 0; i < 200; i++ {
		fa, fb := a.Inject(kv.BeforeUpdate), b.Inject(kv.BeforeUpdate)
		require.Equal(t, fa, fb, "same seed should give the same faults")
		if fa.Fail {
			fails++
		}
	}
	assert.Greater(t, fails, 50)
	assert.Less(t, fails, 150)

	never := kv.NewRandomInjector(kv.RandomInjectorConfig{Seed: 1})
	for i := 0; i < 100; i++ {
		assert.Equal(t, kv.Fault{}, never.Inject(kv.AfterUpdate))
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("b"), kv.PrefixEnd([]byte("a")))
	assert.Equal(t, []byte{0x01}, kv.PrefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, kv.PrefixEnd([]byte{0xff, 0xff}))
	assert.True(t, kv.InRange([]byte("ab"), []byte("a"), []byte("b")))
	assert.False(t, kv.InRange([]byte("b"), []byte("a"), []byte("b")))
	assert.True(t, kv.InRange([]byte("zzz"), []byte("a"), nil))
}
