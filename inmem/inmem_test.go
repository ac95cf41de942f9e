package inmem_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/kv/kvtest"
	"github.com/stretchr/testify/require"
)

func TestEngine(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		return inmem.NewEngine()
	})
}

func TestEngine_ReadOnlyView(t *testing.T) {
	e := inmem.NewEngine()
	defer e.Close()
	err := e.View(context.Background(), func(r kv.Reader) error {
		return r.(kv.Txn).Put([]byte("a"), []byte("b"))
	})
	require.True(t, errors.Is(err, kv.ErrReadOnly), "got %v", err)
}

func TestEngine_Closed(t *testing.T) {
	e := inmem.NewEngine()
	require.NoError(t, e.Close())
	err := e.Update(context.Background(), func(kv.Txn) error { return nil })
	require.True(t, errors.Is(err, kv.ErrClosed), "got %v", err)
}
