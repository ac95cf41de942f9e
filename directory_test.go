package pagestore_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateOpenDestroy", func(t *testing.T) {
		s := test.MustNewStore(t, inmem.NewEngine())
		_, err := s.Open(ctx, "db")
		require.True(t, errors.Is(err, pagestore.ErrNamespaceNotFound), "got %v", err)

		ns, err := s.Create(ctx, "db", 1024)
		require.NoError(t, err)
		assert.Equal(t, 1024, ns.PageSize)

		_, err = s.Create(ctx, "db", 0)
		require.True(t, errors.Is(err, pagestore.ErrNamespaceExists), "got %v", err)

		opened, err := s.Open(ctx, "db")
		require.NoError(t, err)
		assert.Equal(t, ns.ID, opened.ID)

		require.NoError(t, s.Destroy(ctx, "db"))
		err = s.Destroy(ctx, "db")
		require.True(t, errors.Is(err, pagestore.ErrNamespaceNotFound), "got %v", err)
		_, err = s.Begin(ctx, "db")
		require.True(t, errors.Is(err, pagestore.ErrNamespaceNotFound), "got %v", err)
	})

	t.Run("RecreateStartsEmpty", func(t *testing.T) {
		s := test.MustNewStore(t, inmem.NewEngine())
		_, err := s.Create(ctx, "db", 0)
		require.NoError(t, err)
		mustCommit(t, s, "db", 0, "old")
		require.NoError(t, s.Destroy(ctx, "db"))

		_, err = s.Create(ctx, "db", 0)
		require.NoError(t, err)
		v, err := s.Version(ctx, "db")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), v)
		assert.Equal(t, test.Page(""), mustRead(t, s, "db", 0, pagestore.LatestVersion))
	})

	t.Run("AutoCreate", func(t *testing.T) {
		cfg := test.Config()
		cfg.Namespace.AutoCreate = true
		s := test.MustNewStore(t, inmem.NewEngine(), pagestore.OptStoreConfig(cfg))
		tx, err := s.Begin(ctx, "auto")
		require.NoError(t, err)
		assert.Equal(t, test.PageSize, tx.PageSize())
		tx.Abort()

		_, err = s.Create(ctx, "auto", 0)
		require.True(t, errors.Is(err, pagestore.ErrNamespaceExists), "got %v", err)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		for _, e := range test.Engines() {
			t.Run(e.Name, func(t *testing.T) {
				s := test.MustNewStore(t, e.New(t))
				const n = 8
				errs := make([]error, n)
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					i := i
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, errs[i] = s.Create(ctx, "race", 0)
					}()
				}
				wg.Wait()

				created := 0
				for _, err := range errs {
					if err == nil {
						created++
						continue
					}
					assert.True(t, errors.Is(err, pagestore.ErrNamespaceExists), "got %v", err)
				}
				assert.Equal(t, 1, created)
			})
		}
	})

	t.Run("ListInfo", func(t *testing.T) {
		s := test.MustNewStore(t, inmem.NewEngine())
		for _, name := range []string{"b", "a", "c"} {
			_, err := s.Create(ctx, name, 0)
			require.NoError(t, err)
		}
		mustCommit(t, s, "b", 0, "x")

		nss, err := s.Directory.List(ctx)
		require.NoError(t, err)
		names := make([]string, len(nss))
		for i, ns := range nss {
			names[i] = ns.Name
		}
		assert.Equal(t, []string{"a", "b", "c"}, names)

		info, err := s.Directory.Info(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), info.Version)
		assert.Equal(t, uint64(0), info.GCWatermark)
		assert.False(t, info.Locked())
	})

	t.Run("Validation", func(t *testing.T) {
		s := test.MustNewStore(t, inmem.NewEngine())
		for _, name := range []string{"", "a/b", "nul\x00", strings.Repeat("x", 256)} {
			_, err := s.Create(ctx, name, 0)
			assert.True(t, errors.Is(err, pagestore.ErrMalformed), "name %q: got %v", name, err)
		}
		for _, size := range []int{100, 256, 1000, 1 << 17} {
			_, err := s.Create(ctx, "db", size)
			assert.True(t, errors.Is(err, pagestore.ErrMalformed), "page size %d: got %v", size, err)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, pagestore.NewConfig().Validate())

	cfg := pagestore.NewConfig()
	cfg.Namespace.PageSize = 3000
	assert.True(t, errors.Is(cfg.Validate(), pagestore.ErrMalformed))

	cfg = pagestore.NewConfig()
	cfg.GC.BatchSize = 1
	assert.Error(t, cfg.Validate())

	_, err := pagestore.NewStore(inmem.NewEngine(), pagestore.OptStoreConfig(cfg))
	assert.Error(t, err)
}
