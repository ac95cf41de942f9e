package pagestore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustCommit commits pages, given as alternating page numbers and
// contents, in a new transaction.
func mustCommit(tb testing.TB, s *pagestore.Store, ns string, pages ...interface{}) uint64 {
	tb.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx, ns)
	require.NoError(tb, err)
	for i := 0; i+1 < len(pages); i += 2 {
		require.NoError(tb, tx.Write(uint32(pages[i].(int)), test.Page(pages[i+1].(string))))
	}
	v, err := tx.Commit(ctx)
	require.NoError(tb, err)
	return v
}

func mustRead(tb testing.TB, s *pagestore.Store, ns string, page uint32, version uint64) []byte {
	tb.Helper()
	pr, _, err := s.ReadPage(context.Background(), ns, page, version)
	require.NoError(tb, err)
	return pr.Data
}

func TestStore_Conflict(t *testing.T) {
	for _, e := range test.Engines() {
		t.Run(e.Name, func(t *testing.T) {
			ctx := context.Background()
			s := test.MustNewStore(t, e.New(t))
			_, err := s.Create(ctx, "n1", 0)
			require.NoError(t, err)

			require.Equal(t, uint64(1), mustCommit(t, s, "n1", 0, "A"))

			x, err := s.Begin(ctx, "n1")
			require.NoError(t, err)
			data, err := x.Read(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, test.Page("A"), data)
			assert.Equal(t, uint64(1), x.BaseVersion())

			require.Equal(t, uint64(2), mustCommit(t, s, "n1", 0, "B"))

			require.NoError(t, x.Write(0, test.Page("C")))
			_, err = x.Commit(ctx)
			require.True(t, errors.Is(err, pagestore.ErrConflict), "expected conflict, got %v", err)
			assert.Equal(t, pagestore.TxnConflict, x.State())

			y, err := s.Begin(ctx, "n1")
			require.NoError(t, err)
			defer y.Abort()
			data, err = y.Read(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, test.Page("B"), data)
			assert.Equal(t, uint64(2), y.BaseVersion())
		})
	}
}

func TestStore_GarbageCollection(t *testing.T) {
	for _, e := range test.Engines() {
		t.Run(e.Name, func(t *testing.T) {
			ctx := context.Background()
			cfg := test.Config()
			cfg.GC.TTL = 0
			s := test.MustNewStore(t, e.New(t), pagestore.OptStoreConfig(cfg))
			_, err := s.Create(ctx, "n1", 0)
			require.NoError(t, err)

			require.Equal(t, uint64(1), mustCommit(t, s, "n1", 5, "v1"))
			require.Equal(t, uint64(2), mustCommit(t, s, "n1", 5, "v2"))

			st, err := s.CollectGarbage(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), st.Horizon)
			assert.Equal(t, 1, st.VersionsDeleted)
			assert.Equal(t, 1, st.BlobsDeleted)

			assert.Equal(t, test.Page("v2"), mustRead(t, s, "n1", 5, 2))
			assert.Equal(t, test.Page("v2"), mustRead(t, s, "n1", 5, pagestore.LatestVersion))

			_, _, err = s.ReadPage(ctx, "n1", 5, 1)
			require.True(t, errors.Is(err, pagestore.ErrRetentionExpired), "expected retention expired, got %v", err)
			require.False(t, errors.Is(err, pagestore.ErrConflict))

			_, err = s.BeginAt(ctx, "n1", 1)
			require.True(t, errors.Is(err, pagestore.ErrRetentionExpired), "got %v", err)

			// A second pass finds nothing more to do.
			st, err = s.CollectGarbage(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, 0, st.VersionsDeleted)
		})
	}
}

func TestTxn_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)
	mustCommit(t, s, "db", 0, "a0", 1, "a1")

	tx, err := s.Begin(ctx, "db")
	require.NoError(t, err)
	defer tx.Abort()

	mustCommit(t, s, "db", 0, "b0", 1, "b1", 2, "b2")
	mustCommit(t, s, "db", 1, "c1")

	for page, want := range map[uint32]string{0: "a0", 1: "a1", 2: ""} {
		data, err := tx.Read(ctx, page)
		require.NoError(t, err)
		assert.Equal(t, test.Page(want), data, "page %d", page)
	}

	old, err := s.BeginAt(ctx, "db", 2)
	require.NoError(t, err)
	defer old.Abort()
	pr, err := old.ReadPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, test.Page("b1"), pr.Data)
	assert.Equal(t, uint64(2), pr.Version)
	require.True(t, errors.Is(old.Write(1, test.Page("x")), pagestore.ErrMalformed))

	_, err = s.BeginAt(ctx, "db", 4)
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)
}

func TestTxn_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "db")
	require.NoError(t, err)
	data, err := tx.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, test.Page(""), data, "unwritten pages read as zeroes")

	page := test.Page("mine")
	require.NoError(t, tx.Write(3, page))
	page[0] = 'X'
	data, err = tx.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, test.Page("mine"), data)

	assert.Equal(t, []pagestore.ReadEntry{{Page: 3, Version: 0}}, tx.ReadSet())
	assert.Len(t, tx.WriteSet(), 1)

	v, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, pagestore.TxnCommitted, tx.State())
	assert.Equal(t, uint64(1), tx.Version())

	_, err = tx.Read(ctx, 3)
	require.True(t, errors.Is(err, pagestore.ErrAborted), "finished transactions reject reads")
}

func TestTxn_Validation(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "db")
	require.NoError(t, err)
	defer tx.Abort()
	err = tx.Write(0, []byte("short"))
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)

	_, err = s.Commit(ctx, pagestore.CommitRequest{
		Namespace: "db",
		Writes: []pagestore.PageWrite{
			{Page: 1, Data: test.Page("a")},
			{Page: 1, Data: test.Page("b")},
		},
	})
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "duplicate pages: got %v", err)

	_, err = s.Commit(ctx, pagestore.CommitRequest{
		Namespace:   "db",
		BaseVersion: 7,
		Writes:      []pagestore.PageWrite{{Page: 1, Data: test.Page("a")}},
	})
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "future base: got %v", err)

	v, err := s.Commit(ctx, pagestore.CommitRequest{Namespace: "db"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v, "commits without writes do not advance the version")
}

func TestStore_ReadTracking(t *testing.T) {
	ctx := context.Background()
	for _, track := range []bool{true, false} {
		cfg := test.Config()
		cfg.Commit.TrackReads = track
		s := test.MustNewStore(t, inmem.NewEngine(), pagestore.OptStoreConfig(cfg))
		_, err := s.Create(ctx, "db", 0)
		require.NoError(t, err)
		mustCommit(t, s, "db", 0, "a")

		x, err := s.Begin(ctx, "db")
		require.NoError(t, err)
		_, err = x.Read(ctx, 0)
		require.NoError(t, err)

		mustCommit(t, s, "db", 0, "b")

		require.NoError(t, x.Write(1, test.Page("derived")))
		_, err = x.Commit(ctx)
		if track {
			require.True(t, errors.Is(err, pagestore.ErrConflict), "read-write conflict expected, got %v", err)
		} else {
			require.NoError(t, err, "write-write only checking ignores the stale read")
			assert.Empty(t, x.ReadSet())
		}
	}
}

func TestStore_ConcurrentCommits(t *testing.T) {
	for _, e := range test.Engines() {
		t.Run(e.Name, func(t *testing.T) {
			ctx := context.Background()
			s := test.MustNewStore(t, e.New(t))
			_, err := s.Create(ctx, "db", 0)
			require.NoError(t, err)

			const writers, commits = 4, 10
			var (
				mu       sync.Mutex
				versions = make(map[uint64]bool)
				wg       sync.WaitGroup
			)
			for w := 0; w < writers; w++ {
				w := w
				wg.Add(1)
				go func() {
					defer wg.Done()
					var last uint64
					for i := 0; i < commits; i++ {
						v, err := commitRetry(ctx, s, "db", uint32(w), i)
						if !assert.NoError(t, err) {
							return
						}
						assert.Greater(t, v, last, "versions of one writer increase")
						last = v
						mu.Lock()
						assert.False(t, versions[v], "version %d assigned twice", v)
						versions[v] = true
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			v, err := s.Version(ctx, "db")
			require.NoError(t, err)
			assert.Equal(t, uint64(writers*commits), v)
			assert.Len(t, versions, writers*commits)
		})
	}
}

// commitRetry writes page in a new transaction, retrying on Conflict.
func commitRetry(ctx context.Context, s *pagestore.Store, ns string, page uint32, i int) (uint64, error) {
	for {
		tx, err := s.Begin(ctx, ns)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Read(ctx, page); err != nil {
			tx.Abort()
			return 0, err
		}
		if err := tx.Write(page, test.Page(string(rune('a'+i)))); err != nil {
			tx.Abort()
			return 0, err
		}
		v, err := tx.Commit(ctx)
		if errors.Is(err, pagestore.ErrConflict) {
			continue
		}
		return v, err
	}
}

func TestStore_CacheTransparency(t *testing.T) {
	ctx := context.Background()
	e := inmem.NewEngine()

	cold := test.Config()
	cold.Cache.MaxBytes = 0
	uncached := test.MustNewStore(t, e, pagestore.OptStoreConfig(cold))
	cached := test.MustNewStore(t, e)

	_, err := cached.Create(ctx, "db", 0)
	require.NoError(t, err)
	for i, contents := range []string{"a", "b", "a", "zero", "b"} {
		mustCommit(t, cached, "db", i%3, contents, 7, "shared")
	}

	for v := uint64(0); v <= 5; v++ {
		for page := uint32(0); page < 8; page++ {
			want := mustRead(t, uncached, "db", page, v)
			assert.Equal(t, want, mustRead(t, cached, "db", page, v), "page %d version %d", page, v)
			assert.Equal(t, want, mustRead(t, cached, "db", page, v), "page %d version %d, cached", page, v)
		}
	}
	st := cached.Cache().Stats()
	assert.NotZero(t, st.Hits)
	assert.Zero(t, uncached.Cache().Stats().Entries)
}

func TestStore_AmbiguousCommit(t *testing.T) {
	ctx := context.Background()
	e := inmem.NewEngine()

	var mu sync.Mutex
	failures := 0
	faulty := kv.NewFaulty(e, kv.InjectorFunc(func(p kv.Point) kv.Fault {
		mu.Lock()
		defer mu.Unlock()
		if p == kv.AfterUpdate && failures > 0 {
			failures--
			return kv.Fault{Fail: true}
		}
		return kv.Fault{}
	}))
	s := test.MustNewStore(t, faulty)
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	// The first attempt is applied but reported as failed; the retry must
	// find it instead of applying it again.
	mu.Lock()
	failures = 1
	mu.Unlock()
	tx, err := s.Begin(ctx, "db")
	require.NoError(t, err)
	require.NoError(t, tx.Write(0, test.Page("once")))
	v, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	cur, err := s.Version(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cur)

	// An engine which never answers surfaces the failure.
	mu.Lock()
	failures = 1 << 20
	mu.Unlock()
	tx, err = s.Begin(ctx, "db")
	require.NoError(t, err)
	require.NoError(t, tx.Write(0, test.Page("lost")))
	_, err = tx.Commit(ctx)
	require.True(t, errors.Is(err, pagestore.ErrUnavailable), "got %v", err)
	assert.Equal(t, pagestore.TxnAborted, tx.State())
}

func TestStore_UnavailableBeforeApply(t *testing.T) {
	ctx := context.Background()
	e := inmem.NewEngine()
	down := false
	faulty := kv.NewFaulty(e, kv.InjectorFunc(func(p kv.Point) kv.Fault {
		return kv.Fault{Fail: down && p == kv.BeforeUpdate}
	}))
	s := test.MustNewStore(t, faulty)
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "db")
	require.NoError(t, err)
	require.NoError(t, tx.Write(0, test.Page("x")))
	down = true
	_, err = tx.Commit(ctx)
	require.True(t, errors.Is(err, pagestore.ErrUnavailable), "got %v", err)
	down = false

	v, err := s.Version(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestStore_PersistentEngineConflict(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	contended := false
	faulty := kv.NewFaulty(inmem.NewEngine(), kv.InjectorFunc(func(p kv.Point) kv.Fault {
		mu.Lock()
		defer mu.Unlock()
		return kv.Fault{Conflict: contended}
	}))
	s := test.MustNewStore(t, faulty)
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	mu.Lock()
	contended = true
	mu.Unlock()

	// An engine conflict that outlasts every attempt is transient, never
	// a store Conflict and never uncoded.
	_, err = s.Commit(ctx, pagestore.CommitRequest{Namespace: "db", Writes: []pagestore.PageWrite{{Page: 0, Data: test.Page("x")}}})
	require.True(t, errors.Is(err, pagestore.ErrUnavailable), "got %v", err)
	assert.Equal(t, pagestore.ErrUnavailable, errors.CodeOf(err))

	_, err = s.BeginMultiPhase(ctx, pagestore.MultiPhaseRequest{Namespace: "db", CommitID: uuid.New(), Pages: []uint32{0}, Phases: 1})
	assert.Equal(t, pagestore.ErrUnavailable, errors.CodeOf(err), "got %v", err)

	_, err = s.Create(ctx, "other", 0)
	assert.Equal(t, pagestore.ErrUnavailable, errors.CodeOf(err), "got %v", err)

	mu.Lock()
	contended = false
	mu.Unlock()
	assert.Equal(t, uint64(1), mustCommit(t, s, "db", 0, "y"))
}

func TestStore_CommitReplay(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	req := pagestore.CommitRequest{
		Namespace: "db",
		CommitID:  uuid.New(),
		Writes:    []pagestore.PageWrite{{Page: 2, Data: test.Page("replayed")}},
	}
	v, err := s.Commit(ctx, req)
	require.NoError(t, err)
	mustCommit(t, s, "db", 3, "other")

	// Resubmitting an applied commit returns its version instead of a
	// conflict with itself.
	again, err := s.Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, v, again)
	cur, err := s.Version(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur)

	req.CommitID = uuid.New()
	_, err = s.Commit(ctx, req)
	require.True(t, errors.Is(err, pagestore.ErrConflict), "got %v", err)
}
