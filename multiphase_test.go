package pagestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageWrites returns n writes of pages first, first+1, ... with contents
// derived from tag.
func pageWrites(first, n int, tag string) []pagestore.PageWrite {
	pws := make([]pagestore.PageWrite, n)
	for i := range pws {
		pws[i] = pagestore.PageWrite{Page: uint32(first + i), Data: test.Page(tag + string(rune('a'+i)))}
	}
	return pws
}

func pageNumbers(pws []pagestore.PageWrite) []uint32 {
	a := make([]uint32, len(pws))
	for i := range pws {
		a[i] = pws[i].Page
	}
	return a
}

func TestStore_MultiPhaseCommit(t *testing.T) {
	for _, e := range test.Engines() {
		t.Run(e.Name, func(t *testing.T) {
			ctx := context.Background()
			s := test.MustNewStore(t, e.New(t))
			_, err := s.Create(ctx, "db", 0)
			require.NoError(t, err)
			mustCommit(t, s, "db", 0, "before")

			// Above the threshold of 8 pages, so staged in phases of 4.
			tx, err := s.Begin(ctx, "db")
			require.NoError(t, err)
			writes := pageWrites(0, 11, "big")
			for _, pw := range writes {
				require.NoError(t, tx.Write(pw.Page, pw.Data))
			}
			v, err := tx.Commit(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v)

			for _, pw := range writes {
				assert.Equal(t, pw.Data, mustRead(t, s, "db", pw.Page, 2), "page %d", pw.Page)
			}
			assert.Equal(t, test.Page("before"), mustRead(t, s, "db", 0, 1))

			markers, err := s.MultiPhaseCommits(ctx, "db")
			require.NoError(t, err)
			assert.Empty(t, markers)
			info, err := s.Directory.Info(ctx, "db")
			require.NoError(t, err)
			assert.False(t, info.Locked())
		})
	}
}

func TestStore_MultiPhaseConflict(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	x, err := s.Begin(ctx, "db")
	require.NoError(t, err)
	mustCommit(t, s, "db", 3, "winner")

	for _, pw := range pageWrites(0, 10, "late") {
		require.NoError(t, x.Write(pw.Page, pw.Data))
	}
	_, err = x.Commit(ctx)
	require.True(t, errors.Is(err, pagestore.ErrConflict), "got %v", err)

	info, err := s.Directory.Info(ctx, "db")
	require.NoError(t, err)
	assert.False(t, info.Locked(), "a conflicting multi-phase commit never takes the lock")
}

func TestStore_MultiPhaseExplicit(t *testing.T) {
	ctx := context.Background()
	clock := test.NewClock()
	s := test.MustNewStore(t, inmem.NewEngine(), pagestore.OptStoreClock(clock.Now))
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	writes := pageWrites(0, 6, "mp")
	id := uuid.New()
	req := pagestore.MultiPhaseRequest{Namespace: "db", CommitID: id, Pages: pageNumbers(writes), Phases: 2}
	m, err := s.BeginMultiPhase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Target)

	again, err := s.BeginMultiPhase(ctx, req)
	require.NoError(t, err, "beginning twice is idempotent")
	assert.Equal(t, m.Target, again.Target)

	// Other committers are locked out while staging.
	_, err = s.Commit(ctx, pagestore.CommitRequest{Namespace: "db", Writes: pageWrites(20, 1, "other")})
	require.True(t, errors.Is(err, pagestore.ErrConflict), "got %v", err)

	require.NoError(t, s.StagePhase(ctx, "db", id, 0, writes[:3]))
	require.NoError(t, s.StagePhase(ctx, "db", id, 0, writes[:3]), "restaging a phase is a no-op")

	err = s.StagePhase(ctx, "db", id, 1, pageWrites(40, 1, "undeclared"))
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)

	_, err = s.FinalizeMultiPhase(ctx, "db", id)
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "finalizing before all phases: %v", err)

	// Staged pages are invisible.
	assert.Equal(t, test.Page(""), mustRead(t, s, "db", 0, pagestore.LatestVersion))

	require.NoError(t, s.StagePhase(ctx, "db", id, 1, writes[3:]))
	v, err := s.FinalizeMultiPhase(ctx, "db", id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = s.FinalizeMultiPhase(ctx, "db", id)
	require.NoError(t, err, "finalizing twice returns the same version")
	assert.Equal(t, uint64(1), v)

	for _, pw := range writes {
		assert.Equal(t, pw.Data, mustRead(t, s, "db", pw.Page, 1))
	}

	err = s.AbortMultiPhase(ctx, "db", id)
	require.True(t, errors.Is(err, pagestore.ErrMalformed), "aborting a finalized commit: %v", err)
}

func TestStore_MultiPhaseAbort(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)
	mustCommit(t, s, "db", 1, "keep")

	writes := pageWrites(0, 4, "abort")
	id := uuid.New()
	_, err = s.BeginMultiPhase(ctx, pagestore.MultiPhaseRequest{Namespace: "db", CommitID: id, BaseVersion: 1, Pages: pageNumbers(writes), Phases: 1})
	require.NoError(t, err)
	require.NoError(t, s.StagePhase(ctx, "db", id, 0, writes))
	require.NoError(t, s.AbortMultiPhase(ctx, "db", id))
	require.NoError(t, s.AbortMultiPhase(ctx, "db", id), "aborting twice is a no-op")

	_, err = s.FinalizeMultiPhase(ctx, "db", id)
	require.True(t, errors.Is(err, pagestore.ErrAborted), "got %v", err)

	// The namespace is unlocked and nothing staged survived.
	v := mustCommit(t, s, "db", 0, "after")
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, test.Page("keep"), mustRead(t, s, "db", 1, 2))
	assert.Equal(t, test.Page(""), mustRead(t, s, "db", 2, 2))
}

// TestStore_MultiPhaseRecovery simulates a crash of a multi-phase
// committer after every possible step and checks what the next access
// to the namespace does with it.
func TestStore_MultiPhaseRecovery(t *testing.T) {
	const ttl = 30 * time.Second
	writes := pageWrites(0, 8, "crash")

	for _, tt := range []struct {
		name    string
		staged  int
		visible bool
	}{
		{name: "BeforeFirstPhase", staged: 0},
		{name: "AfterFirstPhase", staged: 1},
		{name: "AfterLastPhase", staged: 2, visible: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := test.NewClock()
			s := test.MustNewStore(t, inmem.NewEngine(), pagestore.OptStoreClock(clock.Now))
			_, err := s.Create(ctx, "db", 0)
			require.NoError(t, err)

			id := uuid.New()
			_, err = s.BeginMultiPhase(ctx, pagestore.MultiPhaseRequest{Namespace: "db", CommitID: id, Pages: pageNumbers(writes), Phases: 2})
			require.NoError(t, err)
			for i := 0; i < tt.staged; i++ {
				require.NoError(t, s.StagePhase(ctx, "db", id, i, writes[i*4:(i+1)*4]))
			}

			// Crash. Until the lease runs out the namespace stays locked.
			_, err = s.Commit(ctx, pagestore.CommitRequest{Namespace: "db", Writes: pageWrites(30, 1, "x")})
			require.True(t, errors.Is(err, pagestore.ErrConflict), "got %v", err)
			assert.Equal(t, test.Page(""), mustRead(t, s, "db", 0, pagestore.LatestVersion))

			clock.Advance(ttl + time.Second)
			tx, err := s.Begin(ctx, "db")
			require.NoError(t, err)

			if tt.visible {
				assert.Equal(t, uint64(1), tx.BaseVersion())
				for _, pw := range writes {
					data, err := tx.Read(ctx, pw.Page)
					require.NoError(t, err)
					assert.Equal(t, pw.Data, data, "page %d", pw.Page)
				}
				v, err := s.FinalizeMultiPhase(ctx, "db", id)
				require.NoError(t, err, "the owner learns its commit was rolled forward")
				assert.Equal(t, uint64(1), v)
			} else {
				assert.Equal(t, uint64(0), tx.BaseVersion())
				for _, pw := range writes {
					data, err := tx.Read(ctx, pw.Page)
					require.NoError(t, err)
					assert.Equal(t, test.Page(""), data, "page %d", pw.Page)
				}
				err := s.StagePhase(ctx, "db", id, 1, writes[4:])
				require.True(t, errors.Is(err, pagestore.ErrAborted), "the owner is fenced off: %v", err)
				_, err = s.FinalizeMultiPhase(ctx, "db", id)
				require.True(t, errors.Is(err, pagestore.ErrAborted), "got %v", err)
			}

			// The namespace accepts commits again.
			require.NoError(t, tx.Write(30, test.Page("next")))
			_, err = tx.Commit(ctx)
			require.NoError(t, err)

			markers, err := s.MultiPhaseCommits(ctx, "db")
			require.NoError(t, err)
			assert.Empty(t, markers)
		})
	}
}

func TestStore_Recover(t *testing.T) {
	ctx := context.Background()
	clock := test.NewClock()
	s := test.MustNewStore(t, inmem.NewEngine(), pagestore.OptStoreClock(clock.Now))
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	writes := pageWrites(0, 4, "r")
	id := uuid.New()
	_, err = s.BeginMultiPhase(ctx, pagestore.MultiPhaseRequest{Namespace: "db", CommitID: id, Pages: pageNumbers(writes), Phases: 1})
	require.NoError(t, err)
	require.NoError(t, s.StagePhase(ctx, "db", id, 0, writes))

	recovered, err := s.Recover(ctx, "db")
	require.NoError(t, err)
	assert.Empty(t, recovered, "live commits are left alone")

	clock.Advance(time.Hour)
	recovered, err = s.Recover(ctx, "db")
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, pagestore.Recovery{CommitID: id, Action: pagestore.RecoveryRolledForward, Version: 1}, recovered[0])

	v, err := s.Version(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestStore_MultiPhaseReplay(t *testing.T) {
	ctx := context.Background()
	s := test.MustNewStore(t, inmem.NewEngine())
	_, err := s.Create(ctx, "db", 0)
	require.NoError(t, err)

	req := pagestore.CommitRequest{Namespace: "db", CommitID: uuid.New(), Writes: pageWrites(0, 10, "replay")}
	v, err := s.Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	mustCommit(t, s, "db", 20, "other")

	// A client which lost the response resubmits the same commit.
	again, err := s.Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, v, again)
	cur, err := s.Version(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur, "the replay must not apply the write set twice")

	m, err := s.BeginMultiPhase(ctx, pagestore.MultiPhaseRequest{Namespace: "db", CommitID: req.CommitID, Pages: pageNumbers(req.Writes), Phases: 3})
	require.NoError(t, err)
	assert.Equal(t, pagestore.MultiPhaseCommitted, m.State)
	assert.Equal(t, v, m.Target)
	info, err := s.Directory.Info(ctx, "db")
	require.NoError(t, err)
	assert.False(t, info.Locked())

	req.CommitID = uuid.New()
	_, err = s.Commit(ctx, req)
	require.True(t, errors.Is(err, pagestore.ErrConflict), "got %v", err)
}
