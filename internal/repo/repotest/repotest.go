// Package repotest is a conformance suite shared by checkpoint store
// implementations.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/repo"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) repo.CheckpointStore

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every CheckpointStore operation against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := map[string]func(*testing.T, repo.CheckpointStore){
		"PlanLifecycle":             testPlanLifecycle,
		"RegisterShardIsIdempotent": testRegisterShardIdempotent,
		"TransitionPreconditions":   testTransitionPreconditions,
		"ConcurrentClaimSingleWin":  testConcurrentClaim,
		"ReopenStartsNewAttempt":    testReopen,
		"ResultsInsertOnce":         testResults,
		"MembershipAndLeaves":       testMembership,
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func samplePlan(id string, submitted time.Time) repo.PlanRecord {
	return repo.PlanRecord{
		ID:          id,
		Name:        "plan " + id,
		SubmittedBy: "tester",
		SubmittedAt: submitted,
		Constraints: domain.PlanConstraints{MaxShards: 10, Timebox: time.Minute},
		Stages: []domain.Stage{{
			ID:           "pack",
			Kind:         "deploy.pack",
			Partitioner:  "by_item",
			Executor:     "echo",
			Scheduler:    "fifo",
			Dependencies: []string{},
			SLO:          30 * time.Second,
		}},
	}
}

func sampleShard(casID string) domain.ShardSpec {
	return domain.ShardSpec{
		CasID:        casID,
		StageID:      "pack",
		Executor:     "echo",
		Inputs:       map[string]any{"item": "a"},
		Dependencies: []string{},
		Phase:        domain.PhasePending,
		Attempt:      1,
		UpdatedAt:    base,
	}
}

func testPlanLifecycle(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	_, err := store.GetPlan(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, store.UpsertPlan(ctx, samplePlan("p2", base.Add(time.Second))))
	require.NoError(t, store.UpsertPlan(ctx, samplePlan("p1", base)))

	got, err := store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "plan p1", got.Name)
	require.Equal(t, "tester", got.SubmittedBy)
	require.True(t, got.SubmittedAt.Equal(base))
	require.Equal(t, domain.PlanConstraints{MaxShards: 10, Timebox: time.Minute}, got.Constraints)
	require.Len(t, got.Stages, 1)
	require.Equal(t, "by_item", got.Stages[0].Partitioner)
	require.Equal(t, 30*time.Second, got.Stages[0].SLO)
	require.False(t, got.Finalized())

	pending, err := store.ListUnfinalizedPlans(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "p1", pending[0].ID)

	require.NoError(t, store.FinalizePlan(ctx, repo.FinalizeInput{
		PlanID:        "p1",
		MerkleRoot:    "abcd",
		Certified:     true,
		CertificateID: "cert_p1_abcd",
		FinalizedAt:   base.Add(time.Minute),
	}))
	got, err = store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.True(t, got.Finalized())
	require.Equal(t, "abcd", got.MerkleRoot)
	require.True(t, got.Certified)
	require.Equal(t, "cert_p1_abcd", got.CertificateID)

	// Re-upserting the definition keeps the finalize outcome.
	require.NoError(t, store.UpsertPlan(ctx, samplePlan("p1", base)))
	got, err = store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.True(t, got.Finalized())

	pending, err = store.ListUnfinalizedPlans(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "p2", pending[0].ID)

	require.ErrorIs(t, store.FinalizePlan(ctx, repo.FinalizeInput{PlanID: "nope", FinalizedAt: base}), repo.ErrNotFound)
}

func testRegisterShardIdempotent(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	first, created, err := store.RegisterShard(ctx, sampleShard("cas-1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.PhasePending, first.Phase)
	require.Equal(t, 1, first.Attempt)

	require.NoError(t, store.TransitionShard(ctx, "cas-1", 1, []domain.ShardPhase{domain.PhasePending}, domain.PhaseClaimed, base))

	again, created, err := store.RegisterShard(ctx, sampleShard("cas-1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, domain.PhaseClaimed, again.Phase, "register must not reset an existing shard")

	got, err := store.GetShard(ctx, "cas-1")
	require.NoError(t, err)
	require.Equal(t, "pack", got.StageID)
	require.Equal(t, "echo", got.Executor)
	require.Equal(t, "a", got.Inputs["item"])

	_, err = store.GetShard(ctx, "cas-missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func testTransitionPreconditions(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	_, _, err := store.RegisterShard(ctx, sampleShard("cas-t"))
	require.NoError(t, err)

	pending := []domain.ShardPhase{domain.PhasePending}
	require.ErrorIs(t, store.TransitionShard(ctx, "cas-none", 1, pending, domain.PhaseClaimed, base), repo.ErrNotFound)
	require.ErrorIs(t, store.TransitionShard(ctx, "cas-t", 2, pending, domain.PhaseClaimed, base), repo.ErrConflict)
	require.ErrorIs(t, store.TransitionShard(ctx, "cas-t", 1, []domain.ShardPhase{domain.PhaseClaimed}, domain.PhaseRunning, base), repo.ErrConflict)

	require.NoError(t, store.TransitionShard(ctx, "cas-t", 1, pending, domain.PhaseClaimed, base))
	require.NoError(t, store.TransitionShard(ctx, "cas-t", 1, []domain.ShardPhase{domain.PhaseClaimed}, domain.PhaseRunning, base))
	require.NoError(t, store.TransitionShard(ctx, "cas-t", 1, []domain.ShardPhase{domain.PhaseRunning}, domain.PhaseDone, base.Add(time.Second)))

	abortable := []domain.ShardPhase{domain.PhasePending, domain.PhaseClaimed, domain.PhaseRunning}
	require.ErrorIs(t, store.TransitionShard(ctx, "cas-t", 1, abortable, domain.PhaseFailed, base), repo.ErrConflict, "terminal shards never change in place")

	got, err := store.GetShard(ctx, "cas-t")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseDone, got.Phase)
	require.True(t, got.UpdatedAt.Equal(base.Add(time.Second)))
}

func testConcurrentClaim(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	_, _, err := store.RegisterShard(ctx, sampleShard("cas-race"))
	require.NoError(t, err)

	const contenders = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := store.TransitionShard(ctx, "cas-race", 1, []domain.ShardPhase{domain.PhasePending}, domain.PhaseClaimed, base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, repo.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, contenders-1, conflicts)
}

func testReopen(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	_, _, err := store.RegisterShard(ctx, sampleShard("cas-r"))
	require.NoError(t, err)

	_, err = store.ReopenShard(ctx, "cas-r", 1, base)
	require.ErrorIs(t, err, repo.ErrConflict, "non-terminal shards cannot be reopened")

	require.NoError(t, store.TransitionShard(ctx, "cas-r", 1, []domain.ShardPhase{domain.PhasePending}, domain.PhaseFailed, base))
	_, _, err = store.PutResult(ctx, domain.ShardResult{CasID: "cas-r", Attempt: 1, Error: "boom", StartedAt: base, FinishedAt: base})
	require.NoError(t, err)

	reopened, err := store.ReopenShard(ctx, "cas-r", 1, base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Attempt)
	require.Equal(t, domain.PhasePending, reopened.Phase)

	_, err = store.ReopenShard(ctx, "cas-r", 1, base)
	require.ErrorIs(t, err, repo.ErrConflict, "stale attempt must not reopen twice")

	old, err := store.GetResult(ctx, "cas-r", 1)
	require.NoError(t, err)
	require.Equal(t, "boom", old.Error)

	_, err = store.ReopenShard(ctx, "cas-none", 1, base)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func testResults(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	result := domain.ShardResult{
		CasID:        "cas-res",
		Attempt:      1,
		Success:      true,
		OutputDigest: "d1",
		StartedAt:    base,
		FinishedAt:   base.Add(time.Second),
	}
	stored, created, err := store.PutResult(ctx, result)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "d1", stored.OutputDigest)

	dup := result
	dup.OutputDigest = "d2"
	stored, created, err = store.PutResult(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "d1", stored.OutputDigest, "results are immutable once written")

	got, err := store.GetResult(ctx, "cas-res", 1)
	require.NoError(t, err)
	require.True(t, got.Success)
	require.True(t, got.FinishedAt.Equal(base.Add(time.Second)))

	aborted := domain.ShardResult{CasID: "cas-res", Attempt: 2, Error: domain.AbortedError, Aborted: true, StartedAt: base, FinishedAt: base}
	_, _, err = store.PutResult(ctx, aborted)
	require.NoError(t, err)
	got, err = store.GetResult(ctx, "cas-res", 2)
	require.NoError(t, err)
	require.True(t, got.Aborted)
	require.Equal(t, domain.AbortedError, got.Error)

	_, err = store.GetResult(ctx, "cas-res", 3)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func testMembership(t *testing.T, store repo.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, store.UpsertPlan(ctx, samplePlan("pm", base)))
	for i, cas := range []string{"cas-b", "cas-a"} {
		_, _, err := store.RegisterShard(ctx, sampleShard(cas))
		require.NoError(t, err)
		require.NoError(t, store.LinkShard(ctx, repo.PlanShard{PlanID: "pm", CasID: cas, StageID: "pack", Ordinal: i}))
	}
	require.NoError(t, store.LinkShard(ctx, repo.PlanShard{PlanID: "pm", CasID: "cas-b", StageID: "pack", Ordinal: 9}), "linking twice is a no-op")

	require.NoError(t, store.AppendLeaf(ctx, repo.LeafRecord{PlanID: "pm", CasID: "cas-a", Seq: 0, Hash: "aa", Reused: true}))
	require.ErrorIs(t, store.AppendLeaf(ctx, repo.LeafRecord{PlanID: "pm", CasID: "cas-a", Seq: 1, Hash: "bb"}), repo.ErrConflict)
	require.ErrorIs(t, store.AppendLeaf(ctx, repo.LeafRecord{PlanID: "other", CasID: "cas-a", Seq: 0, Hash: "aa"}), repo.ErrNotFound)

	require.NoError(t, store.TransitionShard(ctx, "cas-b", 1, []domain.ShardPhase{domain.PhasePending}, domain.PhaseClaimed, base))

	members, err := store.ListPlanShards(ctx, "pm")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "cas-b", members[0].CasID)
	require.Equal(t, 0, members[0].Ordinal)
	require.Equal(t, domain.PhaseClaimed, members[0].Shard.Phase)
	require.False(t, members[0].HasLeaf())
	require.Equal(t, "cas-a", members[1].CasID)
	require.True(t, members[1].HasLeaf())
	require.True(t, members[1].Reused)
	require.Equal(t, "aa", members[1].LeafHash)
	require.Equal(t, "pack", members[1].Shard.StageID)

	none, err := store.ListPlanShards(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, none)
}
