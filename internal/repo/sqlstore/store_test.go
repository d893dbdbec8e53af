package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/platform/sqlite"
	"github.com/animus-labs/hypershard/internal/repo"
	"github.com/animus-labs/hypershard/internal/repo/repotest"
)

func openSQLite(t *testing.T, path string) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, sqlite.Config{Path: path})
	require.NoError(t, err)
	store, err := Open(ctx, db, SQLite)
	require.NoError(t, err)
	return store
}

func TestSQLiteConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.CheckpointStore {
		return openSQLite(t, filepath.Join(t.TempDir(), "hxo.db"))
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hxo.db")
	at := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

	first := openSQLite(t, path)
	_, created, err := first.RegisterShard(ctx, domain.ShardSpec{
		CasID:    "cas-durable",
		StageID:  "pack",
		Executor: "echo",
		Inputs:   map[string]any{"n": 3},
		Attempt:  1,
	})
	require.NoError(t, err)
	require.True(t, created)
	for _, step := range []struct{ from, to domain.ShardPhase }{
		{domain.PhasePending, domain.PhaseClaimed},
		{domain.PhaseClaimed, domain.PhaseRunning},
		{domain.PhaseRunning, domain.PhaseDone},
	} {
		require.NoError(t, first.TransitionShard(ctx, "cas-durable", 1, []domain.ShardPhase{step.from}, step.to, at))
	}
	require.NoError(t, first.Close())

	second := openSQLite(t, path)
	t.Cleanup(func() { _ = second.Close() })
	got, err := second.GetShard(ctx, "cas-durable")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseDone, got.Phase)
	require.Equal(t, json.Number("3"), got.Inputs["n"])
	require.True(t, got.UpdatedAt.Equal(at))

	_, created, err = second.RegisterShard(ctx, domain.ShardSpec{CasID: "cas-durable", StageID: "pack", Executor: "echo"})
	require.NoError(t, err)
	require.False(t, created)
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = $1 WHERE b = $2 AND c IN ($10, $11)"
	require.Equal(t, q, Postgres.Rebind(q))
	require.Equal(t, "UPDATE t SET a = ?1 WHERE b = ?2 AND c IN (?10, ?11)", SQLite.Rebind(q))
}

func TestConditionalQueriesCarryPreconditions(t *testing.T) {
	if !strings.Contains(transitionShardQuery, "attempt = $4 AND phase IN") {
		t.Fatalf("expected attempt and phase predicates in transition query")
	}
	if !strings.Contains(reopenShardQuery, "attempt = attempt + 1") {
		t.Fatalf("expected attempt increment in reopen query")
	}
	if !strings.Contains(insertShardQuery, "ON CONFLICT (cas_id) DO NOTHING") {
		t.Fatalf("expected idempotent shard insert")
	}
	if !strings.Contains(insertResultQuery, "ON CONFLICT (cas_id, attempt) DO NOTHING") {
		t.Fatalf("expected immutable result insert")
	}
	if !strings.Contains(appendLeafQuery, "leaf_hash IS NULL") {
		t.Fatalf("expected single-assignment leaf update")
	}
}
