package memory

import (
	"context"
	"testing"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/repo"
	"github.com/animus-labs/hypershard/internal/repo/repotest"
)

func TestStoreConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.CheckpointStore { return New() })
}

func TestStoreReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	shard := domain.ShardSpec{CasID: "c", Inputs: map[string]any{"k": "v"}}
	if _, _, err := store.RegisterShard(ctx, shard); err != nil {
		t.Fatalf("register: %v", err)
	}
	shard.Inputs["k"] = "mutated"
	got, err := store.GetShard(ctx, "c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Inputs["k"] != "v" {
		t.Fatalf("expected stored inputs isolated from caller, got %v", got.Inputs["k"])
	}
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	store := New()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.GetPlan(context.Background(), "p"); err == nil {
		t.Fatalf("expected error after close")
	}
}
