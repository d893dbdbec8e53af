package state

import (
	"testing"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from domain.ShardPhase
		tr   Transition
		want bool
	}{
		{domain.PhasePending, Claim, true},
		{domain.PhaseClaimed, Claim, false},
		{domain.PhaseClaimed, Begin, true},
		{domain.PhasePending, Begin, false},
		{domain.PhaseRunning, Succeed, true},
		{domain.PhaseRunning, Fail, true},
		{domain.PhaseClaimed, Succeed, false},
		{domain.PhasePending, Abort, true},
		{domain.PhaseClaimed, Abort, true},
		{domain.PhaseRunning, Abort, true},
		{domain.PhaseDone, Abort, false},
		{domain.PhaseFailed, Abort, false},
		{domain.PhaseDone, Fail, false},
		{domain.PhasePending, "retry", false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.tr); got != tc.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", tc.from, tc.tr, got, tc.want)
		}
	}
}

func TestRule(t *testing.T) {
	from, to, err := Rule(Abort)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if to != domain.PhaseFailed || len(from) != 3 {
		t.Fatalf("unexpected abort rule: %v -> %s", from, to)
	}
	if _, _, err := Rule("bogus"); err == nil {
		t.Fatalf("expected error for unknown transition")
	}
}

func TestDeriveStatusSumsToTotal(t *testing.T) {
	shards := []domain.ShardSpec{
		{Phase: domain.PhasePending},
		{Phase: domain.PhaseClaimed},
		{Phase: domain.PhaseRunning},
		{Phase: domain.PhaseDone},
		{Phase: domain.PhaseDone},
		{Phase: domain.PhaseFailed},
		{Phase: ""},
	}
	status := DeriveStatus("plan-1", shards)
	sum := status.PendingShards + status.ClaimedShards + status.RunningShards + status.DoneShards + status.FailedShards
	if sum != status.TotalShards || status.TotalShards != len(shards) {
		t.Fatalf("counts %d do not sum to total %d", sum, status.TotalShards)
	}
	if status.DoneShards != 2 || status.PendingShards != 2 || status.NonTerminalShards() != 4 {
		t.Fatalf("unexpected counts: %+v", status)
	}
}

func TestEstimateETA(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)
	if EstimateETA(domain.PlanStatus{PendingShards: 3}, start, now) != nil {
		t.Fatalf("expected no eta before any completion")
	}
	eta := EstimateETA(domain.PlanStatus{DoneShards: 2, PendingShards: 4}, start, now)
	if eta == nil || *eta != 20 {
		t.Fatalf("expected eta 20s, got %v", eta)
	}
	if EstimateETA(domain.PlanStatus{DoneShards: 2}, start, now) != nil {
		t.Fatalf("expected no eta when nothing remains")
	}
}
