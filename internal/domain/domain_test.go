package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPlanWithDefaults(t *testing.T) {
	plan := Plan{Name: "p", Stages: []Stage{{ID: "a"}, {ID: "b", Executor: "digest", SLO: time.Second}}}.WithDefaults()

	if plan.SubmittedBy != DefaultPlanSubmitter {
		t.Fatalf("expected default submitter, got %q", plan.SubmittedBy)
	}
	if plan.Constraints.MaxShards != DefaultPlanMaxShards || plan.Constraints.Timebox != DefaultPlanTimebox {
		t.Fatalf("unexpected constraints: %+v", plan.Constraints)
	}
	if plan.Stages[0].Partitioner != DefaultPartitioner || plan.Stages[0].Executor != DefaultExecutor || plan.Stages[0].Scheduler != DefaultScheduler {
		t.Fatalf("unexpected stage defaults: %+v", plan.Stages[0])
	}
	if plan.Stages[1].Executor != "digest" || plan.Stages[1].SLO != time.Second {
		t.Fatalf("explicit values overwritten: %+v", plan.Stages[1])
	}
}

func TestShardPhaseTerminal(t *testing.T) {
	for _, phase := range []ShardPhase{PhasePending, PhaseClaimed, PhaseRunning} {
		if phase.Terminal() {
			t.Fatalf("%s should not be terminal", phase)
		}
	}
	for _, phase := range []ShardPhase{PhaseDone, PhaseFailed} {
		if !phase.Terminal() {
			t.Fatalf("%s should be terminal", phase)
		}
	}
	if NormalizeShardPhase(" DONE ") != PhaseDone {
		t.Fatalf("expected normalized done")
	}
	if NormalizeShardPhase("retrying") != "" {
		t.Fatalf("expected unknown phase to normalize to empty")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	var err error = &ExecutionError{CasID: "abc", Attempt: 1, Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected ExecutionError to unwrap cause")
	}
	err = &CheckpointWriteError{Op: "claim", Key: "abc", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected CheckpointWriteError to unwrap cause")
	}
	var policyErr *UnknownPolicyError
	if !errors.As(error(&UnknownPolicyError{Kind: "executor", Name: "nope"}), &policyErr) || policyErr.Name != "nope" {
		t.Fatalf("expected UnknownPolicyError via errors.As")
	}
}
