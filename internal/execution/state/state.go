// Package state holds the shard phase transition table and derives plan
// status from a shard set.
package state

import (
	"fmt"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
)

// Transition names a phase change.
type Transition string

const (
	Claim   Transition = "claim"
	Begin   Transition = "begin"
	Succeed Transition = "succeed"
	Fail    Transition = "fail"
	Abort   Transition = "abort"
)

var transitions = map[Transition]struct {
	from []domain.ShardPhase
	to   domain.ShardPhase
}{
	Claim:   {from: []domain.ShardPhase{domain.PhasePending}, to: domain.PhaseClaimed},
	Begin:   {from: []domain.ShardPhase{domain.PhaseClaimed}, to: domain.PhaseRunning},
	Succeed: {from: []domain.ShardPhase{domain.PhaseRunning}, to: domain.PhaseDone},
	Fail:    {from: []domain.ShardPhase{domain.PhaseRunning}, to: domain.PhaseFailed},
	Abort:   {from: []domain.ShardPhase{domain.PhasePending, domain.PhaseClaimed, domain.PhaseRunning}, to: domain.PhaseFailed},
}

// Rule returns the phases a transition may start from and the phase it
// produces. Stores use it as the precondition of a conditional write.
func Rule(t Transition) ([]domain.ShardPhase, domain.ShardPhase, error) {
	rule, ok := transitions[t]
	if !ok {
		return nil, "", fmt.Errorf("unknown transition %q", t)
	}
	return append([]domain.ShardPhase(nil), rule.from...), rule.to, nil
}

// CanTransition reports whether t may be applied to a shard in phase from.
func CanTransition(from domain.ShardPhase, t Transition) bool {
	rule, ok := transitions[t]
	if !ok {
		return false
	}
	for _, allowed := range rule.from {
		if allowed == from {
			return true
		}
	}
	return false
}

// DeriveStatus counts shards per phase. The counts always sum to the number
// of shards passed in. Shards with an unrecognized phase count as pending.
func DeriveStatus(planID string, shards []domain.ShardSpec) domain.PlanStatus {
	status := domain.PlanStatus{PlanID: planID, TotalShards: len(shards)}
	for _, shard := range shards {
		switch shard.Phase {
		case domain.PhaseClaimed:
			status.ClaimedShards++
		case domain.PhaseRunning:
			status.RunningShards++
		case domain.PhaseDone:
			status.DoneShards++
		case domain.PhaseFailed:
			status.FailedShards++
		default:
			status.PendingShards++
		}
	}
	return status
}

// EstimateETA projects the remaining time from the terminal-shard throughput
// observed since startedAt. It returns nil until at least one shard is
// terminal or once nothing remains.
func EstimateETA(status domain.PlanStatus, startedAt, now time.Time) *float64 {
	completed := status.DoneShards + status.FailedShards
	remaining := status.NonTerminalShards()
	elapsed := now.Sub(startedAt).Seconds()
	if completed == 0 || remaining == 0 || elapsed <= 0 {
		return nil
	}
	eta := elapsed / float64(completed) * float64(remaining)
	return &eta
}
