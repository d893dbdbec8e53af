package domain

import (
	"strings"
	"time"
)

// ShardPhase is the state-machine position of a shard.
type ShardPhase string

const (
	PhasePending ShardPhase = "pending"
	PhaseClaimed ShardPhase = "claimed"
	PhaseRunning ShardPhase = "running"
	PhaseDone    ShardPhase = "done"
	PhaseFailed  ShardPhase = "failed"
)

// Terminal reports whether no further transition is allowed for the attempt.
func (p ShardPhase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// NormalizeShardPhase maps stored phase values to canonical phases.
func NormalizeShardPhase(value string) ShardPhase {
	switch ShardPhase(strings.ToLower(strings.TrimSpace(value))) {
	case PhasePending:
		return PhasePending
	case PhaseClaimed:
		return PhaseClaimed
	case PhaseRunning:
		return PhaseRunning
	case PhaseDone:
		return PhaseDone
	case PhaseFailed:
		return PhaseFailed
	default:
		return ""
	}
}

// ShardSpec is one content-addressed unit of work. CasID is a pure function of
// StageID, Executor, the canonical Inputs and Dependencies.
type ShardSpec struct {
	CasID        string
	StageID      string
	Executor     string
	Inputs       map[string]any
	Dependencies []string
	Phase        ShardPhase
	Attempt      int
	UpdatedAt    time.Time
}

// ShardResult is the immutable outcome of one shard attempt.
type ShardResult struct {
	CasID        string
	Attempt      int
	Success      bool
	OutputDigest string
	StartedAt    time.Time
	FinishedAt   time.Time
	Error        string
	Aborted      bool
}

// AbortedError is the error recorded on synthetic results written by an abort.
const AbortedError = "aborted"
