// Package repo defines the checkpoint store: durable plan, shard, result and
// plan-membership records.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write's precondition no
	// longer holds, e.g. a claim on a shard that is not pending anymore.
	ErrConflict = errors.New("conflict")
)

// PlanRecord is the persisted form of a submitted plan plus its
// finalization outcome.
type PlanRecord struct {
	ID            string
	Name          string
	Stages        []domain.Stage
	Constraints   domain.PlanConstraints
	SubmittedBy   string
	SubmittedAt   time.Time
	MerkleRoot    string
	Aborted       bool
	Certified     bool
	CertificateID string
	FinalizedAt   *time.Time
}

func PlanRecordFromDomain(p domain.Plan) PlanRecord {
	return PlanRecord{
		ID:          p.ID,
		Name:        p.Name,
		Stages:      p.Stages,
		Constraints: p.Constraints,
		SubmittedBy: p.SubmittedBy,
		SubmittedAt: p.SubmittedAt,
	}
}

func (r PlanRecord) Plan() domain.Plan {
	return domain.Plan{
		ID:          r.ID,
		Name:        r.Name,
		Stages:      r.Stages,
		Constraints: r.Constraints,
		SubmittedBy: r.SubmittedBy,
		SubmittedAt: r.SubmittedAt,
	}
}

func (r PlanRecord) Finalized() bool {
	return r.FinalizedAt != nil
}

// FinalizeInput records the terminal outcome of a plan.
type FinalizeInput struct {
	PlanID        string
	MerkleRoot    string
	Aborted       bool
	Certified     bool
	CertificateID string
	FinalizedAt   time.Time
}

// PlanShard links a shard to a plan that partitioned it. A shard shared by
// several plans has one membership per plan. Ordinal is the plan-wide
// partitioning position. LeafHash is set once the shard
// contributed a Merkle leaf to the plan, at position LeafSeq.
type PlanShard struct {
	PlanID   string
	CasID    string
	StageID  string
	Ordinal  int
	Reused   bool
	LeafSeq  int
	LeafHash string
	// Shard is populated by ListPlanShards.
	Shard domain.ShardSpec
}

func (m PlanShard) HasLeaf() bool {
	return m.LeafHash != ""
}

// LeafRecord persists a plan's Merkle leaf for a member shard.
type LeafRecord struct {
	PlanID string
	CasID  string
	Seq    int
	Hash   string
	Reused bool
}

// CheckpointStore is the durable backing of the orchestrator. Every write is
// upsert-by-key or conditional; no record is ever deleted.
type CheckpointStore interface {
	UpsertPlan(ctx context.Context, plan PlanRecord) error
	GetPlan(ctx context.Context, planID string) (PlanRecord, error)
	ListUnfinalizedPlans(ctx context.Context) ([]PlanRecord, error)
	FinalizePlan(ctx context.Context, input FinalizeInput) error

	// RegisterShard inserts the shard if its cas_id is unknown. It returns
	// the stored shard and whether this call created it.
	RegisterShard(ctx context.Context, shard domain.ShardSpec) (domain.ShardSpec, bool, error)
	GetShard(ctx context.Context, casID string) (domain.ShardSpec, error)
	// TransitionShard is a single conditional write: it moves the shard to
	// phase to only if its stored attempt equals attempt and its stored
	// phase is one of from. It returns ErrConflict when the precondition
	// fails and ErrNotFound for an unknown cas_id.
	TransitionShard(ctx context.Context, casID string, attempt int, from []domain.ShardPhase, to domain.ShardPhase, at time.Time) error
	// ReopenShard starts attempt+1 in phase pending for a terminal shard
	// whose stored attempt equals attempt. Earlier results are kept.
	ReopenShard(ctx context.Context, casID string, attempt int, at time.Time) (domain.ShardSpec, error)

	// PutResult stores the result of one attempt if none exists yet and
	// returns the stored result and whether this call created it.
	PutResult(ctx context.Context, result domain.ShardResult) (domain.ShardResult, bool, error)
	GetResult(ctx context.Context, casID string, attempt int) (domain.ShardResult, error)

	// LinkShard records plan membership if absent.
	LinkShard(ctx context.Context, member PlanShard) error
	AppendLeaf(ctx context.Context, leaf LeafRecord) error
	// ListPlanShards returns a plan's memberships joined with the current
	// shard state, ordered by ordinal.
	ListPlanShards(ctx context.Context, planID string) ([]PlanShard, error)

	Close() error
}
