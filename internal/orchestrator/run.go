package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/execution/state"
	"github.com/animus-labs/hypershard/internal/merkle"
	"github.com/animus-labs/hypershard/internal/repo"
)

// member is one shard as seen by one plan. Phase is this plan's view: a
// shard aborted here stays FAILED for the plan even if another plan later
// completes it.
type member struct {
	spec    domain.ShardSpec
	ordinal int
	reused  bool
	result  *domain.ShardResult
}

// planRun is the in-memory state of one plan owned by this process. It
// stays authoritative for status when checkpoint writes fail.
type planRun struct {
	o        *Orchestrator
	planID   string
	compiled plan.Compiled
	tree     *merkle.Tree
	done     chan struct{}
	cancel   context.CancelCauseFunc

	mu            sync.Mutex
	members       map[string]*member
	order         []string
	partitioned   map[string]bool
	skipped       int
	aborted       bool
	degraded      bool
	finalized     bool
	certified     bool
	certificateID string
	startedAt     time.Time
	finishedAt    time.Time
}

func newRun(o *Orchestrator, compiled plan.Compiled) *planRun {
	return &planRun{
		o:           o,
		planID:      compiled.Plan.ID,
		compiled:    compiled,
		tree:        merkle.New(),
		done:        make(chan struct{}),
		cancel:      func(error) {},
		members:     make(map[string]*member),
		partitioned: make(map[string]bool),
		startedAt:   o.now().UTC(),
	}
}

// loadRun rebuilds a plan's run from the checkpoint store.
func (o *Orchestrator) loadRun(ctx context.Context, planID string) (*planRun, error) {
	rec, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	if rec.Finalized() {
		return nil, fmt.Errorf("%w: %s", ErrFinalized, planID)
	}
	compiled, err := plan.Compile(ctx, rec.Plan(), o.regs)
	if err != nil {
		return nil, fmt.Errorf("compile stored plan %s: %w", planID, err)
	}
	members, err := o.store.ListPlanShards(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan shards %s: %w", planID, err)
	}

	r := newRun(o, compiled)
	var leaves []repo.PlanShard
	for _, m := range members {
		spec := m.Shard
		switch {
		case m.HasLeaf():
			spec.Phase = domain.PhaseDone
			leaves = append(leaves, m)
		case spec.Phase == domain.PhaseFailed:
		default:
			// DONE without a leaf or an interrupted claim: the shard loop
			// settles it.
			spec.Phase = domain.PhasePending
		}
		r.members[m.CasID] = &member{spec: spec, ordinal: m.Ordinal, reused: m.Reused && m.HasLeaf()}
		r.order = append(r.order, m.CasID)
		r.partitioned[m.StageID] = true
	}
	sort.SliceStable(leaves, func(i, j int) bool { return leaves[i].LeafSeq < leaves[j].LeafSeq })
	for _, m := range leaves {
		hash, err := hex.DecodeString(m.LeafHash)
		if err != nil {
			return nil, fmt.Errorf("decode leaf %s: %w", m.CasID, err)
		}
		if _, err := r.tree.Append(merkle.Leaf{CasID: m.CasID, Attempt: m.Shard.Attempt, Hash: hash}); err != nil {
			return nil, fmt.Errorf("restore leaf %s: %w", m.CasID, err)
		}
	}
	return r, nil
}

func (r *planRun) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *planRun) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *planRun) isFinalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// addMember records a newly partitioned shard. It refuses once the plan is
// aborted and ignores a cas_id the plan already holds.
func (r *planRun) addMember(spec domain.ShardSpec) (*member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return nil, false
	}
	if _, dup := r.members[spec.CasID]; dup {
		return nil, false
	}
	m := &member{spec: spec, ordinal: len(r.order)}
	r.members[spec.CasID] = m
	r.order = append(r.order, spec.CasID)
	return m, true
}

func (r *planRun) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// stageShards returns the plan's shards of one stage in partition order.
func (r *planRun) stageShards(stageID string) []domain.ShardSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ShardSpec
	for _, id := range r.order {
		if m := r.members[id]; m.spec.StageID == stageID {
			out = append(out, m.spec)
		}
	}
	return out
}

func (r *planRun) shard(casID string) (domain.ShardSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[casID]
	if !ok {
		return domain.ShardSpec{}, false
	}
	return m.spec, true
}

func (r *planRun) terminal(casID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[casID]
	return !ok || m.spec.Phase.Terminal()
}

// observe mirrors a non-terminal transition made by the shard loop.
func (r *planRun) observe(spec domain.ShardSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[spec.CasID]; ok && !m.spec.Phase.Terminal() {
		m.spec.Phase = spec.Phase
		m.spec.Attempt = spec.Attempt
		m.spec.UpdatedAt = spec.UpdatedAt
	}
}

// complete records a terminal outcome and, on success, appends the plan's
// leaf. An outcome for a shard the plan already settled is dropped.
func (r *planRun) complete(ctx context.Context, out shardOutcome, reused bool) {
	res := out.result
	r.mu.Lock()
	m, ok := r.members[res.CasID]
	if !ok || m.spec.Phase.Terminal() {
		r.mu.Unlock()
		return
	}
	if out.degraded {
		r.degraded = true
	}
	success := out.spec.Phase == domain.PhaseDone && res.Success
	m.spec.Attempt = out.spec.Attempt
	m.spec.UpdatedAt = out.spec.UpdatedAt
	m.result = &res
	if success {
		m.spec.Phase = domain.PhaseDone
		m.reused = reused
	} else {
		m.spec.Phase = domain.PhaseFailed
	}
	r.mu.Unlock()

	logger := r.o.logger.With(slog.String("plan_id", r.planID), slog.String("cas_id", res.CasID), slog.Int("attempt", res.Attempt))
	if !success {
		logger.Debug("shard failed", slog.String("error", res.Error), slog.Bool("aborted", res.Aborted))
		r.o.metrics.ShardTransitions.WithLabelValues(string(domain.PhaseFailed)).Inc()
		r.o.emit(ctx, events.New(events.TopicShardFailed, r.planID, res.CasID, resultPayload(r.planID, res, reused)))
		return
	}
	if reused {
		r.o.metrics.ShardsReused.Inc()
	}
	r.appendLeaf(ctx, res, reused)
	logger.Debug("shard done", slog.Bool("reused", reused))
	r.o.metrics.ShardTransitions.WithLabelValues(string(domain.PhaseDone)).Inc()
	r.o.emit(ctx, events.New(events.TopicShardDone, r.planID, res.CasID, resultPayload(r.planID, res, reused)))
}

func (r *planRun) appendLeaf(ctx context.Context, res domain.ShardResult, reused bool) {
	hash := merkle.LeafHash(res.CasID, res.OutputDigest, res.Attempt)
	seq, err := r.tree.Append(merkle.Leaf{CasID: res.CasID, OutputDigest: res.OutputDigest, Attempt: res.Attempt, Hash: hash})
	if err != nil {
		r.o.logger.Error("append leaf failed", slog.String("plan_id", r.planID), slog.String("cas_id", res.CasID), slog.Any("error", err))
		return
	}
	err = r.o.store.AppendLeaf(ctx, repo.LeafRecord{
		PlanID: r.planID,
		CasID:  res.CasID,
		Seq:    int(seq),
		Hash:   hex.EncodeToString(hash),
		Reused: reused,
	})
	if err != nil {
		r.checkpointFailed("append_leaf", r.planID+"/"+res.CasID, err)
	}
}

// abort marks the plan aborted when planAborted is set and fails every
// member that has not settled yet.
func (r *planRun) abort(ctx context.Context, reason string, planAborted bool) {
	r.mu.Lock()
	if r.finalized || (planAborted && r.aborted) {
		r.mu.Unlock()
		return
	}
	if planAborted {
		r.aborted = true
	}
	r.mu.Unlock()

	n := r.forceMembers(ctx, "", reason)
	if planAborted {
		r.o.logger.Info("plan aborted", slog.String("plan_id", r.planID), slog.Int("forced_shards", n))
	}
}

// forceMembers fails the non-terminal members of stageID, or of every stage
// when stageID is empty. Memory is updated first so a status read right
// after sees no live shard; the store follows.
func (r *planRun) forceMembers(ctx context.Context, stageID, reason string) int {
	now := r.o.now().UTC()
	r.mu.Lock()
	var targets []domain.ShardResult
	for _, id := range r.order {
		m := r.members[id]
		if m.spec.Phase.Terminal() || (stageID != "" && m.spec.StageID != stageID) {
			continue
		}
		res := domain.ShardResult{
			CasID:      id,
			Attempt:    m.spec.Attempt,
			StartedAt:  now,
			FinishedAt: now,
			Error:      reason,
			Aborted:    true,
		}
		m.spec.Phase = domain.PhaseFailed
		m.spec.UpdatedAt = now
		m.result = &res
		targets = append(targets, res)
	}
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for _, res := range targets {
		r.o.forceFail(ctx, r, res.CasID, reason)
		r.o.metrics.ShardTransitions.WithLabelValues(string(domain.PhaseFailed)).Inc()
		r.o.emit(ctx, events.New(events.TopicShardFailed, r.planID, res.CasID, resultPayload(r.planID, res, false)))
	}
	return len(targets)
}

// suspend returns the claimed and running members of a task that stopped
// without finalizing to PENDING, matching how a resume reads them back.
func (r *planRun) suspend() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.order {
		m := r.members[id]
		if m.spec.Phase == domain.PhaseClaimed || m.spec.Phase == domain.PhaseRunning {
			m.spec.Phase = domain.PhasePending
			n++
		}
	}
	return n
}

func (r *planRun) checkpointFailed(op, key string, err error) {
	cwe := &domain.CheckpointWriteError{Op: op, Key: key, Cause: err}
	r.o.logger.Warn("checkpoint write failed, continuing in memory",
		slog.String("plan_id", r.planID),
		slog.String("op", op),
		slog.Any("error", cwe),
	)
	r.o.metrics.CheckpointErrors.WithLabelValues(op).Inc()
	r.mu.Lock()
	r.degraded = true
	r.mu.Unlock()
}

func (r *planRun) addSkipped(n int) {
	if n <= 0 {
		return
	}
	r.o.metrics.SkippedPartitions.Add(float64(n))
	r.mu.Lock()
	r.skipped += n
	r.mu.Unlock()
}

func (r *planRun) status() domain.PlanStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	specs := make([]domain.ShardSpec, 0, len(r.order))
	reused := 0
	for _, id := range r.order {
		m := r.members[id]
		specs = append(specs, m.spec)
		if m.reused && m.spec.Phase == domain.PhaseDone {
			reused++
		}
	}
	status := state.DeriveStatus(r.planID, specs)
	status.PlanName = r.compiled.Plan.Name
	status.ReusedShards = reused
	status.SkippedPartitions = r.skipped
	status.Aborted = r.aborted
	status.Degraded = r.degraded
	started := r.startedAt
	status.StartedAt = &started

	if !r.finalized {
		status.ETASeconds = state.EstimateETA(status, r.startedAt, r.o.now())
		return status
	}
	status.Finalized = true
	status.Certified = r.certified
	status.CertificateID = r.certificateID
	finished := r.finishedAt
	status.FinishedAt = &finished
	if root, ok := r.tree.Root(); ok {
		status.MerkleRoot = hex.EncodeToString(root)
	}
	leaves := r.tree.Leaves()
	status.Leaves = make([]string, len(leaves))
	for i, leaf := range leaves {
		status.Leaves[i] = hex.EncodeToString(leaf.Hash)
	}
	return status
}

// storedStatus derives status for a plan no run of this process owns. Once
// a plan is finalized only members with a leaf count as done.
func storedStatus(rec repo.PlanRecord, members []repo.PlanShard, now time.Time) domain.PlanStatus {
	specs := make([]domain.ShardSpec, 0, len(members))
	reused := 0
	var leaves []repo.PlanShard
	for _, m := range members {
		spec := m.Shard
		switch {
		case m.HasLeaf():
			spec.Phase = domain.PhaseDone
			leaves = append(leaves, m)
			if m.Reused {
				reused++
			}
		case rec.Finalized():
			spec.Phase = domain.PhaseFailed
		case spec.Phase == domain.PhaseDone:
			spec.Phase = domain.PhasePending
		}
		specs = append(specs, spec)
	}
	status := state.DeriveStatus(rec.ID, specs)
	status.PlanName = rec.Name
	status.ReusedShards = reused
	status.Aborted = rec.Aborted
	started := rec.SubmittedAt
	status.StartedAt = &started
	if !rec.Finalized() {
		status.ETASeconds = state.EstimateETA(status, rec.SubmittedAt, now)
		return status
	}
	status.Finalized = true
	status.MerkleRoot = rec.MerkleRoot
	status.Certified = rec.Certified
	status.CertificateID = rec.CertificateID
	status.FinishedAt = rec.FinalizedAt
	sort.SliceStable(leaves, func(i, j int) bool { return leaves[i].LeafSeq < leaves[j].LeafSeq })
	status.Leaves = make([]string, len(leaves))
	for i, m := range leaves {
		status.Leaves[i] = m.LeafHash
	}
	return status
}
