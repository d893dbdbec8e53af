package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/execution/address"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/repo"
)

// execute is the background task of one plan: stages run in list order,
// each behind a full barrier, then the plan is finalized. A canceled task
// returns without finalizing so the plan can be resumed.
func (o *Orchestrator) execute(ctx context.Context, r *planRun) {
	timebox := r.compiled.Plan.Constraints.Timebox
	ctx, cancel := context.WithTimeoutCause(ctx, timebox, errTimebox)
	defer cancel()

	logger := o.logger.With(slog.String("plan_id", r.planID))
	for _, cs := range r.compiled.Stages {
		if r.isAborted() || ctx.Err() != nil {
			break
		}
		specs := r.prepareStage(ctx, cs)
		logger.Debug("stage started", slog.String("stage_id", cs.Stage.ID), slog.Int("shards", len(specs)))
		r.runStage(ctx, cs, specs)
		if ctx.Err() == nil && !r.isAborted() {
			if n := r.forceMembers(ctx, cs.Stage.ID, unsettledError); n > 0 {
				logger.Warn("unsettled shards failed at stage barrier", slog.String("stage_id", cs.Stage.ID), slog.Int("shards", n))
			}
		}
		logger.Debug("stage finished", slog.String("stage_id", cs.Stage.ID))
	}

	timedOut := errors.Is(context.Cause(ctx), errTimebox)
	if ctx.Err() != nil && !timedOut && !r.isAborted() {
		n := r.suspend()
		logger.Info("plan interrupted before finalize", slog.Any("cause", context.Cause(ctx)), slog.Int("suspended_shards", n))
		return
	}
	if timedOut {
		logger.Warn("plan timebox exceeded", slog.Duration("timebox", timebox))
		r.abort(context.WithoutCancel(ctx), errTimebox.Error(), false)
	}
	o.finalize(ctx, r)
}

// prepareStage addresses every partition of a stage and registers the
// resulting shards, unless an earlier run of the plan already did.
func (r *planRun) prepareStage(ctx context.Context, cs plan.CompiledStage) []domain.ShardSpec {
	stage := cs.Stage
	r.mu.Lock()
	done := r.partitioned[stage.ID]
	r.partitioned[stage.ID] = true
	r.mu.Unlock()
	if done {
		return r.stageShards(stage.ID)
	}

	logger := r.o.logger.With(slog.String("plan_id", r.planID), slog.String("stage_id", stage.ID))
	parts := cs.Partitions

	limit := r.compiled.Plan.Constraints.MaxShards
	for i, inputs := range parts {
		if r.memberCount() >= limit {
			r.addSkipped(len(parts) - i)
			logger.Warn("max_shards reached, partitions skipped", slog.Int("max_shards", limit), slog.Int("skipped", len(parts)-i))
			break
		}
		spec, err := shardSpec(stage, inputs, r.o.now().UTC())
		if err != nil {
			r.o.metrics.CanonicalizeErrors.Inc()
			r.addSkipped(1)
			logger.Warn("partition skipped", slog.Int("partition", i), slog.Any("error", err))
			continue
		}
		m, ok := r.addMember(spec)
		if !ok {
			if r.isAborted() {
				break
			}
			continue
		}
		r.register(ctx, m)
	}
	return r.stageShards(stage.ID)
}

func shardSpec(stage domain.Stage, inputs map[string]any, now time.Time) (domain.ShardSpec, error) {
	normalized, err := address.Normalize(inputs)
	if err != nil {
		return domain.ShardSpec{}, &domain.CanonicalizationError{StageID: stage.ID, Cause: err}
	}
	casID, err := address.Address(stage.ID, stage.Executor, normalized, stage.Dependencies)
	if err != nil {
		return domain.ShardSpec{}, err
	}
	return domain.ShardSpec{
		CasID:        casID,
		StageID:      stage.ID,
		Executor:     stage.Executor,
		Inputs:       normalized,
		Dependencies: append([]string(nil), stage.Dependencies...),
		Phase:        domain.PhasePending,
		Attempt:      1,
		UpdatedAt:    now,
	}, nil
}

// register persists a new member: the shard itself if its cas_id is new,
// then the plan membership.
func (r *planRun) register(ctx context.Context, m *member) {
	r.mu.Lock()
	spec := m.spec
	ordinal := m.ordinal
	r.mu.Unlock()

	stored, created, err := r.o.store.RegisterShard(ctx, spec)
	switch {
	case err != nil:
		r.checkpointFailed("register_shard", spec.CasID, err)
	case created:
		r.o.emit(ctx, events.New(events.TopicShardCreated, r.planID, spec.CasID, shardPayload(stored)))
	default:
		r.mu.Lock()
		if !m.spec.Phase.Terminal() {
			m.spec.Attempt = stored.Attempt
		}
		r.mu.Unlock()
	}

	err = r.o.store.LinkShard(ctx, repo.PlanShard{
		PlanID:  r.planID,
		CasID:   spec.CasID,
		StageID: spec.StageID,
		Ordinal: ordinal,
	})
	if err != nil {
		r.checkpointFailed("link_shard", r.planID+"/"+spec.CasID, err)
	}
}

// runStage submits the stage's shards in scheduler order and returns once
// every launched shard settled. Reusable shards complete inline without a
// concurrency slot.
func (r *planRun) runStage(ctx context.Context, cs plan.CompiledStage, specs []domain.ShardSpec) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, spec := range cs.Scheduler.Order(specs) {
		if r.isAborted() || ctx.Err() != nil {
			return
		}
		if r.terminal(spec.CasID) {
			continue
		}
		if out, ok := r.o.reusable(ctx, spec.CasID); ok {
			r.complete(ctx, out, true)
			continue
		}
		if err := r.o.limiter.Acquire(ctx, 1); err != nil {
			return
		}
		if r.isAborted() {
			r.o.limiter.Release(1)
			return
		}
		casID := spec.CasID
		wg.Go(func() {
			defer r.o.limiter.Release(1)
			r.runShard(ctx, cs, casID)
		})
	}
}
