package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/execution/address"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/execution/state"
	"github.com/animus-labs/hypershard/internal/repo"
)

// maxClaimRounds bounds how often the loop re-reads a shard that changed
// under a conditional write.
const maxClaimRounds = 4

const (
	interruptedError = "interrupted"
	unsettledError   = "claim not settled"
)

type shardOutcome struct {
	spec        domain.ShardSpec
	result      domain.ShardResult
	reused      bool
	interrupted bool
	degraded    bool
	// timedOut marks a failure caused by the executing plan's timebox.
	timedOut bool
}

// reusable reports a DONE shard whose successful result may be reused: any
// DONE shard when resuming is enabled, otherwise only one completed by this
// process.
func (o *Orchestrator) reusable(ctx context.Context, casID string) (shardOutcome, bool) {
	spec, err := o.store.GetShard(ctx, casID)
	if err != nil || spec.Phase != domain.PhaseDone {
		return shardOutcome{}, false
	}
	return o.reuse(ctx, spec)
}

func (o *Orchestrator) reuse(ctx context.Context, spec domain.ShardSpec) (shardOutcome, bool) {
	if !o.cfg.Resume && !o.completedHere(spec.CasID, spec.Attempt) {
		return shardOutcome{}, false
	}
	res, err := o.store.GetResult(ctx, spec.CasID, spec.Attempt)
	if err != nil || !res.Success {
		return shardOutcome{}, false
	}
	return shardOutcome{spec: spec, result: res, reused: true}, true
}

// runShard executes one shard for r. Concurrent callers for the same cas_id
// share a single execution; a caller that joined an execution another plan
// abandoned or whose timebox expired tries again under its own context.
func (r *planRun) runShard(ctx context.Context, cs plan.CompiledStage, casID string) {
	for {
		leader := false
		v, _, _ := r.o.claims.Do(casID, func() (any, error) {
			leader = true
			return r.o.claimAndExecute(ctx, r, cs, casID), nil
		})
		out := v.(shardOutcome)
		if !leader && (out.interrupted || out.timedOut) && ctx.Err() == nil && !r.isAborted() {
			continue
		}
		if out.interrupted {
			return
		}
		r.complete(ctx, out, out.reused || !leader)
		return
	}
}

// claimAndExecute settles the stored state of the shard, wins the claim with
// a conditional write and runs the executor. It never runs the executor
// unless its own claim succeeded or the store is unreachable.
func (o *Orchestrator) claimAndExecute(ctx context.Context, r *planRun, cs plan.CompiledStage, casID string) shardOutcome {
	fallback, _ := r.shard(casID)
	logger := o.logger.With(slog.String("plan_id", r.planID), slog.String("cas_id", casID), slog.String("stage_id", cs.Stage.ID))

	storeCtx := context.WithoutCancel(ctx)

	var (
		spec     domain.ShardSpec
		degraded bool
		claimed  bool
	)
	for round := 0; round < maxClaimRounds && !claimed; round++ {
		if ctx.Err() != nil || r.terminal(casID) {
			if r.isAborted() {
				// An abort may have raced a reopen above.
				o.forceFail(storeCtx, r, casID, domain.AbortedError)
			}
			return shardOutcome{interrupted: true, degraded: degraded}
		}
		stored, err := o.store.GetShard(storeCtx, casID)
		if err != nil {
			r.checkpointFailed("get_shard", casID, err)
			degraded = true
			stored = fallback
			stored.Phase = domain.PhasePending
		}
		spec = stored

		switch spec.Phase {
		case domain.PhaseDone:
			if out, ok := o.reuse(storeCtx, spec); ok {
				return out
			}
			o.reopen(storeCtx, r, spec)
			continue
		case domain.PhaseFailed:
			o.reopen(storeCtx, r, spec)
			continue
		case domain.PhaseClaimed, domain.PhaseRunning:
			// Every in-process execution holds the singleflight key, so a
			// live claim here was left by an earlier process.
			logger.Warn("recovering interrupted shard", slog.String("phase", string(spec.Phase)), slog.Int("attempt", spec.Attempt))
			o.forceFail(storeCtx, r, casID, interruptedError)
			continue
		}

		switch err := o.transition(ctx, spec, state.Claim); {
		case err == nil:
			claimed = true
		case errors.Is(err, repo.ErrConflict):
			logger.Debug("claim lost, re-reading shard", slog.Int("attempt", spec.Attempt))
		default:
			r.checkpointFailed("claim", casID, err)
			degraded, claimed = true, true
		}
	}
	if !claimed {
		return shardOutcome{interrupted: true, degraded: degraded}
	}

	spec.Phase = domain.PhaseClaimed
	spec.UpdatedAt = o.now().UTC()
	r.observe(spec)
	o.metrics.ShardTransitions.WithLabelValues(string(domain.PhaseClaimed)).Inc()
	logger.Debug("shard claimed", slog.Int("attempt", spec.Attempt))
	o.emit(ctx, events.New(events.TopicShardClaimed, r.planID, casID, shardPayload(spec)))

	if err := o.transition(ctx, spec, state.Begin); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return o.lostOutcome(ctx, spec, degraded)
		}
		r.checkpointFailed("begin", casID, err)
		degraded = true
	}
	spec.Phase = domain.PhaseRunning
	spec.UpdatedAt = o.now().UTC()
	r.observe(spec)
	o.metrics.ShardTransitions.WithLabelValues(string(domain.PhaseRunning)).Inc()

	o.metrics.ShardsRunning.Inc()
	started := o.now().UTC()
	output, execErr := invoke(ctx, cs, spec)
	finished := o.now().UTC()
	o.metrics.ShardsRunning.Dec()

	if execErr != nil && ctx.Err() != nil && !errors.Is(context.Cause(ctx), errTimebox) {
		logger.Info("shard interrupted", slog.Int("attempt", spec.Attempt), slog.Any("cause", context.Cause(ctx)))
		return shardOutcome{spec: spec, interrupted: true, degraded: degraded}
	}

	result := domain.ShardResult{
		CasID:      casID,
		Attempt:    spec.Attempt,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if execErr == nil {
		digest, err := address.DigestOutput(output)
		if err != nil {
			execErr = err
		} else {
			result.Success = true
			result.OutputDigest = digest
		}
	}
	transition := state.Succeed
	if execErr != nil {
		transition = state.Fail
		result.Error = execErr.Error()
		logger.Debug("executor failed", slog.Any("error", &domain.ExecutionError{CasID: casID, Attempt: spec.Attempt, Cause: execErr}))
	}
	o.metrics.ShardDuration.WithLabelValues(cs.Stage.Executor, fmt.Sprint(result.Success)).Observe(finished.Sub(started).Seconds())

	if err := o.transition(ctx, spec, transition); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return o.lostOutcome(ctx, spec, degraded)
		}
		r.checkpointFailed(string(transition), casID, err)
		degraded = true
	}
	stored, _, err := o.store.PutResult(storeCtx, result)
	if err != nil {
		r.checkpointFailed("put_result", casID, err)
		degraded = true
		stored = result
	}
	if stored.Success {
		spec.Phase = domain.PhaseDone
		o.markCompleted(casID, spec.Attempt)
	} else {
		spec.Phase = domain.PhaseFailed
	}
	spec.UpdatedAt = finished
	return shardOutcome{
		spec:     spec,
		result:   stored,
		degraded: degraded,
		timedOut: !stored.Success && errors.Is(context.Cause(ctx), errTimebox),
	}
}

// invoke runs the executor, converting a panic into an error.
func invoke(ctx context.Context, cs plan.CompiledStage, spec domain.ShardSpec) (output any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("executor %s panicked: %v", cs.Stage.Executor, v)
		}
	}()
	return cs.Executor.Execute(ctx, spec.Inputs)
}

// transition applies t to spec's stored attempt as one conditional write.
func (o *Orchestrator) transition(ctx context.Context, spec domain.ShardSpec, t state.Transition) error {
	from, to, err := state.Rule(t)
	if err != nil {
		return err
	}
	return o.store.TransitionShard(context.WithoutCancel(ctx), spec.CasID, spec.Attempt, from, to, o.now().UTC())
}

// reopen starts a new attempt of a terminal shard. Losing the conditional
// write to another writer is not an error; the caller re-reads the shard.
func (o *Orchestrator) reopen(ctx context.Context, r *planRun, spec domain.ShardSpec) {
	next, err := o.store.ReopenShard(ctx, spec.CasID, spec.Attempt, o.now().UTC())
	switch {
	case err == nil:
		o.logger.Debug("shard reopened",
			slog.String("plan_id", r.planID),
			slog.String("cas_id", spec.CasID),
			slog.Int("attempt", next.Attempt),
		)
	case !errors.Is(err, repo.ErrConflict):
		r.checkpointFailed("reopen", spec.CasID, err)
	}
}

// forceFail moves the stored attempt of casID to FAILED with a synthetic
// result. A shard already terminal in the store is left alone.
func (o *Orchestrator) forceFail(ctx context.Context, r *planRun, casID, reason string) {
	ctx = context.WithoutCancel(ctx)
	for round := 0; round < maxClaimRounds; round++ {
		spec, err := o.store.GetShard(ctx, casID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				r.checkpointFailed("get_shard", casID, err)
			}
			return
		}
		if spec.Phase.Terminal() {
			return
		}
		err = o.transition(ctx, spec, state.Abort)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			r.checkpointFailed("abort", casID, err)
			return
		}
		now := o.now().UTC()
		_, _, err = o.store.PutResult(ctx, domain.ShardResult{
			CasID:      casID,
			Attempt:    spec.Attempt,
			StartedAt:  now,
			FinishedAt: now,
			Error:      reason,
			Aborted:    true,
		})
		if err != nil {
			r.checkpointFailed("put_result", casID, err)
		}
		return
	}
}

// lostOutcome reports an attempt whose phase was changed under the running
// executor, which only an abort does. The executor's own result is dropped.
func (o *Orchestrator) lostOutcome(ctx context.Context, spec domain.ShardSpec, degraded bool) shardOutcome {
	res, err := o.store.GetResult(context.WithoutCancel(ctx), spec.CasID, spec.Attempt)
	if err != nil {
		now := o.now().UTC()
		res = domain.ShardResult{
			CasID:      spec.CasID,
			Attempt:    spec.Attempt,
			StartedAt:  now,
			FinishedAt: now,
			Error:      domain.AbortedError,
			Aborted:    true,
		}
	}
	spec.Phase = domain.PhaseFailed
	spec.UpdatedAt = o.now().UTC()
	return shardOutcome{spec: spec, result: res, degraded: degraded}
}
