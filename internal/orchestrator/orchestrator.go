// Package orchestrator runs submitted plans: it partitions every stage into
// content-addressed shards, executes them under one global concurrency
// limit, checkpoints each transition and aggregates results into a Merkle
// tree handed to certification.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/animus-labs/hypershard/internal/certify"
	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/platform/metrics"
	"github.com/animus-labs/hypershard/internal/repo"
)

const DefaultMaxConcurrency = 64

var (
	ErrUnknownPlan = errors.New("unknown plan")
	ErrPlanExists  = errors.New("plan already exists")
	ErrFinalized   = errors.New("plan already finalized")
	ErrClosed      = errors.New("orchestrator is shut down")

	errCanceled = errors.New("plan canceled")
	errTimebox  = errors.New("plan timebox exceeded")
)

type Config struct {
	// MaxConcurrency bounds running shards across every plan of the
	// instance.
	MaxConcurrency int
	// Resume honors DONE shards persisted by an earlier process. Shards
	// completed by this process are always reused.
	Resume          bool
	ProofSampleSize int
}

// Options carries the collaborators. Only Store is required; a nil Events,
// Certifier or Failures is simply not called.
type Options struct {
	Store      repo.CheckpointStore
	Registries plan.Registries
	Events     events.Emitter
	Certifier  certify.Sink
	Failures   certify.FailureHandler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	// Rand picks sample proofs; nil uses the global source.
	Rand *rand.Rand
}

type Orchestrator struct {
	cfg       Config
	store     repo.CheckpointStore
	regs      plan.Registries
	events    events.Emitter
	certifier certify.Sink
	failures  certify.FailureHandler
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	limiter *semaphore.Weighted
	claims  singleflight.Group

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	runs      map[string]*planRun
	completed map[string]int
	closed    bool
}

func New(cfg Config, opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 1, got %d", cfg.MaxConcurrency)
	}
	if cfg.ProofSampleSize < 0 {
		cfg.ProofSampleSize = 0
	}
	if opts.Registries.Partitioners == nil && opts.Registries.Executors == nil && opts.Registries.Schedulers == nil {
		opts.Registries = plan.DefaultRegistries()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		_, opts.Metrics = metrics.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Failures == nil {
		opts.Failures = certify.EventFailureHandler{Emitter: opts.Events, Logger: opts.Logger}
	}

	baseCtx, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      opts.Store,
		regs:       opts.Registries,
		events:     opts.Events,
		certifier:  opts.Certifier,
		failures:   opts.Failures,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
		rng:        opts.Rand,
		limiter:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		runs:       make(map[string]*planRun),
		completed:  make(map[string]int),
	}, nil
}

// Submit validates p, persists it and starts executing it in the
// background. It returns the plan id without waiting. Unknown policy names
// and malformed plans are rejected before anything is written.
func (o *Orchestrator) Submit(ctx context.Context, p domain.Plan) (string, error) {
	if o.isClosed() {
		return "", ErrClosed
	}
	compiled, err := plan.Compile(ctx, p, o.regs)
	if err != nil {
		return "", err
	}
	pl := compiled.Plan
	pl.ID = strings.TrimSpace(pl.ID)
	if pl.ID == "" {
		pl.ID = uuid.NewString()
	}
	if pl.SubmittedAt.IsZero() {
		pl.SubmittedAt = o.now().UTC()
	}
	compiled.Plan = pl

	o.mu.Lock()
	_, live := o.runs[pl.ID]
	o.mu.Unlock()
	if live {
		return "", fmt.Errorf("%w: %s", ErrPlanExists, pl.ID)
	}

	r := newRun(o, compiled)
	switch _, err := o.store.GetPlan(ctx, pl.ID); {
	case err == nil:
		return "", fmt.Errorf("%w: %s", ErrPlanExists, pl.ID)
	case errors.Is(err, repo.ErrNotFound):
	default:
		r.checkpointFailed("get_plan", pl.ID, err)
	}
	if err := o.store.UpsertPlan(ctx, repo.PlanRecordFromDomain(pl)); err != nil {
		r.checkpointFailed("upsert_plan", pl.ID, err)
	}

	if err := o.start(r); err != nil {
		return "", err
	}
	o.metrics.PlansSubmitted.Inc()
	o.logger.Info("plan submitted",
		slog.String("plan_id", pl.ID),
		slog.String("plan_name", pl.Name),
		slog.Int("stages", len(pl.Stages)),
		slog.String("submitted_by", pl.SubmittedBy),
	)
	o.emit(ctx, events.New(events.TopicPlanCreated, pl.ID, "", planPayload(pl)))
	return pl.ID, nil
}

// Resume continues an unfinalized plan persisted by this or an earlier
// process. Stages already partitioned are not partitioned again and leaves
// already recorded are restored in order.
func (o *Orchestrator) Resume(ctx context.Context, planID string) error {
	if o.isClosed() {
		return ErrClosed
	}
	o.mu.Lock()
	if r, ok := o.runs[planID]; ok && !r.isDone() {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	r, err := o.loadRun(ctx, planID)
	if err != nil {
		return err
	}
	if err := o.start(r); err != nil {
		return err
	}
	o.logger.Info("plan resumed",
		slog.String("plan_id", planID),
		slog.Int("restored_leaves", r.tree.Size()),
	)
	return nil
}

// Status derives a snapshot of the plan from its shard set. It may observe
// shards between transitions.
func (o *Orchestrator) Status(ctx context.Context, planID string) (domain.PlanStatus, error) {
	if r := o.run(planID); r != nil {
		return r.status(), nil
	}
	rec, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PlanStatus{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if err != nil {
		return domain.PlanStatus{}, err
	}
	members, err := o.store.ListPlanShards(ctx, planID)
	if err != nil {
		return domain.PlanStatus{}, err
	}
	return storedStatus(rec, members, o.now()), nil
}

// Abort forces every non-terminal shard of the plan to FAILED with an abort
// marker. Executor calls already in flight are not interrupted; their
// results are discarded. It reports false for an unknown plan.
func (o *Orchestrator) Abort(ctx context.Context, planID string) bool {
	ctx = context.WithoutCancel(ctx)
	if r := o.run(planID); r != nil {
		if !r.isDone() {
			r.abort(ctx, domain.AbortedError, true)
			return true
		}
		if r.isFinalized() {
			return true
		}
	}

	rec, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return false
	}
	if rec.Finalized() {
		return true
	}
	r, err := o.loadRun(ctx, planID)
	if err != nil {
		o.logger.Warn("abort: load plan failed", slog.String("plan_id", planID), slog.Any("error", err))
		return true
	}
	o.mu.Lock()
	o.runs[planID] = r
	o.mu.Unlock()
	r.abort(ctx, domain.AbortedError, true)
	o.finalize(ctx, r)
	close(r.done)
	return true
}

// Wait blocks until the plan's background task exits or ctx is done, then
// returns its status.
func (o *Orchestrator) Wait(ctx context.Context, planID string) (domain.PlanStatus, error) {
	if r := o.run(planID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return domain.PlanStatus{}, ctx.Err()
		}
	}
	return o.Status(ctx, planID)
}

// Cancel stops the plan's background task without finalizing it, leaving
// it resumable. It reports whether a running task was found.
func (o *Orchestrator) Cancel(planID string) bool {
	r := o.run(planID)
	if r == nil || r.isDone() {
		return false
	}
	r.cancel(errCanceled)
	return true
}

// Shutdown stops accepting plans and waits for running ones to finish. When
// ctx expires first, the remaining plans are canceled, left unfinalized, and
// Shutdown still waits for their tasks to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		o.cancelBase(ErrClosed)
		return nil
	case <-ctx.Done():
	}
	o.cancelBase(ErrClosed)
	<-drained
	return ctx.Err()
}

func (o *Orchestrator) start(r *planRun) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.runs[r.planID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	ctx, cancel := context.WithCancelCause(o.baseCtx)
	r.cancel = cancel
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer cancel(nil)
		o.execute(ctx, r)
	}()
	return nil
}

func (o *Orchestrator) run(planID string) *planRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[planID]
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) markCompleted(casID string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed[casID] = attempt
}

func (o *Orchestrator) completedHere(casID string, attempt int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	got, ok := o.completed[casID]
	return ok && got == attempt
}

func (o *Orchestrator) emit(ctx context.Context, event events.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Emit(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Warn("emit event failed",
			slog.String("topic", event.Topic),
			slog.String("plan_id", event.PlanID),
			slog.Any("error", err),
		)
	}
}

func planPayload(p domain.Plan) map[string]any {
	stages := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		stages = append(stages, s.ID)
	}
	return map[string]any{
		"plan_id":      p.ID,
		"name":         p.Name,
		"stages":       stages,
		"submitted_by": p.SubmittedBy,
		"submitted_at": p.SubmittedAt,
		"max_shards":   p.Constraints.MaxShards,
		"timebox_ms":   p.Constraints.Timebox.Milliseconds(),
	}
}

func shardPayload(s domain.ShardSpec) map[string]any {
	return map[string]any{
		"cas_id":   s.CasID,
		"stage_id": s.StageID,
		"executor": s.Executor,
		"inputs":   s.Inputs,
		"phase":    s.Phase,
		"attempt":  s.Attempt,
	}
}

func resultPayload(planID string, res domain.ShardResult, reused bool) map[string]any {
	payload := map[string]any{
		"plan_id":       planID,
		"cas_id":        res.CasID,
		"attempt":       res.Attempt,
		"success":       res.Success,
		"output_digest": res.OutputDigest,
		"started_at":    res.StartedAt,
		"finished_at":   res.FinishedAt,
		"reused":        reused,
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	if res.Aborted {
		payload["aborted"] = true
	}
	return payload
}
