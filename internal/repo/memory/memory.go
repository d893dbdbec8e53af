// Package memory is a process-local checkpoint store. Nothing survives a
// restart; it backs tests and the "memory" store location.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/repo"
)

type resultKey struct {
	casID   string
	attempt int
}

type memberKey struct {
	planID string
	casID  string
}

// Store implements repo.CheckpointStore. A single mutex makes every
// conditional write atomic.
type Store struct {
	mu      sync.Mutex
	plans   map[string]repo.PlanRecord
	shards  map[string]domain.ShardSpec
	results map[resultKey]domain.ShardResult
	members map[memberKey]repo.PlanShard
	closed  bool
}

var _ repo.CheckpointStore = (*Store)(nil)

func New() *Store {
	return &Store{
		plans:   make(map[string]repo.PlanRecord),
		shards:  make(map[string]domain.ShardSpec),
		results: make(map[resultKey]domain.ShardResult),
		members: make(map[memberKey]repo.PlanShard),
	}
}

func (s *Store) UpsertPlan(_ context.Context, plan repo.PlanRecord) error {
	if strings.TrimSpace(plan.ID) == "" {
		return fmt.Errorf("plan id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if existing, ok := s.plans[plan.ID]; ok {
		plan.MerkleRoot = existing.MerkleRoot
		plan.Aborted = existing.Aborted
		plan.Certified = existing.Certified
		plan.CertificateID = existing.CertificateID
		plan.FinalizedAt = existing.FinalizedAt
	}
	plan.Stages = append([]domain.Stage(nil), plan.Stages...)
	s.plans[plan.ID] = plan
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID string) (repo.PlanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return repo.PlanRecord{}, err
	}
	plan, ok := s.plans[planID]
	if !ok {
		return repo.PlanRecord{}, repo.ErrNotFound
	}
	return copyPlan(plan), nil
}

func (s *Store) ListUnfinalizedPlans(_ context.Context) ([]repo.PlanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]repo.PlanRecord, 0)
	for _, plan := range s.plans {
		if plan.FinalizedAt == nil {
			out = append(out, copyPlan(plan))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) FinalizePlan(_ context.Context, input repo.FinalizeInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	plan, ok := s.plans[input.PlanID]
	if !ok {
		return repo.ErrNotFound
	}
	at := input.FinalizedAt.UTC()
	plan.MerkleRoot = input.MerkleRoot
	plan.Aborted = input.Aborted
	plan.Certified = input.Certified
	plan.CertificateID = input.CertificateID
	plan.FinalizedAt = &at
	s.plans[input.PlanID] = plan
	return nil
}

func (s *Store) RegisterShard(_ context.Context, shard domain.ShardSpec) (domain.ShardSpec, bool, error) {
	if strings.TrimSpace(shard.CasID) == "" {
		return domain.ShardSpec{}, false, fmt.Errorf("cas id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.ShardSpec{}, false, err
	}
	if existing, ok := s.shards[shard.CasID]; ok {
		return copyShard(existing), false, nil
	}
	if shard.Phase == "" {
		shard.Phase = domain.PhasePending
	}
	if shard.Attempt < 1 {
		shard.Attempt = 1
	}
	shard = copyShard(shard)
	s.shards[shard.CasID] = shard
	return copyShard(shard), true, nil
}

func (s *Store) GetShard(_ context.Context, casID string) (domain.ShardSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.ShardSpec{}, err
	}
	shard, ok := s.shards[casID]
	if !ok {
		return domain.ShardSpec{}, repo.ErrNotFound
	}
	return copyShard(shard), nil
}

func (s *Store) TransitionShard(_ context.Context, casID string, attempt int, from []domain.ShardPhase, to domain.ShardPhase, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	shard, ok := s.shards[casID]
	if !ok {
		return repo.ErrNotFound
	}
	if shard.Attempt != attempt || !phaseIn(shard.Phase, from) {
		return repo.ErrConflict
	}
	shard.Phase = to
	shard.UpdatedAt = at.UTC()
	s.shards[casID] = shard
	return nil
}

func (s *Store) ReopenShard(_ context.Context, casID string, attempt int, at time.Time) (domain.ShardSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.ShardSpec{}, err
	}
	shard, ok := s.shards[casID]
	if !ok {
		return domain.ShardSpec{}, repo.ErrNotFound
	}
	if shard.Attempt != attempt || !shard.Phase.Terminal() {
		return domain.ShardSpec{}, repo.ErrConflict
	}
	shard.Attempt++
	shard.Phase = domain.PhasePending
	shard.UpdatedAt = at.UTC()
	s.shards[casID] = shard
	return copyShard(shard), nil
}

func (s *Store) PutResult(_ context.Context, result domain.ShardResult) (domain.ShardResult, bool, error) {
	if strings.TrimSpace(result.CasID) == "" {
		return domain.ShardResult{}, false, fmt.Errorf("cas id is required")
	}
	if result.Attempt < 1 {
		return domain.ShardResult{}, false, fmt.Errorf("attempt must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.ShardResult{}, false, err
	}
	key := resultKey{casID: result.CasID, attempt: result.Attempt}
	if existing, ok := s.results[key]; ok {
		return existing, false, nil
	}
	s.results[key] = result
	return result, true, nil
}

func (s *Store) GetResult(_ context.Context, casID string, attempt int) (domain.ShardResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.ShardResult{}, err
	}
	result, ok := s.results[resultKey{casID: casID, attempt: attempt}]
	if !ok {
		return domain.ShardResult{}, repo.ErrNotFound
	}
	return result, nil
}

func (s *Store) LinkShard(_ context.Context, member repo.PlanShard) error {
	if member.PlanID == "" || member.CasID == "" {
		return fmt.Errorf("plan id and cas id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := memberKey{planID: member.PlanID, casID: member.CasID}
	if _, ok := s.members[key]; ok {
		return nil
	}
	member.Shard = domain.ShardSpec{}
	member.LeafHash = ""
	member.LeafSeq = 0
	s.members[key] = member
	return nil
}

func (s *Store) AppendLeaf(_ context.Context, leaf repo.LeafRecord) error {
	if leaf.Hash == "" {
		return fmt.Errorf("leaf hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := memberKey{planID: leaf.PlanID, casID: leaf.CasID}
	member, ok := s.members[key]
	if !ok {
		return repo.ErrNotFound
	}
	if member.HasLeaf() {
		return repo.ErrConflict
	}
	member.LeafSeq = leaf.Seq
	member.LeafHash = leaf.Hash
	member.Reused = leaf.Reused
	s.members[key] = member
	return nil
}

func (s *Store) ListPlanShards(_ context.Context, planID string) ([]repo.PlanShard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]repo.PlanShard, 0)
	for key, member := range s.members {
		if key.planID != planID {
			continue
		}
		if shard, ok := s.shards[key.casID]; ok {
			member.Shard = copyShard(shard)
		}
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].CasID < out[j].CasID
	})
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("checkpoint store closed")
	}
	return nil
}

func phaseIn(phase domain.ShardPhase, set []domain.ShardPhase) bool {
	for _, p := range set {
		if p == phase {
			return true
		}
	}
	return false
}

func copyShard(shard domain.ShardSpec) domain.ShardSpec {
	shard.Dependencies = append([]string(nil), shard.Dependencies...)
	if shard.Inputs != nil {
		inputs := make(map[string]any, len(shard.Inputs))
		for k, v := range shard.Inputs {
			inputs[k] = v
		}
		shard.Inputs = inputs
	}
	return shard
}

func copyPlan(plan repo.PlanRecord) repo.PlanRecord {
	plan.Stages = append([]domain.Stage(nil), plan.Stages...)
	if plan.FinalizedAt != nil {
		at := *plan.FinalizedAt
		plan.FinalizedAt = &at
	}
	return plan
}
