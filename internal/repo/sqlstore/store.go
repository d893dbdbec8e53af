// Package sqlstore is the database/sql checkpoint store for Postgres (pgx)
// and SQLite (modernc).
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	upsertPlanQuery = `INSERT INTO hxo_plans (
		plan_id,
		name,
		submitted_by,
		submitted_at,
		stage_list,
		max_shards,
		timebox_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (plan_id) DO UPDATE SET
		name = excluded.name,
		submitted_by = excluded.submitted_by,
		submitted_at = excluded.submitted_at,
		stage_list = excluded.stage_list,
		max_shards = excluded.max_shards,
		timebox_ms = excluded.timebox_ms`

	planColumns = `plan_id, name, submitted_by, submitted_at, stage_list, max_shards, timebox_ms, merkle_root, aborted, certified, certificate_id, finalized_at`

	selectPlanQuery = `SELECT ` + planColumns + ` FROM hxo_plans WHERE plan_id = $1`

	listUnfinalizedPlansQuery = `SELECT ` + planColumns + ` FROM hxo_plans
	 WHERE finalized_at IS NULL
	 ORDER BY submitted_at ASC, plan_id ASC`

	finalizePlanQuery = `UPDATE hxo_plans
	 SET merkle_root = $1, aborted = $2, certified = $3, certificate_id = $4, finalized_at = $5
	 WHERE plan_id = $6`

	insertShardQuery = `INSERT INTO hxo_shards (
		cas_id,
		stage_id,
		executor,
		inputs,
		dependencies,
		phase,
		attempt,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (cas_id) DO NOTHING`

	selectShardQuery = `SELECT cas_id, stage_id, executor, inputs, dependencies, phase, attempt, updated_at
	 FROM hxo_shards WHERE cas_id = $1`

	shardExistsQuery = `SELECT 1 FROM hxo_shards WHERE cas_id = $1`

	// transitionShardQuery is completed with the IN list of allowed phases.
	transitionShardQuery = `UPDATE hxo_shards SET phase = $1, updated_at = $2
	 WHERE cas_id = $3 AND attempt = $4 AND phase IN `

	reopenShardQuery = `UPDATE hxo_shards SET phase = $1, attempt = attempt + 1, updated_at = $2
	 WHERE cas_id = $3 AND attempt = $4 AND phase IN ($5, $6)`

	insertResultQuery = `INSERT INTO hxo_results (
		cas_id,
		attempt,
		success,
		output_digest,
		started_at,
		finished_at,
		error,
		aborted
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (cas_id, attempt) DO NOTHING`

	selectResultQuery = `SELECT cas_id, attempt, success, output_digest, started_at, finished_at, error, aborted
	 FROM hxo_results WHERE cas_id = $1 AND attempt = $2`

	linkShardQuery = `INSERT INTO hxo_plan_shards (plan_id, cas_id, stage_id, ordinal, reused)
	 VALUES ($1,$2,$3,$4,$5)
	 ON CONFLICT (plan_id, cas_id) DO NOTHING`

	appendLeafQuery = `UPDATE hxo_plan_shards SET leaf_seq = $1, leaf_hash = $2, reused = $3
	 WHERE plan_id = $4 AND cas_id = $5 AND leaf_hash IS NULL`

	memberExistsQuery = `SELECT 1 FROM hxo_plan_shards WHERE plan_id = $1 AND cas_id = $2`

	listPlanShardsQuery = `SELECT m.plan_id, m.cas_id, m.stage_id, m.ordinal, m.reused, m.leaf_seq, m.leaf_hash,
		s.stage_id, s.executor, s.inputs, s.dependencies, s.phase, s.attempt, s.updated_at
	 FROM hxo_plan_shards m
	 JOIN hxo_shards s ON s.cas_id = m.cas_id
	 WHERE m.plan_id = $1
	 ORDER BY m.ordinal ASC, m.cas_id ASC`
)

// Store implements repo.CheckpointStore. Every conditional write is a single
// UPDATE whose WHERE clause carries the precondition.
type Store struct {
	db      DB
	dialect Dialect
	closer  io.Closer
}

var _ repo.CheckpointStore = (*Store)(nil)

func New(db DB, dialect Dialect) *Store {
	if db == nil {
		return nil
	}
	s := &Store{db: db, dialect: dialect}
	if c, ok := db.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Open wraps an opened pool, migrates the schema and takes ownership of db.
func Open(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := New(db, dialect)
	if s == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) UpsertPlan(ctx context.Context, record repo.PlanRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("plan id is required")
	}
	stages, err := plan.MarshalStages(record.Stages)
	if err != nil {
		return fmt.Errorf("encode stage list: %w", err)
	}
	_, err = s.exec(ctx, upsertPlanQuery,
		id,
		record.Name,
		record.SubmittedBy,
		encodeTime(record.SubmittedAt),
		string(stages),
		int64(record.Constraints.MaxShards),
		record.Constraints.Timebox.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (repo.PlanRecord, error) {
	if s == nil || s.db == nil {
		return repo.PlanRecord{}, fmt.Errorf("checkpoint store not initialized")
	}
	record, err := scanPlan(s.queryRow(ctx, selectPlanQuery, planID))
	if err != nil {
		return repo.PlanRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *Store) ListUnfinalizedPlans(ctx context.Context) ([]repo.PlanRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	rows, err := s.query(ctx, listUnfinalizedPlansQuery)
	if err != nil {
		return nil, fmt.Errorf("list unfinalized plans: %w", err)
	}
	defer rows.Close()

	out := make([]repo.PlanRecord, 0)
	for rows.Next() {
		record, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return out, nil
}

func (s *Store) FinalizePlan(ctx context.Context, input repo.FinalizeInput) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	res, err := s.exec(ctx, finalizePlanQuery,
		nullIfEmpty(input.MerkleRoot),
		input.Aborted,
		input.Certified,
		nullIfEmpty(input.CertificateID),
		encodeTime(input.FinalizedAt),
		input.PlanID,
	)
	if err != nil {
		return fmt.Errorf("finalize plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize plan: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) RegisterShard(ctx context.Context, shard domain.ShardSpec) (domain.ShardSpec, bool, error) {
	if s == nil || s.db == nil {
		return domain.ShardSpec{}, false, fmt.Errorf("checkpoint store not initialized")
	}
	casID := strings.TrimSpace(shard.CasID)
	if casID == "" {
		return domain.ShardSpec{}, false, fmt.Errorf("cas id is required")
	}
	phase := shard.Phase
	if phase == "" {
		phase = domain.PhasePending
	}
	attempt := shard.Attempt
	if attempt < 1 {
		attempt = 1
	}
	inputs, err := encodeJSON(shard.Inputs, map[string]any{})
	if err != nil {
		return domain.ShardSpec{}, false, fmt.Errorf("encode inputs: %w", err)
	}
	deps, err := encodeJSON(shard.Dependencies, []string{})
	if err != nil {
		return domain.ShardSpec{}, false, fmt.Errorf("encode dependencies: %w", err)
	}

	res, err := s.exec(ctx, insertShardQuery,
		casID,
		shard.StageID,
		shard.Executor,
		inputs,
		deps,
		string(phase),
		attempt,
		encodeTime(shard.UpdatedAt),
	)
	if err != nil {
		return domain.ShardSpec{}, false, fmt.Errorf("insert shard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ShardSpec{}, false, fmt.Errorf("insert shard: %w", err)
	}
	stored, err := s.GetShard(ctx, casID)
	if err != nil {
		return domain.ShardSpec{}, false, err
	}
	return stored, n > 0, nil
}

func (s *Store) GetShard(ctx context.Context, casID string) (domain.ShardSpec, error) {
	if s == nil || s.db == nil {
		return domain.ShardSpec{}, fmt.Errorf("checkpoint store not initialized")
	}
	shard, err := scanShard(s.queryRow(ctx, selectShardQuery, casID))
	if err != nil {
		return domain.ShardSpec{}, handleNotFound(err)
	}
	return shard, nil
}

func (s *Store) TransitionShard(ctx context.Context, casID string, attempt int, from []domain.ShardPhase, to domain.ShardPhase, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one source phase")
	}
	args := []any{string(to), encodeTime(at), casID, attempt}
	placeholders := make([]string, 0, len(from))
	for _, phase := range from {
		args = append(args, string(phase))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := transitionShardQuery + "(" + strings.Join(placeholders, ", ") + ")"

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition shard: %w", err)
	}
	return s.conditionalOutcome(ctx, res, shardExistsQuery, casID)
}

func (s *Store) ReopenShard(ctx context.Context, casID string, attempt int, at time.Time) (domain.ShardSpec, error) {
	if s == nil || s.db == nil {
		return domain.ShardSpec{}, fmt.Errorf("checkpoint store not initialized")
	}
	res, err := s.exec(ctx, reopenShardQuery,
		string(domain.PhasePending),
		encodeTime(at),
		casID,
		attempt,
		string(domain.PhaseDone),
		string(domain.PhaseFailed),
	)
	if err != nil {
		return domain.ShardSpec{}, fmt.Errorf("reopen shard: %w", err)
	}
	if err := s.conditionalOutcome(ctx, res, shardExistsQuery, casID); err != nil {
		return domain.ShardSpec{}, err
	}
	return s.GetShard(ctx, casID)
}

func (s *Store) PutResult(ctx context.Context, result domain.ShardResult) (domain.ShardResult, bool, error) {
	if s == nil || s.db == nil {
		return domain.ShardResult{}, false, fmt.Errorf("checkpoint store not initialized")
	}
	casID := strings.TrimSpace(result.CasID)
	if casID == "" {
		return domain.ShardResult{}, false, fmt.Errorf("cas id is required")
	}
	if result.Attempt < 1 {
		return domain.ShardResult{}, false, fmt.Errorf("attempt must be >= 1")
	}
	res, err := s.exec(ctx, insertResultQuery,
		casID,
		result.Attempt,
		result.Success,
		result.OutputDigest,
		encodeTime(result.StartedAt),
		encodeTime(result.FinishedAt),
		nullIfEmpty(result.Error),
		result.Aborted,
	)
	if err != nil {
		return domain.ShardResult{}, false, fmt.Errorf("insert result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ShardResult{}, false, fmt.Errorf("insert result: %w", err)
	}
	stored, err := s.GetResult(ctx, casID, result.Attempt)
	if err != nil {
		return domain.ShardResult{}, false, err
	}
	return stored, n > 0, nil
}

func (s *Store) GetResult(ctx context.Context, casID string, attempt int) (domain.ShardResult, error) {
	if s == nil || s.db == nil {
		return domain.ShardResult{}, fmt.Errorf("checkpoint store not initialized")
	}
	var (
		out                 domain.ShardResult
		startedAt, finished int64
		errText             sql.NullString
	)
	err := s.queryRow(ctx, selectResultQuery, casID, attempt).Scan(
		&out.CasID,
		&out.Attempt,
		&out.Success,
		&out.OutputDigest,
		&startedAt,
		&finished,
		&errText,
		&out.Aborted,
	)
	if err != nil {
		return domain.ShardResult{}, handleNotFound(err)
	}
	out.StartedAt = decodeTime(startedAt)
	out.FinishedAt = decodeTime(finished)
	out.Error = errText.String
	return out, nil
}

func (s *Store) LinkShard(ctx context.Context, member repo.PlanShard) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	if member.PlanID == "" || member.CasID == "" {
		return fmt.Errorf("plan id and cas id are required")
	}
	if _, err := s.exec(ctx, linkShardQuery, member.PlanID, member.CasID, member.StageID, member.Ordinal, member.Reused); err != nil {
		return fmt.Errorf("link shard: %w", err)
	}
	return nil
}

func (s *Store) AppendLeaf(ctx context.Context, leaf repo.LeafRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	if leaf.Hash == "" {
		return fmt.Errorf("leaf hash is required")
	}
	res, err := s.exec(ctx, appendLeafQuery, leaf.Seq, leaf.Hash, leaf.Reused, leaf.PlanID, leaf.CasID)
	if err != nil {
		return fmt.Errorf("append leaf: %w", err)
	}
	return s.conditionalOutcome(ctx, res, memberExistsQuery, leaf.PlanID, leaf.CasID)
}

func (s *Store) ListPlanShards(ctx context.Context, planID string) ([]repo.PlanShard, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	rows, err := s.query(ctx, listPlanShardsQuery, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan shards: %w", err)
	}
	defer rows.Close()

	out := make([]repo.PlanShard, 0)
	for rows.Next() {
		var (
			member    repo.PlanShard
			leafSeq   sql.NullInt64
			leafHash  sql.NullString
			inputs    string
			deps      string
			phase     string
			updatedAt int64
		)
		if err := rows.Scan(
			&member.PlanID,
			&member.CasID,
			&member.StageID,
			&member.Ordinal,
			&member.Reused,
			&leafSeq,
			&leafHash,
			&member.Shard.StageID,
			&member.Shard.Executor,
			&inputs,
			&deps,
			&phase,
			&member.Shard.Attempt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan plan shard: %w", err)
		}
		member.LeafSeq = int(leafSeq.Int64)
		member.LeafHash = leafHash.String
		member.Shard.CasID = member.CasID
		member.Shard.Phase = domain.NormalizeShardPhase(phase)
		member.Shard.UpdatedAt = decodeTime(updatedAt)
		if member.Shard.Inputs, err = decodeInputs(inputs); err != nil {
			return nil, fmt.Errorf("decode inputs for %s: %w", member.CasID, err)
		}
		if err := json.Unmarshal([]byte(deps), &member.Shard.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", member.CasID, err)
		}
		out = append(out, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan shards: %w", err)
	}
	return out, nil
}

// conditionalOutcome maps a zero-row conditional write to ErrNotFound when
// the keyed row is missing and ErrConflict when its precondition failed.
func (s *Store) conditionalOutcome(ctx context.Context, res sql.Result, existsQuery string, key ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := s.queryRow(ctx, existsQuery, key...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.ErrNotFound
		}
		return err
	}
	return repo.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (repo.PlanRecord, error) {
	var (
		record      repo.PlanRecord
		submittedAt int64
		stageList   string
		maxShards   int64
		timeboxMS   int64
		merkleRoot  sql.NullString
		certID      sql.NullString
		finalizedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.ID,
		&record.Name,
		&record.SubmittedBy,
		&submittedAt,
		&stageList,
		&maxShards,
		&timeboxMS,
		&merkleRoot,
		&record.Aborted,
		&record.Certified,
		&certID,
		&finalizedAt,
	); err != nil {
		return repo.PlanRecord{}, err
	}
	stages, err := plan.UnmarshalStages([]byte(stageList))
	if err != nil {
		return repo.PlanRecord{}, fmt.Errorf("decode stage list for %s: %w", record.ID, err)
	}
	record.Stages = stages
	record.SubmittedAt = decodeTime(submittedAt)
	record.Constraints = domain.PlanConstraints{
		MaxShards: int(maxShards),
		Timebox:   time.Duration(timeboxMS) * time.Millisecond,
	}
	record.MerkleRoot = merkleRoot.String
	record.CertificateID = certID.String
	if finalizedAt.Valid {
		at := decodeTime(finalizedAt.Int64)
		record.FinalizedAt = &at
	}
	return record, nil
}

func scanShard(row rowScanner) (domain.ShardSpec, error) {
	var (
		shard     domain.ShardSpec
		inputs    string
		deps      string
		phase     string
		updatedAt int64
	)
	if err := row.Scan(&shard.CasID, &shard.StageID, &shard.Executor, &inputs, &deps, &phase, &shard.Attempt, &updatedAt); err != nil {
		return domain.ShardSpec{}, err
	}
	var err error
	if shard.Inputs, err = decodeInputs(inputs); err != nil {
		return domain.ShardSpec{}, fmt.Errorf("decode inputs for %s: %w", shard.CasID, err)
	}
	if err := json.Unmarshal([]byte(deps), &shard.Dependencies); err != nil {
		return domain.ShardSpec{}, fmt.Errorf("decode dependencies for %s: %w", shard.CasID, err)
	}
	shard.Phase = domain.NormalizeShardPhase(phase)
	shard.UpdatedAt = decodeTime(updatedAt)
	return shard, nil
}

func encodeJSON[T any](v T, empty T) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		raw, err = json.Marshal(empty)
		if err != nil {
			return "", err
		}
	}
	return string(raw), nil
}

func decodeInputs(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().UnixNano()
	}
	return t.UTC().UnixNano()
}

func decodeTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullIfEmpty(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
