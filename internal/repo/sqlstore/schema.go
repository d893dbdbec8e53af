package sqlstore

import (
	"context"
	"fmt"
	"regexp"
)

// Dialect selects placeholder syntax. Queries are written with Postgres
// $N placeholders and rebound for SQLite.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

// Times are stored as UTC unix nanoseconds so both dialects compare and
// order them identically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS hxo_plans (
		plan_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		submitted_at BIGINT NOT NULL,
		stage_list TEXT NOT NULL,
		max_shards BIGINT NOT NULL,
		timebox_ms BIGINT NOT NULL,
		merkle_root TEXT,
		aborted BOOLEAN NOT NULL DEFAULT FALSE,
		certified BOOLEAN NOT NULL DEFAULT FALSE,
		certificate_id TEXT,
		finalized_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS hxo_plans_unfinalized_idx ON hxo_plans (submitted_at) WHERE finalized_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS hxo_shards (
		cas_id TEXT PRIMARY KEY,
		stage_id TEXT NOT NULL,
		executor TEXT NOT NULL,
		inputs TEXT NOT NULL,
		dependencies TEXT NOT NULL,
		phase TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hxo_results (
		cas_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		success BOOLEAN NOT NULL,
		output_digest TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL,
		error TEXT,
		aborted BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (cas_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS hxo_plan_shards (
		plan_id TEXT NOT NULL,
		cas_id TEXT NOT NULL,
		stage_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		reused BOOLEAN NOT NULL DEFAULT FALSE,
		leaf_seq INTEGER,
		leaf_hash TEXT,
		PRIMARY KEY (plan_id, cas_id)
	)`,
	`CREATE INDEX IF NOT EXISTS hxo_plan_shards_cas_idx ON hxo_plan_shards (cas_id)`,
}

// Migrate creates the checkpoint tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s step %d: %w", s.dialect, i, err)
		}
	}
	return nil
}
