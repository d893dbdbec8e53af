// Package location opens a checkpoint store from a location string:
// memory, sqlite:///path/to/file.db or postgres://...
package location

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/hypershard/internal/platform/postgres"
	"github.com/animus-labs/hypershard/internal/platform/sqlite"
	"github.com/animus-labs/hypershard/internal/repo"
	"github.com/animus-labs/hypershard/internal/repo/memory"
	"github.com/animus-labs/hypershard/internal/repo/sqlstore"
)

type Kind string

const (
	KindMemory   Kind = "memory"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

type Location struct {
	Kind Kind
	// Target is the SQLite file path or the Postgres URL.
	Target string
}

func Parse(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Location{}, fmt.Errorf("checkpoint store location is required")
	case raw == "memory" || raw == "memory://":
		return Location{Kind: KindMemory}, nil
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return Location{}, fmt.Errorf("sqlite location needs a path: %q", raw)
		}
		return Location{Kind: KindSQLite, Target: path}, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Location{Kind: KindPostgres, Target: raw}, nil
	default:
		return Location{}, fmt.Errorf("unsupported checkpoint store location %q", raw)
	}
}

// Opened is a ready checkpoint store. DB is nil for the memory store.
type Opened struct {
	Store   repo.CheckpointStore
	DB      *sql.DB
	Dialect sqlstore.Dialect
}

// Open parses raw, connects and migrates. The returned store owns DB.
func Open(ctx context.Context, raw string) (Opened, error) {
	loc, err := Parse(raw)
	if err != nil {
		return Opened{}, err
	}
	var (
		db      *sql.DB
		dialect sqlstore.Dialect
	)
	switch loc.Kind {
	case KindMemory:
		return Opened{Store: memory.New()}, nil
	case KindSQLite:
		db, err = sqlite.Open(ctx, sqlite.Config{Path: loc.Target})
		dialect = sqlstore.SQLite
	case KindPostgres:
		var cfg postgres.Config
		cfg, err = postgres.ConfigFromEnv(loc.Target)
		if err != nil {
			return Opened{}, err
		}
		db, err = postgres.Open(ctx, cfg)
		dialect = sqlstore.Postgres
	}
	if err != nil {
		return Opened{}, err
	}
	store, err := sqlstore.Open(ctx, db, dialect)
	if err != nil {
		return Opened{}, err
	}
	return Opened{Store: store, DB: db, Dialect: dialect}, nil
}
