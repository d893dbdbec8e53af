package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/hypershard/internal/repo/sqlstore"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	createEventsTable = `CREATE TABLE IF NOT EXISTS hxo_events (
		event_id TEXT PRIMARY KEY,
		occurred_at BIGINT NOT NULL,
		topic TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		cas_id TEXT,
		payload TEXT NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`

	createEventsPlanIndex = `CREATE INDEX IF NOT EXISTS hxo_events_plan_idx ON hxo_events (plan_id, occurred_at)`

	insertEventQuery = `INSERT INTO hxo_events (
		event_id,
		occurred_at,
		topic,
		plan_id,
		cas_id,
		payload,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (event_id) DO NOTHING`
)

// SQLEmitter appends every event to an append-only table, each row sealed
// with a SHA-256 over its canonical fields.
type SQLEmitter struct {
	db      Execer
	dialect sqlstore.Dialect
}

func NewSQLEmitter(db Execer, dialect sqlstore.Dialect) *SQLEmitter {
	return &SQLEmitter{db: db, dialect: dialect}
}

// Migrate creates the event table if it does not exist.
func (s *SQLEmitter) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createEventsTable, createEventsPlanIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate events: %w", err)
		}
	}
	return nil
}

func (s *SQLEmitter) Emit(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return errors.New("event store not initialized")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}
	var casID sql.NullString
	if strings.TrimSpace(event.CasID) != "" {
		casID = sql.NullString{String: event.CasID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(insertEventQuery),
		event.ID,
		event.OccurredAt.UTC().UnixNano(),
		event.Topic,
		event.PlanID,
		casID,
		string(payloadJSON),
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.Topic, err)
	}
	return nil
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is required")
	}
	if strings.TrimSpace(e.Topic) == "" {
		return errors.New("event topic is required")
	}
	if strings.TrimSpace(e.PlanID) == "" {
		return errors.New("event plan id is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("event time is required")
	}
	return nil
}

// ComputeIntegritySHA256 hashes the stored fields of an event so later
// tampering with a row is detectable.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		EventID    string          `json:"event_id"`
		OccurredAt time.Time       `json:"occurred_at"`
		Topic      string          `json:"topic"`
		PlanID     string          `json:"plan_id"`
		CasID      string          `json:"cas_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}
	raw, err := json.Marshal(integrityInput{
		EventID:    event.ID,
		OccurredAt: event.OccurredAt.UTC(),
		Topic:      event.Topic,
		PlanID:     event.PlanID,
		CasID:      strings.TrimSpace(event.CasID),
		Payload:    payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity input: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
