// Package events is the one-way lifecycle notification boundary of the
// orchestrator.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	TopicPlanCreated        = "plan.created"
	TopicShardCreated       = "shard.created"
	TopicShardClaimed       = "shard.claimed"
	TopicShardDone          = "shard.done"
	TopicShardFailed        = "shard.failed"
	TopicAggregateCertify   = "plan.aggregate.certify"
	TopicAggregateFinalized = "plan.aggregate.finalized"
	TopicAggregateFailed    = "plan.aggregate.failed"
)

// Event carries the relevant entity as of a transition.
type Event struct {
	ID         string
	Topic      string
	PlanID     string
	CasID      string
	OccurredAt time.Time
	Payload    any
}

// New stamps an event with an id and time.
func New(topic, planID, casID string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		PlanID:     planID,
		CasID:      casID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Emitter receives lifecycle events. Emission is fire-and-forget for the
// orchestrator: a returned error is logged and never alters execution.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Func adapts a plain function to Emitter.
type Func func(ctx context.Context, event Event) error

func (f Func) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter writes every event as a structured log line.
type LogEmitter struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (l LogEmitter) Emit(ctx context.Context, event Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("event_id", event.ID),
		slog.String("topic", event.Topic),
		slog.String("plan_id", event.PlanID),
	}
	if event.CasID != "" {
		attrs = append(attrs, slog.String("cas_id", event.CasID))
	}
	logger.LogAttrs(ctx, l.Level, "lifecycle event", attrs...)
	return nil
}
