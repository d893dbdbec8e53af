package plan

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
)

// MarshalStages serializes a plan's stage list with stable field names for
// the checkpoint store.
func MarshalStages(stages []domain.Stage) ([]byte, error) {
	payload := make([]stagePayload, 0, len(stages))
	for _, stage := range stages {
		payload = append(payload, stagePayloadFromDomain(stage))
	}
	return json.Marshal(payload)
}

// UnmarshalStages parses a persisted stage list. Numbers inside stage config
// decode as json.Number so integer settings survive the round trip.
func UnmarshalStages(raw []byte) ([]domain.Stage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload []stagePayload
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	stages := make([]domain.Stage, 0, len(payload))
	for _, p := range payload {
		stages = append(stages, p.toDomain())
	}
	return stages, nil
}

type stagePayload struct {
	ID           string         `json:"id" yaml:"id"`
	Kind         string         `json:"kind,omitempty" yaml:"kind"`
	Partitioner  string         `json:"partitioner" yaml:"partitioner"`
	Executor     string         `json:"executor" yaml:"executor"`
	Scheduler    string         `json:"scheduler" yaml:"scheduler"`
	Dependencies []string       `json:"dependencies" yaml:"dependencies"`
	SLOMillis    int64          `json:"slo_ms" yaml:"slo_ms"`
	Config       map[string]any `json:"config,omitempty" yaml:"config"`
}

func stagePayloadFromDomain(stage domain.Stage) stagePayload {
	deps := stage.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return stagePayload{
		ID:           stage.ID,
		Kind:         stage.Kind,
		Partitioner:  stage.Partitioner,
		Executor:     stage.Executor,
		Scheduler:    stage.Scheduler,
		Dependencies: deps,
		SLOMillis:    stage.SLO.Milliseconds(),
		Config:       stage.Config,
	}
}

func (p stagePayload) toDomain() domain.Stage {
	return domain.Stage{
		ID:           p.ID,
		Kind:         p.Kind,
		Partitioner:  p.Partitioner,
		Executor:     p.Executor,
		Scheduler:    p.Scheduler,
		Dependencies: p.Dependencies,
		SLO:          time.Duration(p.SLOMillis) * time.Millisecond,
		Config:       p.Config,
	}
}
