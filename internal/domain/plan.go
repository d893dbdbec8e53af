package domain

import "time"

const (
	DefaultStageSLO        = 120 * time.Second
	DefaultPlanMaxShards   = 1_000_000
	DefaultPlanTimebox     = 10 * time.Minute
	DefaultPartitioner     = "single"
	DefaultExecutor        = "echo"
	DefaultScheduler       = "fifo"
	DefaultPlanSubmitter   = "system"
	DefaultProofSampleSize = 10
)

// Plan is an ordered sequence of stages submitted for sharded execution.
// Stages are never mutated once the plan is submitted.
type Plan struct {
	ID          string
	Name        string
	Stages      []Stage
	Constraints PlanConstraints
	SubmittedBy string
	SubmittedAt time.Time
}

// PlanConstraints bounds the total work a plan may generate.
type PlanConstraints struct {
	MaxShards int
	Timebox   time.Duration
}

// Stage declares one partitioner, executor and scheduler policy triple.
//
// Dependencies are advisory: stages run strictly in list order with a full
// barrier between them, so a dependency may only name an earlier stage.
type Stage struct {
	ID           string
	Kind         string
	Partitioner  string
	Executor     string
	Scheduler    string
	Dependencies []string
	SLO          time.Duration
	Config       map[string]any
}

// WithDefaults fills unset policy names and limits.
func (p Plan) WithDefaults() Plan {
	if p.SubmittedBy == "" {
		p.SubmittedBy = DefaultPlanSubmitter
	}
	if p.Constraints.MaxShards <= 0 {
		p.Constraints.MaxShards = DefaultPlanMaxShards
	}
	if p.Constraints.Timebox <= 0 {
		p.Constraints.Timebox = DefaultPlanTimebox
	}
	stages := make([]Stage, 0, len(p.Stages))
	for _, stage := range p.Stages {
		if stage.Partitioner == "" {
			stage.Partitioner = DefaultPartitioner
		}
		if stage.Executor == "" {
			stage.Executor = DefaultExecutor
		}
		if stage.Scheduler == "" {
			stage.Scheduler = DefaultScheduler
		}
		if stage.SLO <= 0 {
			stage.SLO = DefaultStageSLO
		}
		stages = append(stages, stage)
	}
	p.Stages = stages
	return p
}
