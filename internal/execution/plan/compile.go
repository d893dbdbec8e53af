// Package plan validates submitted plans and resolves their policies.
package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/execution/executor"
	"github.com/animus-labs/hypershard/internal/execution/partition"
	"github.com/animus-labs/hypershard/internal/execution/registry"
	"github.com/animus-labs/hypershard/internal/execution/schedule"
)

// Registries bundles the three capability registries a plan resolves against.
type Registries struct {
	Partitioners *registry.Registry[partition.Partitioner]
	Executors    *registry.Registry[executor.Executor]
	Schedulers   *registry.Registry[schedule.Scheduler]
}

// DefaultRegistries returns registries holding every built-in policy.
func DefaultRegistries() Registries {
	return Registries{
		Partitioners: partition.NewRegistry(),
		Executors:    executor.NewRegistry(),
		Schedulers:   schedule.NewRegistry(),
	}
}

func (r Registries) validate() error {
	if r.Partitioners == nil || r.Executors == nil || r.Schedulers == nil {
		return errors.New("partitioner, executor and scheduler registries are required")
	}
	return nil
}

// Compiled is a validated plan with every policy name resolved.
type Compiled struct {
	Plan   domain.Plan
	Stages []CompiledStage
}

type CompiledStage struct {
	Stage       domain.Stage
	Partitioner partition.Partitioner
	Executor    executor.Executor
	Scheduler   schedule.Scheduler
	// Partitions is the stage's partitioner output, computed once at compile.
	Partitions []map[string]any
}

// Compile applies defaults, validates the plan shape, resolves every policy
// and partitions every stage. No work may start for a plan that fails to
// compile: a partitioner rejecting its stage config makes the plan invalid.
//
// Stages run in list order with a full barrier, so a dependency must name an
// earlier stage of the same plan.
func Compile(ctx context.Context, p domain.Plan, regs Registries) (Compiled, error) {
	if err := regs.validate(); err != nil {
		return Compiled{}, err
	}
	p = p.WithDefaults()
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Compiled{}, fmt.Errorf("%w: name is required", domain.ErrPlanInvalid)
	}

	seen := make(map[string]struct{}, len(p.Stages))
	compiled := make([]CompiledStage, 0, len(p.Stages))
	for i, stage := range p.Stages {
		stage.ID = strings.TrimSpace(stage.ID)
		if stage.ID == "" {
			return Compiled{}, fmt.Errorf("%w: stages[%d]: id is required", domain.ErrPlanInvalid, i)
		}
		if _, dup := seen[stage.ID]; dup {
			return Compiled{}, fmt.Errorf("%w: duplicate stage id %q", domain.ErrPlanInvalid, stage.ID)
		}
		for _, dep := range stage.Dependencies {
			if dep == stage.ID {
				return Compiled{}, fmt.Errorf("%w: stage %q depends on itself", domain.ErrPlanInvalid, stage.ID)
			}
			if _, ok := seen[dep]; !ok {
				return Compiled{}, fmt.Errorf("%w: stage %q depends on %q which is not an earlier stage", domain.ErrPlanInvalid, stage.ID, dep)
			}
		}
		seen[stage.ID] = struct{}{}

		part, err := regs.Partitioners.Get(stage.Partitioner)
		if err != nil {
			return Compiled{}, fmt.Errorf("stage %q: %w", stage.ID, err)
		}
		exec, err := regs.Executors.Get(stage.Executor)
		if err != nil {
			return Compiled{}, fmt.Errorf("stage %q: %w", stage.ID, err)
		}
		sched, err := regs.Schedulers.Get(stage.Scheduler)
		if err != nil {
			return Compiled{}, fmt.Errorf("stage %q: %w", stage.ID, err)
		}
		parts, err := part.Partition(ctx, stage)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Compiled{}, ctxErr
			}
			return Compiled{}, fmt.Errorf("%w: stage %q: partitioner %s: %w", domain.ErrPlanInvalid, stage.ID, stage.Partitioner, err)
		}
		p.Stages[i] = stage
		compiled = append(compiled, CompiledStage{
			Stage:       stage,
			Partitioner: part,
			Executor:    exec,
			Scheduler:   sched,
			Partitions:  parts,
		})
	}
	return Compiled{Plan: p, Stages: compiled}, nil
}
