package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/hypershard/internal/domain"
)

func TestCompileResolvesPolicies(t *testing.T) {
	compiled, err := Compile(context.Background(), domain.Plan{
		Name: "deploy",
		Stages: []domain.Stage{
			{ID: "pack", Partitioner: "by_item", Executor: "digest"},
			{ID: "index", Dependencies: []string{"pack"}, Scheduler: "lexical"},
		},
	}, DefaultRegistries())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(compiled.Stages) != 2 {
		t.Fatalf("expected 2 compiled stages, got %d", len(compiled.Stages))
	}
	for _, stage := range compiled.Stages {
		if stage.Partitioner == nil || stage.Executor == nil || stage.Scheduler == nil {
			t.Fatalf("stage %s not fully resolved", stage.Stage.ID)
		}
	}
	if compiled.Plan.Stages[1].Partitioner != domain.DefaultPartitioner {
		t.Fatalf("expected defaults applied, got %+v", compiled.Plan.Stages[1])
	}
}

func TestCompileRejectsUnknownPolicy(t *testing.T) {
	cases := map[string]domain.Stage{
		"partitioner": {ID: "s", Partitioner: "by_dag_depth"},
		"executor":    {ID: "s", Executor: "pack_backend"},
		"scheduler":   {ID: "s", Scheduler: "backpressure_aware"},
	}
	for kind, stage := range cases {
		t.Run(kind, func(t *testing.T) {
			_, err := Compile(context.Background(), domain.Plan{Name: "p", Stages: []domain.Stage{stage}}, DefaultRegistries())
			var policyErr *domain.UnknownPolicyError
			if !errors.As(err, &policyErr) {
				t.Fatalf("expected UnknownPolicyError, got %v", err)
			}
			if policyErr.Kind != kind {
				t.Fatalf("expected kind %s, got %s", kind, policyErr.Kind)
			}
		})
	}
}

func TestCompileRejectsMalformedPlans(t *testing.T) {
	cases := map[string]domain.Plan{
		"missing name":    {Stages: []domain.Stage{{ID: "a"}}},
		"missing id":      {Name: "p", Stages: []domain.Stage{{}}},
		"duplicate id":    {Name: "p", Stages: []domain.Stage{{ID: "a"}, {ID: "a"}}},
		"forward dep":     {Name: "p", Stages: []domain.Stage{{ID: "a", Dependencies: []string{"b"}}, {ID: "b"}}},
		"self dependency": {Name: "p", Stages: []domain.Stage{{ID: "a", Dependencies: []string{"a"}}}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Compile(context.Background(), p, DefaultRegistries()); !errors.Is(err, domain.ErrPlanInvalid) {
				t.Fatalf("expected ErrPlanInvalid, got %v", err)
			}
		})
	}
}

func TestCompileRejectsBadPartitionerConfig(t *testing.T) {
	cases := map[string]domain.Stage{
		"items not a list": {ID: "s", Partitioner: "by_item", Config: map[string]any{"items": "not-a-list"}},
		"zero batch size":  {ID: "s", Partitioner: "by_sql_batch", Config: map[string]any{"total_rows": 10, "batch_size": 0}},
		"inputs not a map": {ID: "s", Partitioner: "single", Config: map[string]any{"inputs": []any{1}}},
	}
	for name, stage := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(context.Background(), domain.Plan{Name: "p", Stages: []domain.Stage{stage}}, DefaultRegistries())
			if !errors.Is(err, domain.ErrPlanInvalid) {
				t.Fatalf("expected ErrPlanInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), `stage "s"`) {
				t.Fatalf("expected the stage to be named, got %v", err)
			}
		})
	}
}

func TestCompileKeepsPartitions(t *testing.T) {
	compiled, err := Compile(context.Background(), domain.Plan{
		Name: "p",
		Stages: []domain.Stage{{
			ID:          "s",
			Partitioner: "by_item",
			Config:      map[string]any{"items": []any{"a", "b"}},
		}},
	}, DefaultRegistries())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := []map[string]any{{"item": "a"}, {"item": "b"}}
	if diff := cmp.Diff(want, compiled.Stages[0].Partitions); diff != "" {
		t.Fatalf("partitions mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileAcceptsEmptyStageList(t *testing.T) {
	if _, err := Compile(context.Background(), domain.Plan{Name: "noop"}, DefaultRegistries()); err != nil {
		t.Fatalf("expected plan without stages to compile, got %v", err)
	}
}

func TestStagesRoundTrip(t *testing.T) {
	stages := []domain.Stage{{
		ID:           "pack",
		Kind:         "deploy.pack",
		Partitioner:  "by_sql_batch",
		Executor:     "echo",
		Scheduler:    "fifo",
		Dependencies: []string{},
		SLO:          90 * time.Second,
		Config:       map[string]any{"table": "events"},
	}}
	raw, err := MarshalStages(stages)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalStages(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(stages, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeYAML(t *testing.T) {
	doc := `
name: deploy
submitted_by: ops
constraints:
  max_shards: 50
  timebox: 90s
stages:
  - id: pack
    kind: deploy.pack
    partitioner: by_item
    executor: digest
    config:
      items: [a, b, c]
  - id: index
    dependencies: [pack]
    slo_ms: 5000
`
	p, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Name != "deploy" || p.SubmittedBy != "ops" {
		t.Fatalf("unexpected header: %+v", p)
	}
	if p.Constraints.MaxShards != 50 || p.Constraints.Timebox != 90*time.Second {
		t.Fatalf("unexpected constraints: %+v", p.Constraints)
	}
	if len(p.Stages) != 2 || p.Stages[1].SLO != 5*time.Second {
		t.Fatalf("unexpected stages: %+v", p.Stages)
	}
	items, ok := p.Stages[0].Config["items"].([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("unexpected config: %#v", p.Stages[0].Config)
	}
	if _, err := Compile(context.Background(), p, DefaultRegistries()); err != nil {
		t.Fatalf("compile decoded plan: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("name: p\nstagez: []\n"))
	if !errors.Is(err, domain.ErrPlanInvalid) {
		t.Fatalf("expected ErrPlanInvalid, got %v", err)
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	doc := `{"name": "json-plan", "constraints": {"timebox_ms": 1500}, "stages": [{"id": "only"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "json-plan" || p.Constraints.Timebox != 1500*time.Millisecond || len(p.Stages) != 1 {
		t.Fatalf("unexpected plan: %+v", p)
	}
}
