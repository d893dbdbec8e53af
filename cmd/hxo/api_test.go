package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/orchestrator"
	"github.com/animus-labs/hypershard/internal/repo/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	orch, err := orchestrator.New(orchestrator.Config{MaxConcurrency: 4}, orchestrator.Options{
		Store:  memory.New(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	mux := http.NewServeMux()
	newPlanAPI(logger, orch).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return srv, orch
}

const planJSON = `{
	"name": "api",
	"submitted_by": "ops",
	"stages": [{"id": "work", "partitioner": "by_item", "executor": "echo", "config": {"items": [1, 2]}}]
}`

func TestSubmitAndStatus(t *testing.T) {
	srv, orch := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/plans", "application/json", strings.NewReader(planJSON))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", resp.StatusCode)
	}
	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitted.PlanID == "" {
		t.Fatal("expected plan id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := orch.Wait(ctx, submitted.PlanID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	got, err := http.Get(srv.URL + "/v1/plans/" + submitted.PlanID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", got.StatusCode)
	}
	var status domain.PlanStatus
	if err := json.NewDecoder(got.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Finalized || status.DoneShards != 2 || len(status.Leaves) != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSubmitRejectsUnknownPolicy(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.Replace(planJSON, `"echo"`, `"nope"`, 1)
	resp, err := http.Post(srv.URL+"/v1/plans", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload["error"] != "invalid_plan" {
		t.Fatalf("error=%v, want invalid_plan", payload["error"])
	}
}

func TestSubmitRejectsBadPartitionerConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.Replace(planJSON, `"items": [1, 2]`, `"items": "not-a-list"`, 1)
	resp, err := http.Post(srv.URL+"/v1/plans", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload["error"] != "invalid_plan" {
		t.Fatalf("error=%v, want invalid_plan", payload["error"])
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/plans", "application/json", strings.NewReader(`{"name": `))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
}

func TestUnknownPlan(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/plans/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/plans/missing/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("post abort: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("abort status=%d, want 404", resp.StatusCode)
	}
}

func TestAbortFinishedPlan(t *testing.T) {
	srv, orch := newTestServer(t)

	planID, err := orch.Submit(context.Background(), domain.Plan{
		Name:   "done",
		Stages: []domain.Stage{{ID: "only"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := orch.Wait(ctx, planID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp, err := http.Post(srv.URL+"/v1/plans/"+planID+"/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("post abort: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", resp.StatusCode)
	}
	status, err := orch.Status(context.Background(), planID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Aborted {
		t.Fatal("a finalized plan must not become aborted")
	}
}
