package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/animus-labs/hypershard/internal/domain"
)

const planYAML = `name: cli
submitted_by: ops
stages:
  - id: pack
    partitioner: by_item
    executor: digest
    config:
      items: [alpha, beta, gamma]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunStatusVerify(t *testing.T) {
	dir := t.TempDir()
	store := "sqlite://" + filepath.Join(dir, "hxo.db")
	planPath := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(planPath, []byte(planYAML), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	out, err := execute(t, "run", planPath, "--store", store)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var ran domain.PlanStatus
	if err := json.Unmarshal([]byte(out), &ran); err != nil {
		t.Fatalf("decode run output: %v\n%s", err, out)
	}
	if !ran.Finalized || ran.DoneShards != 3 || !ran.Certified {
		t.Fatalf("unexpected run status: %+v", ran)
	}

	out, err = execute(t, "status", ran.PlanID, "--store", store)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var stored domain.PlanStatus
	if err := json.Unmarshal([]byte(out), &stored); err != nil {
		t.Fatalf("decode status output: %v", err)
	}
	opts := cmpopts.IgnoreFields(domain.PlanStatus{}, "StartedAt", "FinishedAt", "ETASeconds")
	if diff := cmp.Diff(ran, stored, opts); diff != "" {
		t.Fatalf("stored status differs from run status (-run +stored):\n%s", diff)
	}

	out, err = execute(t, "verify", ran.PlanID, "--store", store)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	var report verifyReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode verify output: %v", err)
	}
	if !report.Match || report.Leaves != 3 || report.ComputedRoot != ran.MerkleRoot {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunRejectsUnknownExecutor(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	body := strings.Replace(planYAML, "executor: digest", "executor: nope", 1)
	if err := os.WriteFile(planPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	_, err := execute(t, "run", planPath, "--store", "memory")
	if err == nil || !strings.Contains(err.Error(), `unknown executor "nope"`) {
		t.Fatalf("err=%v, want unknown executor", err)
	}
}

func TestVerifyBundleFlagTakesNoArgs(t *testing.T) {
	if _, err := execute(t, "verify", "plan-1", "--bundle", "b.json", "--store", "memory"); err == nil {
		t.Fatal("expected an argument error")
	}
	if _, err := execute(t, "verify", "--store", "memory"); err == nil {
		t.Fatal("expected a missing plan id error")
	}
}
