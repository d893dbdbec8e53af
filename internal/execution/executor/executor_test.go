package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEchoReturnsInput(t *testing.T) {
	exec, err := NewRegistry().Get(Echo)
	if err != nil {
		t.Fatalf("get echo: %v", err)
	}
	out, err := exec.Execute(context.Background(), map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["k"] != "v" {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestDigestIgnoresKeyOrder(t *testing.T) {
	exec, _ := NewRegistry().Get(Digest)
	a, err := exec.Execute(context.Background(), map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	b, err := exec.Execute(context.Background(), map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.(map[string]any)["digest"] != b.(map[string]any)["digest"] {
		t.Fatalf("expected equal digests")
	}
}

func TestDryRunDeterministic(t *testing.T) {
	exec := &DryRunExecutor{}
	input := map[string]any{"item": "x"}
	first, err := exec.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := exec.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.(map[string]any)["score"] != second.(map[string]any)["score"] {
		t.Fatalf("expected deterministic score")
	}
}

func TestDryRunFailureRate(t *testing.T) {
	exec := &DryRunExecutor{}
	if _, err := exec.Execute(context.Background(), map[string]any{"failure_rate": json.Number("1")}); err == nil {
		t.Fatalf("expected failure at rate 1")
	}
	if _, err := exec.Execute(context.Background(), map[string]any{"failure_rate": 0}); err != nil {
		t.Fatalf("expected success at rate 0, got %v", err)
	}
}

func TestDryRunObservesContext(t *testing.T) {
	exec := &DryRunExecutor{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := exec.Execute(ctx, map[string]any{"delay_ms": 5000})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
