// Package executor defines the unit-of-work capability invoked per shard.
package executor

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/animus-labs/hypershard/internal/execution/address"
	"github.com/animus-labs/hypershard/internal/execution/registry"
)

const (
	Echo   = "echo"
	Digest = "digest"
	DryRun = "dryrun"
)

// Executor runs one shard. Any returned error is captured into the shard
// result; it never aborts sibling shards. Executors that honor ctx get
// cooperative cancellation on plan timebox and shutdown.
type Executor interface {
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, input map[string]any) (any, error)

func (f Func) Execute(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// NewRegistry returns a registry with every built-in executor.
func NewRegistry() *registry.Registry[Executor] {
	reg := registry.New[Executor]("executor")
	reg.MustRegister(Echo, Func(echo))
	reg.MustRegister(Digest, Func(digest))
	reg.MustRegister(DryRun, &DryRunExecutor{})
	return reg
}

func echo(ctx context.Context, input map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return input, nil
}

func digest(ctx context.Context, input map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	canonical, err := address.Canonicalize(input)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(canonical)
	return map[string]any{"digest": hex.EncodeToString(sum[:]), "bytes": len(canonical)}, nil
}

// DryRunExecutor simulates work without side effects. Each input gets a
// deterministic score in [0,1); the shard fails when the score falls below
// the failure rate (input "failure_rate", else FailureRate). An input
// "delay_ms" sleeps before deciding, observing ctx.
type DryRunExecutor struct {
	FailureRate float64
}

func (e *DryRunExecutor) Execute(ctx context.Context, input map[string]any) (any, error) {
	canonical, err := address.Canonicalize(input)
	if err != nil {
		return nil, err
	}
	if delay := numberValue(input["delay_ms"]); delay > 0 {
		timer := time.NewTimer(time.Duration(delay * float64(time.Millisecond)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	rate := e.FailureRate
	if v, ok := input["failure_rate"]; ok {
		rate = numberValue(v)
	}
	score := deterministicScore(canonical)
	if score < rate {
		return nil, fmt.Errorf("simulated failure (score %.4f < rate %.4f)", score, rate)
	}
	return map[string]any{"status": "simulated", "score": score}, nil
}

func deterministicScore(seed []byte) float64 {
	sum := blake3.Sum256(seed)
	value := binary.BigEndian.Uint64(sum[:8])
	return float64(value) / float64(math.MaxUint64)
}

func numberValue(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
