// Package schedule orders the shards of one stage for submission. Execution
// concurrency is governed globally by the orchestrator, not here.
package schedule

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/execution/registry"
)

const (
	FIFO           = "fifo"
	Lexical        = "lexical"
	FairRoundRobin = "fair_round_robin"
	LargestFirst   = "largest_first"
)

// Scheduler returns a permutation of the given shards. Implementations must
// not drop or duplicate shards.
type Scheduler interface {
	Order(shards []domain.ShardSpec) []domain.ShardSpec
}

// Func adapts a plain function to Scheduler.
type Func func(shards []domain.ShardSpec) []domain.ShardSpec

func (f Func) Order(shards []domain.ShardSpec) []domain.ShardSpec {
	return f(shards)
}

// NewRegistry returns a registry with every built-in scheduler.
func NewRegistry() *registry.Registry[Scheduler] {
	reg := registry.New[Scheduler]("scheduler")
	reg.MustRegister(FIFO, Func(fifo))
	reg.MustRegister(Lexical, Func(lexical))
	reg.MustRegister(FairRoundRobin, Func(fairRoundRobin))
	reg.MustRegister(LargestFirst, Func(largestFirst))
	return reg
}

func fifo(shards []domain.ShardSpec) []domain.ShardSpec {
	return append([]domain.ShardSpec(nil), shards...)
}

func lexical(shards []domain.ShardSpec) []domain.ShardSpec {
	out := fifo(shards)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CasID < out[j].CasID })
	return out
}

// groupKeys are the input fields, in priority order, that identify the
// partition group a shard belongs to.
var groupKeys = []string{"group", "module", "bucket", "table"}

// fairRoundRobin interleaves shards across partition groups, taking one
// from each group in first-seen group order per round.
func fairRoundRobin(shards []domain.ShardSpec) []domain.ShardSpec {
	var order []string
	groups := make(map[string][]domain.ShardSpec)
	for _, shard := range shards {
		key := groupOf(shard)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], shard)
	}
	out := make([]domain.ShardSpec, 0, len(shards))
	for len(out) < len(shards) {
		for _, key := range order {
			queue := groups[key]
			if len(queue) == 0 {
				continue
			}
			out = append(out, queue[0])
			groups[key] = queue[1:]
		}
	}
	return out
}

func groupOf(shard domain.ShardSpec) string {
	for _, key := range groupKeys {
		if v, ok := shard.Inputs[key]; ok && v != nil {
			return key + "=" + fmt.Sprint(v)
		}
	}
	return ""
}

// sizeKeys are the input fields read as a size hint.
var sizeKeys = []string{"bytes", "size", "limit"}

// largestFirst runs hot shards first so the stage tail is short. Ties keep
// partition order.
func largestFirst(shards []domain.ShardSpec) []domain.ShardSpec {
	out := fifo(shards)
	sort.SliceStable(out, func(i, j int) bool { return sizeOf(out[i]) > sizeOf(out[j]) })
	return out
}

func sizeOf(shard domain.ShardSpec) float64 {
	for _, key := range sizeKeys {
		switch n := shard.Inputs[key].(type) {
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case float64:
			return n
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	}
	if files, ok := shard.Inputs["files"].([]any); ok {
		return float64(len(files))
	}
	return 0
}
