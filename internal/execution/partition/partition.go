// Package partition splits a stage's declared work into input partitions.
package partition

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/execution/registry"
)

const (
	Single        = "single"
	ByItem        = "by_item"
	BySQLBatch    = "by_sql_batch"
	ByFilesize    = "by_filesize"
	ByModule      = "by_module"
	ByAssetBucket = "by_asset_bucket"

	DefaultSQLBatchSize    = 1000
	DefaultMaxBytes        = 10 << 20
	DefaultAssetBucketSize = 8
)

// Partitioner returns the ordered input partitions of a stage. The result is
// finite and may be empty.
type Partitioner interface {
	Partition(ctx context.Context, stage domain.Stage) ([]map[string]any, error)
}

// Func adapts a plain function to Partitioner.
type Func func(ctx context.Context, stage domain.Stage) ([]map[string]any, error)

func (f Func) Partition(ctx context.Context, stage domain.Stage) ([]map[string]any, error) {
	return f(ctx, stage)
}

// NewRegistry returns a registry with every built-in partitioner.
func NewRegistry() *registry.Registry[Partitioner] {
	reg := registry.New[Partitioner]("partitioner")
	reg.MustRegister(Single, Func(single))
	reg.MustRegister(ByItem, Func(byItem))
	reg.MustRegister(BySQLBatch, Func(bySQLBatch))
	reg.MustRegister(ByFilesize, Func(byFilesize))
	reg.MustRegister(ByModule, Func(byModule))
	reg.MustRegister(ByAssetBucket, Func(byAssetBucket))
	return reg
}

// single emits config.inputs (or an empty map) as the only partition.
func single(_ context.Context, stage domain.Stage) ([]map[string]any, error) {
	raw, ok := stage.Config["inputs"]
	if !ok || raw == nil {
		return []map[string]any{{}}, nil
	}
	inputs, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("config inputs: expected an object, got %T", raw)
	}
	return []map[string]any{inputs}, nil
}

// byItem emits one partition per element of config.items. Object items are
// used as-is; scalars are wrapped as {"item": v}.
func byItem(_ context.Context, stage domain.Stage) ([]map[string]any, error) {
	items, err := configList(stage.Config, "items")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := asMap(item); ok {
			out = append(out, m)
			continue
		}
		out = append(out, map[string]any{"item": item})
	}
	return out, nil
}

// bySQLBatch splits config.total_rows of config.table into offset windows of
// config.batch_size rows.
func bySQLBatch(_ context.Context, stage domain.Stage) ([]map[string]any, error) {
	total, err := configInt(stage.Config, "total_rows", 0)
	if err != nil {
		return nil, err
	}
	batch, err := configInt(stage.Config, "batch_size", DefaultSQLBatchSize)
	if err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, errors.New("config total_rows must be >= 0")
	}
	if batch <= 0 {
		return nil, errors.New("config batch_size must be > 0")
	}
	table := configString(stage.Config, "table")
	out := make([]map[string]any, 0, (total+batch-1)/batch)
	for offset := 0; offset < total; offset += batch {
		limit := batch
		if offset+limit > total {
			limit = total - offset
		}
		part := map[string]any{"offset": offset, "limit": limit}
		if table != "" {
			part["table"] = table
		}
		out = append(out, part)
	}
	return out, nil
}

type sizedFile struct {
	path string
	size int
}

// byFilesize packs config.files ({path, size} objects) into bins no larger
// than config.max_bytes using first-fit decreasing. A file larger than the
// limit gets a bin of its own.
func byFilesize(_ context.Context, stage domain.Stage) ([]map[string]any, error) {
	maxBytes, err := configInt(stage.Config, "max_bytes", DefaultMaxBytes)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		return nil, errors.New("config max_bytes must be > 0")
	}
	items, err := configList(stage.Config, "files")
	if err != nil {
		return nil, err
	}
	files := make([]sizedFile, 0, len(items))
	for i, item := range items {
		m, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("config files[%d]: expected an object, got %T", i, item)
		}
		p := configString(m, "path")
		if p == "" {
			return nil, fmt.Errorf("config files[%d]: path is required", i)
		}
		size, err := configInt(m, "size", 0)
		if err != nil {
			return nil, fmt.Errorf("config files[%d]: %w", i, err)
		}
		if size < 0 {
			return nil, fmt.Errorf("config files[%d]: size must be >= 0", i)
		}
		files = append(files, sizedFile{path: p, size: size})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].size != files[j].size {
			return files[i].size > files[j].size
		}
		return files[i].path < files[j].path
	})

	type bin struct {
		paths []string
		bytes int
	}
	var bins []*bin
	for _, f := range files {
		placed := false
		for _, b := range bins {
			if b.bytes+f.size <= maxBytes {
				b.paths = append(b.paths, f.path)
				b.bytes += f.size
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, &bin{paths: []string{f.path}, bytes: f.size})
		}
	}
	out := make([]map[string]any, 0, len(bins))
	for _, b := range bins {
		sort.Strings(b.paths)
		out = append(out, map[string]any{"files": b.paths, "bytes": b.bytes})
	}
	return out, nil
}

// byModule groups config.paths by their top-level directory. Files at the
// root are grouped under ".".
func byModule(_ context.Context, stage domain.Stage) ([]map[string]any, error) {
	paths, err := configStrings(stage.Config, "paths")
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]string)
	for _, p := range paths {
		clean := strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
		module := "."
		if idx := strings.Index(clean, "/"); idx > 0 {
			module = clean[:idx]
		}
		groups[module] = append(groups[module], clean)
	}
	modules := make([]string, 0, len(groups))
	for m := range groups {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	out := make([]map[string]any, 0, len(modules))
	for _, m := range modules {
		members := groups[m]
		sort.Strings(members)
		out = append(out, map[string]any{"module": m, "paths": members})
	}
	return out, nil
}

// byAssetBucket spreads config.assets over config.buckets stable hash buckets.
// Empty buckets are omitted.
func byAssetBucket(_ context.Context, stage domain.Stage) ([]map[string]any, error) {
	assets, err := configStrings(stage.Config, "assets")
	if err != nil {
		return nil, err
	}
	buckets, err := configInt(stage.Config, "buckets", DefaultAssetBucketSize)
	if err != nil {
		return nil, err
	}
	if buckets <= 0 {
		return nil, errors.New("config buckets must be > 0")
	}
	grouped := make([][]string, buckets)
	for _, asset := range assets {
		idx := bucketOf(asset, buckets)
		grouped[idx] = append(grouped[idx], asset)
	}
	out := make([]map[string]any, 0, buckets)
	for idx, members := range grouped {
		if len(members) == 0 {
			continue
		}
		sort.Strings(members)
		out = append(out, map[string]any{"bucket": idx, "assets": members})
	}
	return out, nil
}

func bucketOf(key string, buckets int) int {
	sum := blake3.Sum256([]byte(key))
	var n uint64
	for _, b := range sum[:8] {
		n = n<<8 | uint64(b)
	}
	return int(n % uint64(buckets))
}
