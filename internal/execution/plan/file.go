package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/hypershard/internal/domain"
)

// File is the on-disk plan format. JSON documents are accepted as well.
//
//	name: deploy
//	constraints: {max_shards: 5000, timebox: 5m}
//	stages:
//	  - id: pack
//	    partitioner: by_module
//	    executor: digest
//	    config: {paths: [svc/a.go, lib/b.go]}
type File struct {
	Name        string          `json:"name" yaml:"name"`
	SubmittedBy string          `json:"submitted_by" yaml:"submitted_by"`
	Constraints fileConstraints `json:"constraints" yaml:"constraints"`
	Stages      []stagePayload  `json:"stages" yaml:"stages"`
}

type fileConstraints struct {
	MaxShards int    `json:"max_shards" yaml:"max_shards"`
	Timebox   string `json:"timebox" yaml:"timebox"`
	TimeboxMS int64  `json:"timebox_ms" yaml:"timebox_ms"`
}

// Decode reads a plan document. The result is not yet validated; pass it
// to Compile or submit it.
func Decode(r io.Reader) (domain.Plan, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return domain.Plan{}, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Plan{}, fmt.Errorf("%w: empty plan document", domain.ErrPlanInvalid)
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return domain.Plan{}, fmt.Errorf("%w: %v", domain.ErrPlanInvalid, err)
	}
	return f.toDomain()
}

// LoadFile decodes the plan document at path.
func LoadFile(path string) (domain.Plan, error) {
	fh, err := os.Open(path)
	if err != nil {
		return domain.Plan{}, err
	}
	defer fh.Close()
	p, err := Decode(fh)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (f File) toDomain() (domain.Plan, error) {
	constraints := domain.PlanConstraints{MaxShards: f.Constraints.MaxShards}
	switch {
	case strings.TrimSpace(f.Constraints.Timebox) != "":
		d, err := time.ParseDuration(strings.TrimSpace(f.Constraints.Timebox))
		if err != nil {
			return domain.Plan{}, fmt.Errorf("%w: constraints.timebox: %v", domain.ErrPlanInvalid, err)
		}
		constraints.Timebox = d
	case f.Constraints.TimeboxMS > 0:
		constraints.Timebox = time.Duration(f.Constraints.TimeboxMS) * time.Millisecond
	}
	stages := make([]domain.Stage, 0, len(f.Stages))
	for _, s := range f.Stages {
		stages = append(stages, s.toDomain())
	}
	return domain.Plan{
		Name:        f.Name,
		SubmittedBy: f.SubmittedBy,
		Constraints: constraints,
		Stages:      stages,
	}, nil
}
