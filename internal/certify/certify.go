// Package certify is the certification boundary: a finished plan's Merkle
// root and a sample of inclusion proofs are handed to a sink for
// independent verification.
package certify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/merkle"
)

// Request is what the orchestrator submits after finalizing a plan.
type Request struct {
	PlanID       string               `json:"plan_id"`
	MerkleRoot   string               `json:"merkle_root"`
	TreeSize     uint64               `json:"tree_size"`
	Proofs       []domain.MerkleProof `json:"proofs"`
	FailedShards int                  `json:"failed_shards"`
	RequestedAt  time.Time            `json:"requested_at"`
}

// Certificate is the sink's verdict. Reason is set when Certified is false.
type Certificate struct {
	Certified     bool   `json:"certified"`
	CertificateID string `json:"certificate_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Sink certifies finalized plans. A returned error means the sink could not
// decide; a false Certificate means it decided against.
type Sink interface {
	Certify(ctx context.Context, req Request) (Certificate, error)
}

// FailureHandler is notified when certification is refused or errors out.
// It is advisory: nothing is replayed.
type FailureHandler interface {
	OnCertificationFailure(ctx context.Context, planID, merkleRoot, reason string)
}

type FailureFunc func(ctx context.Context, planID, merkleRoot, reason string)

func (f FailureFunc) OnCertificationFailure(ctx context.Context, planID, merkleRoot, reason string) {
	f(ctx, planID, merkleRoot, reason)
}

// CertificateID derives the identifier issued for a certified root.
func CertificateID(planID, merkleRoot string) string {
	prefix := merkleRoot
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("cert_%s_%s", planID, prefix)
}

// VerifyingSink certifies a root when every sampled proof verifies against
// it. With RejectPartial set, a plan with failed shards is refused.
type VerifyingSink struct {
	RejectPartial bool
}

func (s VerifyingSink) Certify(_ context.Context, req Request) (Certificate, error) {
	if reason := s.check(req); reason != "" {
		return Certificate{Certified: false, Reason: reason}, nil
	}
	return Certificate{Certified: true, CertificateID: CertificateID(req.PlanID, req.MerkleRoot)}, nil
}

func (s VerifyingSink) check(req Request) string {
	if strings.TrimSpace(req.PlanID) == "" {
		return "plan id is required"
	}
	root, err := hex.DecodeString(req.MerkleRoot)
	if err != nil || len(root) == 0 {
		return "merkle root is not a hex digest"
	}
	if s.RejectPartial && req.FailedShards > 0 {
		return fmt.Sprintf("plan has %d failed shards", req.FailedShards)
	}
	if req.TreeSize > 0 && len(req.Proofs) == 0 {
		return "no sample proofs for a non-empty tree"
	}
	for _, p := range req.Proofs {
		if reason := checkProof(p, req); reason != "" {
			return reason
		}
	}
	return ""
}

func checkProof(p domain.MerkleProof, req Request) string {
	if p.LeafCasID == "" || p.LeafHash == "" || p.RootHash == "" {
		return "proof is missing required fields"
	}
	if !strings.EqualFold(p.RootHash, req.MerkleRoot) {
		return fmt.Sprintf("proof for %s targets a different root", p.LeafCasID)
	}
	if p.TreeSize != req.TreeSize {
		return fmt.Sprintf("proof for %s has tree size %d, want %d", p.LeafCasID, p.TreeSize, req.TreeSize)
	}
	if err := merkle.Verify(p); err != nil {
		return fmt.Sprintf("proof for %s does not verify: %v", p.LeafCasID, err)
	}
	return ""
}

// EventFailureHandler publishes plan.aggregate.failed for every refused
// certification.
type EventFailureHandler struct {
	Emitter events.Emitter
	Logger  *slog.Logger
}

func (h EventFailureHandler) OnCertificationFailure(ctx context.Context, planID, merkleRoot, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Warn("certification failed", slog.String("plan_id", planID), slog.String("merkle_root", merkleRoot), slog.String("reason", reason))
	if h.Emitter == nil {
		return
	}
	payload := map[string]any{
		"plan_id":     planID,
		"merkle_root": merkleRoot,
		"reason":      reason,
	}
	if err := h.Emitter.Emit(ctx, events.New(events.TopicAggregateFailed, planID, "", payload)); err != nil {
		logger.Warn("emit failed", slog.String("topic", events.TopicAggregateFailed), slog.Any("error", err))
	}
}

// AsFailure converts a refused certificate into the typed error.
func AsFailure(req Request, cert Certificate) error {
	if cert.Certified {
		return nil
	}
	return &domain.CertificationFailure{PlanID: req.PlanID, MerkleRoot: req.MerkleRoot, Reason: cert.Reason}
}

var errNoStore = errors.New("object store is required")
