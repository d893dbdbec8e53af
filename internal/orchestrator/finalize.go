package orchestrator

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/animus-labs/hypershard/internal/certify"
	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/repo"
)

const finalizeTimeout = 30 * time.Second

// finalize freezes the plan's tree and records the outcome. Failed shards
// never block it; an aborted plan is finalized but not certified.
func (o *Orchestrator) finalize(ctx context.Context, r *planRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	root := r.tree.Finalize()
	rootHex := hex.EncodeToString(root)
	aborted := r.isAborted()
	status := r.status()
	logger := o.logger.With(slog.String("plan_id", r.planID), slog.String("merkle_root", rootHex))

	var cert certify.Certificate
	switch {
	case aborted:
		o.failures.OnCertificationFailure(ctx, r.planID, rootHex, domain.AbortedError)
	case o.certifier != nil:
		cert = o.certify(ctx, r, rootHex, status.FailedShards)
	}

	finishedAt := o.now().UTC()
	r.mu.Lock()
	r.finalized = true
	r.certified = cert.Certified
	r.certificateID = cert.CertificateID
	r.finishedAt = finishedAt
	r.mu.Unlock()

	err := o.store.FinalizePlan(ctx, repo.FinalizeInput{
		PlanID:        r.planID,
		MerkleRoot:    rootHex,
		Aborted:       aborted,
		Certified:     cert.Certified,
		CertificateID: cert.CertificateID,
		FinalizedAt:   finishedAt,
	})
	if err != nil {
		r.checkpointFailed("finalize_plan", r.planID, err)
	}

	status = r.status()
	outcome := "complete"
	switch {
	case aborted:
		outcome = "aborted"
	case status.FailedShards > 0:
		outcome = "partial"
	}
	o.metrics.PlansFinalized.WithLabelValues(outcome).Inc()
	logger.Info("plan finalized",
		slog.String("outcome", outcome),
		slog.Int("done_shards", status.DoneShards),
		slog.Int("failed_shards", status.FailedShards),
		slog.Int("reused_shards", status.ReusedShards),
		slog.Bool("certified", status.Certified),
		slog.Bool("degraded", status.Degraded),
	)
	o.emit(ctx, events.New(events.TopicAggregateFinalized, r.planID, "", status))
}

func (o *Orchestrator) certify(ctx context.Context, r *planRun, rootHex string, failed int) certify.Certificate {
	proofs, err := o.sampleProofs(r)
	if err != nil {
		o.logger.Error("sample proofs failed", slog.String("plan_id", r.planID), slog.Any("error", err))
	}
	req := certify.Request{
		PlanID:       r.planID,
		MerkleRoot:   rootHex,
		TreeSize:     uint64(r.tree.Size()),
		Proofs:       proofs,
		FailedShards: failed,
		RequestedAt:  o.now().UTC(),
	}
	o.emit(ctx, events.New(events.TopicAggregateCertify, r.planID, "", req))

	cert, err := o.certifier.Certify(ctx, req)
	switch {
	case err != nil:
		o.metrics.Certifications.WithLabelValues("error").Inc()
		o.failures.OnCertificationFailure(ctx, r.planID, rootHex, err.Error())
		return certify.Certificate{}
	case !cert.Certified:
		o.metrics.Certifications.WithLabelValues("rejected").Inc()
		o.failures.OnCertificationFailure(ctx, r.planID, rootHex, cert.Reason)
		return cert
	}
	o.metrics.Certifications.WithLabelValues("certified").Inc()
	return cert
}

func (o *Orchestrator) sampleProofs(r *planRun) ([]domain.MerkleProof, error) {
	if o.rng == nil {
		return r.tree.SampleProofs(o.cfg.ProofSampleSize, nil)
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return r.tree.SampleProofs(o.cfg.ProofSampleSize, o.rng)
}
