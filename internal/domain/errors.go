package domain

import (
	"errors"
	"fmt"
)

// ErrPlanInvalid marks a malformed plan rejected at submission.
var ErrPlanInvalid = errors.New("invalid plan")

// CanonicalizationError reports a partition that cannot be serialized
// deterministically. It is fatal to that partition only.
type CanonicalizationError struct {
	StageID string
	Cause   error
}

func (e *CanonicalizationError) Error() string {
	if e.StageID == "" {
		return fmt.Sprintf("canonicalize input: %v", e.Cause)
	}
	return fmt.Sprintf("canonicalize input for stage %q: %v", e.StageID, e.Cause)
}

func (e *CanonicalizationError) Unwrap() error { return e.Cause }

// UnknownPolicyError reports an unregistered partitioner, executor or
// scheduler name. It is surfaced at plan submission.
type UnknownPolicyError struct {
	Kind string
	Name string
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// ExecutionError wraps an executor failure captured into a shard result.
type ExecutionError struct {
	CasID   string
	Attempt int
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("shard %s attempt %d: %v", e.CasID, e.Attempt, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// CheckpointWriteError reports a failed durable write. Execution continues
// on in-memory state and the plan is flagged degraded.
type CheckpointWriteError struct {
	Op    string
	Key   string
	Cause error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Key, e.Cause)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Cause }

// CertificationFailure reports a rejected or failed certification request.
type CertificationFailure struct {
	PlanID     string
	MerkleRoot string
	Reason     string
}

func (e *CertificationFailure) Error() string {
	return fmt.Sprintf("certification failed for plan %s root %s: %s", e.PlanID, e.MerkleRoot, e.Reason)
}
