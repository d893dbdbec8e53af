package domain

import "time"

// PlanStatus is derived on demand from the shard set of a plan. It is a
// snapshot, not an authoritative record.
type PlanStatus struct {
	PlanID            string     `json:"plan_id"`
	PlanName          string     `json:"plan_name"`
	TotalShards       int        `json:"total_shards"`
	PendingShards     int        `json:"pending_shards"`
	ClaimedShards     int        `json:"claimed_shards"`
	RunningShards     int        `json:"running_shards"`
	DoneShards        int        `json:"done_shards"`
	FailedShards      int        `json:"failed_shards"`
	ReusedShards      int        `json:"reused_shards"`
	SkippedPartitions int        `json:"skipped_partitions"`
	Finalized         bool       `json:"finalized"`
	Aborted           bool       `json:"aborted"`
	Degraded          bool       `json:"degraded"`
	MerkleRoot        string     `json:"merkle_root,omitempty"`
	Leaves            []string   `json:"leaves,omitempty"`
	Certified         bool       `json:"certified"`
	CertificateID     string     `json:"certificate_id,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	ETASeconds        *float64   `json:"eta_seconds,omitempty"`
}

// NonTerminalShards counts shards still pending, claimed or running.
func (s PlanStatus) NonTerminalShards() int {
	return s.PendingShards + s.ClaimedShards + s.RunningShards
}

// MerkleProof demonstrates inclusion of one leaf in a plan's finalized tree.
type MerkleProof struct {
	LeafCasID string   `json:"leaf_cas_id"`
	LeafIndex uint64   `json:"leaf_index"`
	TreeSize  uint64   `json:"tree_size"`
	LeafHash  string   `json:"leaf_hash"`
	Path      []string `json:"path"`
	RootHash  string   `json:"root_hash"`
}
