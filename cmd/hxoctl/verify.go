package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hypershard/internal/certify"
	"github.com/animus-labs/hypershard/internal/merkle"
	"github.com/animus-labs/hypershard/internal/repo"
	"github.com/animus-labs/hypershard/internal/repo/location"
)

var errRootMismatch = errors.New("merkle root mismatch")

type verifyReport struct {
	PlanID       string `json:"plan_id"`
	Leaves       int    `json:"leaves"`
	StoredRoot   string `json:"stored_root"`
	ComputedRoot string `json:"computed_root"`
	Match        bool   `json:"match"`
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var bundlePath string
	cmd := &cobra.Command{
		Use:   "verify [plan-id]",
		Short: "Recompute a finalized plan's Merkle root or check a certification bundle",
		Long: `Without --bundle, verify recomputes the root of a finalized plan from the
leaves recorded in the checkpoint store and compares it with the stored root.
With --bundle, it re-checks an archived certification bundle offline.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if bundlePath != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundlePath != "" {
				return verifyBundle(cmd, bundlePath)
			}
			opened, err := location.Open(cmd.Context(), opts.store)
			if err != nil {
				return err
			}
			defer opened.Store.Close()

			report, err := verifyStored(cmd.Context(), opened.Store, args[0])
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Match {
				return fmt.Errorf("plan %s: %w", report.PlanID, errRootMismatch)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "certification bundle JSON file to verify (- for stdin)")
	return cmd
}

func verifyStored(ctx context.Context, store repo.CheckpointStore, planID string) (verifyReport, error) {
	rec, err := store.GetPlan(ctx, planID)
	if err != nil {
		return verifyReport{}, fmt.Errorf("plan %s: %w", planID, err)
	}
	if !rec.Finalized() {
		return verifyReport{}, fmt.Errorf("plan %s is not finalized", planID)
	}
	members, err := store.ListPlanShards(ctx, planID)
	if err != nil {
		return verifyReport{}, err
	}
	var leaves []repo.PlanShard
	for _, m := range members {
		if m.HasLeaf() {
			leaves = append(leaves, m)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].LeafSeq < leaves[j].LeafSeq })
	hashes := make([][]byte, len(leaves))
	for i, m := range leaves {
		if hashes[i], err = hex.DecodeString(m.LeafHash); err != nil {
			return verifyReport{}, fmt.Errorf("leaf %s: %w", m.CasID, err)
		}
	}
	computed := hex.EncodeToString(merkle.RootFromLeaves(hashes))
	return verifyReport{
		PlanID:       planID,
		Leaves:       len(hashes),
		StoredRoot:   rec.MerkleRoot,
		ComputedRoot: computed,
		Match:        strings.EqualFold(computed, rec.MerkleRoot),
	}, nil
}

func verifyBundle(cmd *cobra.Command, path string) error {
	rc, err := stdinOr(path)
	if err != nil {
		return err
	}
	defer rc.Close()
	bundle, err := certify.DecodeBundle(rc)
	if err != nil {
		return err
	}
	if err := certify.VerifyBundle(bundle); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "bundle %s verified: plan %s root %s (%d proofs)\n",
		bundle.CertificateID, bundle.PlanID, bundle.MerkleRoot, len(bundle.Proofs))
	return err
}
