package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/orchestrator"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		concurrency int
		resume      bool
		samples     int
	)
	cmd := &cobra.Command{
		Use:   "run <plan.yaml|->",
		Short: "Run a plan file to completion and print its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := stdinOr(args[0])
			if err != nil {
				return err
			}
			p, err := plan.Decode(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx := cmd.Context()
			orch, closeFn, err := opts.openOrchestrator(ctx, cmd, orchestrator.Config{
				MaxConcurrency:  concurrency,
				Resume:          resume,
				ProofSampleSize: samples,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			planID, err := orch.Submit(ctx, p)
			if err != nil {
				return err
			}
			status, err := orch.Wait(ctx, planID)
			if err != nil {
				orch.Cancel(planID)
				return fmt.Errorf("plan %s: %w", planID, err)
			}
			if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if status.Aborted {
				return fmt.Errorf("plan %s aborted", planID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", orchestrator.DefaultMaxConcurrency, "maximum shards running at once")
	cmd.Flags().BoolVar(&resume, "resume", true, "reuse DONE shards recorded by earlier runs")
	cmd.Flags().IntVar(&samples, "proof-samples", domain.DefaultProofSampleSize, "inclusion proofs sent to certification")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Print the status of a stored plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, closeFn, err := opts.openOrchestrator(ctx, cmd, orchestrator.Config{})
			if err != nil {
				return err
			}
			defer closeFn()

			status, err := orch.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
}
