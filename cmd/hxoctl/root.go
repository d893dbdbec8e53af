package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hypershard/internal/certify"
	"github.com/animus-labs/hypershard/internal/config"
	"github.com/animus-labs/hypershard/internal/orchestrator"
	"github.com/animus-labs/hypershard/internal/platform/env"
	"github.com/animus-labs/hypershard/internal/repo/location"
)

type rootOptions struct {
	store   string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "hxoctl",
		Short: "Operate the sharded execution orchestrator",
		Long: `hxoctl runs plan files against a checkpoint store, inspects plan status
and verifies stored Merkle roots.

Examples:
  # Run a plan locally and print its final status
  hxoctl run deploy.yaml --store sqlite://./var/hxo.db

  # Inspect a plan recorded in the store
  hxoctl status 5d1f0c1e-...

  # Recompute a plan's root from its stored leaves
  hxoctl verify 5d1f0c1e-...
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.store, "store", env.String("HXO_CHECKPOINT_STORE", config.DefaultCheckpointStore), "checkpoint store location (memory, sqlite://path, postgres://...)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log orchestrator activity to stderr")

	root.AddCommand(newRunCmd(opts), newStatusCmd(opts), newVerifyCmd(opts))
	return root
}

func (o *rootOptions) logger(stderr io.Writer) *slog.Logger {
	if !o.verbose {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openOrchestrator opens the store and builds a local orchestrator over it.
// The returned func shuts both down.
func (o *rootOptions) openOrchestrator(ctx context.Context, cmd *cobra.Command, cfg orchestrator.Config) (*orchestrator.Orchestrator, func(), error) {
	opened, err := location.Open(ctx, o.store)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.New(cfg, orchestrator.Options{
		Store:     opened.Store,
		Certifier: certify.VerifyingSink{},
		Logger:    o.logger(cmd.ErrOrStderr()),
	})
	if err != nil {
		_ = opened.Store.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = orch.Shutdown(context.WithoutCancel(ctx))
		_ = opened.Store.Close()
	}
	return orch, closeFn, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdinOr(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
