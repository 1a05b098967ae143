// Package cli implements pnlctl, the offline command-line front end to the
// portfolio engine.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/portfolio-engine/internal/analytics"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/logger"
	"github.com/atmx/portfolio-engine/internal/store"
)

// RootConfig carries the persistent flags and the resources opened for
// every subcommand.
type RootConfig struct {
	ConfigPath  string
	EnvPath     string
	SQLitePath  string
	PortfolioID string
	JSON        bool

	store      store.Store
	closeStore func()
	svc        *analytics.Service
}

// NewRootCmd builds the pnlctl command tree.
func NewRootCmd() *cobra.Command {
	rc := &RootConfig{}

	cmd := &cobra.Command{
		Use:           "pnlctl",
		Short:         "Reconstruct positions and P&L from a trade ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rc.closeStore != nil {
				rc.closeStore()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&rc.ConfigPath, "config", "", "path to a .toml or .yaml config file")
	f.StringVar(&rc.EnvPath, "env", "", "path to a .env file")
	f.StringVar(&rc.SQLitePath, "sqlite", "", "SQLite ledger path (overrides the configured store)")
	f.StringVarP(&rc.PortfolioID, "portfolio", "p", "", "portfolio id")
	f.BoolVar(&rc.JSON, "json", false, "print JSON instead of tables")

	cmd.AddCommand(
		newReconstructCmd(rc),
		newSnapshotCmd(rc),
		newStatsCmd(rc),
		newChartCmd(rc),
		newImportCmd(rc),
	)
	return cmd
}

// Execute runs pnlctl with os.Args.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pnlctl:", err)
		return err
	}
	return nil
}

func (rc *RootConfig) open(ctx context.Context) error {
	cfg, err := config.Load(rc.ConfigPath, rc.EnvPath)
	if err != nil {
		return err
	}
	if rc.SQLitePath != "" {
		cfg.Store.SQLitePath = rc.SQLitePath
		cfg.Store.DatabaseURL = ""
		cfg.Store.RedisURL = ""
	}
	logger.InitWriter(os.Stderr, "pnlctl", logger.ParseLevel(cfg.Log.Level))

	st, closeStore, err := store.Open(ctx, cfg.Store, cfg.CacheTTL())
	if err != nil {
		return err
	}
	rc.store = st
	rc.closeStore = closeStore
	rc.svc = analytics.NewService(st, analytics.Options{
		Workers:    cfg.Engine.Workers,
		AllowShort: cfg.AllowShort(),
		Checkpoint: cfg.CheckpointEnabled(),
		Benchmark:  cfg.Benchmark.Instrument,
	})
	return nil
}

func (rc *RootConfig) portfolio() (string, error) {
	if rc.PortfolioID == "" {
		return "", fmt.Errorf("--portfolio is required")
	}
	return rc.PortfolioID, nil
}
