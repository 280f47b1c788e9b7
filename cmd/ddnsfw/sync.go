package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ddnsfw/internal/config"
	"ddnsfw/internal/engine"
	"ddnsfw/internal/enrich"
	"ddnsfw/internal/firewall"
	"ddnsfw/internal/install"
	"ddnsfw/internal/resolver"
	"ddnsfw/logger"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass",
		Long:  "Reconcile the tagged iptables allow rules with the current addresses of the configured DDNS hostnames.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runSync(cmd.Context()); err != nil {
				logger.Error("sync aborted", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// runSync wires the components and executes one engine pass. Errors out of
// here are setup failures; per-rule outcomes never surface as a non-zero
// exit.
func runSync(ctx context.Context) error {
	if err := install.RequireRoot(); err != nil {
		return err
	}

	bin, err := firewall.FindIPTables()
	if err != nil {
		return err
	}

	cfg := config.New()
	enr := enrich.New(cfg.InstallDir)
	defer enr.Close()

	eng := engine.New(cfg,
		firewall.NewIPTables(bin),
		resolver.New(cfg.Resolver, cfg.ResolveTimeout),
		engine.WithEnricher(enr),
	)

	return eng.Run(ctx)
}
