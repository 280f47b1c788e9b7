package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ddnsfw/internal/firewall"
	"ddnsfw/internal/install"
	"ddnsfw/logger"
)

// The daemon is an alternative to the systemd timer: the same full locked
// sync pass, scheduled in-process. The file lock still guards against a
// timer-driven run overlapping a daemon tick.
func newDaemonCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run synchronization on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			// setup errors are fatal up front; per-tick failures are not
			if err := install.RequireRoot(); err != nil {
				return err
			}
			if _, err := firewall.FindIPTables(); err != nil {
				return err
			}

			c := cron.New()
			_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
				if err := runSync(cmd.Context()); err != nil {
					logger.Error("scheduled sync failed", zap.Error(err))
				}
			})
			if err != nil {
				return err
			}

			// first pass immediately, then on the interval; a transient
			// failure (e.g. lock contention) does not stop the daemon
			if err := runSync(cmd.Context()); err != nil {
				logger.Error("initial sync failed", zap.Error(err))
			}
			c.Start()
			fmt.Printf("ddnsfw daemon started (interval %s)\n", interval)

			done := make(chan os.Signal, 1)
			signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
			<-done

			<-c.Stop().Done()
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Minute, "time between sync passes")
	return cmd
}
