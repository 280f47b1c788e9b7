package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ddnsfw/logger"
)

var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	mode := "production"
	if os.Getenv("DDNSFW_DEBUG") != "" {
		mode = "development"
	}
	if err := logger.InitLogger(mode); err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ddnsfw",
		Short:         "ddnsfw - keep iptables allow rules in sync with dynamic DNS hostnames",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			build := BuildTime
			if build == "" {
				build = "unknown"
			}
			fmt.Printf("ddnsfw v%s (built %s)\n", Version, build)
		},
	}
}
