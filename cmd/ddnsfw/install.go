package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ddnsfw/internal/config"
	"ddnsfw/internal/install"
)

func newInstallCmd() *cobra.Command {
	var entryFlags []string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install ddnsfw and enable the periodic timer",
		Long: "Copy the binary to the install directory, write the configuration, " +
			"initialize state and lock files, and enable the systemd timer.",
		Example: "  ddnsfw install --entry home.dyndns.org:22 --entry office.example.net:2222",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := install.RequireRoot(); err != nil {
				return err
			}

			cfg := config.New()
			if install.Installed(cfg) {
				fmt.Printf("already installed at %s\n", cfg.BinaryPath)
				fmt.Printf("to reinstall, remove %s first\n", cfg.InstallDir)
				return nil
			}

			entries := parseEntryFlags(entryFlags)
			if len(entries) == 0 {
				entries = promptEntries(os.Stdin)
			}
			if len(entries) == 0 {
				return fmt.Errorf("at least one hostname:port entry required")
			}

			fmt.Println("entries to configure:")
			for _, e := range entries {
				fmt.Printf("  * %s\n", e)
			}

			if err := install.Install(cfg, entries); err != nil {
				return err
			}
			fmt.Println("installation complete; check with: systemctl status ddnsfw.timer")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&entryFlags, "entry", nil, "hostname:port to keep allowed (repeatable)")
	return cmd
}

func parseEntryFlags(flags []string) []config.Entry {
	var out []config.Entry
	for _, f := range flags {
		parsed := config.ParseEntries(strings.NewReader(f))
		out = append(out, parsed...)
	}
	return out
}

// promptEntries is the minimal interactive fallback when no --entry flags
// were given.
func promptEntries(in *os.File) []config.Entry {
	sc := bufio.NewScanner(in)
	ask := func(q string) string {
		fmt.Print(q)
		if !sc.Scan() {
			return ""
		}
		return strings.TrimSpace(sc.Text())
	}

	var entries []config.Entry
	for {
		line := ask("DDNS entry (hostname:port, empty to finish): ")
		if line == "" {
			break
		}
		parsed := config.ParseEntries(strings.NewReader(line))
		if len(parsed) == 0 {
			fmt.Println("invalid entry, expected hostname:port")
			continue
		}
		entries = append(entries, parsed...)
		fmt.Printf("added %s\n", parsed[0])
	}
	return entries
}
