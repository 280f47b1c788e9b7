package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"ddnsfw/internal/config"
	"ddnsfw/internal/firewall"
	"ddnsfw/internal/install"
	"ddnsfw/internal/state"
)

type statusOut struct {
	Installed  bool     `json:"installed"`
	Operation  string   `json:"operation"`
	Pending    string   `json:"pending,omitempty"`
	Entries    []string `json:"entries"`
	LiveRules  []string `json:"live_rules,omitempty"`
	KnownRules []string `json:"known_rules"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted state, configured entries and live tagged rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := collectStatus(config.New())

			// live truth needs the tool and usually root; degrade quietly
			if bin, err := firewall.FindIPTables(); err == nil {
				for k := range firewall.NewIPTables(bin).ListTaggedRules() {
					out.LiveRules = append(out.LiveRules, k.String())
				}
				sort.Strings(out.LiveRules)
			}

			if asJSON {
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			}

			fmt.Printf("installed: %v\n", out.Installed)
			fmt.Printf("operation: %s", out.Operation)
			if out.Pending != "" {
				fmt.Printf(" (pending %s)", out.Pending)
			}
			fmt.Println()
			fmt.Printf("entries (%d):\n", len(out.Entries))
			for _, e := range out.Entries {
				fmt.Printf("  %s\n", e)
			}
			fmt.Printf("live tagged rules (%d):\n", len(out.LiveRules))
			for _, r := range out.LiveRules {
				fmt.Printf("  %s\n", r)
			}
			if out.Operation != "IDLE" {
				fmt.Println("note: a previous run was interrupted; the next sync will recover")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

// collectStatus gathers everything reportable without the firewall tool:
// installation presence, persisted state and the configured entries.
func collectStatus(cfg config.Config) statusOut {
	st := state.Load(cfg.StatePath)

	out := statusOut{
		Installed: install.Installed(cfg),
		Operation: st.Operation().Kind().String(),
	}
	if k, ok := st.Operation().Pending(); ok {
		out.Pending = k.String()
	}
	for _, e := range config.LoadEntries(cfg.ConfigPath) {
		out.Entries = append(out.Entries, e.String())
	}
	for k := range st.Rules() {
		out.KnownRules = append(out.KnownRules, k.String())
	}
	sort.Strings(out.KnownRules)
	return out
}
