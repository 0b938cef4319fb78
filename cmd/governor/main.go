// Package main is the entry point for the governor service and its
// operator commands.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "governor",
		Short: "Governance core for human-in-the-loop AI workflows",
		Long: `governor runs agent workflows under policy, classification and human
approval, recording every decision in a per-tenant hash-chained ledger.

Configuration is read from --config, $GOVERNOR_CONFIG, or config.yaml next to
the executable or in the working directory, then overlaid with GOVERNOR_*
environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration YAML file")

	root.AddCommand(
		newServeCmd(opts),
		newVerifyCmd(opts),
		newExportCmd(opts),
		newEvidenceCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "governor %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
}

// resolveConfig picks the config path: --config flag > GOVERNOR_CONFIG env >
// auto-discovery. An empty result means environment-only configuration.
func (o *rootOptions) resolveConfig() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv("GOVERNOR_CONFIG"); p != "" {
		return p
	}
	return discoverConfig()
}

// discoverConfig looks for config.yaml next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}
