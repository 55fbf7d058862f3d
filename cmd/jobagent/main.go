// ABOUTME: Entry point for the jobagent device job runner
// ABOUTME: Wires the subcommands and resolves the configuration path

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/jobagent/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _       _                            _
    (_) ___ | |__   __ _  __ _  ___ _ __ | |_
    | |/ _ \| '_ \ / _' |/ _' |/ _ \ '_ \| __|
    | | (_) | |_) | (_| | (_| |  __/ | | | |_
   _/ |\___/|_.__/ \__,_|\__, |\___|_| |_|\__|
  |__/                   |___/
`

// getConfigPath returns the path to the agent config file.
// Priority: --config flag > JOBAGENT_CONFIG env var > XDG_CONFIG_HOME/jobagent/agent.yaml > ~/.config/jobagent/agent.yaml
func getConfigPath(cmd *cobra.Command) string {
	if flagPath, _ := cmd.Flags().GetString("config"); flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("JOBAGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "jobagent", "agent.yaml")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobagent",
		Short:         "Run device jobs delivered by the coordination service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAgent,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the config file")

	history := &cobra.Command{
		Use:   "history",
		Short: "Show recently executed jobs from the journal",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	history.Flags().IntP("limit", "n", 20, "number of entries to show")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect, drain the backlog, then process jobs until stopped",
			Args:  cobra.NoArgs,
			RunE:  runAgent,
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check the running agent's health endpoint",
			Args:  cobra.NoArgs,
			RunE:  runHealth,
		},
		history,
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var connErr *transport.ConnectionError
		if errors.As(err, &connErr) {
			color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Cannot reach broker after %d attempts\n", connErr.Attempts)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
