// Command rlmd is the CLI front end for the recursive execution
// engine: a thin consumer of the supervisor/rlm packages, not part of
// the engine's own scope. It wires a configured LLM adapter to the
// bundled scripted interpreter stand-in (no sandboxed interpreter
// ships with this module — supply a real one by swapping the Interp
// dependency out in a fork) and drives the public API from the
// command line.
//
// # Basic usage
//
//	rlmd run --config rlmd.yaml --query "how many rows in the log?"
//	rlmd session --config rlmd.yaml
//	rlmd trace show <run-id> --config rlmd.yaml
//
// # Environment variables
//
//   - RLM_PROVIDER, RLM_API_KEY: override the configured LLM provider/key
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: provider-specific fallbacks
//   - RLM_STORE_DSN: durable trace-store DSN override
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"

	configPath string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rlmd",
		Short: "rlmd - recursive language model execution engine CLI",
		Long: `rlmd drives an LLM-written, interpreter-evaluated program loop where
evaluated code can recursively spawn nested LLM sub-queries as
reentrant calls.`,
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "rlmd.yaml", "path to the process configuration file")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionCmd(),
		buildTraceCmd(),
	)
	return rootCmd
}
