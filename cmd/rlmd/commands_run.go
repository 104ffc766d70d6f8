package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/rlmd/internal/supervisor"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// buildRunCmd creates the one-shot "run" command, wrapping
// rlm.Engine.Run (spec.md §4.9's run(context, query, config) -> answer
// | error).
func buildRunCmd() *cobra.Command {
	var (
		rlmContext string
		query      string
		jsonOutput bool
		traceOut   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single one-shot RLM call and print the final answer",
		Long: `run starts a fresh root worker, drives it to completion, and tears
down its run's worker tree. Use --context to pass the large body of
text the worker's program inspects, and --query for the question to
answer against it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunCmd(cmd, rlmContext, query, jsonOutput, traceOut)
		},
	}
	cmd.Flags().StringVar(&rlmContext, "context", "", "the context text the worker's program inspects")
	cmd.Flags().StringVar(&query, "query", "", "the question to answer against the context")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print {run_id, answer} as JSON instead of plain text")
	cmd.Flags().StringVar(&traceOut, "trace-out", "", "write the run's trace events as JSONL to this file")
	return cmd
}

func runRunCmd(cmd *cobra.Command, rlmContext, query string, jsonOutput bool, traceOut string) error {
	if query == "" {
		return fmt.Errorf("--query is required")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sup, shutdown, err := startSupervisor(ctx, configPath)
	if err != nil {
		return err
	}
	defer shutdown()

	started := time.Now()
	answer, runID, err := sup.Engine().Run(ctx, rlmContext, query)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", runID, err)
	}

	if traceOut != "" {
		if err := writeTraceJSONL(sup, runID, traceOut); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"run_id": runID, "answer": answer})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s completed in %s\n", runID, time.Since(started))
	fmt.Fprintln(cmd.OutOrStdout(), answer)
	return nil
}

// writeTraceJSONL dumps the in-memory trace-log registry's buffered
// events for runID to path, one JSON object per line (spec.md §4.3's
// wire format).
func writeTraceJSONL(sup *supervisor.Supervisor, runID models.RunId, path string) error {
	lines, err := sup.Registry().JSONLLines(runID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
