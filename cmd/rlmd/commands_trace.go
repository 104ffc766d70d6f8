package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/rlmd/internal/config"
	"github.com/haasonsaas/rlmd/internal/tracestore"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// buildTraceCmd creates the "trace" command group, reading from the
// durable trace store a process was configured with (spec.md §6's
// "persistent trace storage" collaborator). It does not read from a
// live process's in-memory registry — that only exists for the
// lifetime of a "run"/"session" invocation; use "run --trace-out" to
// capture a single run's events without a durable store configured.
func buildTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect runs recorded in the configured durable trace store",
	}
	cmd.AddCommand(buildTraceListCmd(), buildTraceShowCmd())
	return cmd
}

func buildTraceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List run ids recorded in the durable trace store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceList(cmd)
		},
	}
}

func buildTraceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a run's trace events as JSONL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceShow(cmd, models.RunId(args[0]))
		},
	}
}

func openTraceStore() (tracestore.Store, error) {
	fileCfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := fileCfg.BuildTraceStore()
	if err != nil {
		return nil, fmt.Errorf("build trace store: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("no durable trace store is configured (set store.driver in %s)", configPath)
	}
	return store, nil
}

func runTraceList(cmd *cobra.Command) error {
	ctx := cmd.Context()
	store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.ListRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("list run ids: %w", err)
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runTraceShow(cmd *cobra.Command, runID models.RunId) error {
	ctx := cmd.Context()
	store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.ReadAll(ctx, runID)
	if err != nil {
		return fmt.Errorf("read run %s: %w", runID, err)
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(line))
	}
	return nil
}
