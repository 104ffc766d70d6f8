package main

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/rlmd/pkg/rlm"
)

// buildSessionCmd creates the interactive "session" command: a
// keep-alive worker driven line-by-line from stdin, wrapping
// StartSession/SendMessage/History/Status/EndSession (spec.md §4.9).
func buildSessionCmd() *cobra.Command {
	var timeout time.Duration
	var workDir string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start an interactive keep-alive session, one message per line",
		Long: `session starts a keep-alive worker and reads messages from stdin, one
per line, printing each reply. Type ":history" to print the message
history, ":status" to print the worker's current state, or ":quit" to
end the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionCmd(cmd, timeout, workDir)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "per-message reply timeout")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for the interpreter adapter (spec.md §6)")
	return cmd
}

func runSessionCmd(cmd *cobra.Command, timeout time.Duration, workDir string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sup, shutdown, err := startSupervisor(ctx, configPath)
	if err != nil {
		return err
	}
	defer shutdown()

	engine := sup.Engine()
	sessionID, err := engine.StartSession(rlm.WithWorkDir(workDir))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer engine.EndSession(sessionID)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s started; type a message and press enter\n", sessionID)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := scanner.Text()
		switch line {
		case "":
			continue
		case ":quit":
			return nil
		case ":history":
			history, err := engine.History(sessionID)
			if err != nil {
				fmt.Fprintf(out, "history error: %v\n", err)
				continue
			}
			for _, msg := range history {
				fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
			}
			continue
		case ":status":
			status, err := engine.Status(sessionID)
			if err != nil {
				fmt.Fprintf(out, "status error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "status=%s iteration=%d messages=%d cwd=%s\n", status.Status, status.Iteration, status.MessageCount, status.Cwd)
			continue
		}

		answer, err := engine.SendMessage(sessionID, line, timeout)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, answer)
	}
	return scanner.Err()
}
