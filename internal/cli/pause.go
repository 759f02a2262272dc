package cli

import (
	"fmt"

	"github.com/me/queuegate/internal/store"
	"github.com/me/queuegate/pkg/model"
	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <queue>",
		Short: "Stop a queue from launching new jobs",
		Long:  "Stop a queue from launching new jobs. An in-flight job keeps running but is not polled until the queue resumes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRunning(cmd, args[0], false)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <queue>",
		Short: "Let a paused queue launch jobs again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRunning(cmd, args[0], true)
		},
	}
}

func setRunning(cmd *cobra.Command, queue string, running bool) error {
	_, err := store.Update(cmd.Context(), queueStore, queue, func(doc *model.QueueDocument) error {
		doc.QueueRunning = running
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", queue, err)
	}
	state := "paused"
	if running {
		state = "running"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue %s: %s\n", queue, state)
	return nil
}
