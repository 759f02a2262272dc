package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/me/queuegate/internal/store"
	"github.com/me/queuegate/pkg/model"
	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue> <entry_id>",
		Short: "Cancel a pending entry",
		Long:  "Mark a PENDING entry CANCELLED so it is never launched. In-flight entries cannot be cancelled from here.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[1])
			}

			_, err = store.Update(cmd.Context(), queueStore, queue, func(doc *model.QueueDocument) error {
				entry := doc.Entry(id)
				if entry == nil {
					return fmt.Errorf("entry %d not found in %s", id, queue)
				}
				if !entry.Status.CanTransitionTo(model.JobStatusCancelled) || entry.Status.IsInFlight() {
					return &model.InvalidTransitionError{Queue: queue, EntryID: id, From: entry.Status, To: model.JobStatusCancelled}
				}
				entry.SetStatus(model.JobStatusCancelled, "cancelled by operator", time.Now())
				return nil
			})
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Entry %d on %s: CANCELLED\n", id, queue)
			return nil
		},
	}
}
