package cli

import (
	"fmt"
	"strconv"

	"github.com/me/queuegate/internal/store"
	"github.com/me/queuegate/pkg/model"
	"github.com/spf13/cobra"
)

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <queue> <entry_id>",
		Short: "Delete an entry from a queue",
		Long:  "Delete an entry from a queue. In-flight entries are refused; their execution would be orphaned.",
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
				if entry.Status.IsInFlight() {
					return fmt.Errorf("entry %d is %s; wait for it to finish", id, entry.Status)
				}
				doc.Remove(id)
				return nil
			})
			if err != nil {
				return fmt.Errorf("remove: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed entry %d from %s\n", id, queue)
			return nil
		},
	}
}
