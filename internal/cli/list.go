package cli

import (
	"encoding/json"
	"fmt"

	"github.com/me/queuegate/internal/store"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list [queue]",
		Short: "List queues, or the entries of one queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				lister, ok := queueStore.(store.Lister)
				if !ok {
					return fmt.Errorf("store cannot list queues; name one")
				}
				names, err := lister.ListQueues(cmd.Context())
				if err != nil {
					return fmt.Errorf("list queues: %w", err)
				}
				if len(names) == 0 {
					fmt.Fprintln(out, "No queues found.")
					return nil
				}
				fmt.Fprintf(out, "%-24s  %-8s  %-8s  %s\n", "QUEUE", "RUNNING", "ENTRIES", "IN FLIGHT")
				for _, name := range names {
					doc, err := queueStore.Load(cmd.Context(), name)
					if err != nil {
						return fmt.Errorf("load %s: %w", name, err)
					}
					if doc == nil {
						continue
					}
					inFlight := "-"
					if e := doc.InFlight(); e != nil {
						inFlight = fmt.Sprintf("%d (%s)", e.ID, e.Status)
					}
					fmt.Fprintf(out, "%-24s  %-8t  %-8d  %s\n", name, doc.QueueRunning, len(doc.Entries), inFlight)
				}
				return nil
			}

			queue := args[0]
			doc, err := queueStore.Load(cmd.Context(), queue)
			if err != nil {
				return fmt.Errorf("load %s: %w", queue, err)
			}
			if doc == nil {
				return fmt.Errorf("queue %s not found", queue)
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}

			state := "running"
			if !doc.QueueRunning {
				state = "paused"
			}
			fmt.Fprintf(out, "Queue %s (%s)\n", queue, state)
			if len(doc.Entries) == 0 {
				fmt.Fprintln(out, "No entries.")
				return nil
			}
			fmt.Fprintf(out, "%-4s  %-10s  %-7s  %-14s  %-20s  %s\n", "ID", "STATUS", "RETRIES", "EXECUTION", "UPDATED", "MESSAGE")
			for _, e := range doc.Entries {
				execName := e.ExecutionName
				if execName == "" {
					execName = "-"
				}
				fmt.Fprintf(out, "%-4d  %-10s  %-7d  %-14s  %-20s  %s\n",
					e.ID, e.Status, e.RetryCount, execName, e.Timestamp.Format("2006-01-02 15:04:05"), e.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the queue document as JSON")
	return cmd
}
