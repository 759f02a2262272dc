package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/me/queuegate/internal/store"
	"github.com/me/queuegate/pkg/model"
	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var params string
	var paused bool

	cmd := &cobra.Command{
		Use:   "enqueue <queue>",
		Short: "Add a training job to a queue",
		Long: `Add a PENDING entry to the queue, creating the queue if needed.

--params takes a JSON object, @file to read one from a file, or - for stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			raw, err := readParams(cmd.InOrStdin(), params)
			if err != nil {
				return err
			}

			var entry model.JobEntry
			created := false
			_, err = store.Upsert(cmd.Context(), queueStore, queue, func(doc *model.QueueDocument) error {
				if doc.Revision == "" {
					created = true
					doc.QueueRunning = !paused
				}
				entry = doc.Enqueue(raw, time.Now())
				return nil
			})
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created queue %s\n", queue)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued entry %d on %s\n", entry.ID, queue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", "{}", "Job parameters: JSON, @file, or - for stdin")
	cmd.Flags().BoolVar(&paused, "paused", false, "Create a new queue paused")
	return cmd
}

func readParams(stdin io.Reader, spec string) (json.RawMessage, error) {
	var data []byte
	switch {
	case spec == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read params from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(spec, "@"):
		b, err := os.ReadFile(spec[1:])
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		data = b
	default:
		data = []byte(spec)
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("params are not valid JSON")
	}
	return json.RawMessage(data), nil
}
