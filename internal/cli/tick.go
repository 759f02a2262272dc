package cli

import (
	"encoding/json"
	"fmt"

	"github.com/me/queuegate/internal/engine"
	"github.com/me/queuegate/internal/launcher"
	"github.com/me/queuegate/internal/scheduler"
	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "tick <queue>",
		Short: "Advance a queue by one step",
		Long: `Run one engine tick against the store, using the launcher from --config.

--force ticks a paused queue, which is how an operator runs one job by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, checker, err := launcher.FromConfig(cfg.Launcher, logger)
			if err != nil {
				return err
			}
			ecfg := engine.DefaultConfig()
			ecfg.MaxRetries = cfg.MaxRetries
			ecfg.LaunchTimeout = cfg.LaunchTimeout
			ecfg.CallTimeout = cfg.CallTimeout
			eng := engine.New(queueStore, l, checker, ecfg, logger)

			res := eng.Tick(cmd.Context(), args[0], force)

			out, _ := json.Marshal(res)
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			fmt.Fprintf(cmd.OutOrStdout(), "next: %s\n", scheduler.Decide(res))
			if !res.OK {
				return fmt.Errorf("tick %s: %s", args[0], res.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Tick even if the queue is paused")
	return cmd
}
