package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/me/queuegate/internal/config"
	"github.com/me/queuegate/internal/logging"
	"github.com/me/queuegate/internal/store"
	"github.com/spf13/cobra"
)

var (
	flagStore     string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger     *slog.Logger
	cfg        config.GatewayConfig
	queueStore store.Store
)

// storeLocation picks the store: --store, then QUEUEGATE_STORE, then the
// config file, then the default.
func storeLocation() string {
	if flagStore != "" {
		return flagStore
	}
	if s := os.Getenv("QUEUEGATE_STORE"); s != "" {
		return s
	}
	return cfg.Store
}

// NewRootCmd creates the root cobra command for queuectl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "queuectl manages queuegate training queues",
		Long:  "queuectl enqueues, inspects, pauses and ticks the job queues a queuegate gateway drives.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)

			cfg = config.DefaultGatewayConfig()
			if flagConfig != "" {
				if err := config.LoadFile(flagConfig, &cfg); err != nil {
					return err
				}
			}

			st, err := store.Open(cmd.Context(), storeLocation(), logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			queueStore = st
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if queueStore == nil {
				return nil
			}
			err := queueStore.Close()
			queueStore = nil
			return err
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagStore, "store", "", "Queue store location (or QUEUEGATE_STORE env; default "+config.DefaultStore+")")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a queuegate YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newEnqueueCmd(),
		newListCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newRemoveCmd(),
		newTickCmd(),
	)

	return root
}
