package launcher

import (
	"log/slog"

	"github.com/me/queuegate/internal/config"
)

// FromConfig builds the launcher and status checker cfg describes. An empty
// command yields a headless launcher and no checker.
func FromConfig(cfg config.LauncherConfig, logger *slog.Logger) (Launcher, StatusChecker, error) {
	if len(cfg.Command) == 0 {
		return Headless(), nil, nil
	}
	cl, err := NewCommandLauncher(cfg.Command, cfg.WorkDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return cl, cl, nil
}
