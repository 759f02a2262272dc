package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/me/queuegate/pkg/model"
)

// Ticker advances one queue by one step.
type Ticker interface {
	Tick(ctx context.Context, queue string, force bool) model.TickResult
}

// QueueLister enumerates the stored queues.
type QueueLister interface {
	ListQueues(ctx context.Context) ([]string, error)
}

// SweeperConfig holds sweeper configuration.
type SweeperConfig struct {
	Interval  time.Duration
	PollDelay time.Duration
}

// Sweeper periodically ticks every stored queue and arms the follow-up.
// Trigger timers live in memory, so without it a restart would leave
// in-flight queues waiting for an outside tick.
type Sweeper struct {
	ticker  Ticker
	lister  QueueLister
	trigger Trigger
	config  SweeperConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper. Interval must be positive.
func NewSweeper(tk Ticker, lister QueueLister, trigger Trigger, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		ticker:  tk,
		lister:  lister,
		trigger: trigger,
		config:  cfg,
		logger:  logger.With("component", "sweeper"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start sweeps once, then every Interval. Blocks until ctx is cancelled or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	defer close(s.doneCh)
	s.logger.Info("sweeper started", "interval", s.config.Interval)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping (context cancelled)")
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("sweeper stopping (stop called)")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop shuts the sweeper down and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Sweep ticks every queue once. Errors are logged per queue.
func (s *Sweeper) Sweep(ctx context.Context) {
	queues, err := s.lister.ListQueues(ctx)
	if err != nil {
		s.logger.Error("list queues", "error", err)
		return
	}
	for _, queue := range queues {
		if ctx.Err() != nil {
			return
		}
		res := s.ticker.Tick(ctx, queue, false)
		action := Decide(res)
		s.logger.Debug("swept", "queue", queue, "message", res.Message, "next", action)
		if err := Arm(ctx, s.trigger, queue, action, s.config.PollDelay); err != nil && !errors.Is(err, ErrStopped) {
			s.logger.Warn("arm trigger", "queue", queue, "error", err)
		}
	}
}
