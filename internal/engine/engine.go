// Package engine advances durable training-job queues one step per tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/queuegate/internal/launcher"
	"github.com/me/queuegate/internal/store"
	"github.com/me/queuegate/pkg/model"
)

// Tick result messages. The idle ones are matched by the scheduling
// decider, so they must not change.
const (
	MsgQueueNotFound       = "queue not found"
	MsgPaused              = "queue is paused"
	MsgNoChange            = "no change"
	MsgEmptyQueue          = "empty queue"
	MsgNoPending           = "no pending"
	MsgLauncherNotProvided = "launcher not provided"
	MsgCheckerNotProvided  = "status checker not provided"
	MsgLaunched            = "Launched"
)

var (
	errLaunchInterrupted = errors.New("launch interrupted before an execution was recorded")
	errClaimLost         = errors.New("launch claim no longer held")
	errNoExecutionName   = errors.New("launcher returned no execution name")
)

// Config holds engine configuration.
type Config struct {
	// MaxRetries is the number of launch attempts before an entry is FAILED.
	MaxRetries int
	// LaunchTimeout is how long a claimed entry may stay LAUNCHING without
	// an execution name before the attempt counts as failed. It must exceed
	// CallTimeout; New raises it otherwise.
	LaunchTimeout time.Duration
	// CallTimeout bounds each Launcher and StatusChecker call.
	CallTimeout time.Duration
	// ConflictRetries bounds re-evaluation after a concurrent write.
	ConflictRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		LaunchTimeout:   15 * time.Minute,
		CallTimeout:     2 * time.Minute,
		ConflictRetries: 3,
	}
}

// Engine implements the queue tick state machine. It holds no queue state
// of its own; every tick is a function of the stored document and the
// collaborators.
type Engine struct {
	store    store.Store
	launcher launcher.Launcher
	checker  launcher.StatusChecker
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures optional Engine behaviour.
type Option func(*Engine)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine. l may be launcher.Headless() (or nil) for
// status-only operation; checker may be nil when nothing is ever in flight.
func New(st store.Store, l launcher.Launcher, checker launcher.StatusChecker, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if l == nil {
		l = launcher.Headless()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.LaunchTimeout <= cfg.CallTimeout {
		cfg.LaunchTimeout = 2 * cfg.CallTimeout
	}
	e := &Engine{
		store:    st,
		launcher: l,
		checker:  checker,
		config:   cfg,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick advances the named queue by at most one unit of work. force bypasses
// the pause flag. Failures are reported in the result, never returned.
func (e *Engine) Tick(ctx context.Context, queue string, force bool) model.TickResult {
	for attempt := 0; ; attempt++ {
		res, err := e.tick(ctx, queue, force)
		if err == nil {
			e.logger.Debug("tick", "queue", queue, "force", force, "ok", res.OK, "message", res.Message, "changed", res.Changed)
			return res
		}
		if errors.Is(err, store.ErrConflict) && attempt < e.config.ConflictRetries {
			e.logger.Info("tick conflict, re-evaluating", "queue", queue, "attempt", attempt+1)
			continue
		}
		e.logger.Error("tick failed", "queue", queue, "error", err)
		return result(false, err.Error(), false)
	}
}

// tick returns an error only for store failures; store.ErrConflict means
// nothing irreversible happened and the whole tick may be re-run.
func (e *Engine) tick(ctx context.Context, queue string, force bool) (model.TickResult, error) {
	doc, err := e.store.Load(ctx, queue)
	if err != nil {
		return model.TickResult{}, fmt.Errorf("load queue %s: %w", queue, err)
	}
	if doc == nil {
		return result(false, MsgQueueNotFound, false), nil
	}
	if !doc.QueueRunning && !force {
		return result(true, MsgPaused, false), nil
	}

	if entry := doc.InFlight(); entry != nil {
		return e.poll(ctx, queue, doc, entry)
	}
	return e.launchNext(ctx, queue, doc)
}

// poll asks the status checker about the in-flight entry.
func (e *Engine) poll(ctx context.Context, queue string, doc *model.QueueDocument, entry *model.JobEntry) (model.TickResult, error) {
	if entry.ExecutionName == "" {
		// Claimed by a launch that has not reported back yet.
		if e.now().Sub(entry.Timestamp) < e.config.LaunchTimeout {
			return result(true, MsgNoChange, false), nil
		}
		e.logger.Warn("stale launch claim", "queue", queue, "entry_id", entry.ID, "claimed_at", entry.Timestamp)
		res := e.applyLaunchFailure(queue, entry, errLaunchInterrupted)
		if err := e.store.Save(ctx, queue, doc); err != nil {
			return model.TickResult{}, fmt.Errorf("save queue %s: %w", queue, err)
		}
		return res, nil
	}

	if e.checker == nil {
		return result(false, MsgCheckerNotProvided, false), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	st, err := e.checker.Status(callCtx, entry.ExecutionName)
	cancel()
	if err != nil {
		e.logger.Warn("status check failed", "queue", queue, "entry_id", entry.ID, "execution", entry.ExecutionName, "error", err)
		return result(false, "status check failed: "+err.Error(), false), nil
	}

	next := st.State
	if next == model.JobStatusPending {
		// Accepted remotely but not started.
		next = model.JobStatusLaunching
	}
	if !next.Valid() {
		return result(false, fmt.Sprintf("status checker returned unknown status %q", st.State), false), nil
	}
	if next == entry.Status {
		return result(true, MsgNoChange, false), nil
	}
	if !entry.Status.CanTransitionTo(next) {
		terr := &model.InvalidTransitionError{Queue: queue, EntryID: entry.ID, From: entry.Status, To: next}
		e.logger.Warn("ignoring status", "error", terr)
		return result(false, terr.Error(), false), nil
	}

	msg := st.Message
	if msg == "" {
		msg = next.String()
	}
	prev := entry.Status
	entry.SetStatus(next, msg, e.now())
	if err := e.store.Save(ctx, queue, doc); err != nil {
		return model.TickResult{}, fmt.Errorf("save queue %s: %w", queue, err)
	}

	e.logger.Info("job status changed",
		"queue", queue,
		"entry_id", entry.ID,
		"execution", entry.ExecutionName,
		"from", prev,
		"to", next,
	)
	return result(true, next.String(), true), nil
}

// launchNext claims the first PENDING entry and launches it.
func (e *Engine) launchNext(ctx context.Context, queue string, doc *model.QueueDocument) (model.TickResult, error) {
	if len(doc.Entries) == 0 {
		return result(true, MsgEmptyQueue, false), nil
	}
	entry := doc.FirstPending()
	if entry == nil {
		return result(true, MsgNoPending, false), nil
	}
	if launcher.IsHeadless(e.launcher) {
		return result(false, MsgLauncherNotProvided, false), nil
	}

	// Claim first: a concurrent tick that loaded the same revision loses
	// here, before anything is launched.
	claimedAt := e.now().UTC()
	entry.SetStatus(model.JobStatusLaunching, "launching", claimedAt)
	entry.ExecutionName = ""
	if err := e.store.Save(ctx, queue, doc); err != nil {
		return model.TickResult{}, fmt.Errorf("claim entry %d: %w", entry.ID, err)
	}

	req := launcher.Request{
		Queue:   queue,
		EntryID: entry.ID,
		Attempt: entry.RetryCount + 1,
		Params:  entry.Params,
	}
	e.logger.Info("launching job", "queue", queue, "entry_id", req.EntryID, "attempt", req.Attempt)

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	exec, launchErr := e.launcher.Launch(callCtx, req)
	cancel()
	if launchErr == nil && exec.Name == "" {
		launchErr = errNoExecutionName
	}

	// From here on the outcome is committed against the freshest document;
	// re-running the tick would launch a second time.
	var res model.TickResult
	_, err := store.Update(ctx, e.store, queue, func(d *model.QueueDocument) error {
		claimed := d.Entry(req.EntryID)
		if !holdsClaim(claimed, req, claimedAt) {
			return errClaimLost
		}
		if launchErr != nil {
			res = e.applyLaunchFailure(queue, claimed, launchErr)
			return nil
		}
		claimed.SetStatus(model.JobStatusLaunching, "launched execution "+exec.Name, e.now())
		claimed.ExecutionName = exec.Name
		claimed.GCSPrefix = exec.OutputPrefix
		res = result(true, MsgLaunched, true)
		return nil
	})
	if err != nil {
		e.logger.Error("record launch outcome",
			"queue", queue,
			"entry_id", req.EntryID,
			"execution", exec.Name,
			"launch_error", launchErr,
			"error", err,
		)
		if launchErr == nil {
			e.cancelOrphan(queue, req, exec.Name)
		}
		return result(false, fmt.Sprintf("record launch of entry %d: %v", req.EntryID, err), false), nil
	}

	if launchErr == nil {
		e.logger.Info("job launched", "queue", queue, "entry_id", req.EntryID, "execution", exec.Name)
	}
	return res, nil
}

// holdsClaim reports whether entry still carries the claim made for req at
// claimedAt. A stale-claim recovery bumps the retry count, so a later claim
// on the same entry never matches an earlier one.
func holdsClaim(entry *model.JobEntry, req launcher.Request, claimedAt time.Time) bool {
	return entry != nil &&
		entry.Status == model.JobStatusLaunching &&
		entry.ExecutionName == "" &&
		entry.RetryCount == req.Attempt-1 &&
		entry.Timestamp.Equal(claimedAt)
}

// cancelOrphan stops an execution whose launch could not be recorded.
// Nothing would ever poll it, and the entry will be launched again.
func (e *Engine) cancelOrphan(queue string, req launcher.Request, name string) {
	c, ok := e.launcher.(launcher.Canceller)
	if !ok {
		e.logger.Warn("orphaned execution left running", "queue", queue, "entry_id", req.EntryID, "execution", name)
		return
	}
	if err := c.Cancel(name); err != nil {
		e.logger.Error("cancel orphaned execution", "queue", queue, "entry_id", req.EntryID, "execution", name, "error", err)
		return
	}
	e.logger.Warn("cancelled orphaned execution", "queue", queue, "entry_id", req.EntryID, "execution", name)
}

// applyLaunchFailure counts a failed attempt against entry, returning it to
// PENDING or failing it once MaxRetries attempts have been made.
func (e *Engine) applyLaunchFailure(queue string, entry *model.JobEntry, cause error) model.TickResult {
	entry.RetryCount++
	entry.ExecutionName = ""

	if entry.RetryCount >= e.config.MaxRetries {
		entry.SetStatus(model.JobStatusFailed,
			fmt.Sprintf("launch failed after %d attempts: %v", entry.RetryCount, cause), e.now())
		e.logger.Warn("job failed", "queue", queue, "entry_id", entry.ID, "attempts", entry.RetryCount, "error", cause)
		return result(true, model.JobStatusFailed.String(), true)
	}

	msg := "launch failed: " + cause.Error()
	entry.SetStatus(model.JobStatusPending, msg, e.now())
	e.logger.Warn("launch failed, will retry",
		"queue", queue,
		"entry_id", entry.ID,
		"retry_count", entry.RetryCount,
		"max_retries", e.config.MaxRetries,
		"error", cause,
	)
	return result(true, msg, true)
}

func result(ok bool, message string, changed bool) model.TickResult {
	return model.TickResult{OK: ok, Message: message, Changed: changed}
}
