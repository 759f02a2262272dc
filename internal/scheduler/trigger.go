package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("trigger stopped")

// Trigger arranges for a queue to be ticked after delay.
type Trigger interface {
	Schedule(ctx context.Context, queue string, delay time.Duration) error
}

// Arm schedules the tick that action calls for.
func Arm(ctx context.Context, t Trigger, queue string, action Action, pollDelay time.Duration) error {
	switch action {
	case ActionImmediate:
		return t.Schedule(ctx, queue, 0)
	case ActionDelayed:
		return t.Schedule(ctx, queue, pollDelay)
	default:
		return nil
	}
}

// Noop is the trigger used when something outside the process (cron,
// Cloud Scheduler) drives ticks.
type Noop struct{}

func (Noop) Schedule(context.Context, string, time.Duration) error { return nil }

// HTTPTrigger keeps at most one timer per queue and, when it fires, calls
// the gateway's tick endpoint for that queue.
type HTTPTrigger struct {
	tickURL *url.URL
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	timers  map[string]*pendingTick
	stopped bool
	wg      sync.WaitGroup
}

type pendingTick struct {
	timer *time.Timer
	due   time.Time
}

// NewHTTPTrigger creates a trigger that GETs tickURL. A nil client gets a
// default with a generous timeout, since a tick may wait on the launcher.
func NewHTTPTrigger(tickURL string, client *http.Client, logger *slog.Logger) (*HTTPTrigger, error) {
	u, err := url.Parse(tickURL)
	if err != nil {
		return nil, fmt.Errorf("parse tick url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tick url %q: scheme must be http or https", tickURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPTrigger{
		tickURL: u,
		client:  client,
		logger:  logger.With("component", "trigger"),
		timers:  make(map[string]*pendingTick),
	}, nil
}

// Schedule arms a tick for queue after delay. If a tick is already pending
// for the queue, the earlier of the two wins.
func (t *HTTPTrigger) Schedule(_ context.Context, queue string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := time.Now().Add(delay)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if p, ok := t.timers[queue]; ok {
		if !due.Before(p.due) {
			return nil
		}
		p.timer.Stop()
	}

	p := &pendingTick{due: due}
	p.timer = time.AfterFunc(delay, func() { t.fire(queue, p) })
	t.timers[queue] = p
	t.logger.Debug("tick armed", "queue", queue, "delay", delay)
	return nil
}

func (t *HTTPTrigger) fire(queue string, p *pendingTick) {
	t.mu.Lock()
	if t.timers[queue] == p {
		delete(t.timers, queue)
	}
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	if err := t.call(queue); err != nil {
		t.logger.Warn("tick request failed", "queue", queue, "error", err)
	}
}

func (t *HTTPTrigger) call(queue string) error {
	u := *t.tickURL
	q := u.Query()
	q.Set("queue_tick", "1")
	q.Set("name", queue)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tick %s: HTTP %d", queue, resp.StatusCode)
	}
	t.logger.Debug("tick delivered", "queue", queue)
	return nil
}

// Pending returns the due time of the queue's armed tick, if any.
func (t *HTTPTrigger) Pending(queue string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.timers[queue]
	if !ok {
		return time.Time{}, false
	}
	return p.due, true
}

// Stop cancels all armed ticks and waits for in-progress tick requests.
func (t *HTTPTrigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	for queue, p := range t.timers {
		p.timer.Stop()
		delete(t.timers, queue)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
