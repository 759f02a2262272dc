package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/me/queuegate/internal/engine"
	"github.com/me/queuegate/internal/scheduler"
	"github.com/me/queuegate/pkg/model"
)

func (g *Gateway) serveTick(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("tick panic", "panic", p, "url", r.URL.String())
			writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: fmt.Sprint(p)})
		}
	}()

	queue := r.URL.Query().Get("name")
	if queue == "" {
		queue = g.config.DefaultQueue
	}

	// A launch must run to completion even if the caller hangs up.
	ctx := context.WithoutCancel(r.Context())
	res := g.ticker.Tick(ctx, queue, false)

	action := scheduler.Decide(res)
	if !res.OK && res.Message == engine.MsgQueueNotFound {
		// Nothing to poll; any name can be ticked without auth.
		action = scheduler.ActionNone
	}
	if err := scheduler.Arm(ctx, g.trigger, queue, action, g.config.PollDelay); err != nil && !errors.Is(err, scheduler.ErrStopped) {
		g.logger.Warn("arm trigger", "queue", queue, "action", action, "error", err)
	}

	g.logger.Info("queue tick",
		"queue", queue,
		"ok", res.OK,
		"message", res.Message,
		"changed", res.Changed,
		"next", action,
	)
	w.Header().Set(NextActionHeader, action.String())
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
