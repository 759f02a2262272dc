// Package gateway is the single HTTP entry point in front of the backend
// app. It answers queue-tick requests itself, tunnels protocol upgrades to
// the backend and forwards everything else.
package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/me/queuegate/internal/scheduler"
)

// AuthBypassHeader marks forwarded requests that the backend's access
// layer should let through without a login.
const AuthBypassHeader = "X-Queuegate-Auth-Bypass"

// NextActionHeader carries the scheduling decision on tick responses.
const NextActionHeader = "X-Queue-Next-Action"

// Config holds gateway configuration.
type Config struct {
	BackendAddr       string
	DefaultQueue      string
	DialTimeout       time.Duration
	ResponseTimeout   time.Duration
	TunnelIdleTimeout time.Duration
	PollDelay         time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BackendAddr:       "127.0.0.1:8501",
		DefaultQueue:      "default",
		DialTimeout:       5 * time.Second,
		ResponseTimeout:   60 * time.Second,
		TunnelIdleTimeout: 10 * time.Minute,
		PollDelay:         2 * time.Minute,
	}
}

// Kind is the way a request is handled.
type Kind int

const (
	KindHTTP Kind = iota
	KindTick
	KindUpgrade
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindUpgrade:
		return "upgrade"
	default:
		return "http"
	}
}

// Classify decides how r is handled. A tick request is never forwarded,
// even if it also asks for an upgrade.
func Classify(r *http.Request) Kind {
	if r.URL.Query().Get("queue_tick") == "1" {
		return KindTick
	}
	if r.Header.Get("Upgrade") != "" {
		return KindUpgrade
	}
	for _, v := range r.Header.Values("Connection") {
		if strings.Contains(strings.ToLower(v), "upgrade") {
			return KindUpgrade
		}
	}
	return KindHTTP
}

// IsAuthBypass reports whether r may skip the backend's login: machine
// tick calls and health probes.
func IsAuthBypass(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("queue_tick") == "1" || q.Get("health") == "true"
}

// Gateway implements http.Handler.
type Gateway struct {
	config  Config
	ticker  scheduler.Ticker
	trigger scheduler.Trigger
	dialer  *net.Dialer
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Gateway. A nil trigger disables follow-up arming.
func New(cfg Config, tk scheduler.Ticker, trigger scheduler.Trigger, logger *slog.Logger) *Gateway {
	if trigger == nil {
		trigger = scheduler.Noop{}
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Gateway{
		config:  cfg,
		ticker:  tk,
		trigger: trigger,
		dialer:  dialer,
		client:  newBackendClient(dialer, cfg.ResponseTimeout),
		logger:  logger.With("component", "gateway"),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch Classify(r) {
	case KindTick:
		g.serveTick(w, r)
	case KindUpgrade:
		g.serveUpgrade(w, r)
	default:
		g.serveForward(w, r)
	}
}

// backendHeaders returns a copy of h with the bypass marker set only when
// the request qualifies for it.
func backendHeaders(r *http.Request) http.Header {
	h := r.Header.Clone()
	h.Del(AuthBypassHeader)
	if IsAuthBypass(r) {
		h.Set(AuthBypassHeader, "1")
	}
	return h
}
