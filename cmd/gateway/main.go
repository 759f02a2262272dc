package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/queuegate/internal/config"
	"github.com/me/queuegate/internal/engine"
	"github.com/me/queuegate/internal/gateway"
	"github.com/me/queuegate/internal/launcher"
	"github.com/me/queuegate/internal/logging"
	"github.com/me/queuegate/internal/scheduler"
	"github.com/me/queuegate/internal/server"
	"github.com/me/queuegate/internal/store"
)

var version = "dev"

func main() {
	cfg := config.DefaultGatewayConfig()

	configFile := flag.String("config", "", "Path to a YAML config file (flags override it)")
	addr := flag.String("addr", cfg.ListenAddr, "Listen address")
	backend := flag.String("backend", cfg.BackendAddr, "Backend app address (host:port)")
	queue := flag.String("queue", cfg.DefaultQueue, "Queue ticked when a tick request names none")
	storeLoc := flag.String("store", cfg.Store, "Queue store: sqlite://path, redis://host/db, s3://bucket/prefix")
	trigger := flag.String("trigger", cfg.Trigger, "Follow-up tick trigger: http or none")
	tickURL := flag.String("tick-url", cfg.TickURL, "URL the http trigger calls")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", cfg.LogFormat, "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *configFile != "" {
		if err := config.LoadFile(*configFile, &cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if s := os.Getenv("QUEUEGATE_STORE"); s != "" {
		cfg.Store = s
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ListenAddr = *addr
		case "backend":
			cfg.BackendAddr = *backend
		case "queue":
			cfg.DefaultQueue = *queue
		case "store":
			cfg.Store = *storeLoc
		case "trigger":
			cfg.Trigger = *trigger
		case "tick-url":
			cfg.TickURL = *tickURL
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store ready", "location", cfg.Store)

	l, checker, err := launcher.FromConfig(cfg.Launcher, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
		os.Exit(1)
	}
	if launcher.IsHeadless(l) {
		logger.Warn("no launcher command configured; queues will not launch jobs")
	}

	ecfg := engine.DefaultConfig()
	ecfg.MaxRetries = cfg.MaxRetries
	ecfg.LaunchTimeout = cfg.LaunchTimeout
	ecfg.CallTimeout = cfg.CallTimeout
	eng := engine.New(st, l, checker, ecfg, logger)

	var trig scheduler.Trigger = scheduler.Noop{}
	var httpTrigger *scheduler.HTTPTrigger
	if cfg.Trigger == "http" {
		httpTrigger, err = scheduler.NewHTTPTrigger(cfg.TickURL, nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
			os.Exit(1)
		}
		trig = httpTrigger
	}

	gw := gateway.New(gateway.Config{
		BackendAddr:       cfg.BackendAddr,
		DefaultQueue:      cfg.DefaultQueue,
		DialTimeout:       cfg.DialTimeout,
		ResponseTimeout:   cfg.ResponseTimeout,
		TunnelIdleTimeout: cfg.TunnelIdleTimeout,
		PollDelay:         cfg.PollDelay,
	}, eng, trig, logger)

	serverOpts := []server.Option{server.WithVersion(version)}
	lister, canList := st.(store.Lister)
	if canList {
		serverOpts = append(serverOpts, server.WithQueueLister(lister))
	}
	srv := server.New(gw, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("gateway starting", "addr", cfg.ListenAddr, "backend", cfg.BackendAddr, "trigger", cfg.Trigger)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	var sweeper *scheduler.Sweeper
	if cfg.SweepInterval > 0 && canList {
		sweeper = scheduler.NewSweeper(eng, lister, trig, scheduler.SweeperConfig{
			Interval:  cfg.SweepInterval,
			PollDelay: cfg.PollDelay,
		}, logger)
		go func() {
			if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweeper stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop arming new ticks before the HTTP server goes away.
	if sweeper != nil {
		sweeper.Stop()
	}
	if httpTrigger != nil {
		httpTrigger.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}
