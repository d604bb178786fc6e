// Command swarmd runs the agent-swarm orchestration kernel: the durable
// store, the task lifecycle engine, the poll dispatcher, the scheduler, and
// the HTTP API that agent workers and ingress adapters call.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/basket/agent-swarm/internal/audit"
	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/config"
	"github.com/basket/agent-swarm/internal/cron"
	"github.com/basket/agent-swarm/internal/dispatch"
	"github.com/basket/agent-swarm/internal/gateway"
	"github.com/basket/agent-swarm/internal/ingress"
	"github.com/basket/agent-swarm/internal/persistence"
	"github.com/basket/agent-swarm/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.LoadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (default <home>/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("swarmd", Version)
		return 0
	}

	path := *configPath
	if path == "" {
		path = filepath.Join(config.DefaultHome(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	logger, logCloser, levelVar, err := telemetry.NewLogger(cfg.Home, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.Home); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	eventBus := bus.NewWithLogger(logger)

	store, err := persistence.Open(cfg.DatabasePath, eventBus)
	if err != nil {
		logger.Error("open store", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("store ready", "path", cfg.DatabasePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := dispatch.New(dispatch.Config{
		Store:             store,
		Logger:            logger,
		ReviewingTimeout:  time.Duration(cfg.Sweeps.ReviewingTimeoutMinutes) * time.Minute,
		ProcessingTimeout: time.Duration(cfg.Sweeps.ProcessingTimeoutMinutes) * time.Minute,
		SessionTimeout:    time.Duration(cfg.Sweeps.SessionTimeoutMinutes) * time.Minute,
	})

	scheduler := cron.New(cron.Config{
		Store:            store,
		Bus:              eventBus,
		Logger:           logger,
		Interval:         cfg.SchedulerTick(),
		BackoffBase:      time.Duration(cfg.Scheduler.BackoffBaseSeconds) * time.Second,
		BackoffCap:       time.Duration(cfg.Scheduler.BackoffCapSeconds) * time.Second,
		AutoDisableAfter: cfg.Scheduler.AutoDisableAfter,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Periodic sweep independent of poll traffic, so stale claims release
	// even when every agent is silent.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dispatcher.ForceSweep(ctx); err != nil {
					logger.Warn("background sweep", "error", err)
				}
			}
		}
	}()

	rateLimit := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rateLimit.StartEviction(ctx.Done(), 10*time.Minute, time.Hour)

	var notifier *ingress.GitHubNotifier
	if gh := cfg.Ingress.GitHub; gh.APIToken != "" {
		token := gh.APIToken
		tokens := ingress.NewTokenCache(func(context.Context, string) (string, time.Time, error) {
			return token, time.Now().Add(time.Hour), nil
		})
		notifier = ingress.NewGitHubNotifier(tokens, gh.InstallationID, "", cfg.AppURL, logger)
		logger.Info("github outbound notifier enabled")
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Dispatcher:        dispatcher,
		Scheduler:         scheduler,
		Bus:               eventBus,
		Logger:            logger,
		APIKey:            cfg.APIKey,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         rateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		AppURL:            cfg.AppURL,
		Notifier:          notifier,
	})

	root := http.NewServeMux()
	root.Handle("/", gw.Handler())
	if secret := cfg.Ingress.GitHub.WebhookSecret; secret != "" {
		root.Handle("POST /webhooks/github", ingress.NewGitHubWebhook(store, secret, logger))
		logger.Info("github webhook ingress enabled")
	}
	if secret := cfg.Ingress.AgentMail.WebhookSecret; secret != "" {
		root.Handle("POST /webhooks/agentmail", ingress.NewAgentMailWebhook(store, secret, logger))
		logger.Info("agentmail webhook ingress enabled")
	}

	if tg := cfg.Ingress.Telegram; tg.Enabled && tg.Token != "" {
		adapter := ingress.NewTelegramAdapter(tg.Token, tg.AllowedIDs, store, logger)
		go func() {
			if err := adapter.Start(ctx); err != nil {
				logger.Error("telegram adapter stopped", "error", err)
			}
		}()
	}

	// Hot-reload log level and rate limits on config file changes.
	if err := config.Watch(ctx, path, logger, func(fresh *config.Config) {
		levelVar.Set(telemetry.ParseLevel(fresh.LogLevel))
		rateLimit.SetConfig(fresh.RateLimit)
	}); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", "addr", addr, "version", Version, "fingerprint", cfg.Fingerprint())
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server drain incomplete", "error", err)
	}
	return 0
}
