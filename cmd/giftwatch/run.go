package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/giftplan-realtime/internal/auth"
	"github.com/rickgao/giftplan-realtime/internal/cache"
	"github.com/rickgao/giftplan-realtime/internal/config"
	"github.com/rickgao/giftplan-realtime/internal/connection"
	"github.com/rickgao/giftplan-realtime/internal/feed"
	"github.com/rickgao/giftplan-realtime/internal/metrics"
	"github.com/rickgao/giftplan-realtime/internal/provider"
	"github.com/rickgao/giftplan-realtime/internal/topic"
	"github.com/rickgao/giftplan-realtime/internal/version"
)

type watchOptions struct {
	ConfigPath string
	Topics     []string
	Select     string
	URL        string
	Token      string
}

// loadConfig merges the config file (if any) with command-line overrides.
func loadConfig(opts watchOptions) (*config.WatchConfig, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.LoadWithDefaults(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	if opts.URL != "" {
		cfg.Realtime.URL = opts.URL
	}
	if opts.Token != "" {
		cfg.Auth.Token = opts.Token
		cfg.Auth.TokenFile = ""
	}
	if len(opts.Topics) > 0 {
		cfg.Watch.Topics = opts.Topics
	}
	if opts.Select != "" {
		cfg.Watch.SelectPath = opts.Select
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.WatchConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Realtime.Debug {
		level = slog.LevelDebug
	}

	// Events go to stdout; logs stay on stderr.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func connectionConfig(rc config.RealtimeConfig) connection.Config {
	return connection.Config{
		URL:                  rc.URL,
		Reconnect:            rc.ReconnectEnabled(),
		ReconnectInterval:    rc.ReconnectInterval,
		ReconnectMaxInterval: rc.ReconnectMaxInterval,
		ReconnectJitter:      rc.ReconnectJitter,
		HeartbeatInterval:    rc.HeartbeatInterval,
		HandshakeTimeout:     rc.HandshakeTimeout,
		WriteTimeout:         rc.WriteTimeout,
		ReadLimit:            rc.ReadLimit,
		Debug:                rc.Debug,
	}
}

func resolveToken(ac config.AuthConfig) (string, error) {
	if ac.TokenFile != "" {
		return auth.LoadTokenFile(ac.TokenFile)
	}
	return ac.Token, nil
}

func runWatch(parent context.Context, opts watchOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting giftwatch",
		"version", version.Version,
		"commit", version.Commit,
		"url", cfg.Realtime.URL,
		"topics", cfg.Watch.Topics,
	)

	token, err := resolveToken(cfg.Auth)
	if err != nil {
		return err
	}
	session := auth.NewSession()
	if err := session.Login(token); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	manager := connection.New(connectionConfig(cfg.Realtime), session,
		connection.WithLogger(logger),
		connection.WithObserver(collector),
	)
	p := provider.New(manager, session, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = provider.NewContext(ctx, p)

	entities, err := cache.New(cfg.Cache.Size, logger)
	if err != nil {
		return err
	}
	stopCache := entities.Watch(p, cfg.Watch.Topics...)
	defer stopCache()

	buf := feed.NewBuffer[topic.Event](cfg.Watch.BufferSize, cfg.Watch.BufferLimit)
	for _, t := range cfg.Watch.Topics {
		unsub := p.Subscribe(t, feed.Handler(buf))
		defer unsub()
	}
	printer := feed.NewPrinter(os.Stdout, cfg.Watch.SelectPath, logger)

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           createHealthHandler(ctx, entities, reg, cfg.Health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := printer.Run(gctx, buf)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		p.Stop()
		buf.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	p.Start()

	err = g.Wait()
	st := buf.Stats()
	logger.Info("giftwatch stopped",
		"events", st.Pushed,
		"dropped", st.Dropped,
	)
	return err
}
