// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/engine"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/httpapi"
	"github.com/mood-agency/relay/internal/obs"
	"github.com/mood-agency/relay/internal/reaper"
	"github.com/mood-agency/relay/internal/registry"
	"github.com/mood-agency/relay/internal/store"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	st, err := store.NewPostgres(cfg.Store.DSN, store.PostgresOptions{
		MaxOpenConns:     cfg.Store.MaxOpenConns,
		MaxIdleConns:     cfg.Store.MaxIdleConns,
		ConnMaxLifetime:  cfg.Store.ConnMaxLifetime,
		RetryMaxAttempts: cfg.Store.RetryMaxAttempts,
		RetryBackoffBase: cfg.Store.RetryBackoffBase,
		RetryBackoffMax:  cfg.Store.RetryBackoffMax,
		NotifyChannel:    cfg.Events.ChannelName,
	})
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Bootstrap(ctx); err != nil {
		logger.Fatal("failed to bootstrap store", obs.Err(err))
	}

	reg := registry.New(st)
	act := activity.New(st, cfg.Activity)
	bus := events.New(cfg.Events.BufferSize, nil)
	eng := engine.New(st, reg, act, bus, cfg, logger)

	readyCheck := func(c context.Context) error {
		_, _, err := st.ListMessages(c, store.MessageFilter{Limit: 1})
		return err
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck, logger)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	rep := reaper.New(&cfg.RequeueWorker, st, act, bus, logger)
	go rep.Run(ctx)

	if cfg.Activity.SweepInterval > 0 {
		go runRetentionSweeper(ctx, act, cfg.Activity.SweepInterval, logger)
	}

	api := httpapi.NewServer(&cfg.HTTP, eng, reg, act, bus, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := api.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancelShutdown()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error("httpapi shutdown error", obs.Err(err))
		}
	case err := <-errCh:
		logger.Error("httpapi server error", obs.Err(err))
		cancel()
	}
}

// runRetentionSweeper periodically deletes activity log rows older than the
// configured retention horizon, per spec.md §4.8's sweep requirement.
func runRetentionSweeper(ctx context.Context, act *activity.Pipeline, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := act.SweepRetention(ctx)
			if err != nil {
				logger.Warn("activity retention sweep failed", obs.Err(err))
				continue
			}
			if n > 0 {
				logger.Info("swept expired activity log rows", obs.Int("count", int(n)))
			}
		}
	}
}
