// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

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

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/plantsim/internal/api"
	"github.com/ManuGH/plantsim/internal/bus"
	"github.com/ManuGH/plantsim/internal/config"
	"github.com/ManuGH/plantsim/internal/domain/session/manager"
	"github.com/ManuGH/plantsim/internal/domain/session/recovery"
	"github.com/ManuGH/plantsim/internal/engine"
	"github.com/ManuGH/plantsim/internal/log"
	"github.com/ManuGH/plantsim/internal/store"
	"github.com/ManuGH/plantsim/internal/worker"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheckCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.Loader{Path: *configPath}
	cfg, err := loader.Load()
	if err != nil {
		logger := log.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.Log.Level})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Server.Addr).
		Str("store_backend", cfg.Store.Backend).
		Msg("starting plantsim")

	if err := run(ctx, cfg, loader); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}

func run(ctx context.Context, cfg config.Config, loader config.Loader) error {
	logger := log.WithComponent("daemon")

	st, err := store.Open(ctx, store.Config{
		Backend: cfg.Store.Backend,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("store close failed")
		}
	}()

	b := bus.NewMemoryBus()
	defer b.Close()

	pool := worker.NewPool(b, engine.NewSimEngine, st.Events, st.Sessions, worker.PoolConfig{
		HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.Worker.HeartbeatTimeout(),
		StopGrace:         cfg.Worker.StopGrace(),
	})

	rec := recovery.NewService(st.Sessions, st.Events, cfg.Recovery.StaleAfter(), cfg.Recovery.SummaryPath)

	mgr := manager.New(st.Sessions, pool, rec, b, manager.Config{
		MaxGlobal:           cfg.Sessions.MaxGlobal,
		MaxPerUser:          cfg.Sessions.MaxPerUser,
		DefaultDurationDays: cfg.Sessions.DefaultDurationDays,
		DefaultSpeedFactor:  cfg.Sessions.DefaultSpeedFactor,
		InitTimeout:         cfg.Sessions.InitTimeout(),
		SweepInterval:       cfg.Sessions.SweepInterval(),
	})
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize manager: %w", err)
	}

	// Hot reload: admission caps apply live, everything else at restart.
	holder := config.NewHolder(cfg, loader)
	if err := holder.StartWatcher(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer holder.Stop()
	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)
	go func() {
		for {
			select {
			case next := <-reloads:
				mgr.SetCaps(next.Sessions.MaxGlobal, next.Sessions.MaxPerUser)
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := api.NewServer(mgr, st.Events, api.Config{
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("manager shutdown failed")
		}
		return nil
	})
	return g.Wait()
}
