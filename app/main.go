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

	"github.com/lysyi3m/auto-comb/app/adapters"
	"github.com/lysyi3m/auto-comb/app/api"
	"github.com/lysyi3m/auto-comb/app/canon"
	"github.com/lysyi3m/auto-comb/app/cfg"
	"github.com/lysyi3m/auto-comb/app/collab"
	"github.com/lysyi3m/auto-comb/app/database"
	"github.com/lysyi3m/auto-comb/app/dedup"
	"github.com/lysyi3m/auto-comb/app/feed"
	"github.com/lysyi3m/auto-comb/app/ingest"
	"github.com/lysyi3m/auto-comb/app/pipeline"
	"github.com/lysyi3m/auto-comb/app/resilience"
	"github.com/lysyi3m/auto-comb/app/sources"
	"github.com/lysyi3m/auto-comb/app/tasks"
	"github.com/lysyi3m/auto-comb/app/trust"
	"github.com/lysyi3m/auto-comb/app/tuning"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	appCfg, err := cfg.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if appCfg == nil {
		return nil
	}

	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting Auto Comb", "version", appCfg.Version)

	configCache := sources.NewConfigCache(appCfg.SourcesDir)
	if err := configCache.Run(); err != nil {
		return fmt.Errorf("failed to load source configurations: %w", err)
	}
	slog.Info("Source configurations loaded", "count", configCache.GetConfigCount(), "dir", appCfg.SourcesDir)

	tun, err := tuning.Load(appCfg.TuningFile)
	if err != nil {
		return err
	}

	db, err := database.Open(appCfg.DBDriver, appCfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "driver", db.Driver(), "schema_version", version, "dirty", dirty)

	repo := database.NewListingRepository(db)

	httpClient := &http.Client{}

	market := collab.NewMarket(appCfg.PriceInsightsURL, httpClient, appCfg.UserAgent, tun.Market.InsightTTL)

	var insights tasks.InsightCache
	if appCfg.PriceInsightsURL != "" {
		insights = market
	} else {
		slog.Info("Price insights disabled (PRICE_INSIGHTS_URL not set)")
	}

	var images pipeline.ImageVerifier
	if verifier := collab.NewImageVerifier(appCfg.ImageVerifierURL, httpClient, appCfg.UserAgent); verifier.Enabled() {
		images = verifier
	} else {
		slog.Info("Image verification disabled (IMAGE_VERIFIER_URL not set)")
	}

	registry, err := adapters.NewRegistry(configCache.GetEnabledConfigs(), adapters.Options{
		Client:    httpClient,
		UserAgent: appCfg.UserAgent,
		Timeout:   appCfg.RunTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build source adapters: %w", err)
	}
	slog.Info("Source adapters ready", "sources", registry.Names())

	breakers := resilience.NewRegistry(tun.BreakerConfig(), time.Now)

	orchestrator := ingest.New(ingest.Config{
		Concurrency: appCfg.Concurrency,
		RunTimeout:  appCfg.RunTimeout,
		Retry:       tun.RetryPolicy(),
	}, breakers)

	canonicalizer, err := canon.New(configCache, tun.CanonConfig())
	if err != nil {
		return fmt.Errorf("failed to build canonicalizer: %w", err)
	}

	scorer, err := trust.NewScorer(tun.TrustConfig(), market, market)
	if err != nil {
		return fmt.Errorf("failed to build trust scorer: %w", err)
	}

	defaultTTL := tun.Cache.DefaultTTL
	pl := pipeline.New(pipeline.Deps{
		Sources:       registry,
		Orchestrator:  orchestrator,
		Canonicalizer: canonicalizer,
		Images:        images,
		Deduplicator:  dedup.New(tun.DedupConfig()),
		Scorer:        scorer,
		CacheConfig:   tun.CacheConfig(),
		TTL: func(src string) time.Duration {
			return configCache.TTL(src, defaultTTL)
		},
		Store: repo,
	})
	defer pl.Cache().Close()

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := pl.Cache().Load(loadCtx)
	cancelLoad()
	if err != nil {
		slog.Warn("Failed to restore cache from database", "error", err)
	} else {
		slog.Info("Cache restored", "entries", restored)
	}

	scheduler := tasks.NewScheduler(tasks.Config{
		Cities:          appCfg.Cities,
		WorkerCount:     appCfg.WorkerCount,
		Interval:        appCfg.SchedulerInterval,
		IngestInterval:  appCfg.IngestInterval,
		SweepInterval:   appCfg.SweepInterval,
		RescoreInterval: appCfg.RescoreInterval,
		TaskTimeout:     appCfg.RunTimeout + time.Minute,
	}, pl, pl.Cache(), pl, insights)
	scheduler.Start()
	defer scheduler.Stop()

	feeds := feed.NewGenerator(appCfg.PublicURL(), appCfg.Version)
	handler := api.NewHandler(pl.Cache(), pl, breakers, configCache, repo, feeds, pl, scheduler, appCfg.Version)
	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: appCfg.RunTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server started", "port", appCfg.Port, "cities", appCfg.Cities)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	return nil
}
