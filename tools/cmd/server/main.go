package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickwarner/adslot/internal/api"
	"github.com/patrickwarner/adslot/internal/config"
	"github.com/patrickwarner/adslot/internal/consent"
	"github.com/patrickwarner/adslot/internal/db"
	"github.com/patrickwarner/adslot/internal/dispatch"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/extras/networks"
	"github.com/patrickwarner/adslot/internal/fetch"
	"github.com/patrickwarner/adslot/internal/formats"
	"github.com/patrickwarner/adslot/internal/manager"
	"github.com/patrickwarner/adslot/internal/observability"
	"github.com/patrickwarner/adslot/internal/render"
	"github.com/patrickwarner/adslot/internal/settings"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// consentStore is what the daemon needs from its consent sink.
type consentStore interface {
	networks.ConsentSink
	api.ConsentReader
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	region, err := consent.ParseGeography(cfg.ConsentGeography)
	if err != nil {
		return err
	}

	var (
		store         consentStore   = networks.NewMemorySink()
		consentInfo   consent.Store  = consent.NewMemoryStore()
		settingsStore settings.Store = settings.NewMemoryStore()
		redis         *db.RedisStore
	)
	if cfg.RedisEnabled {
		rs, err := db.InitRedis(ctx, cfg.RedisAddr, cfg.ConsentTTL)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer rs.Close()
		store, consentInfo, settingsStore, redis = rs, rs, rs, rs
	}

	registry := extras.NewRegistry(logger, metricsRegistry)
	if err := networks.RegisterDefaults(registry, store, cfg.EnabledNetworks...); err != nil {
		return fmt.Errorf("register networks: %w", err)
	}
	logger.Info("ad networks registered", zap.Strings("networks", registry.Tags()))

	dispatcher := dispatch.New(logger, metricsRegistry, dispatch.WithQueueWarning(cfg.DispatchQueueWarn))
	defer dispatcher.Close()

	simulator := render.NewSimulator(render.Config{
		ShowDelay:    cfg.SimShowDelay,
		DismissDelay: cfg.SimDismissDelay,
	}, logger)

	adSettings := settings.NewService(settingsStore, simulator, cfg.AdSettings(), logger)
	startup, applied, err := adSettings.Startup(ctx)
	if err != nil {
		return fmt.Errorf("ad settings: %w", err)
	}
	logger.Info("ad settings loaded",
		zap.Float64("volume", startup.ClampedVolume()),
		zap.Bool("muted", startup.Muted),
		zap.Bool("applied", applied),
	)

	events := api.NewEventLog(cfg.EventLogSize)
	slots := manager.New(dispatcher, manager.Config{
		Catalog: formats.Catalog{
			Fetcher:     fetch.New(cfg.FetchBaseURL, cfg.FetchTimeout, logger),
			Renderer:    simulator,
			MaxLifetime: cfg.AdMaxLifetime,
		},
		Registry:    registry,
		Listener:    events,
		Logger:      logger,
		Metrics:     metricsRegistry,
		ResumeDelay: cfg.AppOpenResumeDelay,
	})
	defer func() {
		if err := slots.Close(); err != nil {
			logger.Error("manager close", zap.Error(err))
		}
	}()

	srvDeps := api.NewServer(logger, slots, simulator, events, store, registry.Tags(), metricsRegistry, cfg)
	if redis != nil {
		srvDeps.Store = redis
	}
	srvDeps.Queue = dispatcher
	srvDeps.Settings = adSettings
	srvDeps.ConsentInfo = consent.NewTracker(consentInfo, region, logger)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Ad slot daemon running",
		zap.String("addr", addr),
		zap.String("fetch_base_url", cfg.FetchBaseURL),
		zap.Duration("ad_max_lifetime", cfg.AdMaxLifetime),
		zap.Bool("redis", cfg.RedisEnabled),
		zap.String("consent_geography", string(region)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
