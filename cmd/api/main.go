package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"drisya/internal/bootstrap"
	"drisya/internal/http/handlers"
	httpapi "drisya/internal/http/httpapi"
	"drisya/internal/infra"
	"drisya/internal/infra/geoip"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLevelLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer pipeline.Close()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	defer resolver.Close()

	checks := map[string]handlers.HealthCheck{}
	if pipeline.Pool != nil {
		checks["database"] = pipeline.Pool.Ping
	}
	if pipeline.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return pipeline.Redis.Ping(ctx).Err()
		}
	}

	app, err := handlers.NewApp(handlers.Options{
		Jobs:           pipeline.Orchestrator,
		Ledger:         pipeline.Ledger,
		Accounts:       pipeline.Store,
		Blobs:          pipeline.Blobs,
		Events:         pipeline.Hub,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Checks:         checks,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build handlers")
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   resolver.Lookup(),
		Static:          pipeline.Blobs.Handler(),
		Logger:          logger,
	})

	go func() {
		if err := pipeline.RelayEvents(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("event relay stopped")
		}
	}()

	workersDone := make(chan struct{})
	if cfg.EmbeddedWorker {
		go func() {
			defer close(workersDone)
			if err := pipeline.RunWorkers(ctx); err != nil {
				logger.Error().Err(err).Msg("embedded worker stopped")
				stop()
			}
		}()
	} else {
		close(workersDone)
	}

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Str("store", cfg.StoreDriver).Bool("embedded_worker", cfg.EmbeddedWorker).Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	<-workersDone
	logger.Info().Msg("server stopped")
}
