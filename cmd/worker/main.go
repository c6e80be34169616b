package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"drisya/internal/bootstrap"
	"drisya/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLevelLogger(cfg.AppEnv, cfg.LogLevel).With().Str("component", "worker").Logger()

	if cfg.StoreDriver == "memory" {
		logger.Fatal().Msg("worker: STORE_DRIVER=memory is only usable with the embedded worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: build pipeline")
	}
	defer pipeline.Close()

	logger.Info().
		Str("provider", cfg.ProviderPrimary).
		Int("max_inflight", cfg.DispatchMaxInFlight).
		Int("max_per_user", cfg.DispatchMaxPerUser).
		Msg("worker: started")

	if err := pipeline.RunWorkers(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
