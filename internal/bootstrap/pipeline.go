// Package bootstrap assembles the enhancement pipeline from configuration.
// Both the API and the standalone worker build the same graph.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"drisya/internal/adapter/memstore"
	"drisya/internal/adapter/repo"
	"drisya/internal/domain"
	"drisya/internal/events"
	"drisya/internal/executor"
	"drisya/internal/infra"
	"drisya/internal/infra/credentials"
	"drisya/internal/jobs"
	"drisya/internal/ledger"
	"drisya/internal/providers/huggingface"
	"drisya/internal/providers/image"
	"drisya/internal/providers/local"
	"drisya/internal/providers/qwen"
	"drisya/internal/storage"
)

// DevTemplateID is seeded into the in-memory store.
const DevTemplateID = "studio-white"

// Pipeline holds the wired components. Close releases pooled resources.
type Pipeline struct {
	Config       *infra.Config
	Logger       infra.Logger
	Pool         *pgxpool.Pool
	Store        domain.Store
	Ledger       *ledger.Ledger
	Blobs        *storage.FileStore
	Hub          *events.Hub
	Redis        *redis.Client
	RedisEvents  *events.RedisPublisher
	Orchestrator *jobs.Orchestrator
	Executor     *executor.Executor
	Dispatcher   *jobs.Dispatcher
	Watchdog     *jobs.Watchdog
}

// Build wires the pipeline for cfg.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Pipeline, error) {
	p := &Pipeline{Config: cfg, Logger: logger, Hub: events.NewHub()}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	var creds *credentials.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := memstore.New()
		seedMemory(mem)
		p.Store = mem
		logger.Warn().Msg("bootstrap: using in-memory store, state is lost on restart")
	default:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.Pool = pool
		runner := infra.NewSQLRunner(pool, logger)
		p.Store = repo.NewStore(runner)
		creds = credentials.NewStore(runner)
	}
	p.Ledger = ledger.New(ledger.Options{Logger: &logger})

	if mem, isMem := p.Store.(*memstore.Store); isMem && cfg.DevSeedUser != "" && cfg.DevSeedCoins > 0 {
		err := mem.InTx(ctx, func(tx domain.Tx) error {
			_, err := p.Ledger.Credit(ctx, tx, cfg.DevSeedUser, cfg.DevSeedCoins, ledger.ReasonTopUp, "dev-seed:"+cfg.DevSeedUser)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: seed coins: %w", err)
		}
	}

	storagePath := cfg.StoragePath
	if abs, err := filepath.Abs(storagePath); err == nil {
		storagePath = abs
	}
	blobs, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		return nil, err
	}
	p.Blobs = blobs

	var publisher events.Publisher = p.Hub
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		p.Redis = client
		p.RedisEvents = events.NewRedisPublisher(client, "", &logger)
		publisher = p.RedisEvents
	}

	adapter, err := buildAdapter(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	p.Executor, err = executor.New(executor.Options{
		Enhancer:         adapter,
		Blobs:            blobs,
		MaxAttempts:      cfg.ExecutorMaxAttempts,
		TransientBackoff: cfg.ExecutorTransientBackoff,
		MaxBackoff:       cfg.ExecutorMaxBackoff,
		Timeout:          cfg.ImageTimeout,
		Logger:           &logger,
	})
	if err != nil {
		return nil, err
	}

	p.Orchestrator, err = jobs.New(jobs.Options{
		Store:            p.Store,
		Ledger:           p.Ledger,
		Events:           publisher,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxTotalAttempts: cfg.RetryMaxTotalAttempts,
		InputCheck:       adapter.CheckInput,
		Logger:           &logger,
	})
	if err != nil {
		return nil, err
	}
	p.Dispatcher, err = jobs.NewDispatcher(jobs.DispatcherOptions{
		Store:        p.Store,
		Orchestrator: p.Orchestrator,
		Runner:       p.Executor,
		MaxInFlight:  cfg.DispatchMaxInFlight,
		MaxPerUser:   cfg.DispatchMaxPerUser,
		PollInterval: cfg.DispatchPollInterval,
		ProviderHint: cfg.ProviderPrimary,
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}
	p.Watchdog, err = jobs.NewWatchdog(p.Store, p.Orchestrator, cfg.WatchdogCeiling, &logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return p, nil
}

func buildAdapter(ctx context.Context, cfg *infra.Config, creds *credentials.Store, logger infra.Logger) (*image.Adapter, error) {
	httpClient := &http.Client{Timeout: cfg.ImageTimeout}

	hfToken, err := creds.Resolve(ctx, credentials.ProviderHuggingFace, cfg.HFAPIToken)
	if err != nil {
		logger.Warn().Err(err).Msg("bootstrap: huggingface token lookup failed")
	}
	qwenKey, err := creds.Resolve(ctx, credentials.ProviderQwen, cfg.QwenAPIKey)
	if err != nil {
		logger.Warn().Err(err).Msg("bootstrap: qwen key lookup failed")
	}

	hf := image.NewHuggingFaceEditor(huggingface.NewClient(huggingface.Options{
		Token:      hfToken,
		BaseURL:    cfg.HFBaseURL,
		Model:      cfg.HFModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	}))
	qwenClient, err := qwen.NewClient(qwen.Options{
		APIKey:     qwenKey,
		BaseURL:    cfg.QwenBaseURL,
		Model:      cfg.QwenModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: qwen client: %w", err)
	}
	qw := image.NewQwenEditor(qwenClient)
	editors := map[string]image.Editor{
		credentials.ProviderHuggingFace: hf,
		credentials.ProviderQwen:        qw,
	}

	primary, found := editors[cfg.ProviderPrimary]
	if !found {
		return nil, fmt.Errorf("bootstrap: PROVIDER_PRIMARY %q is not supported", cfg.ProviderPrimary)
	}
	if cfg.ProviderPrimary == credentials.ProviderHuggingFace && hfToken == "" ||
		cfg.ProviderPrimary == credentials.ProviderQwen && qwenKey == "" {
		logger.Warn().Str("provider", cfg.ProviderPrimary).Msg("bootstrap: primary provider has no credentials, every call will fail over")
	}

	var fallback image.Editor
	if cfg.LocalFallbackURL != "" {
		fallback = image.NewLocalEditor(local.NewClient(cfg.LocalFallbackURL, httpClient))
	}

	return image.NewAdapter(image.AdapterOptions{
		Primary:       primary,
		Editors:       editors,
		Fallback:      fallback,
		Fetcher:       image.NewHTTPFetcher(nil),
		BaseURL:       cfg.StorageBaseURL,
		AllowedHosts:  cfg.ImageSourceAllowlist,
		RatePerMinute: cfg.ProviderRatePerMinute,
		Logger:        &logger,
	})
}

func seedMemory(mem *memstore.Store) {
	mem.PutTemplate(domain.Template{
		ID: DevTemplateID,
		Payload: domain.TemplatePayload{
			Name:            "Studio White",
			Category:        "product",
			BackgroundStyle: "seamless_white",
			LightingPreset:  "softbox",
		},
		CoinCost:  1,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
}

// RunWorkers runs the dispatcher loop and the cron watchdog until ctx ends,
// then waits for in-flight images to settle.
func (p *Pipeline) RunWorkers(ctx context.Context) error {
	p.Orchestrator.SetNotify(p.Dispatcher.Notify)

	c := cron.New()
	if _, err := p.Watchdog.Schedule(ctx, c, p.Config.WatchdogSchedule); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})
	g.Go(func() error {
		return p.Dispatcher.Run(gctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RelayEvents feeds events published on Redis by any process into the local
// hub. Without Redis the hub is already the publisher and this returns at once.
func (p *Pipeline) RelayEvents(ctx context.Context) error {
	if p.RedisEvents == nil {
		return nil
	}
	return p.RedisEvents.Relay(ctx, p.Hub)
}

// Close releases the database pool and Redis client.
func (p *Pipeline) Close() {
	if p.Redis != nil {
		if err := p.Redis.Close(); err != nil {
			p.Logger.Warn().Err(err).Msg("bootstrap: close redis")
		}
	}
	if p.Pool != nil {
		p.Pool.Close()
	}
}
