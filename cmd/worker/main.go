package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/decormarket/cache"
	"github.com/briangreenhill/decormarket/internal/config"
	"github.com/briangreenhill/decormarket/internal/jobs"
	"github.com/briangreenhill/decormarket/internal/observability"
	"github.com/briangreenhill/decormarket/internal/worker"
	"github.com/briangreenhill/decormarket/market"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	// Tracing
	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "decormarket-worker",
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		logger.Fatal().Err(err).Msg("tracing error")
	}
	defer func() {
		if err := observability.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// The worker acts as itself, not as a user
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.HasClientCredentials() {
		cc := clientcredentials.Config{
			ClientID:     cfg.Market.ClientID,
			ClientSecret: cfg.Market.ClientSecret,
			TokenURL:     cfg.Market.TokenURL,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = 30 * time.Second
	} else {
		logger.Warn().Msg("no client credentials, using API key only")
	}

	mc, err := market.New(cfg.Market.APIURL,
		market.WithHTTPClient(httpClient),
		market.WithAPIKey(cfg.Market.APIKey),
		market.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("market client error")
	}

	// Publish-only: the worker has no cache of its own
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	bus := cache.NewInvalidator(nil, rdb, logger)

	importer := &worker.Importer{Products: mc, Bus: bus, Log: logger}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    8,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueImports: 10, // higher priority
			"default":         5,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error().Err(err).
				Str("type", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskImportProducts, importer.HandleImportProducts)

	logger.Info().Str("redis", cfg.RedisAddr).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker error")
	}
}
