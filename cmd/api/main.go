// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/decormarket/cache"
	"github.com/briangreenhill/decormarket/internal/config"
	"github.com/briangreenhill/decormarket/internal/http/routes"
	"github.com/briangreenhill/decormarket/internal/metrics"
	"github.com/briangreenhill/decormarket/internal/observability"
	"github.com/briangreenhill/decormarket/market"
)

func main() {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

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
		ServiceName: "decormarket-api",
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		logger.Fatal().Err(err).Msg("tracing error")
	}
	defer func() {
		if err := observability.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis carries both the job queue and cache invalidations
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	// Request cache
	var (
		rc    *cache.RequestCache
		local cache.Clearer
		stats metrics.StatsSource
	)
	if !cfg.Cache.Disabled {
		rc = cache.New(cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(logger))
		local, stats = rc, rc
		go rc.Run(ctx, cfg.Cache.SweepInterval)
	}

	bus := cache.NewInvalidator(local, rdb, logger)
	defer bus.Close()
	go bus.Start(ctx)

	// Marketplace client
	mopts := []market.Option{
		market.WithAPIKey(cfg.Market.APIKey),
		market.WithLogger(logger),
		market.WithInvalidationHook(func(ctx context.Context, patterns ...string) {
			ctx = context.WithoutCancel(ctx)
			for _, p := range patterns {
				if err := bus.PublishPattern(ctx, p); err != nil {
					logger.Warn().Err(err).Str("pattern", p).Msg("publish invalidation")
				}
			}
		}),
	}
	if rc != nil {
		mopts = append(mopts, market.WithCache(rc))
	}
	mc, err := market.New(cfg.Market.APIURL, mopts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("market client error")
	}

	// Job queue
	jobsClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer jobsClient.Close()

	// Sessions
	sess := scs.New()
	sess.Lifetime = cfg.SessionLifetime
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = cfg.SecureCookies

	// Router / server
	s := routes.New(routes.ServerOptions{
		Sess:    sess,
		Market:  mc,
		Cache:   rc,
		Bus:     bus,
		Jobs:    jobsClient,
		Metrics: metrics.New("decormarket", stats),
		Cfg:     *cfg,
	})
	h := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("request")
		})(
			hlog.RequestIDHandler("req_id", "X-Request-Id")(s.Router),
		),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           sess.LoadAndSave(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("market", cfg.Market.APIURL).
		Bool("cache", rc != nil).
		Dur("ttl", cfg.Cache.TTL).
		Msg("starting api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("api stopped")
}
