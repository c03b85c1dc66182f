// Command worker drains one platform queue and runs the tagging pipeline.
// The platform prefix is selected by the PLATFORM environment variable; run
// one process per platform to scale out.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/download"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/index"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/model/gemini"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/prompt"
	"github.com/fairyhunter13/vision-to-tag/internal/retry"
	"github.com/fairyhunter13/vision-to-tag/internal/service/ratelimiter"
	"github.com/fairyhunter13/vision-to-tag/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)

	// Expose queue and pipeline metrics on a dedicated endpoint so Prometheus
	// can scrape the worker process directly.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Exponential: true,
		Jitter:      true,
	}

	pgProvider := postgres.NewProvider(cfg.DBURL)
	defer pgProvider.Close()
	store := postgres.NewStore(pgProvider, policy)

	redisProvider := redisq.NewProvider(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	queue := redisq.NewClient(redisProvider, policy)
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	prompts, err := prompt.NewStore()
	if err != nil {
		slog.Error("prompt store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	model := gemini.New(cfg, prompts, policy)
	fetcher := download.New(cfg)

	var limiter ratelimiter.Limiter
	if cfg.LimiterEnabled() {
		limiter = ratelimiter.NewRedisWindowLimiter(redisProvider.Handle(), "gemini",
			cfg.MaxRequestsPerMin, cfg.MaxTokensPerMin)
		slog.Info("model rate limiter enabled",
			slog.Int("max_requests_per_min", cfg.MaxRequestsPerMin),
			slog.Int("max_tokens_per_min", cfg.MaxTokensPerMin))
	}

	var idx domain.IndexClient
	if cfg.IndexEnabled() {
		idx = index.New(cfg)
		slog.Info("index sync enabled", slog.String("url", cfg.IndexAPIURL))
	}

	w := worker.New(cfg, queue, store, model, fetcher, prompts, limiter, idx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
