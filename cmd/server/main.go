// Command server starts the vision-to-tag HTTP API.
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

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/download"
	httpserver "github.com/fairyhunter13/vision-to-tag/internal/adapter/httpserver"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/model/gemini"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/vision-to-tag/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/vision-to-tag/internal/app"
	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/prompt"
	"github.com/fairyhunter13/vision-to-tag/internal/retry"
	"github.com/fairyhunter13/vision-to-tag/internal/service/ratelimiter"
	"github.com/fairyhunter13/vision-to-tag/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "server")
	slog.SetDefault(logger)

	observability.InitMetrics()

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

	// Task store
	pgProvider := postgres.NewProvider(cfg.DBURL)
	defer pgProvider.Close()
	store := postgres.NewStore(pgProvider, policy)

	// Queue substrate
	redisProvider := redisq.NewProvider(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	queue := redisq.NewClient(redisProvider, policy)
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	// Model provider and its collaborators, used by the inline endpoint.
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

	// Usecases
	dispatchSvc := usecase.NewDispatchService(store, queue)
	statusSvc := usecase.NewStatusService(store)
	tagOnceSvc := usecase.NewTagOnceService(model, fetcher, prompts, limiter)

	dbCheck, redisCheck := app.BuildReadinessChecks(store, queue)
	srv := httpserver.NewServer(cfg, dispatchSvc, statusSvc, tagOnceSvc, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	// The write timeout must outlast the inline tagging deadline or the
	// connection is cut before the handler responds.
	writeTimeout := cfg.HTTPWriteTimeout
	if cfg.InlineTagTimeout+5*time.Second > writeTimeout {
		writeTimeout = cfg.InlineTagTimeout + 5*time.Second
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
