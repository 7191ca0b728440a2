package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/dunamismax/bwproxy/internal/api"
	"github.com/dunamismax/bwproxy/internal/config"
	"github.com/dunamismax/bwproxy/internal/logging"
	"github.com/dunamismax/bwproxy/internal/pipeline"
	"github.com/dunamismax/bwproxy/internal/proxy"
	"github.com/dunamismax/bwproxy/internal/ratelimit"
	"github.com/dunamismax/bwproxy/internal/telemetry"
	"github.com/dunamismax/bwproxy/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{Enabled: true, Level: "error"}, os.Stderr).
			Error("invalid configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Enabled: cfg.Log.Enabled,
		Format:  cfg.Log.Format,
	}, os.Stdout)

	if err := pipeline.Startup(cfg.Server.VipsConcurrency); err != nil {
		logger.Error("image runtime startup failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer pipeline.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Error("tracing setup failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", map[string]any{"error": err.Error()})
		}
	}()

	codec, err := pipeline.NewCodec()
	if err != nil {
		logger.Error("codec init failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	fetcher := upstream.NewFetcher(upstream.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxRetries:   cfg.Fetch.MaxRetries,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, logger)
	handler := proxy.NewHandler(fetcher, pipeline.NewTranscoder(codec), logger)

	opts := api.Options{
		Tracer:         otel.Tracer("bwproxy/api"),
		TrustedProxies: cfg.Server.TrustedProxies,
	}
	if cfg.RateLimit.RPS > 0 {
		limiter, err := ratelimit.NewTokenBucket(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		if err != nil {
			logger.Error("rate limiter init failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		opts.RateLimiter = limiter
	}
	app := api.NewServer(logger, handler, opts)

	// Writes must outlast a full fetch plus transcode.
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Fetch.Timeout + 20*time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     stdlog.New(logger.Zerolog(), "", 0),
	}

	go func() {
		logger.Info("listening", map[string]any{
			"addr":        cfg.Server.Addr,
			"codec":       string(codec.ModernFormat()),
			"rate_limit":  cfg.RateLimit.RPS,
			"max_retries": cfg.Fetch.MaxRetries,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down", nil)
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", map[string]any{"error": err.Error()})
	}
}
