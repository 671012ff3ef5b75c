// Command llmgateway runs the multi-tenant LLM reverse proxy: it loads the
// configuration document, wires the Key Store, Allowlist Policy, Metrics
// Sink, Usage Sink, Hierarchical Scheduler, Upstream Transport, Upload
// Staging, and Request Pipeline, then serves HTTP until a shutdown signal
// drains the scheduler and exits (spec.md §2, §4.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomind-oss/llmgateway/core"
	"github.com/gomind-oss/llmgateway/internal/allowlist"
	"github.com/gomind-oss/llmgateway/internal/keystore"
	"github.com/gomind-oss/llmgateway/internal/lifecycle"
	"github.com/gomind-oss/llmgateway/internal/metrics"
	"github.com/gomind-oss/llmgateway/internal/pipeline"
	"github.com/gomind-oss/llmgateway/internal/proxyconfig"
	"github.com/gomind-oss/llmgateway/internal/scheduler"
	"github.com/gomind-oss/llmgateway/internal/staging"
	"github.com/gomind-oss/llmgateway/internal/transport"
	"github.com/gomind-oss/llmgateway/internal/usage"
	"github.com/gomind-oss/llmgateway/resilience"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the gateway configuration document")
	flag.Parse()

	cfg, err := proxyconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("llmgateway: config load failed: %v", err)
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, "llmgateway")

	keys, err := keystore.New(cfg.KeyFile, logger)
	if err != nil {
		log.Fatalf("llmgateway: key store init failed: %v", err)
	}
	defer keys.Close()

	policy := allowlist.New(cfg.Allowlist, logger)

	var metricsSink *metrics.Sink
	if cfg.RateLimiting.MetricsEnabled {
		metricsSink = metrics.New()
	}

	usageSink, err := usage.New(cfg.UsageFile, logger)
	if err != nil {
		log.Fatalf("llmgateway: usage sink init failed: %v", err)
	}
	defer usageSink.Close()

	var metricsRecorder scheduler.MetricsRecorder
	if metricsSink != nil {
		metricsRecorder = metricsSink
	}
	sched := scheduler.New(scheduler.Config{
		Global: scheduler.LimiterConfig{
			RequestsPerMinute: cfg.RateLimiting.Global.RequestsPerMinute,
			ConcurrentLimit:   cfg.RateLimiting.Global.ConcurrentLimit,
			QueueSize:         cfg.RateLimiting.Global.QueueSize,
		},
		PerUser: scheduler.LimiterConfig{
			RequestsPerMinute: cfg.RateLimiting.PerUser.RequestsPerMinute,
			ConcurrentLimit:   cfg.RateLimiting.PerUser.ConcurrentLimit,
			QueueSize:         cfg.RateLimiting.PerUser.QueueSize,
		},
		IdleTTL: cfg.RateLimiting.IdleTTL,
	}, metricsRecorder, logger)

	cb, err := resilience.NewCircuitBreaker(defaultCircuitBreakerConfig(logger))
	if err != nil {
		log.Fatalf("llmgateway: circuit breaker init failed: %v", err)
	}

	xport := transport.New(transport.Config{
		BaseURL:           cfg.HTTPClient.BaseURL,
		JSONTimeout:       cfg.HTTPClient.JSONTimeout,
		MultipartTimeout:  cfg.HTTPClient.MultipartTimeout,
		MaxRetries:        cfg.HTTPClient.MaxRetries,
		BaseDelay:         cfg.HTTPClient.BaseDelay,
		MaxDelay:          cfg.HTTPClient.MaxDelay,
		RetryableStatuses: cfg.HTTPClient.RetryableStatuses,
		UpstreamAPIKey:    cfg.OpenAIAPIKey,
	}, cb, logger)

	stagingArea, err := staging.New(cfg.Staging.Directory, cfg.Staging.MaxAge, logger)
	if err != nil {
		log.Fatalf("llmgateway: staging init failed: %v", err)
	}

	telemetry, err := core.NewOTelProvider("llmgateway")
	if err != nil {
		log.Fatalf("llmgateway: telemetry init failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	accessLog, err := pipeline.NewAccessLog(cfg.AccessLog.Path)
	if err != nil {
		log.Fatalf("llmgateway: access log init failed: %v", err)
	}
	defer accessLog.Close()

	pipe := pipeline.New(pipeline.Dependencies{
		Keys:                  keys,
		Policy:                policy,
		Scheduler:             sched,
		Transport:             xport,
		Staging:               stagingArea,
		Metrics:               metricsSink,
		Usage:                 usageSink,
		AccessLog:             accessLog,
		CORS:                  core.DefaultCORSConfig(),
		Logger:                logger,
		Telemetry:             telemetry,
		MaxUploadSlotsPerUser: cfg.Staging.MaxUploadSlots,
		AllowlistEnabled:      cfg.Allowlist.Enabled,
	})

	handler := core.RecoveryMiddleware(logger)(core.LoggingMiddleware(logger, cfg.Development.Enabled)(pipe))

	mgr := lifecycle.New(lifecycle.Config{
		Addr:              formatAddr(cfg.Server.Address, cfg.Server.Port),
		SweepInterval:     cfg.Staging.SweepInterval,
		RotateInterval:    cfg.AccessLog.RotateInterval,
		RotateMaxBytes:    cfg.AccessLog.MaxSizeBytes,
		RotateBackupCount: cfg.AccessLog.BackupRetainCount,
		DrainTimeout:      30 * time.Second,
	}, handler, stagingArea, sched, accessLog, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Run(ctx); err != nil {
		log.Fatalf("llmgateway: server error: %v", err)
	}
}

func defaultCircuitBreakerConfig(logger core.Logger) *resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultConfig()
	cfg.Name = "upstream"
	cfg.Logger = logger
	return cfg
}

func formatAddr(address string, port int) string {
	if address == "" {
		address = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", address, port)
}
