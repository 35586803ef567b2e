// Package main is the Orchestrator process entry point: it drives the
// container engine, runs executions to completion, and self-registers with
// the Registry as "orchestrator" (spec.md §4.3).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/replfleet/replfleet/infrastructure/bootstrap"
	"github.com/replfleet/replfleet/infrastructure/config"
	"github.com/replfleet/replfleet/infrastructure/discovery"
	sllogging "github.com/replfleet/replfleet/infrastructure/logging"
	slmetrics "github.com/replfleet/replfleet/infrastructure/metrics"
	slmiddleware "github.com/replfleet/replfleet/infrastructure/middleware"
	"github.com/replfleet/replfleet/infrastructure/service"

	"github.com/replfleet/replfleet/internal/orchestrator"
	"github.com/replfleet/replfleet/internal/orchestrator/engine"
)

func main() {
	ctx := context.Background()
	logger := sllogging.NewFromEnv("orchestrator")

	registryURL := config.GetEnv("REGISTRY_URL", "http://registry:3003")
	engineURL := config.GetEnv("ENGINE_URL", "")
	port := config.GetPort("orchestrator", 8082)

	wireLevel := strings.ToLower(config.GetEnv("ENGINE_WIRE_LOG_LEVEL", "info"))
	wireLogger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "engine-client").Logger()
	if lvl, err := zerolog.ParseLevel(wireLevel); err == nil {
		wireLogger = wireLogger.Level(lvl)
	}

	var engineTLS *engine.TLSOptions
	if caFile := config.GetEnv("ENGINE_TLS_CA_FILE", ""); caFile != "" {
		engineTLS = &engine.TLSOptions{
			CAFile:   caFile,
			CertFile: config.GetEnv("ENGINE_TLS_CERT_FILE", ""),
			KeyFile:  config.GetEnv("ENGINE_TLS_KEY_FILE", ""),
		}
	}

	discoveryClient := discovery.New(registryURL, "", nil)
	resolver := orchestrator.NewEngineResolver(func(ctx context.Context) (string, error) {
		return discoveryClient.Resolve(ctx, "engine")
	}, engineURL, wireLogger, engineTLS)

	cfg := orchestrator.DefaultConfig()
	if v, ok := config.ParseEnvDuration("MAX_EXECUTION_TIME"); ok {
		cfg.ExecutionTimeout = v
	}
	if v, err := config.ParseByteSize(config.GetEnv("MAX_MEMORY_BYTES", "")); err == nil && v > 0 {
		cfg.MaxMemoryBytes = v
	}

	svc := orchestrator.NewService(resolver, cfg, logger)
	handlers := orchestrator.NewHandlers(svc)

	router := mux.NewRouter()
	router.Use(slmiddleware.LoggingMiddleware(logger))
	router.Use(slmiddleware.NewRecoveryMiddleware(logger).Handler)

	// The Orchestrator only expects calls from the Gateway, which already
	// enforces its own per-client limit, but it is reachable directly on the
	// internal network too. A stricter limit here is a second line of
	// defense against a caller that bypasses the Gateway entirely.
	internalLimiterCfg := slmiddleware.StrictRateLimiterConfig(logger)
	internalLimiter := slmiddleware.NewRateLimiterFromConfig(internalLimiterCfg)
	stopInternalLimiterCleanup := slmiddleware.StartCleanupFromConfig(internalLimiter, internalLimiterCfg)
	router.Use(internalLimiter.Handler)

	metricsCollector := slmetrics.New("orchestrator")
	router.Use(slmiddleware.MetricsMiddleware("orchestrator", metricsCollector))
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handlers.Register(router)

	base := service.NewBase(&service.BaseConfig{
		ID:      "orchestrator",
		Name:    "Orchestrator",
		Version: config.GetEnv("SERVICE_VERSION", "dev"),
		Router:  router,
		Logger:  logger,
	})
	base.WithStats(func() map[string]any {
		out := slmiddleware.RuntimeStats()
		stats, err := svc.HostStats(context.Background())
		if err != nil {
			out["error"] = err.Error()
			return out
		}
		out["cpu_percent"] = stats.CPUPercent
		out["memory_used_pct"] = stats.MemoryUsedPct
		out["memory_total"] = stats.MemoryTotal
		out["active"] = stats.ActiveCount
		return out
	})
	base.WithHealthProbe("engine", func(ctx context.Context) error {
		eng, err := resolver.Resolve(ctx)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return eng.Ping(pingCtx)
	})

	service.NewRouteGroup(router).RegisterStandardRoutes(base)

	if err := base.Start(ctx); err != nil {
		log.Fatalf("CRITICAL: start base service: %v", err)
	}

	selfAddr := config.GetEnv("SELF_ADDRESS", "orchestrator")
	boot := bootstrap.New(bootstrap.Config{
		RegistryURL: registryURL,
		Instance: bootstrap.Instance{
			Name:    "orchestrator",
			ID:      uuid.New().String(),
			Address: selfAddr,
			Port:    port,
			Version: config.GetEnv("SERVICE_VERSION", "dev"),
		},
		Logger: logger,
	})
	boot.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := slmiddleware.NewGracefulShutdown(httpServer, 30*time.Second)
	shutdown.OnShutdown(func() {
		logger.WithContext(ctx).Info("draining in-flight executions before exit")
		boot.Stop()
		stopInternalLimiterCleanup()
		_ = base.Stop()
	})
	shutdown.ListenForSignals()

	logger.WithContext(ctx).WithField("port", port).Info("orchestrator listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("CRITICAL: server error: %v", err)
	}
	shutdown.Wait()
}
