// Package main is the Gateway process entry point: the public REPL-as-a-
// service entrypoint that validates, rate-limits, and forwards executions to
// the Orchestrator (spec.md §4.4).
package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replfleet/replfleet/infrastructure/bootstrap"
	"github.com/replfleet/replfleet/infrastructure/config"
	"github.com/replfleet/replfleet/infrastructure/discovery"
	sllogging "github.com/replfleet/replfleet/infrastructure/logging"
	slmetrics "github.com/replfleet/replfleet/infrastructure/metrics"
	"github.com/replfleet/replfleet/infrastructure/middleware"
	"github.com/replfleet/replfleet/infrastructure/service"

	"github.com/replfleet/replfleet/internal/gateway"
)

func main() {
	ctx := context.Background()
	logger := sllogging.NewFromEnv("gateway")

	registryURL := config.GetEnv("REGISTRY_URL", "http://registry:3003")
	orchestratorURL := config.GetEnv("ORCHESTRATOR_URL", "")
	port := config.GetPort("gateway", 8081)

	discoveryClient := discovery.New(registryURL, orchestratorURL, nil)

	validator := gateway.NewValidator(func(language, rule string) {
		logger.LogValidationReject(ctx, language, rule+":warning")
	})

	httpClient := &http.Client{Timeout: 2 * gateway.DefaultExecutionTimeout}
	svc := gateway.NewService(func(ctx context.Context) (string, error) {
		return discoveryClient.Resolve(ctx, "orchestrator")
	}, httpClient, validator, logger)

	limiter := gateway.NewRateLimiter(
		config.GetEnvInt("RATE_LIMIT_PER_MINUTE", gateway.DefaultRateLimit),
		config.GetEnvInt("RATE_LIMIT_BURST", gateway.DefaultBurst),
	)
	handlers := gateway.NewHandlers(svc, limiter)

	router := chi.NewRouter()
	router.Use(middleware.NewTracingMiddleware(logger).Handler)
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins: config.SplitAndTrimCSV(config.GetEnv("CORS_ALLOWED_ORIGINS", "*")),
	}).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(int64(gateway.MaxCodeSize) * 2).Handler)

	metricsCollector := slmetrics.New("gateway")
	router.Use(chiMetrics("gateway", metricsCollector))
	router.Handle("/metrics", promhttp.Handler())

	handlers.Register(router)

	base := service.NewBase(&service.BaseConfig{
		ID:      "gateway",
		Name:    "Gateway",
		Version: config.GetEnv("SERVICE_VERSION", "dev"),
		Router:  router,
		Logger:  logger,
	})
	base.WithStats(func() map[string]any {
		stats := middleware.RuntimeStats()
		stats["rate_limit_buckets"] = limiter.BucketCount()
		return stats
	})
	base.WithHealthProbe("orchestrator", func(ctx context.Context) error {
		_, err := discoveryClient.Resolve(ctx, "orchestrator")
		return err
	})

	service.RegisterStandardRoutesOnChi(router, base)

	if err := base.Start(ctx); err != nil {
		log.Fatalf("CRITICAL: start base service: %v", err)
	}

	selfAddr := config.GetEnv("SELF_ADDRESS", "gateway")
	boot := bootstrap.New(bootstrap.Config{
		RegistryURL: registryURL,
		Instance: bootstrap.Instance{
			Name:    "gateway",
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
		// No WriteTimeout: execution streaming has no upper bound beyond the
		// Orchestrator's own execution deadline (spec.md §5 Timeouts).
	}

	shutdown := middleware.NewGracefulShutdown(httpServer, 30*time.Second)
	shutdown.OnShutdown(func() {
		boot.Stop()
		limiter.Stop()
		_ = base.Stop()
	})
	shutdown.ListenForSignals()

	logger.WithContext(ctx).WithField("port", port).Info("gateway listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("CRITICAL: server error: %v", err)
	}
	shutdown.Wait()
}

func chiMetrics(serviceName string, m *slmetrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementInFlight()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.DecrementInFlight()

			routeCtx := chi.RouteContext(r.Context())
			path := r.URL.Path
			if routeCtx != nil && routeCtx.RoutePattern() != "" {
				path = routeCtx.RoutePattern()
			}
			m.RecordHTTPRequest(serviceName, r.Method, path, strconv.Itoa(wrapped.status), time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
		s.ResponseWriter.WriteHeader(code)
	}
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if !s.written {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
