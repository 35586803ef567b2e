// Package main is the Registry process entry point: the lease-based service
// directory every other component discovers peers through (spec.md §4.1).
package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replfleet/replfleet/infrastructure/config"
	sllogging "github.com/replfleet/replfleet/infrastructure/logging"
	slmetrics "github.com/replfleet/replfleet/infrastructure/metrics"
	"github.com/replfleet/replfleet/infrastructure/middleware"
	"github.com/replfleet/replfleet/infrastructure/service"

	"github.com/replfleet/replfleet/internal/registry"
)

func main() {
	ctx := context.Background()
	logger := sllogging.NewFromEnv("registry")

	port := config.GetPort("registry", 8080)
	leaseTTL := config.ParseDurationOrDefault(config.GetEnv("LEASE_TTL", ""), registry.DefaultLeaseTTL)

	store, err := registry.NewStore(ctx, config.GetEnv("STORE_ENDPOINTS", ""))
	if err != nil {
		log.Fatalf("CRITICAL: open lease store: %v", err)
	}

	svc := registry.NewService(store, leaseTTL, logger)
	handlers := registry.NewHandlers(svc)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	metricsCollector := slmetrics.New("registry")
	router.Use(ginMetrics("registry", metricsCollector))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.Register(router)

	base := service.NewBase(&service.BaseConfig{
		ID:      "registry",
		Name:    "Registry",
		Version: config.GetEnv("SERVICE_VERSION", "dev"),
		Router:  router,
		Logger:  logger,
	})
	base.WithHealthProbe("store", store.Ping)

	if engineURL := config.GetEnv("ENGINE_URL", ""); engineURL != "" {
		registrar, regErr := registry.NewEngineAutoRegistrar(svc, engineURL, logger)
		if regErr != nil {
			logger.WithContext(ctx).WithError(regErr).Warn("ENGINE_URL set but could not be parsed, skipping engine auto-registration")
		} else {
			base.AddWorker(func(workerCtx context.Context) {
				if startErr := registrar.Start(workerCtx); startErr != nil {
					return
				}
				<-base.StopChan()
				registrar.Stop()
			})
		}
	}

	service.RegisterStandardRoutesOnGin(router, base)

	if err := base.Start(ctx); err != nil {
		log.Fatalf("CRITICAL: start base service: %v", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(httpServer, 15*time.Second)
	shutdown.OnShutdown(func() { _ = base.Stop() })
	shutdown.ListenForSignals()

	logger.WithContext(ctx).WithField("port", port).Info("registry listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("CRITICAL: server error: %v", err)
	}
	shutdown.Wait()
}

// requestLogger logs every request through the shared structured logger,
// mirroring what middleware.LoggingMiddleware does for the mux-based
// services.
func requestLogger(logger *sllogging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// ginMetrics records request counts and latency into m, mirroring
// middleware.MetricsMiddleware for gin's router instead of gorilla/mux.
func ginMetrics(serviceName string, m *slmetrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncrementInFlight()
		c.Next()
		m.DecrementInFlight()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.RecordHTTPRequest(serviceName, c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
