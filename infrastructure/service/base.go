package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/replfleet/replfleet/infrastructure/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for all services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Router  http.Handler
	Logger  *logging.Logger
}

// HealthProbe is consulted by CheckHealth to decide whether the service's
// dependencies are reachable. Returning an error marks the service degraded,
// or unhealthy when every registered probe fails.
type HealthProbe func(ctx context.Context) error

// BaseService provides a consistent foundation for the registry, orchestrator,
// and gateway processes:
//   - Safe stop channel management (sync.Once prevents double-close panic)
//   - Optional hydration hook for loading state on startup
//   - Background worker management, including a periodic ticker-worker helper
//   - Statistics provider for the /info endpoint
//   - Cached health-check state for /health and /ready
type BaseService struct {
	id      string
	name    string
	version string
	router  http.Handler

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once

	// Extensibility hooks
	hydrate func(context.Context) error
	statsFn func() map[string]any
	probes  map[string]HealthProbe

	// Worker management
	workers []func(context.Context)

	// Health tracking
	healthMu        sync.RWMutex
	probeFailures   map[string]string
	lastHealthCheck time.Time
	startTime       time.Time

	logger *logging.Logger
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "service"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:            cfgValue.ID,
		name:          cfgValue.Name,
		version:       cfgValue.Version,
		router:        cfgValue.Router,
		stopCh:        make(chan struct{}),
		probes:        make(map[string]HealthProbe),
		probeFailures: make(map[string]string),
		logger:        logger,
	}
}

func (b *BaseService) ID() string           { return b.id }
func (b *BaseService) Name() string         { return b.name }
func (b *BaseService) Version() string      { return b.version }
func (b *BaseService) Router() http.Handler { return b.router }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("service")
	}
	if b.logger != nil {
		return b.logger
	}
	serviceName := b.ID()
	if serviceName == "" {
		serviceName = "service"
	}
	b.logger = logging.NewFromEnv(serviceName)
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start.
// The hydrate function is called after the base service starts but before
// background workers are launched. Use this for loading persistent state.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function for the /info endpoint.
// The function will be called on each /info request to get current statistics.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// WithHealthProbe registers a named dependency check consulted by CheckHealth
// (e.g. "redis", "registry", "engine").
func (b *BaseService) WithHealthProbe(name string, probe HealthProbe) *BaseService {
	b.probes[name] = probe
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should respect context cancellation.
// Workers should also monitor StopChan() for service shutdown signals.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on start
// (before waiting for the first ticker interval).
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker.
// This is a convenience method that wraps the common ticker loop pattern:
// fn runs on every tick until ctx is done or the service stops, and its
// errors are logged without stopping the loop.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					// Log error but continue - worker should handle its own errors
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins up background workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to exit. This method is idempotent - calling it
// multiple times is safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// Workers returns the number of registered background workers.
// It is an alias for WorkerCount to satisfy the BackgroundWorker interface.
func (b *BaseService) Workers() int {
	return b.WorkerCount()
}

// CheckHealth refreshes the cached health state by running every registered probe.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	failures := make(map[string]string)
	for name, probe := range b.probes {
		if probe == nil {
			continue
		}
		if err := probe(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	b.healthMu.Lock()
	b.probeFailures = failures
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns the aggregated health status string.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{}
	if len(b.probeFailures) > 0 {
		details["failures"] = b.probeFailures
	}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	return details
}

func (b *BaseService) healthStatusLocked() string {
	if len(b.probeFailures) == 0 {
		return "healthy"
	}
	if len(b.probeFailures) < len(b.probes) {
		return "degraded"
	}
	return "unhealthy"
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ Instance = (*BaseService)(nil)
var _ HealthChecker = (*BaseService)(nil)
