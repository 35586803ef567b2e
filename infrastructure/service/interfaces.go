// Package service provides common service infrastructure for the registry,
// orchestrator, and gateway processes.
package service

import (
	"context"
	"net/http"
)

// =============================================================================
// Core Service Interfaces
// =============================================================================

// Instance is the interface every long-lived process must implement. This
// ensures consistent lifecycle management across the registry, orchestrator,
// and gateway even though each mounts a different router (gin, chi, mux).
type Instance interface {
	// Identity
	ID() string
	Name() string
	Version() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// HTTP
	Router() http.Handler
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider describes a type that supplies runtime statistics.
// The /info handler does not check for this interface; its "statistics"
// field comes from the function registered with BaseService.WithStats.
type StatisticsProvider interface {
	// Statistics returns service-specific runtime statistics.
	Statistics() map[string]any
}

// Hydratable describes a service that can reload state from persistence.
// BaseService.Start does not call Hydrate; it runs the hook registered with
// WithHydrate instead.
type Hydratable interface {
	// Hydrate loads persistent state into memory.
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic.
// Services implementing this can provide detailed health status.
type HealthChecker interface {
	// HealthStatus returns the current health status.
	// Returns "healthy", "degraded", or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}
