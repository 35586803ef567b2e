package service

import (
	"github.com/go-chi/chi/v5"
)

// RegisterStandardRoutesOnChi registers /health, /ready, and /info on a chi
// router, used by the gateway.
func RegisterStandardRoutesOnChi(router chi.Router, b *BaseService) {
	RegisterStandardRoutesOnChiWithOptions(router, b, RouteOptions{})
}

// RegisterStandardRoutesOnChiWithOptions is RegisterStandardRoutesOnChi with
// configurable options.
func RegisterStandardRoutesOnChiWithOptions(router chi.Router, b *BaseService, opts RouteOptions) {
	router.Get("/health", HealthHandler(b))
	router.Get("/ready", ReadinessHandler(b))
	if !opts.SkipInfo {
		router.Get("/info", InfoHandler(b))
	}
}
