package service

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouteGroup wraps a *mux.Router to register standard service routes
// (/health, /ready, /info) alongside gorilla/mux-based domain routes,
// used by the orchestrator.
type RouteGroup struct {
	router *mux.Router
}

// NewRouteGroup creates a RouteGroup bound to router.
func NewRouteGroup(router *mux.Router) *RouteGroup {
	return &RouteGroup{router: router}
}

// HandleFunc registers a handler on the underlying router.
func (g *RouteGroup) HandleFunc(path string, handler func(w http.ResponseWriter, r *http.Request)) *mux.Route {
	return g.router.HandleFunc(path, handler)
}

// RegisterStandardRoutes registers /health, /ready, and /info on the group's router.
func (g *RouteGroup) RegisterStandardRoutes(b *BaseService) {
	g.RegisterStandardRoutesWithOptions(b, RouteOptions{})
}

// RegisterStandardRoutesWithOptions registers standard routes with configurable options.
func (g *RouteGroup) RegisterStandardRoutesWithOptions(b *BaseService, opts RouteOptions) {
	g.router.HandleFunc("/health", HealthHandler(b)).Methods("GET")
	g.router.HandleFunc("/ready", ReadinessHandler(b)).Methods("GET")
	if !opts.SkipInfo {
		g.router.HandleFunc("/info", InfoHandler(b)).Methods("GET")
	}
}
