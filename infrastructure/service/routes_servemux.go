package service

import (
	"net/http"

	"github.com/replfleet/replfleet/infrastructure/httputil"
)

func onlyGetOrHead(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

// RegisterStandardRoutesOnServeMux registers /health, /ready, and /info on an http.ServeMux.
// This is useful for services composed directly on net/http without a third-party router.
func RegisterStandardRoutesOnServeMux(mux *http.ServeMux, b *BaseService) {
	RegisterStandardRoutesOnServeMuxWithOptions(mux, b, RouteOptions{})
}

// RegisterStandardRoutesOnServeMuxWithOptions registers standard routes on an http.ServeMux
// with configurable options. Use SkipInfo: true when the service provides a custom /info.
func RegisterStandardRoutesOnServeMuxWithOptions(mux *http.ServeMux, b *BaseService, opts RouteOptions) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/health", onlyGetOrHead(HealthHandler(b)))
	mux.HandleFunc("/ready", onlyGetOrHead(ReadinessHandler(b)))
	if !opts.SkipInfo {
		mux.HandleFunc("/info", onlyGetOrHead(InfoHandler(b)))
	}
}
