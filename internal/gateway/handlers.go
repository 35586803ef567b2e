package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/infrastructure/httputil"
	"github.com/replfleet/replfleet/infrastructure/middleware"
)

// Handlers mounts the Gateway's public HTTP surface (spec.md §6).
type Handlers struct {
	svc        *Service
	limiter    *RateLimiter
	timeout    *middleware.TimeoutMiddleware
	validation *middleware.ValidationMiddleware
}

// NewHandlers builds Handlers bound to svc, rate-limited by limiter. The
// buffered /execute route gets a hard request timeout generous enough to
// cover the Gateway's own upstream HTTP client timeout, since a caller
// blocked on that path has no other way to know the request is abandoned;
// the SSE stream route manages its own lifetime via the Orchestrator's
// heartbeat and is left unbounded here.
func NewHandlers(svc *Service, limiter *RateLimiter) *Handlers {
	executionValidation := middleware.DefaultValidationConfig()
	executionValidation.AllowedMethods = []string{http.MethodPost}
	executionValidation.ContentTypes = []string{"application/json"}

	return &Handlers{
		svc:        svc,
		limiter:    limiter,
		timeout:    middleware.NewTimeoutMiddleware(2*DefaultExecutionTimeout + 5*time.Second),
		validation: middleware.NewValidationMiddleware(executionValidation),
	}
}

// Register mounts every route onto router.
func (h *Handlers) Register(router chi.Router) {
	router.Get("/api/repl/languages", h.handleLanguages)
	router.With(h.rateLimit, h.validation.Handler, h.timeout.Handler).Post("/api/repl/execute", h.handleExecute)
	router.With(h.rateLimit, h.validation.Handler).Post("/api/repl/execute/stream", h.handleExecuteStream)
}

// rateLimit enforces the per-IP token bucket ahead of validation and
// forwarding, per spec.md §4.4.
func (h *Handlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.ClientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		allowed, retryAfter := h.limiter.Allow(ip)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			se := svcerrors.RateLimitExceeded(DefaultRateLimit, "1m")
			httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) handleLanguages(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"languages": Languages})
}

func (h *Handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := middleware.ValidateJSON(r.Body, int64(MaxCodeSize)*2, &req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	resp, err := h.svc.Execute(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := middleware.ValidateJSON(r.Body, int64(MaxCodeSize)*2, &req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	req = Normalize(req)
	if err := h.svc.validator.Validate(req); err != nil {
		writeServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeServiceError(w, r, svcerrors.Internal("streaming unsupported by response writer", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := &flushWriter{w: w, flusher: flusher}
	if err := h.svc.ExecuteStream(r.Context(), req, sw); err != nil {
		_, _ = w.Write([]byte("data: ERROR: " + err.Error() + "\n\n"))
		flusher.Flush()
	}
}

// flushWriter is a pure pass-through pipe: every Write is forwarded and
// flushed immediately, with no reparsing or extra buffering, so the Gateway
// stays a byte-pipe onto the Orchestrator's own SSE stream (spec.md §4.4).
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.flusher.Flush()
	return n, err
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if se := svcerrors.GetServiceError(err); se != nil {
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
		return
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "", err.Error(), nil)
}
