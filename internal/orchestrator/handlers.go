package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/infrastructure/httputil"
	"github.com/replfleet/replfleet/infrastructure/middleware"
)

// Handlers mounts the Orchestrator's container HTTP surface (spec.md §6).
type Handlers struct {
	svc *Service
}

// NewHandlers builds Handlers bound to svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Register mounts every route onto router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/api/containers/list", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/api/containers/create", h.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/api/containers/create/stream", h.handleCreateStream).Methods(http.MethodPost)
	router.HandleFunc("/api/containers/{id}", h.handleRemove).Methods(http.MethodDelete)
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pairs := make([][2]string, len(summaries))
	for i, c := range summaries {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		pairs[i] = [2]string{c.ID, name}
	}
	httputil.WriteJSON(w, http.StatusOK, pairs)
}

func (h *Handlers) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if len(id) < 12 || !middleware.IsValidHex(id) {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_CONTAINER_ID", "container id must be a hexadecimal engine id", nil)
		return
	}
	if err := h.svc.Remove(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "message": "removed"})
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ContainerRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	var buf bufferedWriter
	containerID, exitCode, err := h.svc.Execute(r.Context(), req, &buf)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	message := "exited 0"
	if exitCode != 0 {
		message = fmt.Sprintf("exited %d", exitCode)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"id":      containerID,
		"message": message,
		"output":  buf.String(),
	})
}

// bufferedWriter accumulates execution output for the non-streaming endpoint.
type bufferedWriter struct {
	data []byte
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bufferedWriter) String() string { return string(b.data) }

// handleCreateStream runs the execution and forwards output as SSE frames,
// flushing after every write so the client sees output as it arrives.
func (h *Handlers) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req ContainerRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeServiceError(w, svcerrors.Internal("streaming unsupported by response writer", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, flusher: flusher}
	_, exitCode, err := h.svc.Execute(r.Context(), req, sw)

	summary := fmt.Sprintf("exited %d", exitCode)
	if err != nil {
		summary = fmt.Sprintf("ERROR: %s", err.Error())
	}
	_, _ = w.Write([]byte("event: done\ndata: " + summary + "\n\n"))
	flusher.Flush()
}

// sseWriter wraps each incoming byte chunk in a single SSE data frame and
// flushes immediately — a pure pass-through pipe with no reparsing or
// buffering beyond one write's worth of bytes (spec.md §6).
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) Write(p []byte) (int, error) {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return 0, err
	}
	if _, err := s.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// WriteHeartbeat writes a raw SSE comment frame directly to the underlying
// response writer, skipping Write's "data: " wrapping so the keep-alive
// never shows up as a data event to the client.
func (s *sseWriter) WriteHeartbeat() error {
	if _, err := s.w.Write([]byte(":\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	if se := svcerrors.GetServiceError(err); se != nil {
		httputil.WriteJSON(w, se.HTTPStatus, se)
		return
	}
	httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
}

// readinessCheck pings the currently-resolved engine, used by the
// Orchestrator's /ready probe.
func (h *Handlers) readinessCheck(ctx context.Context) error {
	eng, err := h.svc.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return eng.Ping(pingCtx)
}
