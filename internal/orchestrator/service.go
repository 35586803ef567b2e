package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/infrastructure/logging"
	"github.com/replfleet/replfleet/internal/orchestrator/engine"
)

// Defaults for the execution algorithm (spec.md §4.3).
const (
	DefaultExecutionTimeout = 30 * time.Second
	DefaultStopGrace        = 5 * time.Second
	StreamHeartbeatInterval = 15 * time.Second
)

// Config bounds resource usage and timing for every execution.
type Config struct {
	MaxMemoryBytes   int64
	MaxCPUShares     int64
	ExecutionTimeout time.Duration
	StopGrace        time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:   engine.DefaultMaxMemory,
		MaxCPUShares:     engine.DefaultMaxCPUShares,
		ExecutionTimeout: DefaultExecutionTimeout,
		StopGrace:        DefaultStopGrace,
	}
}

// Service runs the Orchestrator's container execution algorithm
// (spec.md §4.3). It is the only component that talks directly to the
// container engine.
type Service struct {
	resolver *EngineResolver
	cfg      Config
	logger   *logging.Logger

	mu      sync.Mutex
	records map[string]*ExecutionRecord
}

// NewService builds a Service bound to resolver for engine discovery.
func NewService(resolver *EngineResolver, cfg Config, logger *logging.Logger) *Service {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Service{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		records:  make(map[string]*ExecutionRecord),
	}
}

// setState updates a record's state under lock and logs the transition.
func (s *Service) setState(ctx context.Context, rec *ExecutionRecord, state State, err error) {
	s.mu.Lock()
	rec.State = state
	s.mu.Unlock()
	s.logger.LogExecutionEvent(ctx, rec.ID, rec.ContainerID, string(state), err)
}

// Record returns the current snapshot of an execution, if still tracked.
func (s *Service) Record(id string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

// List forwards to the currently-resolved engine's container listing.
func (s *Service) List(ctx context.Context) ([]engine.ContainerSummary, error) {
	eng, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return eng.List(ctx)
}

// Remove force-removes a container by id, used by the DELETE endpoint for
// operator-initiated cleanup outside the normal execution lifecycle.
func (s *Service) Remove(ctx context.Context, containerID string) error {
	eng, err := s.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := eng.Remove(ctx, containerID); err != nil {
		return svcerrors.EngineError("remove", err)
	}
	return nil
}

// Execute runs req to completion, writing demuxed stdout/stderr frames to
// out as they arrive (spec.md §4.3 steps 1-7). The returned error is nil
// whenever the container reached a terminal state cleanly, even if the
// program it ran exited non-zero — exitCode carries that information.
//
// Execute guarantees that once a container is Created, Remove is called on
// it exactly once before Execute returns, regardless of which exit path is
// taken (spec.md §9 "Cleanup guarantee").
func (s *Service) Execute(ctx context.Context, req ContainerRequest, out io.Writer) (containerID string, exitCode int64, err error) {
	rec := &ExecutionRecord{
		ID:       uuid.New().String(),
		State:    StateInit,
		Deadline: time.Now().Add(s.cfg.ExecutionTimeout),
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.records, rec.ID)
		s.mu.Unlock()
	}()

	eng, err := s.resolver.Resolve(ctx)
	if err != nil {
		s.setState(ctx, rec, StateFailedCreate, err)
		return "", -1, err
	}

	s.setState(ctx, rec, StatePulling, nil)
	if _, err := eng.Pull(ctx, req.Image); err != nil {
		s.setState(ctx, rec, StateFailedCreate, err)
		return "", -1, svcerrors.PullError(req.Image, err)
	}

	containerID, cappedApplied, err := eng.Create(ctx, engine.CreateSpec{
		Image:       req.Image,
		Command:     req.Command,
		MemoryBytes: s.cfg.MaxMemoryBytes,
		CPUShares:   s.cfg.MaxCPUShares,
		ApplyCaps:   true,
	})
	if err != nil {
		s.setState(ctx, rec, StateFailedCreate, err)
		return "", -1, svcerrors.CreateError(err)
	}
	if !cappedApplied {
		s.logger.Warn(ctx, "engine rejected resource caps, retried without them", map[string]interface{}{
			"execution_id": rec.ID,
			"container_id": containerID,
		})
	}

	s.mu.Lock()
	rec.ContainerID = containerID
	s.mu.Unlock()
	s.setState(ctx, rec, StateCreated, nil)

	// Cleanup guarantee: from here on, every return path removes the container
	// exactly once.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rmErr := eng.Remove(removeCtx, containerID); rmErr != nil {
			s.logger.Error(removeCtx, "failed to remove container during cleanup", rmErr, map[string]interface{}{
				"execution_id": rec.ID,
				"container_id": containerID,
			})
		}
		s.setState(context.Background(), rec, StateRemoved, nil)
	}()

	// Attach before Start so no early output is dropped (spec.md step 4).
	conn, err := eng.Attach(ctx, containerID)
	if err != nil {
		s.setState(ctx, rec, StateExited, err)
		return containerID, -1, svcerrors.StartError(err)
	}
	defer conn.Close()

	if err := eng.Start(ctx, containerID); err != nil {
		s.setState(ctx, rec, StateExited, err)
		return containerID, -1, svcerrors.StartError(err)
	}
	s.mu.Lock()
	rec.StartedAt = time.Now()
	s.mu.Unlock()
	s.setState(ctx, rec, StateRunning, nil)

	execCtx, cancel := context.WithDeadline(ctx, rec.Deadline)
	defer cancel()

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- demux(conn, out)
	}()

	waitDone := make(chan waitResult, 1)
	go func() {
		code, waitErr := eng.Wait(context.Background(), containerID)
		waitDone <- waitResult{code: code, err: waitErr}
	}()

	heartbeat := time.NewTicker(StreamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			// SSE comment frame, keeps idle connections alive. Only the
			// streaming writer knows how to emit a raw comment frame without
			// it being mistaken for a data event; the buffered writer has no
			// use for a keep-alive at all.
			if hb, ok := out.(heartbeatWriter); ok {
				_ = hb.WriteHeartbeat()
			}

		case <-execCtx.Done():
			// Deadline reached: stop gracefully, then kill if it doesn't exit.
			s.logger.LogExecutionEvent(ctx, rec.ID, containerID, "deadline_exceeded", nil)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), s.cfg.StopGrace+2*time.Second)
			stopErr := eng.Stop(stopCtx, containerID, s.cfg.StopGrace)
			stopCancel()
			if stopErr != nil {
				killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = eng.Kill(killCtx, containerID)
				killCancel()
			}
			s.setState(ctx, rec, StateKilled, nil)
			<-streamDone
			// Give Wait one more grace period to report the exit; an engine
			// that never reports it must not keep Execute, and the deferred
			// Remove, from running.
			code := int64(-1)
			select {
			case res := <-waitDone:
				code = res.code
			case <-time.After(s.cfg.StopGrace):
			}
			return containerID, code, svcerrors.ExecutionTimeout()

		case res := <-waitDone:
			<-streamDone
			s.setState(ctx, rec, StateExited, res.err)
			if res.err != nil {
				return containerID, -1, svcerrors.EngineError("wait", res.err)
			}
			return containerID, res.code, nil
		}
	}
}

// heartbeatWriter is implemented by output writers that can emit a raw SSE
// comment frame directly, bypassing whatever data-frame wrapping Write does.
type heartbeatWriter interface {
	WriteHeartbeat() error
}

type waitResult struct {
	code int64
	err  error
}

// demux drains the engine's multiplexed attach stream, writing stdout and
// stderr frames to the same destination in whatever order the engine
// delivers them. Per spec.md §4.3 step 5, stderr frames are not
// semantically interleaved with stdout — ordering is the engine's.
func demux(src io.Reader, dst io.Writer) error {
	_, err := stdcopyInto(dst, dst, src)
	if err != nil && err != io.EOF {
		return fmt.Errorf("streaming container output: %w", err)
	}
	return nil
}
