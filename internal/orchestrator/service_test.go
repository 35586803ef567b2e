package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replfleet/replfleet/infrastructure/logging"
	"github.com/replfleet/replfleet/internal/orchestrator/engine"
)

// stdoutFrame wraps payload in the 8-byte header the engine's attach stream
// multiplexes stdout/stderr behind, so fakeEngine.Attach round-trips through
// the same stdcopy.StdCopy demuxer the real engine driver uses.
func stdoutFrame(payload string) []byte {
	header := make([]byte, 8)
	header[0] = byte(stdcopy.Stdout)
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, []byte(payload)...)
}

// fakeEngine is a scripted stand-in for *engine.Engine used to exercise the
// execution algorithm without a real container engine.
type fakeEngine struct {
	mu sync.Mutex

	pullErr   error
	createErr error
	startErr  error
	waitErr   error
	exitCode  int64

	attachData []byte
	waitDelay  time.Duration

	removed    []string
	stopped    []string
	killed     []string
	cappedUsed bool
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) Pull(context.Context, string) (engine.PullResult, error) {
	return engine.PullResult{}, f.pullErr
}

func (f *fakeEngine) Create(_ context.Context, spec engine.CreateSpec) (string, bool, error) {
	if f.createErr != nil {
		return "", false, f.createErr
	}
	f.mu.Lock()
	f.cappedUsed = spec.ApplyCaps
	f.mu.Unlock()
	return "container-1", spec.ApplyCaps, nil
}

func (f *fakeEngine) Attach(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.attachData)), nil
}

func (f *fakeEngine) Start(context.Context, string) error { return f.startErr }

func (f *fakeEngine) Wait(ctx context.Context, _ string) (int64, error) {
	if f.waitDelay > 0 {
		select {
		case <-time.After(f.waitDelay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return f.exitCode, f.waitErr
}

func (f *fakeEngine) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) List(context.Context) ([]engine.ContainerSummary, error) {
	return nil, nil
}

func newTestService(t *testing.T, fe *fakeEngine, cfg Config) *Service {
	t.Helper()
	resolver := NewStaticEngineResolver(fe)
	return NewService(resolver, cfg, logging.New("orchestrator-test", "error", "text"))
}

func TestExecuteRunsToCompletionAndCleansUp(t *testing.T) {
	fe := &fakeEngine{attachData: stdoutFrame("hello from container\n"), exitCode: 0}
	svc := newTestService(t, fe, DefaultConfig())

	var out bytes.Buffer
	containerID, exitCode, err := svc.Execute(context.Background(), ContainerRequest{Image: "python:3.12-slim"}, &out)

	require.NoError(t, err)
	assert.Equal(t, "container-1", containerID)
	assert.Equal(t, int64(0), exitCode)
	assert.Equal(t, "hello from container\n", out.String())
	assert.Equal(t, []string{"container-1"}, fe.removed, "container must be removed exactly once")
}

func TestExecuteRemovesContainerOnNonZeroExit(t *testing.T) {
	fe := &fakeEngine{attachData: stdoutFrame("boom\n"), exitCode: 1}
	svc := newTestService(t, fe, DefaultConfig())

	var out bytes.Buffer
	_, exitCode, err := svc.Execute(context.Background(), ContainerRequest{Image: "node:20-slim"}, &out)

	require.NoError(t, err)
	assert.Equal(t, int64(1), exitCode)
	assert.Equal(t, []string{"container-1"}, fe.removed)
}

func TestExecuteRemovesContainerOnPullFailure_NoContainerCreated(t *testing.T) {
	fe := &fakeEngine{pullErr: errors.New("no such image")}
	svc := newTestService(t, fe, DefaultConfig())

	var out bytes.Buffer
	_, _, err := svc.Execute(context.Background(), ContainerRequest{Image: "bogus:latest"}, &out)

	require.Error(t, err)
	assert.Empty(t, fe.removed, "no container was created, so nothing should be removed")
}

func TestExecuteRemovesContainerOnStartFailure(t *testing.T) {
	fe := &fakeEngine{startErr: errors.New("engine refused to start container")}
	svc := newTestService(t, fe, DefaultConfig())

	var out bytes.Buffer
	_, _, err := svc.Execute(context.Background(), ContainerRequest{Image: "ruby:3.3-slim"}, &out)

	require.Error(t, err)
	assert.Equal(t, []string{"container-1"}, fe.removed, "a created container must still be removed after a failed start")
}

func TestExecuteKillsAndRemovesOnDeadlineExceeded(t *testing.T) {
	fe := &fakeEngine{waitDelay: time.Hour}
	cfg := Config{ExecutionTimeout: 30 * time.Millisecond, StopGrace: 10 * time.Millisecond}
	svc := newTestService(t, fe, cfg)

	var out bytes.Buffer
	_, _, err := svc.Execute(context.Background(), ContainerRequest{Image: "golang:1.22"}, &out)

	require.Error(t, err)
	assert.Equal(t, []string{"container-1"}, fe.stopped)
	assert.Equal(t, []string{"container-1"}, fe.removed, "container must still be removed after a deadline kill")
}

func TestExecuteWarnsWithoutFailingWhenEngineDeclinedCaps(t *testing.T) {
	// capDecliningEngine simulates what engine.Engine.Create itself already
	// does internally: report back that the caps were not applied. Execute
	// must treat that as a warning, not a failure.
	fe := &fakeEngine{attachData: stdoutFrame("ok\n"), exitCode: 0}
	svc := newTestService(t, &capDecliningEngine{fakeEngine: fe}, DefaultConfig())

	var out bytes.Buffer
	_, exitCode, err := svc.Execute(context.Background(), ContainerRequest{Image: "rust:1.78-slim"}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(0), exitCode)
	assert.Equal(t, []string{"container-1"}, fe.removed)
}

// capDecliningEngine always reports that resource caps were not applied,
// mirroring what engine.Engine.Create reports after its own internal retry.
type capDecliningEngine struct {
	*fakeEngine
}

func (c *capDecliningEngine) Create(ctx context.Context, spec engine.CreateSpec) (string, bool, error) {
	id, _, err := c.fakeEngine.Create(ctx, spec)
	return id, false, err
}
