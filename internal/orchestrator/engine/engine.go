// Package engine drives the remote container engine's HTTP API: pull,
// create, attach, start, wait, and remove (spec.md §6, "Engine dependency").
// It wraps github.com/docker/docker's client, which speaks exactly this
// subset of the engine's API.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/replfleet/replfleet/infrastructure/resilience"
)

// Default resource caps (spec.md §4.3, step 3).
const (
	DefaultMaxMemory    = 512 * 1024 * 1024 // 512 MiB
	DefaultMaxCPUShares = 512
)

// DefaultPlatform is the image platform requested on every pull. New reads it
// once when it builds an Engine; no environment variable overrides it.
var DefaultPlatform = ocispec.Platform{OS: "linux", Architecture: "amd64"}

// TLSOptions configures mutual TLS to a remote engine endpoint. All three
// paths must be set, or none.
type TLSOptions struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Engine drives one remote container-engine endpoint.
type Engine struct {
	client   *dockerclient.Client
	breaker  *resilience.CircuitBreaker
	wire     zerolog.Logger
	platform string
}

// New connects to the engine at host (e.g. "tcp://10.0.0.5:2375" or a local
// Docker socket URL). When tls is non-nil, the connection is secured with
// mutual TLS using the engine's standard go-connections/tlsconfig helpers.
func New(host string, wire zerolog.Logger, tls *TLSOptions) (*Engine, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}

	if tls != nil {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   tls.CAFile,
			CertFile: tls.CertFile,
			KeyFile:  tls.KeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("building TLS config for engine at %s: %w", host, err)
		}
		opts = append(opts, dockerclient.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to engine at %s: %w", host, err)
	}

	return &Engine{
		client:   cli,
		breaker:  resilience.New(resilience.DefaultConfig()),
		wire:     wire,
		platform: fmt.Sprintf("%s/%s", DefaultPlatform.OS, DefaultPlatform.Architecture),
	}, nil
}

// Close releases the underlying client connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Ping verifies the engine is reachable, used by the Orchestrator's readiness probe.
func (e *Engine) Ping(ctx context.Context) error {
	start := time.Now()
	_, err := e.client.Ping(ctx)
	e.logCall(ctx, "ping", start, err)
	return err
}

func (e *Engine) logCall(ctx context.Context, op string, start time.Time, err error) {
	evt := e.wire.Info()
	if err != nil {
		evt = e.wire.Warn().Err(err)
	}
	evt.Str("op", op).Dur("duration", time.Since(start)).Msg("engine call")
}

// PullResult summarizes a consumed (not forwarded) image-pull progress stream.
type PullResult struct {
	Errored bool
	Message string
}

// Pull requests an image pull and drains the progress stream, extracting only
// the terminal error field (if any) via gjson rather than unmarshalling every
// frame shape. Pull progress itself is never forwarded to the client
// (spec.md §4.3 step 2).
//
// A pull is the one engine call worth retrying on its own: registries drop
// connections mid-transfer far more often than the engine daemon itself
// misbehaves, so transient failures get a bounded exponential backoff inside
// the circuit breaker before the breaker counts them as a failure.
func (e *Engine) Pull(ctx context.Context, imageRef string) (PullResult, error) {
	start := time.Now()
	var result PullResult

	err := e.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			result = PullResult{}
			reader, err := e.client.ImagePull(ctx, imageRef, image.PullOptions{Platform: e.platform})
			if err != nil {
				return err
			}
			defer reader.Close()

			scanner := bufio.NewScanner(reader)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if errMsg := gjson.GetBytes(line, "error").String(); errMsg != "" {
					result.Errored = true
					result.Message = errMsg
				}
				if status := gjson.GetBytes(line, "status").String(); status != "" {
					result.Message = status
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if result.Errored {
				return fmt.Errorf("%s", result.Message)
			}
			return nil
		})
	})

	e.logCall(ctx, "pull", start, err)
	if err != nil {
		return result, fmt.Errorf("pull %s: %w", imageRef, err)
	}
	return result, nil
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image        string
	Command      []string
	MemoryBytes  int64 // 0 = no cap
	CPUShares    int64 // 0 = no cap
	ApplyCaps    bool
}

// Create builds a container with private network/PID/IPC namespaces, no host
// mounts, and automatic removal disabled (spec.md §4.3 step 3). If the engine
// rejects the resource-cap fields, Create retries once without them.
func (e *Engine) Create(ctx context.Context, spec CreateSpec) (containerID string, cappedApplied bool, err error) {
	start := time.Now()

	try := func(applyCaps bool) (string, error) {
		hostConfig := &container.HostConfig{
			NetworkMode: "none",
			IpcMode:     container.IpcMode("private"),
			PidMode:     container.PidMode("private"),
			AutoRemove:  false,
		}
		if applyCaps {
			hostConfig.Resources = container.Resources{
				Memory:    spec.MemoryBytes,
				CPUShares: spec.CPUShares,
			}
		}

		var id string
		execErr := e.breaker.Execute(ctx, func() error {
			resp, createErr := e.client.ContainerCreate(ctx, &container.Config{
				Image: spec.Image,
				Cmd:   spec.Command,
			}, hostConfig, &network.NetworkingConfig{}, nil, "")
			if createErr != nil {
				return createErr
			}
			id = resp.ID
			return nil
		})
		return id, execErr
	}

	applyCaps := spec.ApplyCaps
	containerID, err = try(applyCaps)
	if err != nil && applyCaps {
		// One retry without the disputed cap fields (spec.md §4.3 step 3, §9).
		containerID, err = try(false)
		cappedApplied = false
	} else {
		cappedApplied = applyCaps
	}

	e.logCall(ctx, "create", start, err)
	if err != nil {
		return "", false, fmt.Errorf("create container: %w", err)
	}
	return containerID, cappedApplied, nil
}

// Attach opens the bidirectional attach stream before Start is called, so no
// early output is lost (spec.md §4.3 step 4).
func (e *Engine) Attach(ctx context.Context, containerID string) (io.ReadCloser, error) {
	start := time.Now()
	resp, err := e.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	e.logCall(ctx, "attach", start, err)
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}
	return resp.Conn, nil
}

// Start starts a previously-created, already-attached container.
func (e *Engine) Start(ctx context.Context, containerID string) error {
	start := time.Now()
	err := e.breaker.Execute(ctx, func() error {
		return e.client.ContainerStart(ctx, containerID, container.StartOptions{})
	})
	e.logCall(ctx, "start", start, err)
	if err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Wait blocks until the container exits, returning its exit code.
func (e *Engine) Wait(ctx context.Context, containerID string) (int64, error) {
	start := time.Now()
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		e.logCall(ctx, "wait", start, err)
		return -1, err
	case status := <-statusCh:
		e.logCall(ctx, "wait", start, nil)
		return status.StatusCode, nil
	case <-ctx.Done():
		e.logCall(ctx, "wait", start, ctx.Err())
		return -1, ctx.Err()
	}
}

// Stop issues a graceful stop with the given grace period, matching the
// deadline-handling sequence in spec.md §4.3 step 6.
func (e *Engine) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	start := time.Now()
	seconds := int(grace.Seconds())
	err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	e.logCall(ctx, "stop", start, err)
	return err
}

// Kill force-kills a container.
func (e *Engine) Kill(ctx context.Context, containerID string) error {
	start := time.Now()
	err := e.client.ContainerKill(ctx, containerID, "SIGKILL")
	e.logCall(ctx, "kill", start, err)
	return err
}

// Remove removes a container. Called exactly once per ExecutionRecord
// regardless of how the execution ended (spec.md §4.3 step 7, §9 "Cleanup
// guarantee").
func (e *Engine) Remove(ctx context.Context, containerID string) error {
	start := time.Now()
	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	e.logCall(ctx, "remove", start, err)
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// ContainerSummary is returned by List.
type ContainerSummary struct {
	ID    string
	Names []string
}

// List returns every container the engine currently knows about.
func (e *Engine) List(ctx context.Context) ([]ContainerSummary, error) {
	start := time.Now()
	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true})
	e.logCall(ctx, "list", start, err)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		out = append(out, ContainerSummary{ID: c.ID, Names: c.Names})
	}
	return out, nil
}
