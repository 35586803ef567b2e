package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/internal/orchestrator/engine"
)

// engineDriver is the subset of *engine.Engine the execution algorithm
// depends on. Defined as an interface so tests can substitute a fake engine
// without dialing a real container engine.
type engineDriver interface {
	Ping(ctx context.Context) error
	Pull(ctx context.Context, imageRef string) (engine.PullResult, error)
	Create(ctx context.Context, spec engine.CreateSpec) (string, bool, error)
	Attach(ctx context.Context, containerID string) (io.ReadCloser, error)
	Start(ctx context.Context, containerID string) error
	Wait(ctx context.Context, containerID string) (int64, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	List(ctx context.Context) ([]engine.ContainerSummary, error)
}

// EngineResolver finds the current "engine" instance via the Registry,
// falling back to a configured static URL, and dials (or reuses) an Engine
// client for whichever endpoint is resolved (spec.md §4.3 step 1).
type EngineResolver struct {
	resolve     func(ctx context.Context) (string, error) // returns "http://host:port" or similar
	fallbackURL string
	wireLogger  zerolog.Logger
	tls         *engine.TLSOptions

	mu    sync.Mutex
	cache map[string]engineDriver
}

// NewEngineResolver builds a resolver. resolve is typically
// discovery.Client.Resolve bound to "engine"; fallbackURL is ENGINE_URL. tls
// may be nil for a plaintext connection.
func NewEngineResolver(resolve func(ctx context.Context) (string, error), fallbackURL string, wireLogger zerolog.Logger, tls *engine.TLSOptions) *EngineResolver {
	return &EngineResolver{
		resolve:     resolve,
		fallbackURL: fallbackURL,
		wireLogger:  wireLogger,
		tls:         tls,
		cache:       make(map[string]engineDriver),
	}
}

// Resolve returns a dialed Engine for the currently-discovered (or
// fallback) endpoint. If neither is available, returns EngineUnavailable.
func (r *EngineResolver) Resolve(ctx context.Context) (engineDriver, error) {
	endpoint, err := r.resolve(ctx)
	if err != nil || endpoint == "" {
		if r.fallbackURL == "" {
			return nil, svcerrors.EngineUnavailable(err)
		}
		endpoint = r.fallbackURL
	}

	host, dialErr := toDockerHost(endpoint)
	if dialErr != nil {
		return nil, svcerrors.EngineUnavailable(dialErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[host]; ok {
		return e, nil
	}

	e, err := engine.New(host, r.wireLogger, r.tls)
	if err != nil {
		return nil, svcerrors.EngineUnavailable(err)
	}
	r.cache[host] = e
	return e, nil
}

// NewStaticEngineResolver wraps an already-dialed engine, skipping discovery
// entirely. Used by tests and by single-engine deployments configured with
// only ENGINE_URL.
func NewStaticEngineResolver(eng engineDriver) *EngineResolver {
	const host = "tcp://static-engine"
	return &EngineResolver{
		cache: map[string]engineDriver{host: eng},
		resolve: func(context.Context) (string, error) {
			return host, nil
		},
	}
}

// toDockerHost converts a discovered "http://host:port" endpoint into a
// docker client host URL ("tcp://host:port").
func toDockerHost(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "tcp://") {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid engine endpoint %q", endpoint)
	}
	return "tcp://" + u.Host, nil
}
