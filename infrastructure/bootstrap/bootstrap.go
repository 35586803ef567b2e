// Package bootstrap provides the self-registration and lease-keepalive
// library shared by the Orchestrator and Gateway (spec.md §4.2): on start,
// register a ServiceInstance with the Registry; on success, renew its lease
// on a fixed period; on shutdown, best-effort deregister.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replfleet/replfleet/infrastructure/logging"
)

const (
	// DefaultKeepalivePeriod is the default interval between Keepalive calls.
	// Must stay strictly less than LeaseTTL/3 (spec.md §8, Lease TTL safety).
	DefaultKeepalivePeriod = 5 * time.Second
	// DefaultLeaseTTL mirrors the Registry's default lease lifetime.
	DefaultLeaseTTL = 30 * time.Second
	// maxRegisterBackoff caps the exponential backoff between Register retries.
	maxRegisterBackoff = 30 * time.Second
	// deregisterTimeout bounds how long shutdown will wait on Deregister.
	deregisterTimeout = 2 * time.Second
	// keepaliveCallTimeout bounds a single Keepalive HTTP call.
	keepaliveCallTimeout = 2 * time.Second
	// missedKeepalivesUnhealthy is the number of consecutive keepalive
	// failures after which the process marks itself Unhealthy and re-registers.
	missedKeepalivesUnhealthy = 3
)

// Instance mirrors registry.ServiceInstance without importing internal/registry,
// keeping this package usable as a standalone library the way the teacher's
// own shared helper packages are (no internal/ back-references).
type Instance struct {
	Name     string            `json:"name"`
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const (
	StatusStarting  = "Starting"
	StatusHealthy   = "Healthy"
	StatusUnhealthy = "Unhealthy"
	StatusStopping  = "Stopping"
)

// Config configures a Bootstrapper.
type Config struct {
	RegistryURL      string
	Instance         Instance
	KeepalivePeriod  time.Duration
	HTTPClient       *http.Client
	Logger           *logging.Logger
}

// Bootstrapper owns the lifecycle of one self-registration: the background
// keepalive task, the current lease id, and the process's locally-observed
// health, which degrades to Unhealthy after repeated missed keepalives.
type Bootstrapper struct {
	cfg    Config
	client *http.Client
	logger *logging.Logger

	leaseID       atomic.Int64
	missed        atomic.Int32
	selfUnhealthy atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Bootstrapper. It does not contact the Registry until Start
// is called.
func New(cfg Config) *Bootstrapper {
	if cfg.KeepalivePeriod <= 0 {
		cfg.KeepalivePeriod = DefaultKeepalivePeriod
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv(cfg.Instance.Name)
	}
	if cfg.Instance.Status == "" {
		cfg.Instance.Status = StatusStarting
	}

	return &Bootstrapper{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
	}
}

// Start performs an initial Register call and, regardless of whether it
// succeeds, starts the background task that maintains registration: a
// keepalive loop once registered, or an exponential-backoff retry loop if
// the initial attempt failed. Start never blocks on network failure.
func (b *Bootstrapper) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if leaseID, err := b.register(ctx); err != nil {
		b.logger.WithError(err).Warn("initial registration failed, will retry in background")
		b.wg.Add(1)
		go b.retryRegisterLoop()
	} else {
		b.leaseID.Store(leaseID)
		b.wg.Add(1)
		go b.keepaliveLoop()
	}
}

// LeaseID returns the currently held lease id, or 0 if not registered.
func (b *Bootstrapper) LeaseID() int64 { return b.leaseID.Load() }

// SelfUnhealthy reports whether this process has locally marked itself
// Unhealthy after repeated missed keepalives.
func (b *Bootstrapper) SelfUnhealthy() bool { return b.selfUnhealthy.Load() }

// Stop deregisters (best effort, bounded by deregisterTimeout) and stops the
// background task. Safe to call multiple times.
func (b *Bootstrapper) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if err := b.deregister(ctx); err != nil {
		b.logger.WithError(err).Warn("deregister failed during shutdown")
	}
}

func (b *Bootstrapper) register(ctx context.Context) (int64, error) {
	body, err := json.Marshal(b.cfg.Instance)
	if err != nil {
		return 0, fmt.Errorf("marshal instance: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.RegistryURL+"/api/registry/register", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("registry register returned status %d", resp.StatusCode)
	}

	var out struct {
		LeaseID int64 `json:"lease_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode register response: %w", err)
	}
	return out.LeaseID, nil
}

func (b *Bootstrapper) keepalive(ctx context.Context, leaseID int64) error {
	body, _ := json.Marshal(map[string]int64{"lease_id": leaseID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.RegistryURL+"/api/registry/keepalive", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry keepalive returned status %d", resp.StatusCode)
	}
	return nil
}

func (b *Bootstrapper) deregister(ctx context.Context) error {
	body, err := json.Marshal(b.cfg.Instance)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.RegistryURL+"/api/registry/deregister", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (b *Bootstrapper) keepaliveLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.KeepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), keepaliveCallTimeout)
			err := b.keepalive(ctx, b.leaseID.Load())
			cancel()

			if err != nil {
				missed := b.missed.Add(1)
				b.logger.WithError(err).Warn("keepalive failed")
				if int(missed) >= missedKeepalivesUnhealthy {
					b.selfUnhealthy.Store(true)
					b.logger.Warn("three consecutive missed keepalives, marking self unhealthy and re-registering")
					regCtx, regCancel := context.WithTimeout(context.Background(), keepaliveCallTimeout)
					leaseID, regErr := b.register(regCtx)
					regCancel()
					if regErr == nil {
						b.leaseID.Store(leaseID)
						b.missed.Store(0)
						b.selfUnhealthy.Store(false)
					}
				}
			} else {
				b.missed.Store(0)
				b.selfUnhealthy.Store(false)
			}
		}
	}
}

func (b *Bootstrapper) retryRegisterLoop() {
	defer b.wg.Done()

	backoff := 1 * time.Second
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), keepaliveCallTimeout)
			leaseID, err := b.register(ctx)
			cancel()

			if err == nil {
				b.leaseID.Store(leaseID)
				b.wg.Add(1)
				go b.keepaliveLoop()
				return
			}

			b.logger.WithError(err).Warn("registration retry failed")
			backoff *= 2
			if backoff > maxRegisterBackoff {
				backoff = maxRegisterBackoff
			}
			timer.Reset(backoff)
		}
	}
}
