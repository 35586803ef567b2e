package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/replfleet/replfleet/infrastructure/logging"
)

// EngineAutoRegistrar self-registers an external engine endpoint under the
// reserved service name "engine" when the Registry is started with an
// engine_url hint (spec.md §4.1). It owns its own lease and refreshes it on
// the same cadence as any other self-registering process.
type EngineAutoRegistrar struct {
	svc    *Service
	inst   ServiceInstance
	period time.Duration
	logger *logging.Logger

	stop chan struct{}
}

// NewEngineAutoRegistrar builds a registrar for engineURL against svc. Returns
// nil if engineURL cannot be parsed as host:port.
func NewEngineAutoRegistrar(svc *Service, engineURL string, logger *logging.Logger) (*EngineAutoRegistrar, error) {
	host, port, err := ParseHostPort(engineURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewFromEnv("registry")
	}

	return &EngineAutoRegistrar{
		svc: svc,
		inst: ServiceInstance{
			Name:    "engine",
			ID:      uuid.New().String(),
			Address: host,
			Port:    port,
			Status:  StatusHealthy,
			Version: "external",
		},
		period: 5 * time.Second,
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// Start registers the engine instance and begins the background keepalive
// loop. Call Stop to deregister and terminate the loop.
func (r *EngineAutoRegistrar) Start(ctx context.Context) error {
	leaseID, err := r.svc.Register(ctx, r.inst)
	if err != nil {
		r.logger.WithError(err).Warn("engine auto-registration failed")
		return err
	}

	go r.keepaliveLoop(leaseID)
	return nil
}

func (r *EngineAutoRegistrar) keepaliveLoop(leaseID int64) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.svc.Keepalive(ctx, leaseID)
			cancel()
			if err != nil {
				r.logger.WithError(err).Warn("engine auto-registration keepalive failed, re-registering")
				registerCtx, registerCancel := context.WithTimeout(context.Background(), 2*time.Second)
				newLeaseID, regErr := r.svc.Register(registerCtx, r.inst)
				registerCancel()
				if regErr == nil {
					leaseID = newLeaseID
				}
			}
		case <-r.stop:
			return
		}
	}
}

// Stop deregisters the engine instance and stops the keepalive loop.
func (r *EngineAutoRegistrar) Stop() {
	close(r.stop)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.svc.Deregister(ctx, r.inst)
}
