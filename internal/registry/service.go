package registry

import (
	"context"
	"time"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/infrastructure/logging"
)

const (
	// DefaultLeaseTTL is the default lease lifetime. Keepalive must run at a
	// period strictly less than LeaseTTL/3 (see Bootstrap, spec.md §4.2).
	DefaultLeaseTTL = 30 * time.Second

	servicesKeyPrefix = "/services/"
)

// Service implements the Registry's operations over a leaseStore.
type Service struct {
	store    leaseStore
	leaseTTL time.Duration
	logger   *logging.Logger
}

// NewService constructs a registry Service backed by store.
func NewService(store leaseStore, leaseTTL time.Duration, logger *logging.Logger) *Service {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = logging.NewFromEnv("registry")
	}
	return &Service{store: store, leaseTTL: leaseTTL, logger: logger}
}

// Register issues a lease and stores the instance under /services/{name}/{id}.
func (s *Service) Register(ctx context.Context, inst ServiceInstance) (int64, error) {
	if err := inst.Validate(); err != nil {
		return 0, svcerrors.ConfigError(err.Error())
	}
	if inst.Status == "" {
		inst.Status = StatusStarting
	}

	data, err := marshalInstance(inst)
	if err != nil {
		return 0, svcerrors.Internal("marshal service instance", err)
	}

	leaseID, err := s.store.Put(ctx, inst.Key(), data, s.leaseTTL)
	if err != nil {
		return 0, svcerrors.StoreError("register", err)
	}

	s.logger.LogLeaseEvent(ctx, leaseID, inst.Name, inst.ID, "register", nil)
	return leaseID, nil
}

// Keepalive extends the TTL of the lease identified by leaseID.
func (s *Service) Keepalive(ctx context.Context, leaseID int64) error {
	if err := s.store.Renew(ctx, leaseID, s.leaseTTL); err != nil {
		if err == errLeaseNotFound {
			s.logger.LogLeaseEvent(ctx, leaseID, "", "", "keepalive", err)
			return svcerrors.LeaseNotFound(leaseID)
		}
		return svcerrors.StoreError("keepalive", err)
	}
	s.logger.LogLeaseEvent(ctx, leaseID, "", "", "keepalive", nil)
	return nil
}

// Deregister revokes whichever lease currently owns inst's key. Deregistration
// is keyed by (name, id) rather than by lease id, since a client that lost its
// lease handle (e.g. after a restart) should still be able to clean up its
// own entry.
func (s *Service) Deregister(ctx context.Context, inst ServiceInstance) error {
	remover, ok := s.store.(keyRemover)
	if !ok {
		return svcerrors.Internal("deregister unsupported by store", nil)
	}

	if err := remover.RemoveKey(ctx, inst.Key()); err != nil {
		if err == errKeyNotFound {
			return svcerrors.NotFound("service_instance", inst.Key())
		}
		return svcerrors.StoreError("deregister", err)
	}

	s.logger.LogLeaseEvent(ctx, 0, inst.Name, inst.ID, "deregister", nil)
	return nil
}

// GetServices returns every registered instance across all service names.
func (s *Service) GetServices(ctx context.Context) ([]ServiceInstance, error) {
	raw, err := s.store.ScanPrefix(ctx, servicesKeyPrefix)
	if err != nil {
		return nil, svcerrors.StoreError("get_services", err)
	}
	return decodeInstances(raw)
}

// GetByName returns every registered instance of the given service name.
func (s *Service) GetByName(ctx context.Context, name string) ([]ServiceInstance, error) {
	raw, err := s.store.ScanPrefix(ctx, servicesKeyPrefix+name+"/")
	if err != nil {
		return nil, svcerrors.StoreError("get_by_name", err)
	}
	return decodeInstances(raw)
}

// GetByID returns the single instance registered under (name, id).
func (s *Service) GetByID(ctx context.Context, name, id string) (ServiceInstance, error) {
	data, err := s.store.Get(ctx, servicesKeyPrefix+name+"/"+id)
	if err != nil {
		if err == errKeyNotFound {
			return ServiceInstance{}, svcerrors.NotFound("service_instance", name+"/"+id)
		}
		return ServiceInstance{}, svcerrors.StoreError("get_by_id", err)
	}
	return unmarshalInstance(data)
}

func decodeInstances(raw [][]byte) ([]ServiceInstance, error) {
	out := make([]ServiceInstance, 0, len(raw))
	for _, data := range raw {
		inst, err := unmarshalInstance(data)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// keyRemover is an optional capability of a leaseStore that allows revoking
// a lease by the service key it owns rather than by lease id. Both
// memoryLeaseStore and redisLeaseStore implement it.
type keyRemover interface {
	RemoveKey(ctx context.Context, key string) error
}
