package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(newMemoryLeaseStore(), 30*time.Second, nil)
}

func TestRegisterAndGetByID(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	inst := ServiceInstance{Name: "orchestrator", ID: "abc", Address: "10.0.0.1", Port: 8082}
	leaseID, err := svc.Register(ctx, inst)
	require.NoError(t, err)
	assert.NotZero(t, leaseID)

	got, err := svc.GetByID(ctx, "orchestrator", "abc")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Address)
	assert.Equal(t, StatusStarting, got.Status)
}

func TestRegisterRejectsInvalidInstance(t *testing.T) {
	svc := newTestService()
	_, err := svc.Register(context.Background(), ServiceInstance{Name: "gateway"})
	require.Error(t, err)
}

func TestKeepaliveExtendsLease(t *testing.T) {
	svc := NewService(newMemoryLeaseStore(), 50*time.Millisecond, nil)
	ctx := context.Background()

	inst := ServiceInstance{Name: "gateway", ID: "g1", Address: "127.0.0.1", Port: 8081}
	leaseID, err := svc.Register(ctx, inst)
	require.NoError(t, err)

	// Renew repeatedly, faster than the TTL, and confirm the instance survives.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, svc.Keepalive(ctx, leaseID))
	}

	_, err = svc.GetByID(ctx, "gateway", "g1")
	require.NoError(t, err)
}

func TestLeaseExpiresWithoutKeepalive(t *testing.T) {
	svc := NewService(newMemoryLeaseStore(), 20*time.Millisecond, nil)
	ctx := context.Background()

	inst := ServiceInstance{Name: "gateway", ID: "g2", Address: "127.0.0.1", Port: 8081}
	_, err := svc.Register(ctx, inst)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	instances, err := svc.GetByName(ctx, "gateway")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestKeepaliveUnknownLeaseFails(t *testing.T) {
	svc := newTestService()
	err := svc.Keepalive(context.Background(), 99999)
	require.Error(t, err)
}

func TestDeregisterRemovesInstance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	inst := ServiceInstance{Name: "orchestrator", ID: "o1", Address: "127.0.0.1", Port: 8082}
	_, err := svc.Register(ctx, inst)
	require.NoError(t, err)

	require.NoError(t, svc.Deregister(ctx, inst))

	_, err = svc.GetByID(ctx, "orchestrator", "o1")
	require.Error(t, err)
}

func TestDeregisterUnknownInstanceNotFound(t *testing.T) {
	svc := newTestService()
	err := svc.Deregister(context.Background(), ServiceInstance{Name: "x", ID: "y", Address: "a", Port: 1})
	require.Error(t, err)
}

func TestGetServicesAcrossNames(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, ServiceInstance{Name: "gateway", ID: "g1", Address: "1.1.1.1", Port: 1})
	require.NoError(t, err)
	_, err = svc.Register(ctx, ServiceInstance{Name: "orchestrator", ID: "o1", Address: "2.2.2.2", Port: 2})
	require.NoError(t, err)

	all, err := svc.GetServices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegisterSameNameIDIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	inst := ServiceInstance{Name: "gateway", ID: "g1", Address: "1.1.1.1", Port: 1}
	_, err := svc.Register(ctx, inst)
	require.NoError(t, err)

	inst.Address = "1.1.1.2"
	_, err = svc.Register(ctx, inst)
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, "gateway", "g1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.2", got.Address)

	all, err := svc.GetByName(ctx, "gateway")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
