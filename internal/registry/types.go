// Package registry implements the service registry: lease-based ephemeral
// registration, TTL expiry, and discovery of service instances.
package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Status is the lifecycle status of a registered service instance.
type Status string

const (
	StatusStarting  Status = "Starting"
	StatusHealthy   Status = "Healthy"
	StatusUnhealthy Status = "Unhealthy"
	StatusStopping  Status = "Stopping"
)

// ServiceInstance describes one running instance of a named service.
type ServiceInstance struct {
	Name     string            `json:"name"`
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Status   Status            `json:"status"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Key returns the derived storage key /services/{name}/{id}.
func (s ServiceInstance) Key() string {
	return fmt.Sprintf("/services/%s/%s", s.Name, s.ID)
}

// Validate checks the structural invariants of a ServiceInstance: name, id
// and address are non-empty, and port is within 1..65535. The address itself
// is not parsed.
func (s ServiceInstance) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("address is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d is out of range", s.Port)
	}
	return nil
}

// Endpoint returns the "address:port" reachable endpoint for this instance.
func (s ServiceInstance) Endpoint() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// RegisterRequest is the Register operation's input, aliasing ServiceInstance.
type RegisterRequest = ServiceInstance

// RegisterResponse is the Register operation's output.
type RegisterResponse struct {
	LeaseID int64 `json:"lease_id"`
}

// KeepaliveRequest is the Keepalive operation's input.
type KeepaliveRequest struct {
	LeaseID int64 `json:"lease_id"`
}

// DeregisterRequest is the Deregister operation's input, aliasing ServiceInstance.
type DeregisterRequest = ServiceInstance

// ParseHostPort splits a "host:port" or full URL-like hint into host and port.
// Used for the engine_url auto-registration hint.
func ParseHostPort(hint string) (host string, port int, err error) {
	hint = strings.TrimSpace(hint)
	hint = strings.TrimPrefix(hint, "http://")
	hint = strings.TrimPrefix(hint, "https://")
	hint = strings.TrimPrefix(hint, "tcp://")
	if idx := strings.Index(hint, "/"); idx >= 0 {
		hint = hint[:idx]
	}

	h, p, err := net.SplitHostPort(hint)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host:port %q: %w", hint, err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hint, err)
	}
	return h, portNum, nil
}
