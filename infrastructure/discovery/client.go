// Package discovery provides a small Registry HTTP client used by the
// Orchestrator (to find "engine") and the Gateway (to find "orchestrator").
// Neither caches beyond what the caller does; spec.md §4.4 requires Gateway
// discovery to re-resolve on every request.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/internal/registry"
)

// Client resolves service instances from the Registry, with a configured
// fallback base URL to use when discovery itself is unreachable.
type Client struct {
	registryURL string
	fallbackURL string
	httpClient  *http.Client
}

// New constructs a discovery Client. fallbackURL may be empty, in which case
// Resolve returns DiscoveryFailed when the Registry has no healthy instance.
func New(registryURL, fallbackURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{registryURL: registryURL, fallbackURL: fallbackURL, httpClient: httpClient}
}

// Resolve returns a base URL ("http://host:port") for an instance of name
// whose status is Healthy or Starting (the first such match). Falls back to
// the configured fallback URL if the Registry call fails or returns nothing.
func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	instances, err := c.getByName(ctx, name)
	if err == nil {
		for _, inst := range instances {
			if inst.Status == registry.StatusHealthy || inst.Status == registry.StatusStarting {
				return "http://" + inst.Endpoint(), nil
			}
		}
	}

	if c.fallbackURL != "" {
		return c.fallbackURL, nil
	}

	return "", errors.DiscoveryFailed(name, err)
}

func (c *Client) getByName(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL+"/api/registry/services/"+name, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var instances []registry.ServiceInstance
	if err := json.NewDecoder(resp.Body).Decode(&instances); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	return instances, nil
}
