package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the services configuration from config/services.yaml
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "services.yaml"))
}

// LoadServicesConfigFromPath loads the services configuration from a specific path
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	// Validate that all services have required fields
	for id, settings := range cfg.Services {
		if settings.Port == 0 {
			return nil, fmt.Errorf("service %s: port is required", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads services config or returns default if file not found
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		// Return default configuration with all services enabled
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default services configuration
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"registry": {
				Enabled:     true,
				Port:        8080,
				Description: "Service instance registry and lease store",
			},
			"gateway": {
				Enabled:     true,
				Port:        8081,
				Description: "Public entrypoint: validation, rate limiting, request forwarding",
			},
			"orchestrator": {
				Enabled:     true,
				Port:        8082,
				Description: "Execution engine driver and lifecycle supervisor",
			},
		},
	}
}

// ServiceNameMapping provides mapping from legacy aliases to the canonical
// service identifiers used in ServicesConfig and service discovery.
var ServiceNameMapping = map[string]string{
	"engine":  "orchestrator",
	"edge":    "gateway",
	"catalog": "registry",
}

// CanonicalServiceName converts a legacy alias to its canonical service name.
func CanonicalServiceName(name string) string {
	if canonical, ok := ServiceNameMapping[name]; ok {
		return canonical
	}
	return name // Return as-is if not found (might already be canonical)
}
