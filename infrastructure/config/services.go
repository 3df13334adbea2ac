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

// DefaultServicesConfig returns the default enablement for the edge
// proxy's optional background components. Every component is a
// goroutine the daemon may start in addition to its core HTTP listener
// and refresh scheduler; disabling one through a services.yaml override
// is how an operator trims a deployment down (e.g. a read replica with
// no metrics upload quota disables "metrics-sender").
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"metrics-sender": {
				Enabled:     true,
				Port:        3064,
				Description: "Batches and uploads feature-usage metrics to upstream",
			},
			"keep-alive": {
				Enabled:     true,
				Port:        3063,
				Description: "Periodic SSE keep-alive frames for connected streaming clients",
			},
			"revalidation": {
				Enabled:     true,
				Port:        3063,
				Description: "Periodic background re-confirmation of trusted SDK tokens",
			},
		},
	}
}
