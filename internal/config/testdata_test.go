package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// validConfigYAML is a minimal valid configuration for testing
const validConfigYAML = `
apiVersion: avalb.io/v1
kind: LoadBalancer
metadata:
  name: test-lb
spec:
  algorithm: weighted-random
  backends:
    - id: app-1
      host: 10.0.0.11
      port: 8080
      weight: 10
    - id: app-2
      host: 10.0.0.12
      port: 8080
      weight: 90
  healthCheck:
    path: /health
    interval: 5s
    timeout: 1s
    healthyThreshold: 2
    unhealthyThreshold: 3
  circuitBreaker:
    failureThresholdPercent: 50
    successThresholdToClose: 3
    openDuration: 30s
`

// invalidConfigYAML fails validation
const invalidConfigYAML = `
apiVersion: avalb.io/v1
kind: LoadBalancer
metadata:
  name: test-lb
spec:
  algorithm: fastest
  backends:
    - id: ""
      host: 10.0.0.11
      port: 0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avalb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	cfg := &Config{
		Metadata: Metadata{Name: "test-lb"},
		Spec: Spec{
			Backends: []BackendConfig{
				{ID: "a", Host: "10.0.0.1", Port: 8080, Weight: 1},
				{ID: "b", Host: "10.0.0.2", Port: 8080, Weight: 1},
			},
			HealthCheck:    DefaultHealthCheckConfig(),
			CircuitBreaker: DefaultCircuitBreakerConfig(),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
