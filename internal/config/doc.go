// Package config provides configuration loading, validation, and hot reload
// for the avalb load balancer.
//
// Configuration is a YAML document with apiVersion, kind, metadata and spec
// sections. Values may reference environment variables with ${VAR} or
// ${VAR:-default}; a literal dollar sign is written as $$.
//
// Example:
//
//	apiVersion: avalb.io/v1
//	kind: LoadBalancer
//	metadata:
//	  name: edge
//	spec:
//	  algorithm: least-connections
//	  backends:
//	    - id: app-1
//	      host: 10.0.0.11
//	      port: 8080
//	      weight: 10
//	  healthCheck:
//	    path: /health
//	    interval: 5s
//	    timeout: 1s
//	    healthyThreshold: 2
//	    unhealthyThreshold: 3
//	  circuitBreaker:
//	    failureThresholdPercent: 50
//	    successThresholdToClose: 3
//	    openDuration: 30s
//
// Load, default and validate a file in one call:
//
//	cfg, err := config.LoadAndValidate("avalb.yaml")
//
// Watch the file for changes:
//
//	w, err := config.NewWatcher("avalb.yaml", func(cfg *config.Config) {
//	    _ = lb.Reconcile(cfg.Spec.Backends)
//	})
package config
