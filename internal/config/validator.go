package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates load balancer configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a configuration. Defaults are expected to be applied.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateRoot(cfg)
	v.validateSpec(&cfg.Spec)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateRoot(cfg *Config) {
	if cfg.APIVersion != APIVersion {
		v.addError("apiVersion", fmt.Sprintf("apiVersion must be %q", APIVersion))
	}
	if cfg.Kind != Kind {
		v.addError("kind", fmt.Sprintf("kind must be %q", Kind))
	}
	if cfg.Metadata.Name == "" {
		v.addError("metadata.name", "name is required")
	}
}

func (v *Validator) validateSpec(spec *Spec) {
	if !IsValidAlgorithm(spec.Algorithm) {
		v.addError("spec.algorithm", fmt.Sprintf(
			"unknown algorithm %q, must be one of %s",
			spec.Algorithm, strings.Join(Algorithms(), ", "),
		))
	}

	ids := make(map[string]bool, len(spec.Backends))
	for i := range spec.Backends {
		path := fmt.Sprintf("spec.backends[%d]", i)
		v.validateBackend(&spec.Backends[i], path)
		if id := spec.Backends[i].ID; id != "" {
			if ids[id] {
				v.addError(path+".id", fmt.Sprintf("duplicate backend id: %s", id))
			}
			ids[id] = true
		}
	}

	v.validateHealthCheck(&spec.HealthCheck, "spec.healthCheck")
	v.validateCircuitBreaker(&spec.CircuitBreaker, "spec.circuitBreaker")
	v.validateAdmin(&spec.Admin, "spec.admin")

	if spec.Export != nil && spec.Export.Redis != nil {
		v.validateRedisExport(spec.Export.Redis, "spec.export.redis")
	}
	if t := spec.Observability.Tracing; t != nil && (t.SamplingRate < 0 || t.SamplingRate > 1) {
		v.addError("spec.observability.tracing.samplingRate", "samplingRate must be between 0 and 1")
	}
}

func (v *Validator) validateBackend(b *BackendConfig, path string) {
	for _, err := range ValidateBackend(b) {
		v.addError(path+"."+err.Path, err.Message)
	}
}

// ValidateBackend checks a single backend entry. Returned paths are relative
// to the backend.
func ValidateBackend(b *BackendConfig) []ValidationError {
	var errs []ValidationError
	if b.ID == "" {
		errs = append(errs, ValidationError{Path: "id", Message: "id is required"})
	}
	if b.Host == "" {
		errs = append(errs, ValidationError{Path: "host", Message: "host is required"})
	}
	if err := validatePort(b.Port); err != nil {
		errs = append(errs, ValidationError{Path: "port", Message: err.Error()})
	}
	if b.Weight < MinBackendWeight || b.Weight > MaxBackendWeight {
		errs = append(errs, ValidationError{
			Path:    "weight",
			Message: fmt.Sprintf("weight must be between %d and %d", MinBackendWeight, MaxBackendWeight),
		})
	}
	return errs
}

func (v *Validator) validateHealthCheck(h *HealthCheckConfig, path string) {
	switch h.Protocol {
	case ProtocolHTTP:
		if h.Scheme != "http" && h.Scheme != "https" {
			v.addError(path+".scheme", "scheme must be http or https")
		}
		if !strings.HasPrefix(h.Path, "/") {
			v.addError(path+".path", "path must start with /")
		} else if _, err := url.ParseRequestURI(h.Path); err != nil {
			v.addError(path+".path", err.Error())
		}
	case ProtocolGRPC:
	default:
		v.addError(path+".protocol", "protocol must be http or grpc")
	}

	if h.Interval <= 0 {
		v.addError(path+".interval", "interval must be positive")
	}
	if h.Timeout <= 0 {
		v.addError(path+".timeout", "timeout must be positive")
	} else if h.Interval > 0 && h.Timeout > h.Interval {
		v.addError(path+".timeout", "timeout must not exceed interval")
	}
	if h.HealthyThreshold < 1 {
		v.addError(path+".healthyThreshold", "healthyThreshold must be at least 1")
	}
	if h.UnhealthyThreshold < 1 {
		v.addError(path+".unhealthyThreshold", "unhealthyThreshold must be at least 1")
	}
	if h.Port != 0 {
		if err := validatePort(h.Port); err != nil {
			v.addError(path+".port", err.Error())
		}
	}
}

func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig, path string) {
	if cb.FailureThresholdPercent < 1 || cb.FailureThresholdPercent > MaxFailureThresholdPercent {
		v.addError(path+".failureThresholdPercent", "failureThresholdPercent must be between 1 and 100")
	}
	if cb.MinSamples < 1 {
		v.addError(path+".minSamples", "minSamples must be at least 1")
	}
	if cb.WindowSize < cb.MinSamples {
		v.addError(path+".windowSize", "windowSize must be greater than or equal to minSamples")
	}
	if cb.SuccessThresholdToClose < 1 {
		v.addError(path+".successThresholdToClose", "successThresholdToClose must be at least 1")
	}
	if cb.OpenDuration <= 0 {
		v.addError(path+".openDuration", "openDuration must be positive")
	}
	if cb.TrialInterval <= 0 {
		v.addError(path+".trialInterval", "trialInterval must be positive")
	}
}

func (v *Validator) validateAdmin(a *AdminConfig, path string) {
	if !a.Enabled {
		return
	}
	if a.Address == "" {
		v.addError(path+".address", "address is required when admin is enabled")
	}
	if a.StatsStreamInterval <= 0 {
		v.addError(path+".statsStreamInterval", "statsStreamInterval must be positive")
	}
}

func (v *Validator) validateRedisExport(r *RedisExportConfig, path string) {
	if !r.Enabled {
		return
	}
	if r.Address == "" {
		v.addError(path+".address", "address is required when redis export is enabled")
	}
	if r.Interval <= 0 {
		v.addError(path+".interval", "interval must be positive")
	}
	if r.Key == "" && r.Channel == "" {
		v.addError(path, "at least one of key or channel is required")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// Algorithms returns the supported routing algorithm names.
func Algorithms() []string {
	return []string{
		AlgorithmRoundRobin,
		AlgorithmLeastConnections,
		AlgorithmIPHash,
		AlgorithmWeightedRandom,
	}
}

// IsValidAlgorithm reports whether name is a supported routing algorithm.
func IsValidAlgorithm(name string) bool {
	for _, a := range Algorithms() {
		if a == name {
			return true
		}
	}
	return false
}
