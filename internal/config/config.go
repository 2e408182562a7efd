package config

import (
	"net"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// API identity of the configuration document.
const (
	APIVersion = "avalb.io/v1"
	Kind       = "LoadBalancer"
)

// Routing algorithm names.
const (
	AlgorithmRoundRobin       = "round-robin"
	AlgorithmLeastConnections = "least-connections"
	AlgorithmIPHash           = "ip-hash"
	AlgorithmWeightedRandom   = "weighted-random"
)

// Health probe protocols.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Default values. Numeric fields whose zero value is invalid are defaulted
// only when absent from the document; an explicit zero is kept and
// rejected by validation.
const (
	DefaultAlgorithm               = AlgorithmRoundRobin
	DefaultWeight                  = 1
	DefaultHealthCheckPath         = "/health"
	DefaultHealthCheckInterval     = 10 * time.Second
	DefaultHealthCheckTimeout      = 2 * time.Second
	DefaultHealthyThreshold        = 2
	DefaultUnhealthyThreshold      = 3
	DefaultFailureThresholdPercent = 50
	DefaultMinSamples              = 10
	DefaultWindowSize              = 100
	DefaultSuccessThresholdToClose = 3
	DefaultOpenDuration            = 30 * time.Second
	DefaultTrialInterval           = time.Second
	DefaultAdminAddress            = ":9090"
	DefaultStatsStreamInterval     = time.Second
	DefaultAdminShutdownTimeout    = 10 * time.Second
	DefaultExportInterval          = 5 * time.Second
	DefaultExportKey               = "avalb:stats"
	DefaultExportChannel           = "avalb:stats:updates"
	DefaultTracingServiceName      = "avalb"
	MinBackendWeight               = 1
	MaxBackendWeight               = 100
	MaxFailureThresholdPercent     = 100
)

// Config is the root configuration document.
type Config struct {
	APIVersion string   `yaml:"apiVersion" json:"apiVersion"`
	Kind       string   `yaml:"kind" json:"kind"`
	Metadata   Metadata `yaml:"metadata" json:"metadata"`
	Spec       Spec     `yaml:"spec" json:"spec"`
}

// Metadata identifies the load balancer instance.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Spec holds the load balancer settings.
type Spec struct {
	Algorithm      string               `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	Backends       []BackendConfig      `yaml:"backends" json:"backends"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Admin          AdminConfig          `yaml:"admin,omitempty" json:"admin,omitempty"`
	Export         *ExportConfig        `yaml:"export,omitempty" json:"export,omitempty"`
	Observability  ObservabilityConfig  `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// BackendConfig describes one backend server.
type BackendConfig struct {
	ID     string `yaml:"id" json:"id"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Weight int    `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Address returns host:port.
func (b BackendConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// HealthCheckConfig is the active health check policy shared by all backends.
type HealthCheckConfig struct {
	Protocol           string   `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Scheme             string   `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	Path               string   `yaml:"path,omitempty" json:"path,omitempty"`
	Interval           Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	HealthyThreshold   int      `yaml:"healthyThreshold,omitempty" json:"healthyThreshold,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold,omitempty" json:"unhealthyThreshold,omitempty"`
	GRPCService        string   `yaml:"grpcService,omitempty" json:"grpcService,omitempty"`
	// Port overrides the backend port for probes when non-zero.
	Port               int      `yaml:"port,omitempty" json:"port,omitempty"`
}

// CircuitBreakerConfig is the circuit breaker policy applied to every backend.
type CircuitBreakerConfig struct {
	FailureThresholdPercent int      `yaml:"failureThresholdPercent,omitempty" json:"failureThresholdPercent,omitempty"`
	MinSamples              int      `yaml:"minSamples,omitempty" json:"minSamples,omitempty"`
	WindowSize              int      `yaml:"windowSize,omitempty" json:"windowSize,omitempty"`
	SuccessThresholdToClose int      `yaml:"successThresholdToClose,omitempty" json:"successThresholdToClose,omitempty"`
	OpenDuration            Duration `yaml:"openDuration,omitempty" json:"openDuration,omitempty"`
	TrialInterval           Duration `yaml:"trialInterval,omitempty" json:"trialInterval,omitempty"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	Address             string   `yaml:"address,omitempty" json:"address,omitempty"`
	StatsStreamInterval Duration `yaml:"statsStreamInterval,omitempty" json:"statsStreamInterval,omitempty"`
	ShutdownTimeout     Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// ExportConfig configures external stats publishing.
type ExportConfig struct {
	Redis *RedisExportConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisExportConfig configures the Redis stats publisher.
type RedisExportConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Address  string   `yaml:"address" json:"address"`
	Password string   `yaml:"password,omitempty" json:"-"`
	DB       int      `yaml:"db,omitempty" json:"db,omitempty"`
	Key      string   `yaml:"key,omitempty" json:"key,omitempty"`
	Channel  string   `yaml:"channel,omitempty" json:"channel,omitempty"`
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// ObservabilityConfig represents observability configuration.
type ObservabilityConfig struct {
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig represents tracing configuration.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// DefaultHealthCheckConfig returns the health check policy used when the
// section or one of its fields is absent.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Protocol:           ProtocolHTTP,
		Scheme:             "http",
		Path:               DefaultHealthCheckPath,
		Interval:           Duration(DefaultHealthCheckInterval),
		Timeout:            Duration(DefaultHealthCheckTimeout),
		HealthyThreshold:   DefaultHealthyThreshold,
		UnhealthyThreshold: DefaultUnhealthyThreshold,
	}
}

// DefaultCircuitBreakerConfig returns the breaker policy used when the
// section or one of its fields is absent.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThresholdPercent: DefaultFailureThresholdPercent,
		MinSamples:              DefaultMinSamples,
		WindowSize:              DefaultWindowSize,
		SuccessThresholdToClose: DefaultSuccessThresholdToClose,
		OpenDuration:            Duration(DefaultOpenDuration),
		TrialInterval:           Duration(DefaultTrialInterval),
	}
}

// UnmarshalYAML defaults absent health check and circuit breaker sections.
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	type plain Spec
	p := plain{
		HealthCheck:    DefaultHealthCheckConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Spec(p)
	return nil
}

// UnmarshalYAML defaults an absent weight. An explicit weight of 0 is kept.
func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BackendConfig
	p := plain{Weight: DefaultWeight}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BackendConfig(p)
	return nil
}

// UnmarshalYAML defaults absent fields and keeps explicit zeros.
func (h *HealthCheckConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain HealthCheckConfig
	p := plain(DefaultHealthCheckConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*h = HealthCheckConfig(p)
	return nil
}

// UnmarshalYAML defaults absent fields and keeps explicit zeros. An absent
// windowSize grows to minSamples when that is larger than the default.
func (cb *CircuitBreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain CircuitBreakerConfig
	p := plain(DefaultCircuitBreakerConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	if !hasKey(value, "windowSize") {
		p.WindowSize = max(DefaultWindowSize, p.MinSamples)
	}
	*cb = CircuitBreakerConfig(p)
	return nil
}

func hasKey(mapping *yaml.Node, key string) bool {
	if mapping.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return true
		}
	}
	return false
}

// ApplyDefaults fills unset optional fields: algorithm, health check protocol,
// scheme and path, admin and export settings. Weights, check timings,
// thresholds and breaker parameters are not touched so that an explicit
// zero reaches validation; documents get those defaults while decoding and
// Go callers start from DefaultHealthCheckConfig and
// DefaultCircuitBreakerConfig.
func (c *Config) ApplyDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	if c.Kind == "" {
		c.Kind = Kind
	}
	s := &c.Spec
	if s.Algorithm == "" {
		s.Algorithm = DefaultAlgorithm
	}
	s.HealthCheck.ApplyDefaults()
	s.Admin.applyDefaults()
	if s.Export != nil && s.Export.Redis != nil {
		s.Export.Redis.applyDefaults()
	}
	if t := s.Observability.Tracing; t != nil && t.ServiceName == "" {
		t.ServiceName = DefaultTracingServiceName
	}
}

// ApplyDefaults fills unset health check protocol, scheme and path.
func (h *HealthCheckConfig) ApplyDefaults() {
	if h.Protocol == "" {
		h.Protocol = ProtocolHTTP
	}
	if h.Scheme == "" {
		h.Scheme = "http"
	}
	if h.Path == "" {
		h.Path = DefaultHealthCheckPath
	}
}

func (a *AdminConfig) applyDefaults() {
	if a.Address == "" {
		a.Address = DefaultAdminAddress
	}
	if a.StatsStreamInterval == 0 {
		a.StatsStreamInterval = Duration(DefaultStatsStreamInterval)
	}
	if a.ShutdownTimeout == 0 {
		a.ShutdownTimeout = Duration(DefaultAdminShutdownTimeout)
	}
}

func (r *RedisExportConfig) applyDefaults() {
	if r.Key == "" {
		r.Key = DefaultExportKey
	}
	if r.Channel == "" {
		r.Channel = DefaultExportChannel
	}
	if r.Interval == 0 {
		r.Interval = Duration(DefaultExportInterval)
	}
}
