package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// Probe errors.
var (
	ErrUnhealthyStatus = errors.New("unhealthy probe status")
	ErrProbePanic      = errors.New("probe panicked")
	ErrUnknownProtocol = errors.New("unknown health check protocol")
)

// Target is the endpoint a probe checks.
type Target struct {
	ID   string
	Host string
	Port int
}

// Prober checks one target. A nil error means healthy. Implementations must
// honor ctx cancellation.
type Prober interface {
	Probe(ctx context.Context, t Target) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, t Target) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, t Target) error {
	return f(ctx, t)
}

// NewProber creates the prober for the configured protocol.
func NewProber(cfg config.HealthCheckConfig, logger observability.Logger) (Prober, error) {
	switch cfg.Protocol {
	case config.ProtocolHTTP, "":
		return NewHTTPProber(cfg), nil
	case config.ProtocolGRPC:
		return NewGRPCProber(cfg, WithGRPCLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Protocol)
	}
}

// HTTPProber issues GET scheme://host:port/path and treats any 2xx as healthy.
type HTTPProber struct {
	client *http.Client
	scheme string
	path   string
	port   int
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithHTTPClient sets the HTTP client used for probes.
func WithHTTPClient(client *http.Client) HTTPProberOption {
	return func(p *HTTPProber) {
		p.client = client
	}
}

// NewHTTPProber creates an HTTP prober. The request deadline comes from the
// probe context.
func NewHTTPProber(cfg config.HealthCheckConfig, opts ...HTTPProberOption) *HTTPProber {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	p := &HTTPProber{
		client: &http.Client{
			// Do not follow redirects; a 3xx is not healthy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		scheme: scheme,
		path:   cfg.Path,
		port:   cfg.Port,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the probe URL for a target.
func (p *HTTPProber) URL(t Target) string {
	port := t.Port
	if p.port > 0 {
		port = p.port
	}
	return p.scheme + "://" + net.JoinHostPort(t.Host, strconv.Itoa(port)) + p.path
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, t Target) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(t), http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "avalb-health-check")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: HTTP %d", ErrUnhealthyStatus, resp.StatusCode)
	}
	return nil
}

// GRPCProber calls grpc.health.v1.Health/Check and treats SERVING as
// healthy. Client connections are pooled per address.
type GRPCProber struct {
	service string
	port    int
	creds   credentials.TransportCredentials
	logger  observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCProberOption configures a GRPCProber.
type GRPCProberOption func(*GRPCProber)

// WithGRPCTransportCredentials sets transport credentials for probes.
func WithGRPCTransportCredentials(creds credentials.TransportCredentials) GRPCProberOption {
	return func(p *GRPCProber) {
		p.creds = creds
	}
}

// WithGRPCLogger sets the logger.
func WithGRPCLogger(logger observability.Logger) GRPCProberOption {
	return func(p *GRPCProber) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewGRPCProber creates a gRPC health prober.
func NewGRPCProber(cfg config.HealthCheckConfig, opts ...GRPCProberOption) *GRPCProber {
	p := &GRPCProber{
		service: cfg.GRPCService,
		port:    cfg.Port,
		creds:   insecure.NewCredentials(),
		logger:  observability.NopLogger(),
		conns:   make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, t Target) error {
	port := t.Port
	if p.port > 0 {
		port = p.port
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	conn, err := p.conn(addr)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: p.service,
	})
	if err != nil {
		p.closeConn(addr)
		return err
	}

	if status := resp.GetStatus(); status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrUnhealthyStatus, status)
	}
	return nil
}

// Close closes all pooled connections.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close stale gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(p.conns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(p.creds))
	if err != nil {
		return nil, err
	}

	p.conns[addr] = conn
	return conn, nil
}

func (p *GRPCProber) closeConn(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(p.conns, addr)
	}
}
