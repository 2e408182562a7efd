// Package export publishes load balancer stats snapshots to external sinks.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/metrics"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/retry"
	"github.com/vyrodovalexey/avalb/internal/stats"
)

const (
	sinkRedis = "redis"

	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 3 * time.Second

	// ttlIntervals is how many publish intervals a stored snapshot outlives.
	ttlIntervals = 3
)

// defaultConnectRetry covers a Redis instance that is still starting.
var defaultConnectRetry = retry.Config{
	MaxRetries:     2,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	JitterFactor:   retry.DefaultJitterFactor,
}

// StatsSource produces the snapshot to publish.
type StatsSource interface {
	GetStats() stats.LoadBalancerStats
}

// RedisPublisher stores the latest stats snapshot under a key and publishes
// it on a channel once per interval.
type RedisPublisher struct {
	client   *redis.Client
	source   StatsSource
	key      string
	channel  string
	interval time.Duration
	logger   observability.Logger
	metrics  *metrics.Metrics
	connect  retry.Config

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the publisher.
type Option func(*RedisPublisher)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *RedisPublisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *RedisPublisher) {
		p.metrics = m
	}
}

// WithConnectRetry sets the retry policy for the initial ping.
func WithConnectRetry(cfg retry.Config) Option {
	return func(p *RedisPublisher) {
		p.connect = cfg
	}
}

// NewRedisPublisher connects to Redis and verifies the connection with a
// ping, retrying with backoff. cfg is expected to have defaults applied.
func NewRedisPublisher(
	ctx context.Context,
	cfg config.RedisExportConfig,
	source StatsSource,
	opts ...Option,
) (*RedisPublisher, error) {
	p := &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  defaultDialTimeout,
			WriteTimeout: defaultWriteTimeout,
		}),
		source:   source,
		key:      cfg.Key,
		channel:  cfg.Channel,
		interval: cfg.Interval.Duration(),
		logger:   observability.NopLogger(),
		connect:  defaultConnectRetry,
	}
	for _, opt := range opts {
		opt(p)
	}

	err := retry.Do(ctx, &p.connect, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
		return p.client.Ping(pingCtx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			p.logger.Warn("redis not reachable, retrying",
				observability.String("address", cfg.Address),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		_ = p.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return p, nil
}

// Publish stores and publishes one snapshot.
func (p *RedisPublisher) Publish(ctx context.Context) error {
	payload, err := json.Marshal(p.source.GetStats())
	if err != nil {
		p.metrics.RecordExport(sinkRedis, false)
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key, payload, ttlIntervals*p.interval)
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	p.metrics.RecordExport(sinkRedis, err == nil)
	if err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}
	return nil
}

// Start publishes immediately and then once per interval until ctx is
// cancelled or Stop is called.
func (p *RedisPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})

	go p.run(ctx, p.stopCh, p.stoppedCh)

	p.logger.Info("redis stats publisher started",
		observability.String("key", p.key),
		observability.String("channel", p.channel),
		observability.Duration("interval", p.interval),
	)
}

func (p *RedisPublisher) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Publish(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("stats export failed",
				observability.String("sink", sinkRedis),
				observability.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the publish loop and waits for it to exit.
func (p *RedisPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// Close stops the publisher and closes the Redis client.
func (p *RedisPublisher) Close() error {
	p.Stop()
	return p.client.Close()
}
