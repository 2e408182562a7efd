package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avalb/internal/admin"
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/export"
	"github.com/vyrodovalexey/avalb/internal/loadbalancer"
	"github.com/vyrodovalexey/avalb/internal/metrics"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

const metricsNamespace = "avalb"

// application holds all application components.
type application struct {
	config   *config.Config
	lb       *loadbalancer.LoadBalancer
	metrics  *metrics.Metrics
	tracer   *observability.Tracer
	admin    *admin.Server
	exporter *export.RedisPublisher
}

// initApplication builds every component from the configuration. Nothing
// is started.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	m := metrics.New(metricsNamespace)

	lb, err := loadbalancer.New(cfg,
		loadbalancer.WithLogger(logger),
		loadbalancer.WithMetrics(m),
	)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}

	app := &application{
		config:  cfg,
		lb:      lb,
		metrics: m,
		tracer:  tracer,
	}

	if cfg.Spec.Admin.Enabled {
		app.admin = admin.NewServer(cfg.Spec.Admin, lb,
			admin.WithLogger(logger),
			admin.WithMetrics(m),
		)
	}

	if r := redisExport(cfg); r != nil {
		p, err := export.NewRedisPublisher(context.Background(), *r, lb,
			export.WithLogger(logger),
			export.WithMetrics(m),
		)
		if err != nil {
			// Stats export is an observability feed; routing works without it.
			logger.Warn("redis stats export disabled", observability.Error(err))
		} else {
			app.exporter = p
		}
	}

	return app, nil
}

func redisExport(cfg *config.Config) *config.RedisExportConfig {
	if cfg.Spec.Export == nil || cfg.Spec.Export.Redis == nil || !cfg.Spec.Export.Redis.Enabled {
		return nil
	}
	return cfg.Spec.Export.Redis
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config) (*observability.Tracer, error) {
	tracerCfg := observability.TracerConfig{
		ServiceName:    config.DefaultTracingServiceName,
		ServiceVersion: version,
		InstanceName:   cfg.Metadata.Name,
		SamplingRate:   1.0,
	}

	if t := cfg.Spec.Observability.Tracing; t != nil {
		tracerCfg.Enabled = t.Enabled
		tracerCfg.SamplingRate = t.SamplingRate
		tracerCfg.OTLPEndpoint = t.OTLPEndpoint
		if t.ServiceName != "" {
			tracerCfg.ServiceName = t.ServiceName
		}
	}

	return observability.NewTracer(tracerCfg)
}

// start launches health checks, the admin server and the stats exporter.
func (a *application) start(ctx context.Context, logger observability.Logger) {
	a.lb.StartHealthChecks(ctx)

	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				logger.Error("admin server failed", observability.Error(err))
			}
		}()
	}

	if a.exporter != nil {
		a.exporter.Start(ctx)
	}
}

// onConfigReload applies a reloaded configuration. Only the backend list is
// hot-reloadable; other changes are logged and ignored.
func (a *application) onConfigReload(newCfg *config.Config, logger observability.Logger) {
	for _, field := range restartRequired(a.config, newCfg) {
		logger.Warn("configuration change requires restart, ignoring",
			observability.String("field", field),
		)
	}

	if err := a.lb.Reconcile(newCfg.Spec.Backends); err != nil {
		logger.Error("failed to apply reloaded backends", observability.Error(err))
		return
	}

	logger.Info("configuration reloaded",
		observability.Int("backends", len(newCfg.Spec.Backends)),
	)
}

// restartRequired lists the non-reloadable sections that differ.
func restartRequired(old, updated *config.Config) []string {
	var fields []string
	if old.Spec.Algorithm != updated.Spec.Algorithm {
		fields = append(fields, "spec.algorithm")
	}
	if old.Spec.HealthCheck != updated.Spec.HealthCheck {
		fields = append(fields, "spec.healthCheck")
	}
	if old.Spec.CircuitBreaker != updated.Spec.CircuitBreaker {
		fields = append(fields, "spec.circuitBreaker")
	}
	if old.Spec.Admin != updated.Spec.Admin {
		fields = append(fields, "spec.admin")
	}
	return fields
}

// shutdown stops every component within timeout.
func (a *application) shutdown(watcher *config.Watcher, timeout time.Duration, logger observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("failed to stop config watcher", observability.Error(err))
		}
	}

	if a.admin != nil {
		adminCtx, adminCancel := context.WithTimeout(ctx, a.config.Spec.Admin.ShutdownTimeout.Duration())
		if err := a.admin.Stop(adminCtx); err != nil {
			logger.Error("failed to stop admin server gracefully", observability.Error(err))
		}
		adminCancel()
	}

	if a.exporter != nil {
		if err := a.exporter.Close(); err != nil {
			logger.Error("failed to close stats exporter", observability.Error(err))
		}
	}

	if err := a.lb.Close(); err != nil {
		logger.Error("failed to stop health checks", observability.Error(err))
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("load balancer stopped")
}
