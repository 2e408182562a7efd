// Package observability provides structured logging and tracing for the
// load balancer core.
//
// Logging is backed by zap and exposed through the Logger interface so
// that components can run with NopLogger in tests:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("backend degraded",
//	    observability.String("backend", "app-2"),
//	    observability.Int("consecutive_failures", 3),
//	)
//
// Tracing uses OpenTelemetry with an optional OTLP gRPC exporter:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName:  "avalb",
//	    Enabled:      true,
//	    OTLPEndpoint: "otel-collector:4317",
//	    SamplingRate: 0.1,
//	})
//	defer tracer.Shutdown(ctx)
package observability
