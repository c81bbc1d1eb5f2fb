// Package observability provides logging, metrics, and tracing
// functionality for the intercepting proxy.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap. The level
// of a logger can be changed at runtime with SetLevel, which the proxy uses
// on configuration reload:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("connection accepted",
//	    observability.String("remote", conn.RemoteAddr().String()),
//	)
//
// # Metrics
//
// Process-level Prometheus metrics (connections, handshakes, reloads) live
// in Metrics. Its Registry is shared with component metrics such as the
// certificate supply metrics:
//
//	metrics := observability.NewMetrics("avamitm")
//	tlsMetrics := tls.NewMetrics("avamitm", tls.WithRegistry(metrics.Registry()))
//
// # Tracing
//
// OpenTelemetry tracing with OTLP/gRPC export. NewTracer installs the
// provider globally so that spans started by internal packages are exported:
//
//	tracer, err := observability.NewTracer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(ctx)
package observability
