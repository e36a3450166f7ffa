// Package telemetry provides observability instrumentation for the upgrade
// broker.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value that
// the broker builds at startup and hands to its components.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Logs go to stderr or a file, never stdout: in stdio mode stdout carries the
// protocol. Components take a zerolog.Logger with a component field:
//
//	logger := tel.Logger.NewComponentLogger("adapter").Zerolog()
//
// # Requests
//
// Each accepted request is wrapped in an Operation, which opens a span,
// derives a logger carrying request_id and method, and records the request
// counter and duration histogram on End:
//
//	op := telemetry.StartOperation(ctx, req.ID, string(req.Method), client)
//	err := run(op.Ctx)
//	op.End("finished", err)
//
// # Metrics
//
// Exposed metrics, prefixed with the configured namespace:
//
//   - requests_total{method,status} and request_duration_seconds{method}
//   - requests_rejected_total{code} and queue_depth
//   - questions_total{kind,outcome} and question_pending
//   - repository_syncs_total{outcome}
//   - package_changes_total{action}
//
// Every Metrics method is safe on a nil or disabled receiver.
//
// # Tracing
//
// Exporters: otlp (gRPC), stdout (written to stderr) and none.
package telemetry
