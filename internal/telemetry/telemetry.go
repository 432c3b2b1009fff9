// Package telemetry provides OpenTelemetry metrics for tickmirror.
//
// Telemetry is disabled by default (no-op providers, zero overhead).
//
//	TICKMIRROR_OTEL_ENABLED=true   enable metrics
//	TICKMIRROR_OTEL_STDOUT=true    export to stdout (dev mode)
//	OTEL_SERVICE_NAME=tickmirrord  override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/tickmirror/tickmirror"

var (
	shutdownFns []func(context.Context) error

	securityEvents metric.Int64Counter
	syncResults    metric.Int64Counter
	jobResults     metric.Int64Counter
)

// Enabled reports whether telemetry is active.
func Enabled() bool {
	return os.Getenv("TICKMIRROR_OTEL_ENABLED") == "true"
}

// Init configures the meter provider and instruments. When disabled it
// installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		initInstruments()
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if os.Getenv("TICKMIRROR_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	initInstruments()
	return nil
}

func initInstruments() {
	meter := otel.Meter(instrumentationScope)
	securityEvents, _ = meter.Int64Counter("tickmirror.webhook.security_events",
		metric.WithDescription("Webhook security gate events by kind"))
	syncResults, _ = meter.Int64Counter("tickmirror.sync.results",
		metric.WithDescription("Reconciliation outcomes by code"))
	jobResults, _ = meter.Int64Counter("tickmirror.refresh.job_results",
		metric.WithDescription("Refresh job outcomes"))
}

// RecordSecurityEvent counts a webhook security gate event
// (signature_verified, invalid_signature, delivery_id_missing, ...).
func RecordSecurityEvent(ctx context.Context, kind string) {
	if securityEvents != nil {
		securityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordSyncResult counts a reconciliation outcome. code is "" on
// success.
func RecordSyncResult(ctx context.Context, repo string, changed bool, code string) {
	if syncResults == nil {
		return
	}
	outcome := "unchanged"
	if code != "" {
		outcome = code
	} else if changed {
		outcome = "changed"
	}
	syncResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repo", repo),
		attribute.String("outcome", outcome),
	))
}

// RecordJobResult counts a refresh job outcome (succeeded, requeued,
// failed).
func RecordJobResult(ctx context.Context, outcome string) {
	if jobResults != nil {
		jobResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Shutdown flushes metrics and shuts down providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
