package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	otelPrometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkMetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/keboola/go-dispatcher/pkg/config"
)

const serviceName = "keboola-go-dispatcher"

// telemetry holds providers for spans and metrics.
// Metrics are exposed by the Prometheus endpoint, finished spans are logged at the trace level.
type telemetry struct {
	tracerProvider *sdkTrace.TracerProvider
	meterProvider  *sdkMetric.MeterProvider
	server         *http.Server
}

// newTelemetry returns nil if metrics are disabled.
func newTelemetry(ctx context.Context, cfg config.Metrics, logger zerolog.Logger) (*telemetry, error) {
	if cfg.Listen == "" {
		return nil, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	registry := prometheus.NewRegistry()
	exporter, err := otelPrometheus.New(otelPrometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("cannot create prometheus exporter: %w", err)
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf(`cannot listen on "%s": %w`, cfg.Listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	t := &telemetry{
		tracerProvider: sdkTrace.NewTracerProvider(
			sdkTrace.WithResource(res),
			sdkTrace.WithSpanProcessor(spanLogger{logger: logger.With().Str("component", "telemetry").Logger()}),
		),
		meterProvider: sdkMetric.NewMeterProvider(
			sdkMetric.WithReader(exporter),
			sdkMetric.WithResource(res),
		),
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("address", listener.Addr().String()).Msg("serving metrics on /metrics")

	return t, nil
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs error
	if err := t.server.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// spanLogger is a span processor logging finished spans.
type spanLogger struct {
	logger zerolog.Logger
}

func (p spanLogger) OnStart(context.Context, sdkTrace.ReadWriteSpan) {}

func (p spanLogger) OnEnd(s sdkTrace.ReadOnlySpan) {
	p.logger.Trace().
		Str("span", s.Name()).
		Str("traceId", s.SpanContext().TraceID().String()).
		Str("status", s.Status().Code.String()).
		Dur("duration", s.EndTime().Sub(s.StartTime())).
		Msg("span finished")
}

func (p spanLogger) Shutdown(context.Context) error {
	return nil
}

func (p spanLogger) ForceFlush(context.Context) error {
	return nil
}
