// Package otel reports requests sent by the client.Client to OpenTelemetry.
//
// Each request is one "keboola.go.dispatcher.request" span, a child of the span in the request context.
// Connections, attempts and retries are recorded as span events.
// Metrics names start with "keboola.go.dispatcher.request.", see newMeters.
package otel

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelMetric "go.opentelemetry.io/otel/metric"
	metricNoop "go.opentelemetry.io/otel/metric/noop"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/keboola/go-dispatcher/pkg/client/trace"
	"github.com/keboola/go-dispatcher/pkg/request"
)

const (
	instrumentationName = "github.com/keboola/go-dispatcher/pkg/client"
	spanName            = "keboola.go.dispatcher.request"

	attrIndex       = attribute.Key("dispatch.request.index")
	attrURL         = attribute.Key("url.full")
	attrStatusCode  = attribute.Key("http.response.status_code")
	attrBodySize    = attribute.Key("http.response.body.size")
	attrResendCount = attribute.Key("http.request.resend_count")
	attrAttempt     = attribute.Key("http.request.attempt")
	attrRetryDelay  = attribute.Key("http.retry.delay_ms")
	attrConnReused  = attribute.Key("http.conn.reused")
	attrConnIdle    = attribute.Key("http.conn.was_idle")
	attrErrorMsg    = attribute.Key("error.message")
)

// NewTrace creates a trace.Factory reporting a span and metrics of each request.
// Nil providers are replaced by no-op implementations.
func NewTrace(tracerProvider otelTrace.TracerProvider, meterProvider otelMetric.MeterProvider) trace.Factory {
	if tracerProvider == nil {
		tracerProvider = noop.NewTracerProvider()
	}
	if meterProvider == nil {
		meterProvider = metricNoop.NewMeterProvider()
	}
	tracer := tracerProvider.Tracer(instrumentationName)
	meters := newMeters(meterProvider.Meter(instrumentationName))

	return func(ctx context.Context, req request.Request) (context.Context, *trace.ClientTrace) {
		target := targetAttributes(req)
		targetOpt := otelMetric.WithAttributes(target...)
		startTime := time.Now()

		meters.inFlight.Add(ctx, 1, targetOpt)
		ctx, span := tracer.Start(
			ctx,
			spanName,
			otelTrace.WithSpanKind(otelTrace.SpanKindClient),
			otelTrace.WithAttributes(target...),
			otelTrace.WithAttributes(attrIndex.Int(req.Index()), attrURL.String(req.URL().Redacted())),
		)

		t := &trace.ClientTrace{}
		t.GotConn = func(info httptrace.GotConnInfo) {
			span.AddEvent("http.conn", otelTrace.WithAttributes(attrConnReused.Bool(info.Reused), attrConnIdle.Bool(info.WasIdle)))
		}
		t.AttemptDone = func(res *http.Response, err error, attempt int) {
			attrs := []attribute.KeyValue{attrAttempt.Int(attempt)}
			if res != nil {
				attrs = append(attrs, attrStatusCode.Int(res.StatusCode))
			}
			if err != nil {
				attrs = append(attrs, attrErrorMsg.String(err.Error()))
			}
			span.AddEvent("http.attempt", otelTrace.WithAttributes(attrs...))
		}
		t.RetryWait = func(attempt int, delay time.Duration) {
			meters.retries.Add(ctx, 1, targetOpt)
			span.AddEvent("http.retry", otelTrace.WithAttributes(attrAttempt.Int(attempt), attrRetryDelay.Int64(delay.Milliseconds())))
		}
		t.Done = func(res *request.Response, err error) {
			elapsed := float64(time.Since(startTime)) / float64(time.Millisecond)
			status := attrStatusCode.Int(res.StatusCode)

			meters.inFlight.Add(ctx, -1, targetOpt)
			meters.duration.Record(ctx, elapsed, targetOpt, otelMetric.WithAttributes(status))
			meters.received.Add(ctx, res.Bytes, targetOpt)

			span.SetAttributes(status, attrBodySize.Int64(res.Bytes), attrResendCount.Int(max(res.Attempts-1, 0)))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		return ctx, t
	}
}
