package otel

import (
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	otelMetric "go.opentelemetry.io/otel/metric"

	"github.com/keboola/go-dispatcher/pkg/request"
)

const meterPrefix = "keboola.go.dispatcher.request."

type meters struct {
	inFlight otelMetric.Int64UpDownCounter
	duration otelMetric.Float64Histogram
	received otelMetric.Int64Counter
	retries  otelMetric.Int64Counter
}

func newMeters(meter otelMetric.Meter) meters {
	return meters{
		inFlight: must(meter.Int64UpDownCounter(
			meterPrefix+"in_flight",
			otelMetric.WithDescription("Requests in flight."),
		)),
		duration: must(meter.Float64Histogram(
			meterPrefix+"duration",
			otelMetric.WithDescription("Request duration, including retries and reading of the body."),
			otelMetric.WithUnit("ms"),
		)),
		received: must(meter.Int64Counter(
			meterPrefix+"received",
			otelMetric.WithDescription("Received body bytes, before decoding."),
			otelMetric.WithUnit("By"),
		)),
		retries: must(meter.Int64Counter(
			meterPrefix+"retries",
			otelMetric.WithDescription("Retried attempts."),
		)),
	}
}

// targetAttributes have low cardinality, they are shared by all requests of a batch.
func targetAttributes(req request.Request) []attribute.KeyValue {
	u := req.URL()
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return []attribute.KeyValue{
		attribute.String("http.request.method", req.Method()),
		attribute.String("url.scheme", u.Scheme),
		attribute.String("server.address", u.Hostname()),
		attribute.Int("server.port", cast.ToInt(port)),
	}
}

func must[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
