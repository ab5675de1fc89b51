// Package client provides Client, the default request.Sender.
//
// The Client sends GET requests through a pooled transport, retries transient failures
// with an exponential backoff, decodes gzip and brotli bodies and reads them whole.
// Registered trace factories observe each request, see the trace package.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	otelMetric "go.opentelemetry.io/otel/metric"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/keboola/go-dispatcher/pkg/client/counter"
	"github.com/keboola/go-dispatcher/pkg/client/decode"
	"github.com/keboola/go-dispatcher/pkg/client/trace"
	"github.com/keboola/go-dispatcher/pkg/client/trace/otel"
	"github.com/keboola/go-dispatcher/pkg/request"
)

const UserAgent = "keboola-go-dispatcher"

// drainLimit is the maximum number of unread bytes discarded before a body is closed,
// so the connection can return to the pool.
const drainLimit = 64 * 1024

// Client is immutable, each With*/And* method returns a modified copy.
// Copies share the transport and its connection pool.
type Client struct {
	transport http.RoundTripper
	header    http.Header
	retry     RetryConfig
	factories []trace.Factory
}

// New creates a Client with the DefaultTransport and the DefaultRetry.
func New() Client {
	header := make(http.Header)
	header.Set("User-Agent", UserAgent)
	header.Set("Accept-Encoding", decode.AcceptEncoding)
	return Client{transport: DefaultTransport(), header: header, retry: DefaultRetry()}
}

// WithUserAgent returns a copy of the Client with the User-Agent header set.
func (c Client) WithUserAgent(v string) Client {
	return c.WithHeader("User-Agent", v)
}

// WithHeader returns a copy of the Client with the header set on every request.
func (c Client) WithHeader(key, value string) Client {
	c.header = c.header.Clone()
	c.header.Set(key, value)
	return c
}

// WithTransport returns a copy of the Client using the transport.
func (c Client) WithTransport(transport http.RoundTripper) Client {
	if transport == nil {
		panic(errors.New("transport cannot be nil"))
	}
	c.transport = transport
	return c
}

// WithRetry returns a copy of the Client with the retry configuration.
func (c Client) WithRetry(retry RetryConfig) Client {
	c.retry = retry
	return c
}

// AndTrace returns a copy of the Client with the trace factory added.
// Hooks of all factories are invoked in the registration order.
func (c Client) AndTrace(fn trace.Factory) Client {
	c.factories = append(c.factories[:len(c.factories):len(c.factories)], fn)
	return c
}

// WithTelemetry returns a copy of the Client reporting spans and metrics, see the otel package.
func (c Client) WithTelemetry(tracerProvider otelTrace.TracerProvider, meterProvider otelMetric.MeterProvider) Client {
	return c.AndTrace(otel.NewTrace(tracerProvider, meterProvider))
}

// CloseIdleConnections closes idle pooled connections, if the transport supports it.
func (c Client) CloseIdleConnections() {
	if v, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		v.CloseIdleConnections()
	}
}

// Send implements the request.Sender interface.
//
// The Response is nil only if ctx is done before the request is sent.
// Otherwise, it is returned even with an error, its StatusCode is 0 if the server has not answered.
// A status code above 399 is an error.
func (c Client) Send(ctx context.Context, req request.Request) (res *request.Response, err error) {
	if c.transport == nil {
		panic(errors.New("client value is not initialized"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, traces := c.startTraces(ctx, req)
	res = &request.Response{Request: req}
	startTime := time.Now()
	defer func() {
		res.Duration = time.Since(startTime)
		traces.done(res, err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), req.URL().String(), nil)
	if err != nil {
		return res, err
	}
	for k, values := range c.header {
		httpReq.Header[k] = append([]string(nil), values...)
	}

	rt := &retryTransport{wrapped: c.transport, retry: c.retry, traces: traces}
	nativeClient := &http.Client{Transport: rt, Timeout: c.retry.TotalTimeout}
	httpRes, err := nativeClient.Do(httpReq)
	res.Attempts = rt.attempts
	if err != nil {
		return res, sendError(httpReq, startTime, err)
	}

	res.StatusCode = httpRes.StatusCode
	res.Header = httpRes.Header
	if err := readBody(httpRes, res); err != nil {
		return res, fmt.Errorf(`cannot read response of %s: %w`, req, err)
	}
	if res.IsError() {
		return res, fmt.Errorf(`request %s "%s" failed: %d %s`, req.Method(), httpReq.URL.Redacted(), res.StatusCode, http.StatusText(res.StatusCode))
	}
	return res, nil
}

func (c Client) startTraces(ctx context.Context, req request.Request) (context.Context, traces) {
	var out traces
	for _, factory := range c.factories {
		var t *trace.ClientTrace
		ctx, t = factory(ctx, req)
		if t == nil {
			continue
		}
		ctx = httptrace.WithClientTrace(ctx, &t.ClientTrace)
		out = append(out, t)
	}
	return ctx, out
}

// readBody reads the whole body, the counter sits under the decoder to measure transferred bytes.
func readBody(httpRes *http.Response, res *request.Response) error {
	wire := counter.NewReader(httpRes.Body)
	defer func() {
		drain(wire)
		res.Bytes = wire.Count()
	}()

	body, err := decode.Decode(wire, httpRes.Header.Get("Content-Encoding"))
	if err != nil {
		return err
	}
	defer body.Close()

	res.Body, err = io.ReadAll(body)
	return err
}

// sendError describes the failure of the whole request, after all retries.
func sendError(req *http.Request, startTime time.Time, err error) error {
	cause := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		cause = urlErr.Err
	}

	elapsed := time.Since(startTime).Round(time.Millisecond)
	var netErr net.Error
	switch {
	case errors.Is(cause, context.Canceled):
		cause = fmt.Errorf("canceled after %s: %w", elapsed, context.Canceled)
	case errors.Is(cause, context.DeadlineExceeded):
		cause = fmt.Errorf("timeout after %s: %w", elapsed, context.DeadlineExceeded)
	case errors.As(cause, &netErr) && netErr.Timeout():
		cause = fmt.Errorf("timeout after %s", elapsed)
	}
	return fmt.Errorf(`request %s "%s" failed: %w`, req.Method, req.URL.Redacted(), cause)
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, body, drainLimit)
	_ = body.Close()
}

// traces are hooks of one request.
type traces []*trace.ClientTrace

func (v traces) attemptStart(req *http.Request, attempt int) {
	for _, t := range v {
		if t.AttemptStart != nil {
			t.AttemptStart(req, attempt)
		}
	}
}

func (v traces) attemptDone(res *http.Response, err error, attempt int) {
	for _, t := range v {
		if t.AttemptDone != nil {
			t.AttemptDone(res, err, attempt)
		}
	}
}

func (v traces) retryWait(attempt int, delay time.Duration) {
	for _, t := range v {
		if t.RetryWait != nil {
			t.RetryWait(attempt, delay)
		}
	}
}

func (v traces) done(res *request.Response, err error) {
	for _, t := range v {
		if t.Done != nil {
			t.Done(res, err)
		}
	}
}
