package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keboola/go-dispatcher/pkg/client"
	. "github.com/keboola/go-dispatcher/pkg/dispatcher"
)

const targetURL = "https://example.com/resource"

func lines(out *bytes.Buffer) []string {
	str := strings.TrimRight(out.String(), "\n")
	if str == "" {
		return nil
	}
	return strings.Split(str, "\n")
}

func TestDispatch_AllSucceeded(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(200, "OK\n"))

	var opened, closed int
	var closeErr error
	out := &bytes.Buffer{}
	results, err := Dispatch(context.Background(), targetURL, 5,
		WithClient(c),
		WithOutput(out),
		WithOnSessionOpen(func(s *Session) {
			opened++
			assert.Equal(t, int64(0), s.Sent())
		}),
		WithOnSessionClose(func(s *Session, err error) {
			closed++
			closeErr = err
			assert.Equal(t, int64(0), s.InFlight())
			assert.Equal(t, int64(5), s.Sent())
			assert.Equal(t, int64(15), s.Received())
			assert.True(t, s.Closed())
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"OK", "OK", "OK", "OK", "OK"}, lines(out))
	assert.Equal(t, 5, transport.GetTotalCallCount())
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	require.NoError(t, closeErr)

	// Results are indexed by the descriptor ordinal
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, targetURL, r.URL)
		assert.True(t, r.Sent)
		assert.True(t, r.Succeeded())
		assert.Equal(t, 200, r.StatusCode)
		assert.Equal(t, "OK\n", r.Body)
		assert.Equal(t, int64(3), r.Bytes)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Equal(t, 5, results.Succeeded())
	assert.Equal(t, 0, results.Failed())
	assert.Equal(t, 0, results.Skipped())
	assert.NoError(t, results.Err())
}

func TestDispatch_SingleRequest(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(200, "OK"))

	var opened, closed int
	out := &bytes.Buffer{}
	results, err := New(
		WithClient(c),
		WithOutput(out),
		WithOnSessionOpen(func(*Session) { opened++ }),
		WithOnSessionClose(func(*Session, error) { closed++ }),
	).Dispatch(context.Background(), targetURL, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "OK\n", out.String())
	assert.Equal(t, 1, transport.GetTotalCallCount())
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestDispatch_ZeroCount(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()

	opened := false
	out := &bytes.Buffer{}
	results, err := Dispatch(context.Background(), targetURL, 0,
		WithClient(c),
		WithOutput(out),
		WithOnSessionOpen(func(*Session) { opened = true }),
	)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Empty(t, out.String())
	assert.False(t, opened)
	assert.Equal(t, 0, transport.GetTotalCallCount())
}

func TestDispatch_InvalidInput(t *testing.T) {
	t.Parallel()
	opened := false
	d := New(WithOnSessionOpen(func(*Session) { opened = true }))

	_, err := d.Dispatch(context.Background(), targetURL, -1)
	require.Error(t, err)
	assert.Equal(t, "count must be greater than or equal to 0, found -1", err.Error())

	_, err = d.Dispatch(context.Background(), "ftp://example.com", 1)
	require.Error(t, err)
	assert.Equal(t, `target url "ftp://example.com" is not valid: scheme must be "http" or "https"`, err.Error())

	_, err = d.Dispatch(context.Background(), "https://", 1)
	require.Error(t, err)
	assert.Equal(t, `target url "https://" is not valid: host is missing`, err.Error())

	assert.False(t, opened)
}

func TestDispatch_Unreachable_CollectAll(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewErrorResponder(errors.New("dial tcp: lookup example.com: no such host")))

	out := &bytes.Buffer{}
	results, err := Dispatch(context.Background(), targetURL, 3, WithClient(c), WithOutput(out))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such host")
	assert.Empty(t, out.String())
	assert.Equal(t, 3, transport.GetTotalCallCount())
	assert.Equal(t, 0, results.Succeeded())
	assert.Equal(t, 3, results.Failed())
	for _, r := range results {
		assert.True(t, r.Sent)
		assert.Equal(t, 0, r.StatusCode)
		assert.Error(t, r.Err)
	}
}

func TestDispatch_Unreachable_FailFast(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewErrorResponder(errors.New("dial tcp: lookup example.com: no such host")))

	out := &bytes.Buffer{}
	results, err := Dispatch(context.Background(), targetURL, 10,
		WithClient(c),
		WithOutput(out),
		WithFaultPolicy(FailFast),
		WithConcurrencyLimit(1),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such host")
	assert.LessOrEqual(t, len(lines(out)), 10)
	assert.Equal(t, 0, results.Succeeded())
	assert.GreaterOrEqual(t, results.Failed(), 1)
	assert.Equal(t, 10, results.Failed()+results.Skipped())

	// Every result is tagged
	for _, r := range results {
		require.Error(t, r.Err)
		if !r.Sent {
			assert.ErrorIs(t, r.Err, ErrNotStarted)
		}
	}
}

func TestDispatch_HTTPError(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(404, "Not Found"))

	out := &bytes.Buffer{}
	results, err := Dispatch(context.Background(), targetURL, 2, WithClient(c), WithOutput(out))
	require.Error(t, err)
	assert.Empty(t, out.String())
	for _, r := range results {
		assert.True(t, r.Sent)
		assert.Equal(t, 404, r.StatusCode)
		assert.Equal(t, `request GET "https://example.com/resource" failed: 404 Not Found`, r.Err.Error())
	}
}

func TestDispatch_Retried(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()

	var calls atomic.Int64
	transport.RegisterResponder(http.MethodGet, targetURL, func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return httpmock.NewStringResponse(503, "Service Unavailable"), nil
		}
		return httpmock.NewStringResponse(200, "OK"), nil
	})

	var received int64
	out := &bytes.Buffer{}
	results, err := Dispatch(context.Background(), targetURL, 1,
		WithClient(c),
		WithOutput(out),
		WithOnSessionClose(func(s *Session, _ error) { received = s.Received() }),
	)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out.String())
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, 200, results[0].StatusCode)
	assert.Equal(t, int64(2), results[0].Bytes)
	assert.Equal(t, int64(2), received)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestDispatch_CancelledContext(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(200, "OK"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := &bytes.Buffer{}
	results, err := Dispatch(ctx, targetURL, 3, WithClient(c), WithOutput(out))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.String())
	assert.Equal(t, 0, transport.GetTotalCallCount())
	assert.Equal(t, 3, results.Skipped())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, ErrNotStarted)
		assert.True(t, r.Cancelled())
	}
}

func TestDispatch_Idempotent(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(200, "OK"))

	out := &bytes.Buffer{}
	d := New(WithClient(c), WithOutput(out))
	for range 3 {
		out.Reset()
		_, err := d.Dispatch(context.Background(), targetURL, 4)
		require.NoError(t, err)
		assert.Len(t, lines(out), 4)
	}
	assert.Equal(t, 12, transport.GetTotalCallCount())
}

func TestDispatch_ConcurrencyLimit(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()

	var inFlight, maxInFlight atomic.Int64
	transport.RegisterResponder(http.MethodGet, targetURL, func(req *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			current := maxInFlight.Load()
			if n <= current || maxInFlight.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return httpmock.NewStringResponse(200, "OK"), nil
	})

	out := &bytes.Buffer{}
	_, err := Dispatch(context.Background(), targetURL, 20, WithClient(c), WithOutput(out), WithConcurrencyLimit(3))
	require.NoError(t, err)
	assert.Len(t, lines(out), 20)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(3))
	assert.GreaterOrEqual(t, maxInFlight.Load(), int64(1))
}

func TestDispatch_RateLimit(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(200, "OK"))

	start := time.Now()
	out := &bytes.Buffer{}
	_, err := Dispatch(context.Background(), targetURL, 5, WithClient(c), WithOutput(out), WithRateLimit(50, 1))
	require.NoError(t, err)
	assert.Len(t, lines(out), 5)

	// 1 request immediately, then 4 requests in 20ms intervals
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestDispatch_Logger(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(500, "Internal Server Error"))

	var logs syncBuffer
	logger := zerolog.New(&logs).Level(zerolog.InfoLevel)
	_, err := Dispatch(context.Background(), targetURL, 1, WithClient(c), WithOutput(&bytes.Buffer{}), WithLogger(logger))
	require.Error(t, err)

	out := logs.String()
	assert.Contains(t, out, `"message":"dispatch started"`)
	assert.Contains(t, out, `"message":"request failed"`)
	assert.Contains(t, out, `"message":"dispatch finished"`)
	assert.Contains(t, out, `"failed":1`)
	assert.Contains(t, out, `"policy":"collect-all"`)
}

func TestDispatch_Span(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder(http.MethodGet, targetURL, httpmock.NewStringResponder(404, "Not Found"))

	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	_, err := Dispatch(context.Background(), targetURL, 2, WithClient(c), WithOutput(&bytes.Buffer{}), WithTracerProvider(tp))
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "keboola.go.dispatcher.dispatch", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	attrs := make(map[string]any)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, targetURL, attrs["url.full"])
	assert.Equal(t, int64(2), attrs["dispatch.count"])
	assert.Equal(t, int64(2), attrs["dispatch.failed"])
}

func TestFaultPolicy_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "collect-all", CollectAll.String())
	assert.Equal(t, "fail-fast", FailFast.String())
	assert.Equal(t, "unknown", FaultPolicy(123).String())
}

type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}
