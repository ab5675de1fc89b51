// Package trace defines hooks invoked by the client.Client while it sends one request.
//
// LogTracer logs attempts and retries, DumpTracer writes completed requests with their bodies.
// The otel sub-package reports spans and metrics.
package trace

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/keboola/go-dispatcher/pkg/request"
)

// ClientTrace is a set of hooks of one request, any of them may be nil.
type ClientTrace struct {
	// ClientTrace contains the low-level connection hooks, they are registered by httptrace.WithClientTrace.
	httptrace.ClientTrace
	// AttemptStart is called before each round trip, the first attempt is 0.
	AttemptStart func(req *http.Request, attempt int)
	// AttemptDone is called after each round trip.
	AttemptDone func(res *http.Response, err error, attempt int)
	// RetryWait is called before the client waits for the next attempt.
	RetryWait func(attempt int, delay time.Duration)
	// Done is called once, after the body has been read. The response is never nil.
	Done func(res *request.Response, err error)
}

// Factory creates hooks for the request. The returned context is used to send the request.
type Factory func(ctx context.Context, req request.Request) (context.Context, *ClientTrace)
