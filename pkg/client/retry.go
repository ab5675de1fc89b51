package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryCount   = 5
	DefaultTotalTimeout = 30 * time.Second
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 3 * time.Second
)

// RetryConfig controls how the Client repeats failed attempts of one request.
type RetryConfig struct {
	// Count is the maximum number of retries, 0 disables them.
	Count int
	// TotalTimeout bounds the whole request, including all retries and reading of the body. 0 means no timeout.
	TotalTimeout time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Condition decides whether the outcome of an attempt is worth another one.
	Condition func(res *http.Response, err error) bool
}

func DefaultRetry() RetryConfig {
	return RetryConfig{
		Count:        DefaultRetryCount,
		TotalTimeout: DefaultTotalTimeout,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Condition:    DefaultRetryCondition,
	}
}

// TestingRetry keeps the default condition and count, with delays short enough for tests.
func TestingRetry() RetryConfig {
	c := DefaultRetry()
	c.InitialDelay = time.Millisecond
	c.MaxDelay = time.Millisecond
	return c
}

// retryStatusCodes are transient server answers.
var retryStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusConflict:            true,
	http.StatusLocked:              true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// DefaultRetryCondition retries transient status codes and network errors.
// An unknown host and a cancelled context are final.
func DefaultRetryCondition(res *http.Response, err error) bool {
	if res != nil {
		return retryStatusCodes[res.StatusCode]
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	msg := err.Error()
	return !strings.Contains(msg, "no such host") && !strings.Contains(msg, "No address associated with hostname")
}

func (c RetryConfig) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // the total timeout is enforced by the http.Client
	b.Reset()
	return b
}

// retryTransport repeats round trips while the RetryConfig allows it.
// Redirects are separate round trips, so attempts counts them too.
type retryTransport struct {
	wrapped  http.RoundTripper
	retry    RetryConfig
	traces   traces
	attempts int
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	delays := t.retry.newBackoff()
	for attempt := 0; ; attempt++ {
		t.attempts++
		t.traces.attemptStart(req, attempt)
		res, err := t.wrapped.RoundTrip(req)
		t.traces.attemptDone(res, err, attempt)

		if attempt >= t.retry.Count || t.retry.Condition == nil || !t.retry.Condition(res, err) {
			return res, err
		}
		delay := delays.NextBackOff()
		if delay == backoff.Stop {
			return res, err
		}

		// The failed response is replaced, release its connection
		if res != nil {
			drain(res.Body)
		}

		t.traces.retryWait(attempt+1, delay)
		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}
