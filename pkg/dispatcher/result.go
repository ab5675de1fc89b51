package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrNotStarted is set to results of the requests which never started, for example, after a fail-fast cancellation.
var ErrNotStarted = errors.New("request not started")

// Result is the tagged outcome of one Descriptor.
type Result struct {
	Descriptor
	// Sent is true if the request has been passed to the session.
	Sent       bool
	StatusCode int
	Body       string
	// Bytes is the size of the body as received, before the Content-Encoding is decoded.
	Bytes int64
	// Attempts is the number of round trips, including retries.
	Attempts int
	Duration time.Duration
	Err      error
}

// Succeeded returns true if the request was sent and completed without an error.
func (r Result) Succeeded() bool {
	return r.Sent && r.Err == nil
}

// Cancelled returns true if the request was interrupted by a context cancellation.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, context.Canceled)
}

// Results are indexed by the Descriptor.Index.
type Results []Result

// Succeeded returns the number of requests completed without an error.
func (v Results) Succeeded() (n int) {
	for _, r := range v {
		if r.Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of sent requests which ended with an error.
func (v Results) Failed() (n int) {
	for _, r := range v {
		if r.Sent && r.Err != nil {
			n++
		}
	}
	return n
}

// Skipped returns the number of requests which were never sent.
func (v Results) Skipped() (n int) {
	for _, r := range v {
		if !r.Sent {
			n++
		}
	}
	return n
}

// Err returns all errors of the results, or nil.
func (v Results) Err() error {
	var errs error
	for _, r := range v {
		if r.Err != nil {
			errs = multierror.Append(errs, r.Err)
		}
	}
	return errs
}
