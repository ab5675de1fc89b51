// Package request defines one GET operation of a batch and the contracts used to send it.
//
// A Request is sent by a Sender, the client.Client is the default implementation.
// WaitGroup and RunGroup send many Sendable units concurrently.
package request

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request is an immutable GET request. The With* methods return a modified copy.
type Request struct {
	url   *url.URL
	index int
}

// NewGet creates a GET request of the URL.
// It panics if the URL cannot be parsed, user input must be validated before.
func NewGet(rawURL string) Request {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Errorf(`url "%s" is not valid: %w`, rawURL, err))
	}
	return Request{url: u}
}

func (r Request) Method() string {
	return http.MethodGet
}

// URL returns a copy of the request URL.
func (r Request) URL() *url.URL {
	if r.url == nil {
		panic(fmt.Errorf("request url is not set"))
	}
	clone := *r.url
	return &clone
}

// Index is the position of the request in its batch.
func (r Request) Index() int {
	return r.index
}

func (r Request) WithIndex(index int) Request {
	r.index = index
	return r
}

func (r Request) String() string {
	return fmt.Sprintf(`%s "%s"`, r.Method(), r.URL().Redacted())
}

// Response of one Request, the body is fully read and decoded.
type Response struct {
	Request Request
	// StatusCode is 0 if no response has been received, for example on a network error.
	StatusCode int
	Header     http.Header
	Body       []byte
	// Bytes is the size of the body as received, before the Content-Encoding is decoded.
	Bytes int64
	// Attempts is the number of round trips, including retries and redirects.
	Attempts int
	Duration time.Duration
}

// Received returns true if the server answered, regardless of the status code.
func (r *Response) Received() bool {
	return r.StatusCode != 0
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode > 199 && r.StatusCode < 300
}

// IsError returns true if the status code is 4xx or 5xx.
func (r *Response) IsError() bool {
	return r.StatusCode > 399
}

// Sender sends requests.
// The returned Response is nil only if the request has not been sent at all.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Sendable is a unit of work run by a WaitGroup or a RunGroup.
type Sendable interface {
	SendOrErr(ctx context.Context) error
}

// SendableFunc adapts a function to the Sendable interface.
type SendableFunc func(ctx context.Context) error

func (fn SendableFunc) SendOrErr(ctx context.Context) error {
	return fn(ctx)
}
