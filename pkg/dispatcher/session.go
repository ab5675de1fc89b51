package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/keboola/go-dispatcher/pkg/client"
	"github.com/keboola/go-dispatcher/pkg/request"
)

// ErrSessionClosed is returned when a request is sent through an already released session.
var ErrSessionClosed = errors.New("session is closed")

// Session is the connection context shared by all requests of one dispatch.
// It wraps one client.Client with its pooled transport and implements the request.Sender interface.
//
// The session counts operations in flight.
// Close fails if any operation is still in flight, the session must outlive all of them.
type Session struct {
	client   client.Client
	inFlight atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
	closed   atomic.Bool
}

// NewSession opens a session over the client.
func NewSession(c client.Client) *Session {
	return &Session{client: c}
}

// Send implements the request.Sender interface.
func (s *Session) Send(ctx context.Context, req request.Request) (*request.Response, error) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	// The closed flag is checked after the in-flight counter is incremented, see Close.
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	res, err := s.client.Send(ctx, req)
	if res != nil {
		s.sent.Add(1)
		s.received.Add(res.Bytes)
	}
	return res, err
}

// InFlight returns the number of operations in progress.
func (s *Session) InFlight() int64 {
	return s.inFlight.Load()
}

// Sent returns the number of requests the client has sent, successfully or not.
func (s *Session) Sent() int64 {
	return s.sent.Load()
}

// Received returns the number of body bytes received by all requests, before decoding.
func (s *Session) Received() int64 {
	return s.received.Load()
}

// Closed returns true if the session has been released.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close releases the session and idle pooled connections.
// Any later Send fails with ErrSessionClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrSessionClosed
	}
	s.client.CloseIdleConnections()
	if n := s.inFlight.Load(); n > 0 {
		return fmt.Errorf("session closed with %d operation(s) in flight", n)
	}
	return nil
}
