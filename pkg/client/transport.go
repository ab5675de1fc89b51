package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const (
	DialTimeout           = 3 * time.Second
	KeepAlive             = 10 * time.Second
	TLSHandshakeTimeout   = 5 * time.Second
	ResponseHeaderTimeout = 20 * time.Second
	IdleConnTimeout       = 90 * time.Second
	// MaxConnectionsPerHost is the pool size of the DefaultTransport.
	MaxConnectionsPerHost = 32
)

// DefaultTransport returns a pooled transport with MaxConnectionsPerHost connections per host.
func DefaultTransport() *http.Transport {
	return TransportWithLimit(MaxConnectionsPerHost)
}

// TransportWithLimit returns a pooled transport with at most maxConns open connections per host, 0 means no limit.
// Up to maxConns connections stay idle in the pool, so a batch of requests reuses them.
func TransportWithLimit(maxConns int) *http.Transport {
	maxConns = max(maxConns, 0)
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           Dialer().DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxConnsPerHost:       maxConns,
		MaxIdleConnsPerHost:   max(maxConns, http.DefaultMaxIdleConnsPerHost),
	}
}

// HTTP2 is a transport speaking only HTTP/2.
// Requests to "https" URLs negotiate it by TLS, requests to "http" URLs use cleartext HTTP/2 with prior knowledge (h2c).
//
// All requests to a host are multiplexed over a single connection,
// new streams wait while the server's limit of concurrent streams is reached.
type HTTP2 struct {
	tls       *http2.Transport
	cleartext *http2.Transport
}

func HTTP2Transport() *HTTP2 {
	dialer := Dialer()
	return &HTTP2{
		tls: newHTTP2Transport(func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return (&tls.Dialer{NetDialer: dialer, Config: cfg}).DialContext(ctx, network, addr)
		}),
		cleartext: newHTTP2Transport(func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}),
	}
}

func (t *HTTP2) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "http" {
		return t.cleartext.RoundTrip(req)
	}
	return t.tls.RoundTrip(req)
}

func (t *HTTP2) CloseIdleConnections() {
	t.tls.CloseIdleConnections()
	t.cleartext.CloseIdleConnections()
}

func newHTTP2Transport(dial func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error)) *http2.Transport {
	return &http2.Transport{
		AllowHTTP:                  true,
		DialTLSContext:             dial,
		StrictMaxConcurrentStreams: true,
		ReadIdleTimeout:            3 * time.Second,
		PingTimeout:                3 * time.Second,
		WriteByteTimeout:           3 * time.Second,
	}
}

func Dialer() *net.Dialer {
	return &net.Dialer{Timeout: DialTimeout, KeepAlive: KeepAlive}
}
