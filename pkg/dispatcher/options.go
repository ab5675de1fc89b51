package dispatcher

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/keboola/go-dispatcher/pkg/client"
)

// FaultPolicy defines what happens with other requests when one of them fails.
type FaultPolicy int

const (
	// CollectAll sends all requests, each outcome is stored as a Result, all errors are returned.
	CollectAll FaultPolicy = iota
	// FailFast cancels the remaining requests after the first failure and returns the first error.
	FailFast
)

// String returns the name used in logs and span attributes.
func (p FaultPolicy) String() string {
	switch p {
	case CollectAll:
		return "collect-all"
	case FailFast:
		return "fail-fast"
	default:
		return "unknown"
	}
}

type config struct {
	client           *client.Client
	policy           FaultPolicy
	concurrencyLimit int
	rateLimit        float64
	rateBurst        int
	output           io.Writer
	logger           zerolog.Logger
	tracerProvider   otelTrace.TracerProvider
	onSessionOpen    func(*Session)
	onSessionClose   func(*Session, error)
}

// Option configures a Dispatcher.
// By default, all results are collected, the concurrency and the rate are unlimited and bodies are printed to os.Stdout.
type Option func(*config)

func newConfig(opts []Option) config {
	cfg := config{
		policy: CollectAll,
		output: os.Stdout,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithClient sets the client used by the session of each dispatch.
// By default, a new client.Client with its own connection pool is created for each dispatch.
func WithClient(c client.Client) Option {
	return func(cfg *config) {
		cfg.client = &c
	}
}

// WithFaultPolicy sets how a failed request affects the others, CollectAll by default.
func WithFaultPolicy(p FaultPolicy) Option {
	return func(cfg *config) {
		cfg.policy = p
	}
}

// WithConcurrencyLimit caps the number of simultaneously running requests.
// The value <= 0 means no limit.
func WithConcurrencyLimit(n int) Option {
	return func(cfg *config) {
		cfg.concurrencyLimit = n
	}
}

// WithRateLimit paces the start of requests to rps per second with the given burst.
// The value rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(cfg *config) {
		cfg.rateLimit = rps
		cfg.rateBurst = max(burst, 1)
	}
}

// WithOutput sets the writer for response bodies, os.Stdout by default.
func WithOutput(w io.Writer) Option {
	return func(cfg *config) {
		cfg.output = w
	}
}

// WithLogger sets the logger of dispatch events, zerolog.Nop by default.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = l
	}
}

// WithTracerProvider enables a span for each dispatch.
func WithTracerProvider(tp otelTrace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithOnSessionOpen registers a callback invoked when the session of a dispatch is opened.
func WithOnSessionOpen(fn func(*Session)) Option {
	return func(cfg *config) {
		cfg.onSessionOpen = fn
	}
}

// WithOnSessionClose registers a callback invoked when the session of a dispatch is released.
func WithOnSessionClose(fn func(*Session, error)) Option {
	return func(cfg *config) {
		cfg.onSessionClose = fn
	}
}
