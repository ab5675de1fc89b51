// Package dispatcher sends a batch of identical GET requests concurrently through one shared Session.
//
// Each request is described by a Descriptor and produces a Result.
// Successful response bodies are printed, one line per request, in completion order.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/keboola/go-dispatcher/pkg/client"
	"github.com/keboola/go-dispatcher/pkg/request"
)

const (
	tracerName   = "github.com/keboola/go-dispatcher"
	dispatchSpan = "keboola.go.dispatcher.dispatch"
)

// Dispatcher sends batches of GET requests, each Dispatch call opens its own Session.
// It is safe to call Dispatch concurrently.
type Dispatcher struct {
	config config
	tracer otelTrace.Tracer
}

// New creates a Dispatcher, see Option for the defaults.
func New(opts ...Option) *Dispatcher {
	cfg := newConfig(opts)
	if cfg.output == nil {
		cfg.output = io.Discard
	}
	tp := cfg.tracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Dispatcher{config: cfg, tracer: tp.Tracer(tracerName)}
}

// Dispatch is a shortcut for New(opts...).Dispatch(ctx, targetURL, count).
func Dispatch(ctx context.Context, targetURL string, count int, opts ...Option) (Results, error) {
	return New(opts...).Dispatch(ctx, targetURL, count)
}

// Dispatch sends count GET requests to the targetURL and waits for all of them.
//
// All requests share one Session, it is opened before the first request
// and closed after the last request has returned.
// The count 0 is a no-op, no session is opened.
func (d *Dispatcher) Dispatch(ctx context.Context, targetURL string, count int) (results Results, err error) {
	if count < 0 {
		return nil, fmt.Errorf("count must be greater than or equal to 0, found %d", count)
	}
	if err := ValidateURL(targetURL); err != nil {
		return nil, err
	}
	if count == 0 {
		return Results{}, nil
	}

	logger := d.config.logger.With().
		Str("url", targetURL).
		Int("count", count).
		Str("policy", d.config.policy.String()).
		Logger()

	startTime := time.Now()
	ctx, span := d.tracer.Start(ctx, dispatchSpan, otelTrace.WithAttributes(
		attribute.String("url.full", targetURL),
		attribute.Int("dispatch.count", count),
		attribute.String("dispatch.policy", d.config.policy.String()),
	))
	logger.Info().Msg("dispatch started")
	defer func() {
		succeeded, failed, skipped := results.Succeeded(), results.Failed(), results.Skipped()
		span.SetAttributes(
			attribute.Int("dispatch.succeeded", succeeded),
			attribute.Int("dispatch.failed", failed),
			attribute.Int("dispatch.skipped", skipped),
		)
		event := logger.Info()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			event = logger.Error().Err(err)
		}
		event.
			Int("succeeded", succeeded).
			Int("failed", failed).
			Int("skipped", skipped).
			Dur("duration", time.Since(startTime)).
			Msg("dispatch finished")
		span.End()
	}()

	// Open the session, it is released when all tasks are done
	session := NewSession(d.newClient())
	if fn := d.config.onSessionOpen; fn != nil {
		fn(session)
	}
	defer func() {
		closeErr := session.Close()
		if fn := d.config.onSessionClose; fn != nil {
			fn(session, closeErr)
		}
		if closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				err = multierror.Append(err, closeErr)
			}
		}
	}()

	var limiter *rate.Limiter
	if d.config.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.config.rateLimit), d.config.rateBurst)
	}

	out := &printer{w: d.config.output}
	results = make(Results, count)
	tasks := make([]request.Sendable, count)
	for i, descriptor := range newDescriptors(targetURL, count) {
		results[i].Descriptor = descriptor
		tasks[i] = request.SendableFunc(func(ctx context.Context) error {
			return d.fetch(ctx, session, limiter, out, &results[i], logger)
		})
	}

	limit := int64(d.config.concurrencyLimit)
	switch d.config.policy {
	case FailFast:
		// The first error cancels the context of the other tasks, Run joins them
		grp := request.NewRunGroup(ctx, limit)
		for _, task := range tasks {
			grp.Add(task)
		}
		err = grp.Run()
	default:
		grp := request.NewWaitGroup(ctx, limit)
		for _, task := range tasks {
			grp.Go(task)
		}
		err = grp.Wait()
	}

	// Tasks skipped by the group itself, for example, if the semaphore has not been acquired
	for i := range results {
		if !results[i].Sent && results[i].Err == nil {
			results[i].Err = ErrNotStarted
		}
	}

	return results, err
}

func (d *Dispatcher) newClient() client.Client {
	if d.config.client != nil {
		return *d.config.client
	}
	if d.config.concurrencyLimit > 0 {
		return client.New().WithTransport(client.TransportWithLimit(d.config.concurrencyLimit))
	}
	return client.New()
}

func (d *Dispatcher) fetch(ctx context.Context, session *Session, limiter *rate.Limiter, out *printer, result *Result, logger zerolog.Logger) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			result.Err = fmt.Errorf("%w: %w", ErrNotStarted, err)
			return result.Err
		}
	}

	startTime := time.Now()
	res, err := session.Send(ctx, request.NewGet(result.URL).WithIndex(result.Index))
	result.Duration = time.Since(startTime)
	result.Sent = res != nil
	if res != nil {
		result.StatusCode = res.StatusCode
		result.Bytes = res.Bytes
		result.Attempts = res.Attempts
	}

	if err == nil {
		result.Body = string(res.Body)
		err = out.Println(result.Body)
	}

	if err != nil {
		if !result.Sent {
			err = fmt.Errorf("%w: %w", ErrNotStarted, err)
		}
		result.Err = err
		logger.Warn().Err(err).Int("index", result.Index).Msg("request failed")
		return err
	}

	logger.Debug().
		Int("index", result.Index).
		Int("status", result.StatusCode).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("request done")
	return nil
}
