package trace

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/rs/zerolog"

	"github.com/keboola/go-dispatcher/pkg/request"
)

// LogTracer logs each attempt and retry of a request, tagged by the request index.
func LogTracer(logger zerolog.Logger) Factory {
	return func(ctx context.Context, req request.Request) (context.Context, *ClientTrace) {
		logger := logger.With().Int("index", req.Index()).Logger()
		var attemptStart time.Time

		t := &ClientTrace{}
		t.GotConn = func(info httptrace.GotConnInfo) {
			logger.Debug().Bool("reused", info.Reused).Bool("idle", info.WasIdle).Msg("connection acquired")
		}
		t.AttemptStart = func(r *http.Request, attempt int) {
			attemptStart = time.Now()
			logger.Info().Int("attempt", attempt).Str("url", r.URL.Redacted()).Msg("HTTP request")
		}
		t.AttemptDone = func(res *http.Response, err error, attempt int) {
			var event *zerolog.Event
			if err != nil {
				event = logger.Warn().Err(err)
			} else {
				event = logger.Info().Int("status", res.StatusCode)
			}
			event.Int("attempt", attempt).Dur("duration", time.Since(attemptStart)).Msg("HTTP response")
		}
		t.RetryWait = func(attempt int, delay time.Duration) {
			logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("HTTP retry")
		}
		return ctx, t
	}
}
