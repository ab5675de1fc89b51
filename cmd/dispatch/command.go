package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/keboola/go-dispatcher/pkg/client"
	"github.com/keboola/go-dispatcher/pkg/client/trace"
	"github.com/keboola/go-dispatcher/pkg/config"
	"github.com/keboola/go-dispatcher/pkg/dispatcher"
	"github.com/keboola/go-dispatcher/pkg/log"
	"github.com/keboola/go-dispatcher/pkg/report"
)

type flags struct {
	configPath    string
	count         int
	concurrency   int
	rate          float64
	burst         int
	failFast      bool
	timeout       time.Duration
	retries       int
	http2         bool
	headers       []string
	logLevel      string
	logFormat     string
	httpTrace     string
	reportFormat  string
	reportURL     string
	reportKey     string
	metricsListen string
}

func newCommand(stdout, stderr io.Writer, lookupEnv config.LookupFn) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "dispatch [url]",
		Short:         "Send concurrent GET requests to the URL and print response bodies",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, cmd.Flags(), args, lookupEnv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	fs.IntVarP(&f.count, "count", "n", config.DefaultCount, "number of requests")
	fs.IntVar(&f.concurrency, "concurrency", 0, "maximum number of requests in flight, 0 means no limit")
	fs.Float64Var(&f.rate, "rate", 0, "maximum number of started requests per second, 0 means no limit")
	fs.IntVar(&f.burst, "burst", 1, "burst of the rate limit")
	fs.BoolVar(&f.failFast, "fail-fast", false, "cancel remaining requests after the first failure")
	fs.DurationVar(&f.timeout, "timeout", config.DefaultTimeout, "total timeout of one request, including retries")
	fs.IntVar(&f.retries, "retries", config.DefaultRetries, "maximum number of retries of one request")
	fs.BoolVar(&f.http2, "http2", false, "force HTTP/2, cleartext for http:// targets")
	fs.StringArrayVarP(&f.headers, "header", "H", nil, `request header "Name: value", can be repeated`)
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "console", "log format: console, json")
	fs.StringVar(&f.httpTrace, "http-trace", "off", "trace of HTTP requests: off, log, dump")
	fs.StringVar(&f.reportFormat, "report", "", "print summary to stderr: text, json")
	fs.StringVar(&f.reportURL, "report-url", "", "export the JSON summary to the bucket URL, for example file:///tmp/reports")
	fs.StringVar(&f.reportKey, "report-key", "", "key of the exported summary in the bucket")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on the address, for example localhost:9090")

	return cmd
}

// loadConfig composes defaults, the config file, environment and flags, in this order.
func loadConfig(f *flags, fs *pflag.FlagSet, args []string, lookupEnv config.LookupFn) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}

	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return cfg, err
	}

	if fs.Changed("count") {
		cfg.Dispatch.Count = f.count
	}
	if fs.Changed("concurrency") {
		cfg.Dispatch.Concurrency = f.concurrency
	}
	if fs.Changed("rate") {
		cfg.Dispatch.Rate = f.rate
	}
	if fs.Changed("burst") {
		cfg.Dispatch.Burst = f.burst
	}
	if fs.Changed("fail-fast") {
		cfg.Dispatch.FailFast = f.failFast
	}
	if fs.Changed("timeout") {
		cfg.HTTP.Timeout = f.timeout
	}
	if fs.Changed("retries") {
		cfg.HTTP.Retries = f.retries
	}
	if fs.Changed("http2") {
		cfg.HTTP.HTTP2 = f.http2
	}
	if fs.Changed("header") {
		if cfg.HTTP.Headers == nil {
			cfg.HTTP.Headers = make(map[string]string)
		}
		for _, h := range f.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return cfg, fmt.Errorf(`header "%s" is not valid, expected "Name: value"`, h)
			}
			cfg.HTTP.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("http-trace") {
		cfg.HTTP.Trace = f.httpTrace
	}
	if fs.Changed("report") {
		cfg.Report.Format = f.reportFormat
	}
	if fs.Changed("report-url") {
		cfg.Report.Bucket.URL = f.reportURL
	}
	if fs.Changed("report-key") {
		cfg.Report.Key = f.reportKey
	}
	if fs.Changed("metrics-listen") {
		cfg.Metrics.Listen = f.metricsListen
	}
	if len(args) > 0 {
		cfg.Target.URL = args[0]
	}

	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	logger, err := log.New(cfg.Log, stderr)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(ctx, cfg.Metrics, logger)
	if err != nil {
		return err
	}
	if tel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn().Err(shutdownErr).Msg("telemetry shutdown failed")
			}
		}()
	}

	opts := []dispatcher.Option{
		dispatcher.WithClient(newClient(cfg, logger, stderr, tel)),
		dispatcher.WithOutput(stdout),
		dispatcher.WithLogger(logger),
		dispatcher.WithConcurrencyLimit(cfg.Dispatch.Concurrency),
		dispatcher.WithRateLimit(cfg.Dispatch.Rate, cfg.Dispatch.Burst),
		dispatcher.WithOnSessionOpen(func(*dispatcher.Session) {
			logger.Debug().Msg("session opened")
		}),
		dispatcher.WithOnSessionClose(func(s *dispatcher.Session, err error) {
			logger.Debug().Err(err).Int64("sent", s.Sent()).Int64("received", s.Received()).Msg("session closed")
		}),
	}
	if cfg.Dispatch.FailFast {
		opts = append(opts, dispatcher.WithFaultPolicy(dispatcher.FailFast))
	}
	if tel != nil {
		opts = append(opts, dispatcher.WithTracerProvider(tel.tracerProvider))
	}

	startedAt := time.Now()
	results, dispatchErr := dispatcher.New(opts...).Dispatch(ctx, cfg.Target.URL, cfg.Dispatch.Count)
	finishedAt := time.Now()

	if err := writeReport(ctx, cfg, results, startedAt, finishedAt, stderr, logger); err != nil {
		dispatchErr = multierror.Append(dispatchErr, err)
	}

	if dispatchErr != nil {
		return errDispatchFailed(results, dispatchErr)
	}
	return nil
}

func newClient(cfg config.Config, logger zerolog.Logger, stderr io.Writer, tel *telemetry) client.Client {
	retry := client.DefaultRetry()
	retry.Count = cfg.HTTP.Retries
	retry.TotalTimeout = cfg.HTTP.Timeout

	c := client.New().WithRetry(retry)
	switch {
	case cfg.HTTP.HTTP2:
		// One multiplexed connection per host, the dispatcher bounds requests in flight
		c = c.WithTransport(client.HTTP2Transport())
	case cfg.Dispatch.Concurrency > 0:
		c = c.WithTransport(client.TransportWithLimit(cfg.Dispatch.Concurrency))
	}

	if cfg.HTTP.UserAgent != "" {
		c = c.WithUserAgent(cfg.HTTP.UserAgent)
	}
	for name, value := range cfg.HTTP.Headers {
		c = c.WithHeader(name, value)
	}
	if tel != nil {
		c = c.WithTelemetry(tel.tracerProvider, tel.meterProvider)
	}

	switch cfg.HTTP.Trace {
	case "log":
		httpLogger := logger.With().Str("component", "http").Logger()
		c = c.AndTrace(trace.LogTracer(httpLogger))
	case "dump":
		c = c.AndTrace(trace.DumpTracer(stderr))
	}

	return c
}

func writeReport(ctx context.Context, cfg config.Config, results dispatcher.Results, startedAt, finishedAt time.Time, stderr io.Writer, logger zerolog.Logger) error {
	if cfg.Report.Format == "" && !cfg.Report.ExportEnabled() {
		return nil
	}

	r, err := report.New(cfg.Target.URL, results, startedAt, finishedAt)
	if err != nil {
		return err
	}

	switch cfg.Report.Format {
	case "text":
		err = r.WriteText(stderr)
	case "json":
		err = r.WriteJSON(stderr)
	}
	if err != nil {
		return fmt.Errorf("cannot write report: %w", err)
	}

	if !cfg.Report.ExportEnabled() {
		return nil
	}

	bucket, err := report.OpenBucket(ctx, bucketConfig(cfg.Report.Bucket))
	if err != nil {
		return err
	}
	defer bucket.Close()

	if err := report.Export(ctx, bucket, cfg.Report.Key, r); err != nil {
		return err
	}

	logger.Info().Str("key", cfg.Report.Key).Msg("report exported")
	return nil
}

func bucketConfig(cfg config.Bucket) report.BucketConfig {
	return report.BucketConfig{
		URL:                 cfg.URL,
		Provider:            cfg.Provider,
		Bucket:              cfg.Name,
		Region:              cfg.Region,
		AccessKeyID:         cfg.AccessKeyID,
		SecretAccessKey:     cfg.SecretAccessKey,
		SessionToken:        cfg.SessionToken,
		AccessToken:         cfg.AccessToken,
		TokenType:           cfg.TokenType,
		SASConnectionString: cfg.SASConnectionString,
	}
}

func errDispatchFailed(results dispatcher.Results, err error) error {
	if len(results) == 0 {
		return err
	}
	var multiErr *multierror.Error
	if errors.As(err, &multiErr) && len(multiErr.Errors) > 1 {
		return fmt.Errorf(
			"%d of %d requests failed, %d not started, first error: %w",
			results.Failed(), len(results), results.Skipped(), multiErr.Errors[0],
		)
	}
	return fmt.Errorf("%d of %d requests failed, %d not started: %w", results.Failed(), len(results), results.Skipped(), err)
}
