package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
)

// EnvPrefix of all environment variables.
const EnvPrefix = "DISPATCH_"

// LookupFn is the os.LookupEnv signature.
type LookupFn func(key string) (string, bool)

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

//nolint:gochecknoglobals
var envBindings = []envBinding{
	{"URL", stringField(func(c *Config) *string { return &c.Target.URL })},
	{"COUNT", intField(func(c *Config) *int { return &c.Dispatch.Count })},
	{"CONCURRENCY", intField(func(c *Config) *int { return &c.Dispatch.Concurrency })},
	{"RATE", floatField(func(c *Config) *float64 { return &c.Dispatch.Rate })},
	{"BURST", intField(func(c *Config) *int { return &c.Dispatch.Burst })},
	{"FAIL_FAST", boolField(func(c *Config) *bool { return &c.Dispatch.FailFast })},
	{"TIMEOUT", durationField(func(c *Config) *time.Duration { return &c.HTTP.Timeout })},
	{"RETRIES", intField(func(c *Config) *int { return &c.HTTP.Retries })},
	{"USER_AGENT", stringField(func(c *Config) *string { return &c.HTTP.UserAgent })},
	{"HTTP2", boolField(func(c *Config) *bool { return &c.HTTP.HTTP2 })},
	{"HTTP_TRACE", stringField(func(c *Config) *string { return &c.HTTP.Trace })},
	{"LOG_LEVEL", stringField(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", stringField(func(c *Config) *string { return &c.Log.Format })},
	{"REPORT_FORMAT", stringField(func(c *Config) *string { return &c.Report.Format })},
	{"REPORT_KEY", stringField(func(c *Config) *string { return &c.Report.Key })},
	{"REPORT_URL", stringField(func(c *Config) *string { return &c.Report.Bucket.URL })},
	{"REPORT_PROVIDER", stringField(func(c *Config) *string { return &c.Report.Bucket.Provider })},
	{"REPORT_BUCKET", stringField(func(c *Config) *string { return &c.Report.Bucket.Name })},
	{"REPORT_REGION", stringField(func(c *Config) *string { return &c.Report.Bucket.Region })},
	{"REPORT_ACCESS_KEY_ID", stringField(func(c *Config) *string { return &c.Report.Bucket.AccessKeyID })},
	{"REPORT_SECRET_ACCESS_KEY", stringField(func(c *Config) *string { return &c.Report.Bucket.SecretAccessKey })},
	{"REPORT_SESSION_TOKEN", stringField(func(c *Config) *string { return &c.Report.Bucket.SessionToken })},
	{"REPORT_ACCESS_TOKEN", stringField(func(c *Config) *string { return &c.Report.Bucket.AccessToken })},
	{"REPORT_TOKEN_TYPE", stringField(func(c *Config) *string { return &c.Report.Bucket.TokenType })},
	{"REPORT_SAS_CONNECTION_STRING", stringField(func(c *Config) *string { return &c.Report.Bucket.SASConnectionString })},
	{"METRICS_LISTEN", stringField(func(c *Config) *string { return &c.Metrics.Listen })},
}

// ApplyEnv overrides the configuration by DISPATCH_* environment variables.
// All invalid values are reported, valid values are applied.
func (c *Config) ApplyEnv(lookup LookupFn) error {
	var errs error
	for _, b := range envBindings {
		key := EnvPrefix + b.name
		value, found := lookup(key)
		if !found {
			continue
		}
		if err := b.apply(c, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf(`invalid value of the environment variable "%s": %w`, key, err))
		}
	}
	return errs
}

func stringField(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func intField(field func(*Config) *int) func(*Config, string) error {
	return castField(field, cast.ToIntE)
}

func floatField(field func(*Config) *float64) func(*Config, string) error {
	return castField(field, cast.ToFloat64E)
}

func boolField(field func(*Config) *bool) func(*Config, string) error {
	return castField(field, cast.ToBoolE)
}

func durationField(field func(*Config) *time.Duration) func(*Config, string) error {
	return castField(field, cast.ToDurationE)
}

// castField sets the field only if the value has been converted successfully.
func castField[T any](field func(*Config) *T, castFn func(any) (T, error)) func(*Config, string) error {
	return func(c *Config, v string) error {
		value, err := castFn(v)
		if err != nil {
			return err
		}
		*field(c) = value
		return nil
	}
}
