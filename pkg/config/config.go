// Package config defines the configuration of the dispatch command.
//
// The configuration is composed of defaults, an optional YAML file and DISPATCH_* environment variables,
// in this order, each layer overrides the previous one. Command flags are applied by the command itself.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	yaml "go.yaml.in/yaml/v3"
)

const (
	DefaultURL     = "http://example.com"
	DefaultCount   = 1000
	DefaultTimeout = 5 * time.Minute
	DefaultRetries = 5
)

type Config struct {
	Target   Target   `yaml:"target"`
	Dispatch Dispatch `yaml:"dispatch"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Report   Report   `yaml:"report"`
	Metrics  Metrics  `yaml:"metrics"`
}

type Target struct {
	URL string `yaml:"url" validate:"required,http_url"`
}

type Dispatch struct {
	Count int `yaml:"count" validate:"gte=0"`
	// Concurrency 0 means no limit.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`
	// Rate of requests per second, 0 means no limit.
	Rate     float64 `yaml:"rate" validate:"gte=0"`
	Burst    int     `yaml:"burst" validate:"gte=0"`
	FailFast bool    `yaml:"failFast"`
}

type HTTP struct {
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries   int           `yaml:"retries" validate:"gte=0"`
	UserAgent string        `yaml:"userAgent"`
	// Headers are added to every request.
	Headers map[string]string `yaml:"headers" validate:"dive,keys,required,endkeys"`
	HTTP2   bool              `yaml:"http2"`
	Trace   string            `yaml:"trace" validate:"oneof=off log dump"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

type Report struct {
	// Format of the summary printed to stderr, empty disables it.
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	// Key of the exported report in the bucket, export is enabled if the Bucket URL or Provider is set.
	Key    string `yaml:"key"`
	Bucket Bucket `yaml:"bucket"`
}

type Bucket struct {
	URL                 string `yaml:"url"`
	Provider            string `yaml:"provider" validate:"omitempty,oneof=aws gcp azure"`
	Name                string `yaml:"name" validate:"required_with=Provider"`
	Region              string `yaml:"region"`
	AccessKeyID         string `yaml:"accessKeyId"`
	SecretAccessKey     string `yaml:"secretAccessKey"`
	SessionToken        string `yaml:"sessionToken"`
	AccessToken         string `yaml:"accessToken"`
	TokenType           string `yaml:"tokenType"`
	SASConnectionString string `yaml:"sasConnectionString"`
}

type Metrics struct {
	// Listen address of the Prometheus endpoint, empty disables it.
	Listen string `yaml:"listen" validate:"omitempty,tcp_addr"`
}

// Default returns the configuration used if nothing is overridden.
func Default() Config {
	return Config{
		Target:   Target{URL: DefaultURL},
		Dispatch: Dispatch{Count: DefaultCount, Burst: 1},
		HTTP:     HTTP{Timeout: DefaultTimeout, Retries: DefaultRetries, Trace: "off"},
		Log:      Log{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file on top of the defaults.
// Unknown keys are reported as an error.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path) //nolint:forbidigo
	if err != nil {
		return cfg, fmt.Errorf(`cannot open config file "%s": %w`, path, err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf(`cannot load config file "%s": %w`, path, err)
	}
	return cfg, nil
}

// Decode YAML from the reader into cfg, keys which are not present are kept.
func Decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate returns all validation errors, or nil.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	var errs error
	if err := v.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return err
		}
		for _, e := range validationErrs {
			errs = multierror.Append(errs, fieldError(e))
		}
	}

	if c.Report.ExportEnabled() && c.Report.Key == "" {
		errs = multierror.Append(errs, fmt.Errorf(`"report.key" is required`))
	}

	if errs != nil {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// ExportEnabled returns true if the report should be exported to a bucket.
func (r Report) ExportEnabled() bool {
	return r.Bucket.URL != "" || r.Bucket.Provider != ""
}

func fieldError(e validator.FieldError) error {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_with":
		return fmt.Errorf(`"%s" is required`, field)
	case "oneof":
		return fmt.Errorf(`"%s" must be one of [%s], found "%v"`, field, e.Param(), e.Value())
	case "gte":
		return fmt.Errorf(`"%s" must be greater than or equal to %s, found %v`, field, e.Param(), e.Value())
	case "gt":
		return fmt.Errorf(`"%s" must be greater than %s, found %v`, field, e.Param(), e.Value())
	case "http_url":
		return fmt.Errorf(`"%s" must be a http or https url, found "%v"`, field, e.Value())
	default:
		return fmt.Errorf(`"%s" is not valid, failed on the "%s" tag`, field, e.Tag())
	}
}
