package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-dispatcher/pkg/config"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	assert.Equal(t, "http://example.com", cfg.Target.URL)
	assert.Equal(t, 1000, cfg.Dispatch.Count)
	assert.Equal(t, 0, cfg.Dispatch.Concurrency)
	assert.False(t, cfg.Dispatch.FailFast)
	assert.Equal(t, "off", cfg.HTTP.Trace)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Report.ExportEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
target:
  url: https://example.com/health
dispatch:
  count: 10
  concurrency: 4
  failFast: true
http:
  timeout: 30s
  headers:
    X-Token: secret
log:
  format: json
report:
  format: text
  key: reports/run.json
  bucket:
    url: mem://
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/health", cfg.Target.URL)
	assert.Equal(t, 10, cfg.Dispatch.Count)
	assert.Equal(t, 4, cfg.Dispatch.Concurrency)
	assert.True(t, cfg.Dispatch.FailFast)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, map[string]string{"X-Token": "secret"}, cfg.HTTP.Headers)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "text", cfg.Report.Format)
	assert.True(t, cfg.Report.ExportEnabled())

	// Not overridden keys keep defaults
	assert.Equal(t, config.DefaultRetries, cfg.HTTP.Retries)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot open config file`)

	path := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  foo: bar\n"), 0o600))
	_, err = config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field foo not found`)
}

func TestDecode_Empty(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	require.NoError(t, config.Decode(strings.NewReader(""), &cfg))
	assert.Equal(t, config.Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"DISPATCH_URL":         "https://example.com/env",
		"DISPATCH_COUNT":       "5",
		"DISPATCH_RATE":        "2.5",
		"DISPATCH_FAIL_FAST":   "true",
		"DISPATCH_TIMEOUT":     "1m",
		"DISPATCH_LOG_LEVEL":   "debug",
		"DISPATCH_REPORT_URL":  "mem://",
		"DISPATCH_REPORT_KEY":  "report.json",
		"OTHER_APP_COUNT":      "123",
		"DISPATCH_HTTP_TRACE":  "dump",
		"DISPATCH_CONCURRENCY": "8",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := config.Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "https://example.com/env", cfg.Target.URL)
	assert.Equal(t, 5, cfg.Dispatch.Count)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency)
	assert.InDelta(t, 2.5, cfg.Dispatch.Rate, 0.0001)
	assert.True(t, cfg.Dispatch.FailFast)
	assert.Equal(t, time.Minute, cfg.HTTP.Timeout)
	assert.Equal(t, "dump", cfg.HTTP.Trace)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "mem://", cfg.Report.Bucket.URL)
	assert.Equal(t, "report.json", cfg.Report.Key)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"DISPATCH_COUNT":     "abc",
		"DISPATCH_FAIL_FAST": "maybe",
		"DISPATCH_RETRIES":   "3",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := config.Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid value of the environment variable "DISPATCH_COUNT"`)
	assert.Contains(t, err.Error(), `invalid value of the environment variable "DISPATCH_FAIL_FAST"`)

	// Invalid values are not applied, valid values are
	assert.Equal(t, config.DefaultCount, cfg.Dispatch.Count)
	assert.False(t, cfg.Dispatch.FailFast)
	assert.Equal(t, 3, cfg.HTTP.Retries)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Target.URL = "ftp://example.com"
	cfg.Dispatch.Count = -1
	cfg.HTTP.Timeout = 0
	cfg.HTTP.Trace = "verbose"
	cfg.Log.Format = "xml"
	cfg.Report.Bucket.Provider = "aws"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid configuration:")
	assert.Contains(t, msg, `"target.url" must be a http or https url, found "ftp://example.com"`)
	assert.Contains(t, msg, `"dispatch.count" must be greater than or equal to 0, found -1`)
	assert.Contains(t, msg, `"http.timeout" must be greater than 0`)
	assert.Contains(t, msg, `"http.trace" must be one of [off log dump], found "verbose"`)
	assert.Contains(t, msg, `"log.format" must be one of [console json], found "xml"`)
	assert.Contains(t, msg, `"report.bucket.name" is required`)
	assert.Contains(t, msg, `"report.key" is required`)
}
