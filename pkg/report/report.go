// Package report summarizes results of one dispatch.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/keboola/go-utils/pkg/orderedmap"
	"github.com/montanaflynn/stats"
	"github.com/relvacode/iso8601"

	"github.com/keboola/go-dispatcher/pkg/dispatcher"
)

// StatusNone is the histogram key of sent requests without an HTTP response, for example, on a network error.
const StatusNone = "none"

var json = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

type Report struct {
	URL         string                 `json:"url"`
	StartedAt   iso8601.Time           `json:"startedAt"`
	FinishedAt  iso8601.Time           `json:"finishedAt"`
	ElapsedMs   float64                `json:"elapsedMs"`
	Count       int                    `json:"count"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	Skipped     int                    `json:"skipped"`
	TotalBytes  int64                  `json:"totalBytes"`
	StatusCodes *orderedmap.OrderedMap `json:"statusCodes"`
	Latency     Latency                `json:"latency"`
	Errors      []ErrorCount           `json:"errors"`
}

// Latency of sent requests in milliseconds.
type Latency struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func New(targetURL string, results dispatcher.Results, startedAt, finishedAt time.Time) (*Report, error) {
	r := &Report{
		URL:        targetURL,
		StartedAt:  iso8601.Time{Time: startedAt.UTC()},
		FinishedAt: iso8601.Time{Time: finishedAt.UTC()},
		ElapsedMs:  toMs(finishedAt.Sub(startedAt)),
		Count:      len(results),
		Succeeded:  results.Succeeded(),
		Failed:     results.Failed(),
		Skipped:    results.Skipped(),
		Errors:     []ErrorCount{},
	}

	codes := make(map[int]int)
	errs := make(map[string]int)
	var durations stats.Float64Data
	for _, result := range results {
		r.TotalBytes += result.Bytes
		if result.Err != nil {
			errs[result.Err.Error()]++
		}
		if result.Sent {
			codes[result.StatusCode]++
			durations = append(durations, toMs(result.Duration))
		}
	}

	r.StatusCodes = statusHistogram(codes)

	for msg, count := range errs {
		r.Errors = append(r.Errors, ErrorCount{Message: msg, Count: count})
	}
	sort.SliceStable(r.Errors, func(i, j int) bool {
		if r.Errors[i].Count != r.Errors[j].Count {
			return r.Errors[i].Count > r.Errors[j].Count
		}
		return r.Errors[i].Message < r.Errors[j].Message
	})

	if len(durations) > 0 {
		var err error
		if r.Latency, err = latency(durations); err != nil {
			return nil, fmt.Errorf("cannot compute latency: %w", err)
		}
	}

	return r, nil
}

// OK returns true if all requests succeeded.
func (r *Report) OK() bool {
	return r.Succeeded == r.Count
}

func (r *Report) WriteJSON(w io.Writer) error {
	bytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(bytes, '\n'))
	return err
}

func (r *Report) WriteText(w io.Writer) error {
	var codes []string
	for _, key := range r.StatusCodes.Keys() {
		count, _ := r.StatusCodes.Get(key)
		codes = append(codes, fmt.Sprintf("%s=%v", key, count))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "URL:          %s\n", r.URL)
	fmt.Fprintf(&b, "Requests:     %d (succeeded %d, failed %d, skipped %d)\n", r.Count, r.Succeeded, r.Failed, r.Skipped)
	fmt.Fprintf(&b, "Elapsed:      %.2fms\n", r.ElapsedMs)
	fmt.Fprintf(&b, "Bytes:        %d\n", r.TotalBytes)
	fmt.Fprintf(&b, "Status codes: %s\n", strings.Join(codes, " "))
	fmt.Fprintf(
		&b,
		"Latency (ms): min=%.2f mean=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		r.Latency.Min, r.Latency.Mean, r.Latency.P50, r.Latency.P95, r.Latency.P99, r.Latency.Max,
	)
	if len(r.Errors) > 0 {
		b.WriteString("Errors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %dx %s\n", e.Count, e.Message)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// statusHistogram returns counts sorted by the status code, responses without code go first.
func statusHistogram(codes map[int]int) *orderedmap.OrderedMap {
	keys := make([]int, 0, len(codes))
	for code := range codes {
		keys = append(keys, code)
	}
	sort.Ints(keys)

	pairs := make([]orderedmap.Pair, 0, len(keys))
	for _, code := range keys {
		key := StatusNone
		if code != 0 {
			key = strconv.Itoa(code)
		}
		pairs = append(pairs, orderedmap.Pair{Key: key, Value: codes[code]})
	}
	return orderedmap.FromPairs(pairs)
}

func latency(data stats.Float64Data) (out Latency, err error) {
	if out.Min, err = stats.Min(data); err != nil {
		return out, err
	}
	if out.Max, err = stats.Max(data); err != nil {
		return out, err
	}
	if out.Mean, err = stats.Mean(data); err != nil {
		return out, err
	}
	if out.P50, err = stats.Percentile(data, 50); err != nil {
		return out, err
	}
	if out.P95, err = stats.Percentile(data, 95); err != nil {
		return out, err
	}
	if out.P99, err = stats.Percentile(data, 99); err != nil {
		return out, err
	}
	return out, nil
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
