package trace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/keboola/go-dispatcher/pkg/client/decode"
	"github.com/keboola/go-dispatcher/pkg/request"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DumpTracer writes each completed request, its retries and the decoded response body to w.
// JSON bodies are indented. Blocks of concurrent requests are never interleaved.
//
// Output may contain secrets from the response, do not use it in production.
func DumpTracer(w io.Writer) Factory {
	lock := &sync.Mutex{}
	return func(ctx context.Context, req request.Request) (context.Context, *ClientTrace) {
		var retries []string

		t := &ClientTrace{}
		t.RetryWait = func(attempt int, delay time.Duration) {
			retries = append(retries, fmt.Sprintf("--- retry %d after %s\n", attempt, delay))
		}
		t.Done = func(res *request.Response, err error) {
			var b strings.Builder
			fmt.Fprintf(&b, ">>> #%d %s\n", req.Index(), req)
			for _, line := range retries {
				b.WriteString(line)
			}
			if res.Received() {
				fmt.Fprintf(&b, "<<< %d %s (%d bytes, %s)\n", res.StatusCode, http.StatusText(res.StatusCode), res.Bytes, res.Duration.Round(time.Millisecond))
				if ct := res.Header.Get("Content-Type"); ct != "" {
					fmt.Fprintf(&b, "Content-Type: %s\n", ct)
				}
				b.Write(dumpBody(res))
				b.WriteString("\n")
			}
			if err != nil {
				fmt.Fprintf(&b, "!!! %s\n", err)
			}
			b.WriteString("\n")

			lock.Lock()
			defer lock.Unlock()
			_, _ = io.WriteString(w, b.String())
		}
		return ctx, t
	}
}

func dumpBody(res *request.Response) []byte {
	if !decode.IsJSON(res.Header.Get("Content-Type")) {
		return res.Body
	}
	var v any
	if err := json.Unmarshal(res.Body, &v); err != nil {
		return res.Body
	}
	if out, err := json.MarshalIndent(v, "", "  "); err == nil {
		return out
	}
	return res.Body
}
