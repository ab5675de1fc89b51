// Package decode unwraps a compressed HTTP body according to its Content-Encoding header.
package decode

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	EncodingGzip   = "gzip"
	EncodingBrotli = "br"
)

// AcceptEncoding is the value of the Accept-Encoding header for all supported encodings.
const AcceptEncoding = EncodingGzip + ", " + EncodingBrotli

// Decode returns a reader of the decoded body.
// Closing the returned reader does not close the original body, the caller is responsible for it.
func Decode(body io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case EncodingGzip:
		if v, err := gzip.NewReader(body); err == nil {
			return v, nil
		} else {
			return nil, fmt.Errorf("cannot decode gzip: %w", err)
		}
	case EncodingBrotli:
		return io.NopCloser(brotli.NewReader(body)), nil
	default:
		return io.NopCloser(body), nil
	}
}
