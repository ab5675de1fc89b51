// Package counter counts the bytes of a body as they are read.
package counter

import (
	"io"
	"sync/atomic"
)

// Reader wraps a body and counts the bytes read through it.
type Reader struct {
	io.ReadCloser
	n atomic.Int64
}

func NewReader(body io.ReadCloser) *Reader {
	return &Reader{ReadCloser: body}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes read so far. It is safe to call it concurrently with Read.
func (r *Reader) Count() int64 {
	return r.n.Load()
}
