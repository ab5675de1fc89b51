package counter_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-dispatcher/pkg/client/counter"
)

func TestReader(t *testing.T) {
	t.Parallel()

	r := counter.NewReader(io.NopCloser(strings.NewReader("0123456789")))
	buf := make([]byte, 4)
	_, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.Count())

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))
	assert.Equal(t, int64(10), r.Count())
	assert.NoError(t, r.Close())
}

func TestReader_CountsEncodedBytes(t *testing.T) {
	t.Parallel()

	var compressed bytes.Buffer
	w := gzip.NewWriter(&compressed)
	_, err := w.Write([]byte(strings.Repeat("a", 1000)))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	size := int64(compressed.Len())

	// The counter sits under the decoder, so it sees the bytes as transferred
	r := counter.NewReader(io.NopCloser(&compressed))
	decoded, err := gzip.NewReader(r)
	require.NoError(t, err)
	out, err := io.ReadAll(decoded)
	require.NoError(t, err)
	assert.Len(t, out, 1000)
	assert.Equal(t, size, r.Count())
}
