package http

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	original := bytes.Repeat(
		[]byte(`{"resolution":1,"counter":"upload_rate","value":1024}`+"\n"), 20,
	)

	tests := []struct {
		algorithm string
		encoding  string
		shrinks   bool
	}{
		{algorithm: CompressionNone, encoding: ""},
		{algorithm: "", encoding: ""},
		{algorithm: CompressionGzip, encoding: "gzip", shrinks: true},
		{algorithm: CompressionZstd, encoding: "zstd", shrinks: true},
		{algorithm: CompressionZlib, encoding: "deflate", shrinks: true},
		{algorithm: CompressionSnappy, encoding: "snappy", shrinks: true},
	}

	for _, tt := range tests {
		t.Run("algo_"+tt.algorithm, func(t *testing.T) {
			c, err := NewCompressor(tt.algorithm)
			require.NoError(t, err)
			defer c.Close()

			assert.Equal(t, tt.encoding, c.ContentEncoding())

			compressed, err := c.Compress(original)
			require.NoError(t, err)

			if tt.shrinks {
				assert.Less(t, len(compressed), len(original))
			} else {
				assert.Equal(t, original, compressed)
			}

			decompressed, err := Decompress(tt.algorithm, compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestCompressor_Unsupported(t *testing.T) {
	_, err := NewCompressor("brotli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported compression algorithm")

	_, err = Decompress("brotli", []byte("x"))
	assert.Error(t, err)
}

func TestCompressor_CloseWithoutEncoder(t *testing.T) {
	c, err := NewCompressor(CompressionGzip)
	require.NoError(t, err)

	assert.NoError(t, c.Close())
}

func TestValidCompression(t *testing.T) {
	assert.True(t, ValidCompression(""))
	assert.True(t, ValidCompression(CompressionSnappy))
	assert.False(t, ValidCompression("lz4"))
}
