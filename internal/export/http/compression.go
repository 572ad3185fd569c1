package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// contentEncodings maps each algorithm to its Content-Encoding value.
var contentEncodings = map[string]string{
	CompressionNone:   "",
	CompressionGzip:   "gzip",
	CompressionZstd:   "zstd",
	CompressionZlib:   "deflate",
	CompressionSnappy: "snappy",
}

// ValidCompression reports whether algorithm is supported. The empty
// string means no compression.
func ValidCompression(algorithm string) bool {
	if algorithm == "" {
		return true
	}

	_, ok := contentEncodings[algorithm]

	return ok
}

// Compressor compresses request bodies with one algorithm.
type Compressor struct {
	algorithm string
	zstd      *zstd.Encoder
}

// NewCompressor creates a Compressor for algorithm.
func NewCompressor(algorithm string) (*Compressor, error) {
	if !ValidCompression(algorithm) {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm}

	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.zstd = enc
	}

	return c, nil
}

// Compress returns data compressed with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionGzip:
		return streamCompress(data, func(w io.Writer) io.WriteCloser {
			return gzip.NewWriter(w)
		})
	case CompressionZlib:
		return streamCompress(data, func(w io.Writer) io.WriteCloser {
			return zlib.NewWriter(w)
		})
	case CompressionZstd:
		return c.zstd.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return data, nil
	}
}

// ContentEncoding returns the Content-Encoding header value, or "" when
// the body is sent uncompressed.
func (c *Compressor) ContentEncoding() string {
	return contentEncodings[c.algorithm]
}

// Close releases the zstd encoder, if any.
func (c *Compressor) Close() error {
	if c.zstd != nil {
		return c.zstd.Close()
	}

	return nil
}

func streamCompress(data []byte, open func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	buf.Grow(len(data) / 2)

	w := open(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flushing compressor: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress for algorithm. Receivers and tests use it
// to read exported bodies.
func Decompress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)
	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()

		return dec.DecodeAll(data, nil)
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}
