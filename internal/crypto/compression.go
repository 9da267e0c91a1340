package crypto

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with EncodeAll
// and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("crypto: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("crypto: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressionConfig controls compression of the payload body before sealing.
type CompressionConfig struct {
	Enabled      bool
	Algorithm    string
	MinSize      int64
	ContentTypes []string
	Level        int
}

// Compressor compresses plaintext bodies inside the encrypted payload, so
// the storage side never sees the compression ratio of individual sections.
type Compressor struct {
	enabled      bool
	minSize      int64
	contentTypes []string
	algorithm    string
	level        int
}

// NewCompressor creates a compressor from configuration.
func NewCompressor(cfg CompressionConfig) (*Compressor, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = CompressionGzip
	}
	if alg != CompressionGzip && alg != CompressionZstd {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", cfg.Algorithm)
	}
	level := cfg.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &Compressor{
		enabled:      cfg.Enabled,
		minSize:      cfg.MinSize,
		contentTypes: cfg.ContentTypes,
		algorithm:    alg,
		level:        level,
	}, nil
}

// ShouldCompress determines if data should be compressed.
func (c *Compressor) ShouldCompress(size int64, contentType string) bool {
	if c == nil || !c.enabled {
		return false
	}

	if size < c.minSize {
		return false
	}

	if isNonCompressibleType(contentType) {
		return false
	}

	if len(c.contentTypes) == 0 {
		compressibleTypes := []string{
			"text/",
			"application/json",
			"application/xml",
			"application/javascript",
			"application/x-javascript",
			"application/x-sh",
			"application/yaml",
			"application/x-yaml",
			"image/svg+xml",
		}
		return isCompressibleType(contentType, compressibleTypes)
	}

	return isCompressibleType(contentType, c.contentTypes)
}

// isNonCompressibleType returns true for content types that are already compressed.
func isNonCompressibleType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" || ct == "image/svg+xml" {
		return false
	}
	nonPrefixes := []string{
		"image/",
		"video/",
		"audio/",
		"application/zip",
		"application/gzip",
		"application/x-gzip",
		"application/zstd",
		"application/x-7z-compressed",
		"application/x-rar-compressed",
		"application/pdf",
	}
	for _, p := range nonPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

func isCompressibleType(contentType string, compressibleTypes []string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, ct := range compressibleTypes {
		ct = strings.ToLower(strings.TrimSpace(ct))
		if ct != "" && strings.HasPrefix(contentType, ct) {
			return true
		}
	}
	return false
}

// Compress returns the compressed body and the algorithm used. When
// compression is skipped or does not save space it returns data unchanged
// and CompressionNone.
func (c *Compressor) Compress(data []byte, contentType string) ([]byte, string, error) {
	if !c.ShouldCompress(int64(len(data)), contentType) {
		return data, CompressionNone, nil
	}

	var compressed []byte
	switch c.algorithm {
	case CompressionZstd:
		compressed = zstdEncoder.EncodeAll(data, nil)
	case CompressionGzip:
		var buf bytes.Buffer
		writer, err := gzip.NewWriterLevel(&buf, c.level)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			writer.Close()
			return nil, "", fmt.Errorf("failed to compress data: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
		}
		compressed = buf.Bytes()
	}

	if len(compressed) >= len(data) {
		return data, CompressionNone, nil
	}
	return compressed, c.algorithm, nil
}

// decompress reverses Compress. expectedSize bounds the output so a
// corrupted header cannot expand into unbounded memory.
func decompress(data []byte, algorithm string, expectedSize uint64) ([]byte, error) {
	switch algorithm {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, expectedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case CompressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()
		out, err := io.ReadAll(io.LimitReader(reader, int64(expectedSize)+1))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported decompression algorithm: %s", algorithm)
	}
}
