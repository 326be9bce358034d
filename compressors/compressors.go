package compressors

import (
	"bytes"
	"fmt"
	"io"
)

// CompressionType identifies the compression algorithm used for parked
// payloads. The type is stored alongside each parked entry so it can be
// decompressed at replay regardless of the current configuration.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseType parses a configuration string into a CompressionType.
func ParseType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression type %q", s)
	}
}

// ForType returns a ready Compressor for the given type.
func ForType(t CompressionType) (Compressor, error) {
	switch t {
	case CompressionNone:
		return &NoCompressionCompressor{}, nil
	case CompressionSnappy:
		return NewSnappyCompressor(), nil
	case CompressionLZ4:
		return NewLz4Compressor(), nil
	case CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}
