package backup

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType names a snapshot codec
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeZstd CompressionType = "zstd"
	CompressionTypeLZ4  CompressionType = "lz4"
)

// Codec compresses whole snapshot payloads. Snapshots are held in memory by
// the exporter already, so the codecs work on byte slices.
type Codec interface {
	Type() CompressionType
	// Extension is appended to the snapshot file name, empty for none.
	Extension() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCodec returns the codec for a configured compression name
func NewCodec(compression CompressionType, level int) (Codec, error) {
	switch compression {
	case "", CompressionTypeNone:
		return noneCodec{}, nil
	case CompressionTypeGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		if level < gzip.DefaultCompression || level > gzip.BestCompression {
			return nil, NewCompressionError(fmt.Sprintf("gzip level %d out of range", level), nil)
		}
		return gzipCodec{level: level}, nil
	case CompressionTypeZstd:
		return zstdCodec{level: zstdLevel(level)}, nil
	case CompressionTypeLZ4:
		return lz4Codec{high: level > 6}, nil
	}
	return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", compression), nil)
}

// CodecForPath picks the codec a snapshot file was written with from its extension
func CodecForPath(path string) Codec {
	for _, c := range []Codec{gzipCodec{level: gzip.DefaultCompression}, zstdCodec{level: zstd.SpeedDefault}, lz4Codec{}} {
		if strings.HasSuffix(path, c.Extension()) {
			return c
		}
	}
	return noneCodec{}
}

type noneCodec struct{}

func (noneCodec) Type() CompressionType                  { return CompressionTypeNone }
func (noneCodec) Extension() string                      { return "" }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct {
	level int
}

func (gzipCodec) Type() CompressionType { return CompressionTypeGzip }
func (gzipCodec) Extension() string     { return ".gz" }

func (c gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, NewCompressionError("failed to create gzip writer", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, NewCompressionError("failed to write data to gzip writer", err)
	}
	if err := writer.Close(); err != nil {
		return nil, NewCompressionError("failed to close gzip writer", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, NewCompressionError("failed to create gzip reader", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewCompressionError("failed to decompress gzip data", err)
	}
	return out, nil
}

type zstdCodec struct {
	level zstd.EncoderLevel
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (zstdCodec) Type() CompressionType { return CompressionTypeZstd }
func (zstdCodec) Extension() string     { return ".zst" }

func (c zstdCodec) Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, NewCompressionError("failed to create zstd encoder", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, NewCompressionError("failed to create zstd decoder", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, NewCompressionError("failed to decompress zstd data", err)
	}
	return out, nil
}

type lz4Codec struct {
	high bool
}

func (lz4Codec) Type() CompressionType { return CompressionTypeLZ4 }
func (lz4Codec) Extension() string     { return ".lz4" }

func (c lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if c.high {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, NewCompressionError("failed to set LZ4 high compression", err)
		}
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, NewCompressionError("failed to write data to LZ4 writer", err)
	}
	if err := writer.Close(); err != nil {
		return nil, NewCompressionError("failed to close LZ4 writer", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, NewCompressionError("failed to decompress LZ4 data", err)
	}
	return out, nil
}
