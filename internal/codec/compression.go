package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// Compressor compresses and decompresses payloads with one algorithm
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() model.CompressionType
}

// CompressionManager dispatches to the registered compressors
type CompressionManager struct {
	compressors map[model.CompressionType]Compressor
}

// NewCompressionManager creates a manager with gzip, lz4 and zstd registered
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[model.CompressionType]Compressor),
	}
	cm.Register(&GzipCompressor{Level: gzip.DefaultCompression})
	cm.Register(&LZ4Compressor{})
	cm.Register(&ZstdCompressor{Level: zstd.SpeedDefault})
	return cm
}

// Register adds or replaces a compressor
func (cm *CompressionManager) Register(c Compressor) {
	cm.compressors[c.Algorithm()] = c
}

// Compress compresses data and reports ratio = raw size / compressed size.
// The ratio never drops below 1; CompressionTypeNone returns the input unchanged.
func (cm *CompressionManager) Compress(data []byte, algorithm model.CompressionType) ([]byte, float64, error) {
	if algorithm == model.CompressionTypeNone || algorithm == "" {
		return data, 1.0, nil
	}

	compressor, ok := cm.compressors[algorithm]
	if !ok {
		return nil, 0, apperrors.NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}

	compressed, err := compressor.Compress(data)
	if err != nil {
		return nil, 0, err
	}
	return compressed, CompressionRatio(int64(len(data)), int64(len(compressed))), nil
}

// Decompress reverses Compress
func (cm *CompressionManager) Decompress(data []byte, algorithm model.CompressionType) ([]byte, error) {
	if algorithm == model.CompressionTypeNone || algorithm == "" {
		return data, nil
	}

	compressor, ok := cm.compressors[algorithm]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return compressor.Decompress(data)
}

// Supports reports whether the algorithm is registered
func (cm *CompressionManager) Supports(algorithm model.CompressionType) bool {
	if algorithm == model.CompressionTypeNone {
		return true
	}
	_, ok := cm.compressors[algorithm]
	return ok
}

// CompressionRatio returns raw/compressed, clamped to a minimum of 1
func CompressionRatio(rawSize, compressedSize int64) float64 {
	if rawSize == 0 || compressedSize == 0 {
		return 1.0
	}
	ratio := float64(rawSize) / float64(compressedSize)
	if ratio < 1.0 {
		return 1.0
	}
	return ratio
}

// GzipCompressor implements gzip compression
type GzipCompressor struct {
	Level int
}

func (gc *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, gc.Level)
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to create gzip writer", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, apperrors.NewEncodingError("failed to write gzip data", err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.NewEncodingError("failed to close gzip writer", err)
	}
	return buf.Bytes(), nil
}

func (gc *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to create gzip reader", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to decompress gzip data", err)
	}
	return out, nil
}

func (gc *GzipCompressor) Algorithm() model.CompressionType { return model.CompressionTypeGzip }

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct {
	HighCompression bool
}

func (lc *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if lc.HighCompression {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, apperrors.NewEncodingError("failed to set LZ4 compression level", err)
		}
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, apperrors.NewEncodingError("failed to write LZ4 data", err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.NewEncodingError("failed to close LZ4 writer", err)
	}
	return buf.Bytes(), nil
}

func (lc *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to decompress LZ4 data", err)
	}
	return out, nil
}

func (lc *LZ4Compressor) Algorithm() model.CompressionType { return model.CompressionTypeLZ4 }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct {
	Level zstd.EncoderLevel
}

func (zc *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	level := zc.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to create zstd encoder", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (zc *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to create zstd decoder", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to decompress zstd data", err)
	}
	return out, nil
}

func (zc *ZstdCompressor) Algorithm() model.CompressionType { return model.CompressionTypeZstd }
