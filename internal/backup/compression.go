package backup

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the compression algorithm used
type CompressionType string

const (
	CompressionTypeNone CompressionType = "NONE"
	CompressionTypeGzip CompressionType = "GZIP"
	CompressionTypeLZ4  CompressionType = "LZ4"
	CompressionTypeZstd CompressionType = "ZSTD"
)

// CompressionStats contains statistics about compression operations
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// Compressor wraps streams for one algorithm
type Compressor interface {
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	GetAlgorithm() CompressionType
	Extension() string
	GetDefaultLevel() int
	GetMaxLevel() int
	GetMinLevel() int
}

// CompressionManager compresses and decompresses backup artifacts on disk
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a new compression manager
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionType]Compressor),
	}

	cm.compressors[CompressionTypeGzip] = &GzipCompressor{}
	cm.compressors[CompressionTypeLZ4] = &LZ4Compressor{}
	cm.compressors[CompressionTypeZstd] = &ZstdCompressor{}

	return cm
}

// GetCompressor returns a compressor for the specified algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionType) (Compressor, error) {
	compressor, exists := cm.compressors[algorithm]
	if !exists {
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return compressor, nil
}

// CompressFile streams src into src+extension and removes src on success.
// It returns the new path.
func (cm *CompressionManager) CompressFile(src string, algorithm CompressionType, level int) (string, *CompressionStats, error) {
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return "", nil, err
	}
	if level < compressor.GetMinLevel() || level > compressor.GetMaxLevel() {
		level = compressor.GetDefaultLevel()
	}

	start := time.Now()
	dst := src + compressor.Extension()

	in, err := os.Open(src)
	if err != nil {
		return "", nil, NewCompressionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", nil, NewCompressionError(fmt.Sprintf("failed to create %s", dst), err)
	}

	writer, err := compressor.NewWriter(out, level)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", nil, NewCompressionError("failed to create compressor", err)
	}

	originalSize, copyErr := io.Copy(writer, in)
	closeErr := writer.Close()
	syncErr := out.Sync()
	fileErr := out.Close()
	for _, e := range []error{copyErr, closeErr, syncErr, fileErr} {
		if e != nil {
			os.Remove(dst)
			return "", nil, NewCompressionError(fmt.Sprintf("failed to compress %s", src), e)
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", nil, NewCompressionError(fmt.Sprintf("failed to stat %s", dst), err)
	}

	in.Close()
	if err := os.Remove(src); err != nil {
		return "", nil, NewCompressionError(fmt.Sprintf("failed to remove uncompressed %s", src), err)
	}

	return dst, &CompressionStats{
		OriginalSize:     originalSize,
		CompressedSize:   info.Size(),
		CompressionRatio: CalculateCompressionRatio(originalSize, info.Size()),
		Algorithm:        algorithm,
		Level:            level,
		Duration:         time.Since(start),
	}, nil
}

// DecompressTo streams the compressed file src into dst. src is kept.
func (cm *CompressionManager) DecompressTo(src, dst string, algorithm CompressionType) error {
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return NewCompressionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	reader, err := compressor.NewReader(in)
	if err != nil {
		return NewCompressionError(fmt.Sprintf("failed to read %s header", src), err)
	}
	defer reader.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return NewCompressionError(fmt.Sprintf("failed to create %s", dst), err)
	}

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(dst)
		return NewCompressionError(fmt.Sprintf("failed to decompress %s", src), err)
	}
	if err := out.Close(); err != nil {
		return NewCompressionError(fmt.Sprintf("failed to close %s", dst), err)
	}
	return nil
}

// DetectCompression maps an artifact path to the algorithm that produced it
func DetectCompression(path string) CompressionType {
	trimmed := strings.TrimSuffix(path, encryptedExtension)
	switch {
	case strings.HasSuffix(trimmed, ".tar.gz"):
		// file archives are read by tar directly
		return CompressionTypeNone
	case strings.HasSuffix(trimmed, ".gz"):
		return CompressionTypeGzip
	case strings.HasSuffix(trimmed, ".lz4"):
		return CompressionTypeLZ4
	case strings.HasSuffix(trimmed, ".zst"):
		return CompressionTypeZstd
	}
	return CompressionTypeNone
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, level)
}

func (gc *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (gc *GzipCompressor) GetAlgorithm() CompressionType {
	return CompressionTypeGzip
}

func (gc *GzipCompressor) Extension() string {
	return ".gz"
}

func (gc *GzipCompressor) GetDefaultLevel() int {
	return 6
}

func (gc *GzipCompressor) GetMaxLevel() int {
	return gzip.BestCompression
}

func (gc *GzipCompressor) GetMinLevel() int {
	return gzip.BestSpeed
}

// LZ4Compressor implements LZ4 compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)
	// LZ4 has limited level options - use fast or high compression
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

func (lc *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lc *LZ4Compressor) GetAlgorithm() CompressionType {
	return CompressionTypeLZ4
}

func (lc *LZ4Compressor) Extension() string {
	return ".lz4"
}

func (lc *LZ4Compressor) GetDefaultLevel() int {
	return 1
}

func (lc *LZ4Compressor) GetMaxLevel() int {
	return 12
}

func (lc *LZ4Compressor) GetMinLevel() int {
	return 1
}

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
}

func (zc *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func (zc *ZstdCompressor) GetAlgorithm() CompressionType {
	return CompressionTypeZstd
}

func (zc *ZstdCompressor) Extension() string {
	return ".zst"
}

func (zc *ZstdCompressor) GetDefaultLevel() int {
	return 3
}

func (zc *ZstdCompressor) GetMaxLevel() int {
	return 22
}

func (zc *ZstdCompressor) GetMinLevel() int {
	return 1
}
