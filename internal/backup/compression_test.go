package backup

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionManager_GetCompressor(t *testing.T) {
	cm := NewCompressionManager()

	for _, algorithm := range []CompressionType{CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd} {
		compressor, err := cm.GetCompressor(algorithm)
		require.NoError(t, err)
		assert.Equal(t, algorithm, compressor.GetAlgorithm())
		assert.LessOrEqual(t, compressor.GetMinLevel(), compressor.GetDefaultLevel())
		assert.GreaterOrEqual(t, compressor.GetMaxLevel(), compressor.GetDefaultLevel())
	}

	_, err := cm.GetCompressor("BROTLI")
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeCompression, ErrorType(err))
}

func TestCompressionManager_RoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("INSERT INTO orders VALUES (1, 'pending');\n", 2000))

	tests := []struct {
		algorithm CompressionType
		level     int
		extension string
	}{
		{CompressionTypeGzip, 6, ".gz"},
		{CompressionTypeGzip, 42, ".gz"},
		{CompressionTypeLZ4, 1, ".lz4"},
		{CompressionTypeLZ4, 9, ".lz4"},
		{CompressionTypeZstd, 3, ".zst"},
		{CompressionTypeZstd, 19, ".zst"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "dump.sql")
			require.NoError(t, os.WriteFile(src, payload, 0600))

			cm := NewCompressionManager()
			dst, stats, err := cm.CompressFile(src, tt.algorithm, tt.level)
			require.NoError(t, err)

			assert.Equal(t, src+tt.extension, dst)
			assert.NoFileExists(t, src)
			assert.Equal(t, int64(len(payload)), stats.OriginalSize)
			assert.Less(t, stats.CompressedSize, stats.OriginalSize)
			assert.Less(t, stats.CompressionRatio, 1.0)
			assert.Equal(t, tt.algorithm, DetectCompression(dst))

			restored := filepath.Join(dir, "restored.sql")
			require.NoError(t, cm.DecompressTo(dst, restored, tt.algorithm))

			data, err := os.ReadFile(restored)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, data))
			assert.FileExists(t, dst)
		})
	}
}

func TestCompressionManager_IncompressibleData(t *testing.T) {
	payload := make([]byte, 32*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "random.bin")
	require.NoError(t, os.WriteFile(src, payload, 0600))

	cm := NewCompressionManager()
	dst, _, err := cm.CompressFile(src, CompressionTypeZstd, 3)
	require.NoError(t, err)

	out := src + ".out"
	require.NoError(t, cm.DecompressTo(dst, out, CompressionTypeZstd))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestCompressionManager_DecompressCorrupt(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "dump.sql.gz")
	require.NoError(t, os.WriteFile(src, []byte("definitely not gzip"), 0600))

	err := NewCompressionManager().DecompressTo(src, filepath.Join(dir, "out.sql"), CompressionTypeGzip)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeCompression, ErrorType(err))
}

func TestDetectCompression(t *testing.T) {
	tests := map[string]CompressionType{
		"backup_a.sql":                 CompressionTypeNone,
		"backup_a.sql.gz":              CompressionTypeGzip,
		"backup_a.sql.gz.enc":          CompressionTypeGzip,
		"backup_a.sql.lz4":             CompressionTypeLZ4,
		"backup_a.sql.zst.enc":         CompressionTypeZstd,
		"backup_a_files.tar.gz":        CompressionTypeNone,
		"backup_a_incremental.sql.enc": CompressionTypeNone,
	}

	for path, expected := range tests {
		assert.Equal(t, expected, DetectCompression(path), path)
	}
}

func TestCalculateCompressionRatio(t *testing.T) {
	assert.Equal(t, 1.0, CalculateCompressionRatio(0, 0))
	assert.Equal(t, 0.25, CalculateCompressionRatio(400, 100))
}
