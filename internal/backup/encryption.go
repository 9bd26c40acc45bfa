package backup

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	encryptedExtension = ".enc"

	// plaintext bytes sealed per chunk
	encryptionChunkSize = 64 * 1024
	noncePrefixSize     = 8
)

// encryptionMagic opens every encrypted artifact, followed by a version byte
var encryptionMagic = []byte("BKENC")

const encryptionVersion byte = 1

// EncryptionStats contains statistics about encryption operations
type EncryptionStats struct {
	OriginalSize  int64         `json:"original_size"`
	EncryptedSize int64         `json:"encrypted_size"`
	Algorithm     string        `json:"algorithm"`
	KeyDerivation string        `json:"key_derivation"`
	Duration      time.Duration `json:"duration"`
}

// EncryptionManager seals backup artifacts with AES-256-GCM.
//
// The file format is a header (magic, version, 8 byte random nonce prefix)
// followed by length-prefixed chunks of at most 64 KiB plaintext. Chunk n is
// sealed with nonce prefix||uint32(n) and a one byte additional data flag
// marking the final chunk, so reordering, truncation and appended data are
// all rejected on decrypt.
type EncryptionManager struct {
	config *EncryptionConfig
}

// NewEncryptionManager creates a new encryption manager
func NewEncryptionManager(config *EncryptionConfig) *EncryptionManager {
	return &EncryptionManager{
		config: config,
	}
}

// GetAlgorithm returns the encryption algorithm being used
func (em *EncryptionManager) GetAlgorithm() string {
	return "AES-256-GCM"
}

func (em *EncryptionManager) newAEAD() (cipher.AEAD, error) {
	key, err := em.config.GetEncryptionKey()
	if err != nil {
		return nil, NewEncryptionError("failed to get encryption key", err)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// EncryptFile writes src+".enc" and removes src on success. It returns the
// new path.
func (em *EncryptionManager) EncryptFile(src string) (string, *EncryptionStats, error) {
	start := time.Now()

	gcm, err := em.newAEAD()
	if err != nil {
		return "", nil, err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", nil, NewEncryptionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	dst := src + encryptedExtension
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", nil, NewEncryptionError(fmt.Sprintf("failed to create %s", dst), err)
	}

	originalSize, err := em.encryptStream(gcm, bufio.NewReaderSize(in, encryptionChunkSize), out)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return "", nil, NewEncryptionError(fmt.Sprintf("failed to encrypt %s", src), err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", nil, NewEncryptionError(fmt.Sprintf("failed to stat %s", dst), err)
	}

	in.Close()
	if err := os.Remove(src); err != nil {
		return "", nil, NewEncryptionError(fmt.Sprintf("failed to remove plaintext %s", src), err)
	}

	return dst, &EncryptionStats{
		OriginalSize:  originalSize,
		EncryptedSize: info.Size(),
		Algorithm:     em.GetAlgorithm(),
		KeyDerivation: em.config.KeySource,
		Duration:      time.Since(start),
	}, nil
}

func (em *EncryptionManager) encryptStream(gcm cipher.AEAD, in *bufio.Reader, out io.Writer) (int64, error) {
	prefix := make([]byte, noncePrefixSize)
	if _, err := io.ReadFull(rand.Reader, prefix); err != nil {
		return 0, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := append(append([]byte{}, encryptionMagic...), encryptionVersion)
	header = append(header, prefix...)
	if _, err := out.Write(header); err != nil {
		return 0, err
	}

	var (
		total   int64
		counter uint32
		buf     = make([]byte, encryptionChunkSize)
		sealed  = make([]byte, 0, encryptionChunkSize+gcm.Overhead())
		lenBuf  = make([]byte, 4)
	)
	for {
		n, err := io.ReadFull(in, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return total, err
		}
		total += int64(n)

		final := err != nil
		if !final {
			if _, peekErr := in.Peek(1); peekErr == io.EOF {
				final = true
			}
		}

		sealed = gcm.Seal(sealed[:0], chunkNonce(prefix, counter), buf[:n], chunkAAD(final))
		binary.BigEndian.PutUint32(lenBuf, uint32(len(sealed)))
		if _, err := out.Write(lenBuf); err != nil {
			return total, err
		}
		if _, err := out.Write(sealed); err != nil {
			return total, err
		}

		if final {
			return total, nil
		}
		counter++
		if counter == 0 {
			return total, errors.New("artifact too large for chunk counter")
		}
	}
}

// DecryptTo authenticates and decrypts src into dst. src is kept.
func (em *EncryptionManager) DecryptTo(src, dst string) error {
	gcm, err := em.newAEAD()
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return NewEncryptionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return NewEncryptionError(fmt.Sprintf("failed to create %s", dst), err)
	}

	err = decryptStream(gcm, bufio.NewReader(in), out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return NewEncryptionError(fmt.Sprintf("failed to decrypt %s", src), err)
	}
	return nil
}

func decryptStream(gcm cipher.AEAD, in *bufio.Reader, out io.Writer) error {
	header := make([]byte, len(encryptionMagic)+1+noncePrefixSize)
	if _, err := io.ReadFull(in, header); err != nil {
		return fmt.Errorf("missing encryption header: %w", err)
	}
	if !bytes.Equal(header[:len(encryptionMagic)], encryptionMagic) {
		return errors.New("not an encrypted backup artifact")
	}
	if header[len(encryptionMagic)] != encryptionVersion {
		return fmt.Errorf("unsupported encryption format version %d", header[len(encryptionMagic)])
	}
	prefix := header[len(encryptionMagic)+1:]

	var (
		counter uint32
		lenBuf  = make([]byte, 4)
		chunk   = make([]byte, encryptionChunkSize+gcm.Overhead())
		plain   = make([]byte, 0, encryptionChunkSize)
	)
	for {
		if _, err := io.ReadFull(in, lenBuf); err != nil {
			return fmt.Errorf("truncated artifact at chunk %d: %w", counter, err)
		}
		size := binary.BigEndian.Uint32(lenBuf)
		if size < uint32(gcm.Overhead()) || size > uint32(len(chunk)) {
			return fmt.Errorf("invalid chunk length %d", size)
		}
		if _, err := io.ReadFull(in, chunk[:size]); err != nil {
			return fmt.Errorf("truncated artifact at chunk %d: %w", counter, err)
		}

		_, peekErr := in.Peek(1)
		final := peekErr == io.EOF

		var err error
		plain, err = gcm.Open(plain[:0], chunkNonce(prefix, counter), chunk[:size], chunkAAD(final))
		if err != nil {
			return fmt.Errorf("chunk %d failed authentication: %w", counter, err)
		}
		if _, err := out.Write(plain); err != nil {
			return err
		}

		if final {
			return nil
		}
		counter++
	}
}

func chunkNonce(prefix []byte, counter uint32) []byte {
	nonce := make([]byte, noncePrefixSize+4)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	return nonce
}

func chunkAAD(final bool) []byte {
	if final {
		return []byte{1}
	}
	return []byte{0}
}

// GenerateKey generates a new 256-bit encryption key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, NewEncryptionError("failed to generate encryption key", err)
	}
	return key, nil
}

// ValidateKey validates that a key is suitable for AES-256
func ValidateKey(key []byte) error {
	if len(key) != 32 {
		return NewEncryptionError("key must be 32 bytes for AES-256", nil)
	}

	allZeros := true
	allOnes := true
	for _, b := range key {
		if b != 0 {
			allZeros = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}

	if allZeros {
		return NewEncryptionError("key cannot be all zeros", nil)
	}
	if allOnes {
		return NewEncryptionError("key cannot be all ones", nil)
	}

	return nil
}
