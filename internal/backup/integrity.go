package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// IntegrityVerifier validates and fingerprints backup artifacts
type IntegrityVerifier interface {
	Verify(path string) error
	Checksum(path string) (string, error)
	VerifyChecksum(record *BackupRecord) error
}

// FileVerifier checks artifacts on the local filesystem
type FileVerifier struct {
	maxSize int64
}

// NewIntegrityVerifier creates a verifier enforcing maxSize bytes
func NewIntegrityVerifier(maxSize int64) *FileVerifier {
	return &FileVerifier{maxSize: maxSize}
}

// Verify checks that path exists, is non-empty and does not exceed the
// configured ceiling.
func (v *FileVerifier) Verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return NewIntegrityError(fmt.Sprintf("backup artifact %s is not readable", path), err).
			WithContext("path", path)
	}
	if info.IsDir() {
		return NewIntegrityError(fmt.Sprintf("backup artifact %s is a directory", path), nil).
			WithContext("path", path)
	}
	if info.Size() == 0 {
		return NewIntegrityError(fmt.Sprintf("backup artifact %s is empty", path), nil).
			WithContext("path", path)
	}
	if v.maxSize > 0 && info.Size() > v.maxSize {
		return NewIntegrityError(fmt.Sprintf("backup artifact %s is %d bytes, exceeding the %d byte limit", path, info.Size(), v.maxSize), nil).
			WithContext("path", path).
			WithContext("size", info.Size())
	}
	return nil
}

// Checksum streams path through sha-256 and returns the hex digest
func (v *FileVerifier) Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", NewIntegrityError(fmt.Sprintf("cannot open %s for checksum", path), err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", NewIntegrityError(fmt.Sprintf("cannot read %s for checksum", path), err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// VerifyChecksum re-verifies the artifact and compares its digest with the
// recorded one.
func (v *FileVerifier) VerifyChecksum(record *BackupRecord) error {
	if err := v.Verify(record.Path); err != nil {
		return err
	}
	if record.Checksum == "" {
		return nil
	}

	actual, err := v.Checksum(record.Path)
	if err != nil {
		return err
	}
	if actual != record.Checksum {
		return NewIntegrityError(fmt.Sprintf("checksum mismatch for backup %s", record.ID), nil).
			WithContext("expected", record.Checksum).
			WithContext("actual", actual)
	}
	return nil
}
