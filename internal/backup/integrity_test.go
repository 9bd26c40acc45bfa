package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileVerifier_Verify(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, size int) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
		return path
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "valid artifact", path: write("ok.sql", 100)},
		{name: "exactly at limit", path: write("limit.sql", 1024)},
		{name: "empty artifact", path: write("empty.sql", 0), wantErr: true},
		{name: "over limit", path: write("big.sql", 1025), wantErr: true},
		{name: "missing artifact", path: filepath.Join(dir, "missing.sql"), wantErr: true},
		{name: "directory", path: dir, wantErr: true},
	}

	verifier := NewIntegrityVerifier(1024)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifier.Verify(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsIntegrity(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileVerifier_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.sql")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))

	checksum, err := NewIntegrityVerifier(0).Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", checksum)
}

func TestFileVerifier_VerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.sql")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))
	verifier := NewIntegrityVerifier(0)

	checksum, err := verifier.Checksum(path)
	require.NoError(t, err)
	record := &BackupRecord{ID: "backup_a", Path: path, Checksum: checksum}

	assert.NoError(t, verifier.VerifyChecksum(record))

	require.NoError(t, os.WriteFile(path, []byte("hellO"), 0600))
	err = verifier.VerifyChecksum(record)
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))

	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.Equal(t, checksum, backupErr.Context["expected"])
}
