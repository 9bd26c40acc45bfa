package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPreflightConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.BackupDir = filepath.Join(t.TempDir(), "backups")
	config.MinFreeSpaceMB = 10
	return config
}

func TestEnvironmentPreflight_Check(t *testing.T) {
	config := newPreflightConfig(t)
	checker := NewPreflightChecker(config, newMockRunner(), nil).
		WithFreeSpaceFunc(func(string) (int64, error) { return 1 << 30, nil })

	require.NoError(t, checker.Check(context.Background(), "pg_dump", "tar"))
	assert.DirExists(t, config.BackupDir)

	entries, err := os.ReadDir(config.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "write probe must be removed")
}

func TestEnvironmentPreflight_Check_Failures(t *testing.T) {
	tests := []struct {
		name      string
		missing   []string
		freeSpace FreeSpaceFunc
		tools     []string
	}{
		{
			name:      "missing tool",
			missing:   []string{"pg_dump"},
			freeSpace: func(string) (int64, error) { return 1 << 30, nil },
			tools:     []string{"pg_dump"},
		},
		{
			name:      "insufficient space",
			freeSpace: func(string) (int64, error) { return 1024, nil },
		},
		{
			name:      "free space probe fails",
			freeSpace: func(string) (int64, error) { return 0, errors.New("statfs failed") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewPreflightChecker(newPreflightConfig(t), newMockRunner(tt.missing...), nil).
				WithFreeSpaceFunc(tt.freeSpace)

			err := checker.Check(context.Background(), tt.tools...)
			require.Error(t, err)
			assert.True(t, IsPreflight(err))
		})
	}
}

func TestEnvironmentPreflight_Check_UnknownFreeSpace(t *testing.T) {
	checker := NewPreflightChecker(newPreflightConfig(t), newMockRunner(), nil).
		WithFreeSpaceFunc(func(string) (int64, error) { return -1, nil })

	assert.NoError(t, checker.Check(context.Background()))
}

func TestEnvironmentPreflight_Check_UnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0500))
	t.Cleanup(func() { os.Chmod(parent, 0755) })

	config := DefaultConfig()
	config.BackupDir = filepath.Join(parent, "backups")
	checker := NewPreflightChecker(config, newMockRunner(), nil)

	err := checker.Check(context.Background())
	require.Error(t, err)
	assert.True(t, IsPreflight(err))
}

func TestEnvironmentPreflight_Check_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := NewPreflightChecker(newPreflightConfig(t), newMockRunner(), nil)
	err := checker.Check(ctx)
	require.Error(t, err)
	assert.True(t, IsPreflight(err))
}

func TestEnvironmentPreflight_Status(t *testing.T) {
	checker := NewPreflightChecker(newPreflightConfig(t), newMockRunner("rclone"), nil).
		WithFreeSpaceFunc(func(string) (int64, error) { return 2048, nil })

	status := checker.Status(context.Background(), "tar", "rclone")

	assert.False(t, status.OK)
	assert.True(t, status.Writable)
	assert.True(t, status.Tools["tar"])
	assert.False(t, status.Tools["rclone"])
	assert.Equal(t, int64(2048), status.FreeBytes)
	assert.Equal(t, int64(10*1024*1024), status.MinFreeSpaceBytes)
	assert.Len(t, status.Problems, 2)
}
