package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backup-engine/internal/logging"
)

func newCapturingLogger(t *testing.T) (*logging.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelVerbose, Output: &buf, Format: "json"})
	require.NoError(t, err)
	return logger, &buf
}

func readAuditEntries(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestNewBackupLogger(t *testing.T) {
	bl, err := NewBackupLogger(BackupLoggerConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, bl.GetCorrelationID())
	assert.NoError(t, bl.Close())

	bl, err = NewBackupLogger(BackupLoggerConfig{CorrelationID: "cid-1"})
	require.NoError(t, err)
	assert.Equal(t, "cid-1", bl.GetCorrelationID())
	assert.Equal(t, "cid-2", bl.WithCorrelationID("cid-2").GetCorrelationID())
}

func TestBackupLogger_LogBackupStart(t *testing.T) {
	logger, buf := newCapturingLogger(t)
	bl, err := NewBackupLogger(BackupLoggerConfig{Logger: logger, CorrelationID: "cid"})
	require.NoError(t, err)

	done := bl.LogBackupStart(context.Background(), "backup_x", BackupTypeFull, map[string]interface{}{"compress": true})
	done(nil, &BackupRecord{ID: "backup_x", Size: 42, Checksum: "abc", Path: "/b/x.sql"})

	out := buf.String()
	assert.Contains(t, out, "Backup operation started")
	assert.Contains(t, out, "Backup operation completed successfully")
	assert.Contains(t, out, `"backup_id":"backup_x"`)
	assert.Contains(t, out, `"checksum":"abc"`)
	assert.Contains(t, out, `"correlation_id":"cid"`)
}

func TestBackupLogger_LogBackupStart_Failure(t *testing.T) {
	logger, buf := newCapturingLogger(t)
	bl, err := NewBackupLogger(BackupLoggerConfig{Logger: logger})
	require.NoError(t, err)

	done := bl.LogBackupStart(context.Background(), "backup_x", BackupTypeIncremental, nil)
	done(errors.New("pg_dump exploded"), nil)

	assert.Contains(t, buf.String(), "Backup operation failed")
	assert.Contains(t, buf.String(), "pg_dump exploded")
}

func TestBackupLogger_AuditTrail(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit", "audit.log")
	bl, err := NewBackupLogger(BackupLoggerConfig{
		CorrelationID:  "cid",
		AuditLogFile:   auditPath,
		EnableAuditLog: true,
	})
	require.NoError(t, err)

	ctx := logging.CreateContextWithRequestID(context.Background(), "req-7")
	bl.LogBackupStart(ctx, "backup_x", BackupTypeFull, nil)(nil, nil)
	bl.LogRestoreStart(ctx, "backup_x", RestoreOptions{DryRun: true})(nil)
	bl.LogRecoveryStart(ctx, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), PITROptions{})(errors.New("no full backup"), nil)
	bl.LogBackupDeletion(ctx, "backup_x", "manual")(nil)
	bl.LogRetentionCleanup(ctx, 30, time.Now())(nil, []string{"a", "b"})
	bl.LogUpload(ctx, "s3", "backup_x")(nil, "s3://bucket/key")
	require.NoError(t, bl.Close())

	entries := readAuditEntries(t, auditPath)
	require.Len(t, entries, 9)

	operations := make([]string, 0, len(entries))
	for _, entry := range entries {
		assert.Equal(t, "cid", entry["correlation_id"])
		assert.Equal(t, "req-7", entry["request_id"])
		operations = append(operations, entry["operation"].(string))
	}
	assert.Equal(t, []string{
		"backup_create", "backup_create",
		"backup_restore", "backup_restore",
		"recovery_execute", "recovery_execute",
		"backup_delete",
		"retention_cleanup",
		"storage_upload",
	}, operations)

	assert.Equal(t, "failure", entries[5]["result"])
	assert.Equal(t, "success", entries[3]["result"])
}

func TestBackupLogger_AuditDisabled(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	bl, err := NewBackupLogger(BackupLoggerConfig{AuditLogFile: auditPath})
	require.NoError(t, err)

	bl.LogBackupStart(context.Background(), "backup_x", BackupTypeFull, nil)(nil, nil)
	assert.NoFileExists(t, auditPath)
}
