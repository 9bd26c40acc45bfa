package backup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticNextRun struct {
	next *time.Time
}

func (s staticNextRun) NextScheduledRun() *time.Time { return s.next }

func TestEngine_GetBackupStatus_Empty(t *testing.T) {
	env := newTestEnv(t)

	status, err := env.engine().GetBackupStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, status.TotalBackups)
	assert.Nil(t, status.LatestBackup)
	assert.Equal(t, int64(0), status.TotalSize)
	assert.Equal(t, 0, status.FailedBackups)
	assert.False(t, status.IsBackupInProgress)
	assert.Nil(t, status.NextScheduledBackup)
}

func TestEngine_GetBackupStatus(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	env.saveArtifact(t, "backup_a", BackupTypeFull, now.Add(-2*time.Hour), "12345")
	env.saveArtifact(t, "backup_b", BackupTypeIncremental, now.Add(-time.Hour), "123")

	engine := env.engine()
	next := now.Add(14 * time.Hour)
	engine.SetNextRunProvider(staticNextRun{next: &next})

	status, err := engine.GetBackupStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, status.TotalBackups)
	assert.Equal(t, int64(8), status.TotalSize)
	require.NotNil(t, status.LatestBackup)
	assert.Equal(t, now.Add(-time.Hour), *status.LatestBackup)
	require.NotNil(t, status.NextScheduledBackup)
	assert.Equal(t, next, *status.NextScheduledBackup)
}

func TestEngine_Analytics(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		records []*BackupRecord
		health  string
		rate    float64
	}{
		{
			name:    "no backups",
			records: nil,
			health:  HealthNoBackups,
		},
		{
			name: "recent completed backup",
			records: []*BackupRecord{
				{ID: "a", Type: BackupTypeFull, Status: BackupStatusCompleted, Size: 100, Timestamp: now.Add(-6 * time.Hour)},
				{ID: "b", Type: BackupTypeIncremental, Status: BackupStatusCompleted, Size: 50, Timestamp: now.Add(-time.Hour)},
			},
			health: HealthHealthy,
			rate:   100,
		},
		{
			name: "stale backups",
			records: []*BackupRecord{
				{ID: "a", Type: BackupTypeFull, Status: BackupStatusCompleted, Size: 100, Timestamp: now.Add(-72 * time.Hour)},
			},
			health: HealthWarning,
			rate:   100,
		},
		{
			name: "only failures",
			records: []*BackupRecord{
				{ID: "a", Type: BackupTypeFull, Status: BackupStatusCompleted, Size: 100, Timestamp: now.Add(-72 * time.Hour)},
				{ID: "b", Type: BackupTypeFull, Status: BackupStatusFailed, Size: 0, Timestamp: now.Add(-time.Hour)},
			},
			health: HealthWarning,
			rate:   50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analytics := summarize(tt.records, now)

			assert.Equal(t, tt.health, analytics.Health)
			assert.Equal(t, len(tt.records), analytics.TotalBackups)
			assert.InDelta(t, tt.rate, analytics.SuccessRate, 0.001)
		})
	}
}

func TestEngine_Analytics_Aggregates(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	env.saveArtifact(t, "a", BackupTypeFull, now.Add(-48*time.Hour), "1234567890")
	env.saveArtifact(t, "b", BackupTypeIncremental, now.Add(-24*time.Hour), "12")
	env.saveArtifact(t, "c_files", BackupTypeFiles, now.Add(-time.Hour), "123456")

	analytics, err := env.engine().Analytics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, analytics.TotalBackups)
	assert.Equal(t, 1, analytics.ByType[BackupTypeFull])
	assert.Equal(t, 1, analytics.ByType[BackupTypeIncremental])
	assert.Equal(t, 1, analytics.ByType[BackupTypeFiles])
	assert.Equal(t, 3, analytics.ByStatus[BackupStatusCompleted])
	assert.Equal(t, int64(18), analytics.TotalSize)
	assert.Equal(t, int64(6), analytics.AverageSize)
	assert.Equal(t, int64(10), analytics.LargestSize)
	assert.Equal(t, now.Add(-48*time.Hour), *analytics.Oldest)
	assert.Equal(t, now.Add(-time.Hour), *analytics.Newest)
	assert.Equal(t, HealthHealthy, analytics.Health)
}

func TestEngine_DeleteBackup(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)
	engine := env.engine()

	require.NoError(t, engine.DeleteBackup(context.Background(), record.ID))
	assert.NoFileExists(t, record.Path)

	_, err := engine.GetBackup(context.Background(), record.ID)
	assert.True(t, IsNotFound(err))

	err = engine.DeleteBackup(context.Background(), record.ID)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestEngine_DeleteBackup_MissingArtifact(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)
	require.NoError(t, os.Remove(record.Path))

	require.NoError(t, env.engine().DeleteBackup(context.Background(), record.ID))
}

func TestEngine_ExportPath(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)
	engine := env.engine()

	path, err := engine.ExportPath(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Path, path)

	require.NoError(t, os.Remove(record.Path))
	_, err = engine.ExportPath(context.Background(), record.ID)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestEngine_ListBackups(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	env.saveArtifact(t, "a", BackupTypeFull, now.Add(-3*time.Hour), "x")
	env.saveArtifact(t, "b", BackupTypeIncremental, now.Add(-2*time.Hour), "x")
	env.saveArtifact(t, "c", BackupTypeFull, now.Add(-time.Hour), "x")
	engine := env.engine()

	records, err := engine.ListBackups(context.Background(), ListFilter{Type: BackupTypeFull})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "a", records[1].ID)

	_, err = engine.ListBackups(context.Background(), ListFilter{Type: "differential"})
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeValidation, ErrorType(err))
}

func TestEngine_CleanupOldBackups(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	env.saveArtifact(t, "old", BackupTypeFull, now.AddDate(0, 0, -31), "x")
	env.saveArtifact(t, "fresh", BackupTypeFull, now.AddDate(0, 0, -29), "x")

	deleted, err := env.engine().CleanupOldBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestEngine_Preflight(t *testing.T) {
	env := newTestEnv(t, "pg_restore")

	status := env.engine().Preflight(context.Background())

	assert.False(t, status.OK)
	assert.True(t, status.Writable)
	assert.True(t, status.Tools["pg_dump"])
	assert.True(t, status.Tools["psql"])
	assert.True(t, status.Tools["tar"])
	assert.False(t, status.Tools["pg_restore"])
	assert.Contains(t, status.Problems, "tool pg_restore not found")
}

func TestEngine_Preflight_NoDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.config.DatabaseURL = ""

	status := env.engine().Preflight(context.Background())

	assert.False(t, status.OK)
	assert.NotContains(t, status.Tools, "pg_dump")
	assert.True(t, status.Tools["tar"])
}
