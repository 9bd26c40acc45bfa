package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestBuildRecoveryPlan(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }
	record := func(id string, backupType BackupType, minutes int) *BackupRecord {
		return &BackupRecord{ID: id, Type: backupType, Timestamp: at(minutes), Status: BackupStatusCompleted}
	}

	tests := []struct {
		name         string
		records      []*BackupRecord
		target       time.Time
		full         string
		incrementals []string
		notFound     bool
	}{
		{
			name: "full followed by incrementals up to target",
			records: []*BackupRecord{
				record("A", BackupTypeFull, 0),
				record("B", BackupTypeIncremental, 10),
				record("C", BackupTypeIncremental, 20),
			},
			target:       at(15),
			full:         "A",
			incrementals: []string{"B"},
		},
		{
			name: "latest full before target wins",
			records: []*BackupRecord{
				record("A", BackupTypeFull, 0),
				record("B", BackupTypeIncremental, 10),
				record("D", BackupTypeFull, 12),
				record("E", BackupTypeIncremental, 14),
			},
			target:       at(15),
			full:         "D",
			incrementals: []string{"E"},
		},
		{
			name: "incrementals ordered ascending with id tiebreak",
			records: []*BackupRecord{
				record("inc-3", BackupTypeIncremental, 30),
				record("inc-2b", BackupTypeIncremental, 20),
				record("full", BackupTypeFull, 0),
				record("inc-2a", BackupTypeIncremental, 20),
			},
			target:       at(60),
			full:         "full",
			incrementals: []string{"inc-2a", "inc-2b", "inc-3"},
		},
		{
			name: "target equal to timestamps is inclusive",
			records: []*BackupRecord{
				record("A", BackupTypeFull, 0),
				record("B", BackupTypeIncremental, 10),
			},
			target:       at(10),
			full:         "A",
			incrementals: []string{"B"},
		},
		{
			name: "incremental at the full timestamp is excluded",
			records: []*BackupRecord{
				record("A", BackupTypeFull, 5),
				record("B", BackupTypeIncremental, 5),
			},
			target:       at(10),
			full:         "A",
			incrementals: []string{},
		},
		{
			name: "file backups are ignored",
			records: []*BackupRecord{
				record("A", BackupTypeFull, 0),
				record("A_files", BackupTypeFiles, 1),
			},
			target:       at(10),
			full:         "A",
			incrementals: []string{},
		},
		{
			name:     "no backups",
			records:  nil,
			target:   at(10),
			notFound: true,
		},
		{
			name: "everything after target",
			records: []*BackupRecord{
				record("A", BackupTypeFull, 20),
			},
			target:   at(10),
			notFound: true,
		},
		{
			name: "only incrementals",
			records: []*BackupRecord{
				record("B", BackupTypeIncremental, 5),
			},
			target:   at(10),
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildRecoveryPlan(tt.records, tt.target)
			if tt.notFound {
				require.Error(t, err)
				assert.True(t, IsNotFound(err))
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.full, plan.Full.ID)
			ids := make([]string, 0, len(plan.Incrementals))
			for _, inc := range plan.Incrementals {
				ids = append(ids, inc.ID)
			}
			assert.Equal(t, tt.incrementals, ids)
			assert.Len(t, plan.Steps(), len(tt.incrementals)+1)
		})
	}
}

func TestRestoreEngine_RestoreFromBackup_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.restorer().RestoreFromBackup(context.Background(), "backup_missing", RestoreOptions{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRestoreEngine_RestoreFromBackup_DryRun(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)

	result, err := env.restorer().RestoreFromBackup(context.Background(), record.ID, RestoreOptions{DryRun: true, VerifyBeforeRestore: true})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 1500*time.Millisecond, result.EstimatedDuration)
	assert.Equal(t, record.ID, result.Record.ID)
	env.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRestoreEngine_RestoreFromBackup_ChecksumMismatch(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)
	require.NoError(t, os.WriteFile(record.Path, []byte("tampered"), 0600))

	_, err := env.restorer().RestoreFromBackup(context.Background(), record.ID, RestoreOptions{VerifyBeforeRestore: true})
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	env.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRestoreEngine_RestoreFromBackup_MissingArtifact(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)
	require.NoError(t, os.Remove(record.Path))

	_, err := env.restorer().RestoreFromBackup(context.Background(), record.ID, RestoreOptions{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// expectRestore captures the working copy handed to a restore tool
func expectRestore(env *testEnv, tool string, flag string, captured *[]string) {
	env.runner.On("Run", mock.Anything, commandNamed(tool)).
		Run(func(args mock.Arguments) {
			cmd := args.Get(1).(Command)
			path := cmd.Args[len(cmd.Args)-1]
			if flag != "" {
				path = argAfter(cmd.Args, flag)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				*captured = append(*captured, "unreadable:"+path)
				return
			}
			*captured = append(*captured, string(data))
		}).
		Return(&CommandResult{}, nil)
}

func TestRestoreEngine_RestoreFromBackup_CompressedAndEncrypted(t *testing.T) {
	env := newTestEnv(t)
	env.runner.expectDump(sampleDump)

	backup, err := env.executor().CreateFullBackup(context.Background(), FullBackupOptions{Compress: true, Encrypt: true})
	require.NoError(t, err)

	var restored []string
	expectRestore(env, "pg_restore", "", &restored)

	result, err := env.restorer().RestoreFromBackup(context.Background(), backup.BackupID, RestoreOptions{
		DropExisting:        true,
		VerifyBeforeRestore: true,
	})
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	assert.Equal(t, []string{sampleDump}, restored)

	var restoreCmd Command
	for _, call := range env.runner.Calls {
		if call.Method == "Run" {
			restoreCmd = call.Arguments.Get(1).(Command)
		}
	}
	assert.Equal(t, "pg_restore", restoreCmd.Name)
	assert.Contains(t, restoreCmd.Args, "-c")
	assert.Contains(t, restoreCmd.Env, "PGPASSWORD=secret")

	leftovers, err := filepath.Glob(filepath.Join(env.config.BackupDir, ".restore-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	assert.FileExists(t, backup.Path)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.deps.Metrics.restores.WithLabelValues("full", "success")))
}

func TestRestoreEngine_RestoreFromBackup_WithoutDrop(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "backup_plain", BackupTypeFull, env.clock.Now(), sampleDump)

	var restored []string
	expectRestore(env, "pg_restore", "", &restored)

	_, err := env.restorer().RestoreFromBackup(context.Background(), record.ID, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{sampleDump}, restored)

	for _, call := range env.runner.Calls {
		if call.Method == "Run" {
			cmd := call.Arguments.Get(1).(Command)
			assert.NotContains(t, cmd.Args, "-c")
			assert.Equal(t, record.Path, cmd.Args[len(cmd.Args)-1])
		}
	}
}

func TestRestoreEngine_RestoreFromBackup_Incremental(t *testing.T) {
	env := newTestEnv(t)

	backup, err := env.executor().CreateIncrementalBackup(context.Background(), IncrementalBackupOptions{
		Tables:   []string{"orders"},
		Compress: true,
	})
	require.NoError(t, err)

	var applied []string
	expectRestore(env, "psql", "-f", &applied)

	_, err = env.restorer().RestoreFromBackup(context.Background(), backup.BackupID, RestoreOptions{})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Contains(t, applied[0], "Incremental backup for tables: orders")

	for _, call := range env.runner.Calls {
		if call.Method == "Run" {
			cmd := call.Arguments.Get(1).(Command)
			assert.Equal(t, "ON_ERROR_STOP=1", argAfter(cmd.Args, "-v"))
		}
	}
}

func TestRestoreEngine_RestoreFromBackup_Files(t *testing.T) {
	env := newTestEnv(t)
	record := env.saveArtifact(t, "weekly_files", BackupTypeFiles, env.clock.Now(), "tarball")

	env.runner.On("Run", mock.Anything, commandNamed("tar")).Return(&CommandResult{}, nil)

	_, err := env.restorer().RestoreFromBackup(context.Background(), record.ID, RestoreOptions{})
	require.NoError(t, err)

	env.runner.AssertCalled(t, "Run", mock.Anything, Command{
		Name: "tar",
		Args: []string{"-xzf", record.Path, "-C", env.config.RestoreRoot},
	})
	assert.DirExists(t, env.config.RestoreRoot)
}

func TestRestoreEngine_RestoreFromBackup_MissingTool(t *testing.T) {
	env := newTestEnv(t, "pg_restore")
	record := env.saveArtifact(t, "backup_a", BackupTypeFull, env.clock.Now(), sampleDump)

	_, err := env.restorer().RestoreFromBackup(context.Background(), record.ID, RestoreOptions{})
	require.Error(t, err)
	assert.True(t, IsPreflight(err))
}

func TestRestoreEngine_PointInTimeRecovery(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()

	full := env.saveArtifact(t, "A", BackupTypeFull, now.Add(-3*time.Hour), "full dump")
	inc := env.saveArtifact(t, "B", BackupTypeIncremental, now.Add(-2*time.Hour), "incremental one")
	env.saveArtifact(t, "C", BackupTypeIncremental, now.Add(-30*time.Minute), "incremental two")

	var order []string
	env.runner.On("Run", mock.Anything, commandNamed("pg_restore")).
		Run(func(args mock.Arguments) {
			cmd := args.Get(1).(Command)
			assert.Contains(t, cmd.Args, "-c")
			order = append(order, "pg_restore")
		}).
		Return(&CommandResult{}, nil)
	env.runner.On("Run", mock.Anything, commandNamed("psql")).
		Run(func(args mock.Arguments) { order = append(order, "psql") }).
		Return(&CommandResult{}, nil)

	result, err := env.restorer().PointInTimeRecovery(context.Background(), now.Add(-time.Hour), PITROptions{Verify: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"pg_restore", "psql"}, order)
	assert.Equal(t, []string{full.ID, inc.ID}, result.Restored)
	assert.Equal(t, full.ID, result.Plan.Full.ID)
	assert.Equal(t, 3*time.Second, result.EstimatedDuration)
}

func TestRestoreEngine_PointInTimeRecovery_DryRun(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	env.saveArtifact(t, "A", BackupTypeFull, now.Add(-3*time.Hour), "full dump")
	env.saveArtifact(t, "B", BackupTypeIncremental, now.Add(-2*time.Hour), "incremental")

	result, err := env.restorer().PointInTimeRecovery(context.Background(), now, PITROptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Empty(t, result.Restored)
	assert.Len(t, result.Plan.Steps(), 2)
	env.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRestoreEngine_PointInTimeRecovery_VerifyFailsBeforeRestoring(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	env.saveArtifact(t, "A", BackupTypeFull, now.Add(-3*time.Hour), "full dump")
	inc := env.saveArtifact(t, "B", BackupTypeIncremental, now.Add(-2*time.Hour), "incremental")
	require.NoError(t, os.WriteFile(inc.Path, []byte("corrupted"), 0600))

	_, err := env.restorer().PointInTimeRecovery(context.Background(), now, PITROptions{Verify: true})
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	env.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRestoreEngine_PointInTimeRecovery_NoFullBackup(t *testing.T) {
	env := newTestEnv(t)
	env.saveArtifact(t, "B", BackupTypeIncremental, env.clock.Now().Add(-time.Hour), "incremental")

	_, err := env.restorer().PointInTimeRecovery(context.Background(), env.clock.Now(), PITROptions{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.True(t, strings.Contains(err.Error(), "no full backup"))
}
