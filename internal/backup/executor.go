package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Executor produces full, incremental and file backups. Database backups
// are mutually exclusive per executor: a second call while one runs fails
// with a CONFLICT_ERROR instead of queueing.
type Executor struct {
	deps       Dependencies
	retention  *RetentionManager
	inProgress atomic.Bool
}

// NewExecutor creates an executor. Missing dependencies get defaults.
func NewExecutor(deps Dependencies, retention *RetentionManager) *Executor {
	deps.setDefaults()
	if retention == nil {
		retention = NewRetentionManager(deps.Store, deps.Config.RetentionDays, deps.Audit, deps.Metrics, deps.Logger).WithClock(deps.Clock)
	}
	return &Executor{deps: deps, retention: retention}
}

// InProgress reports whether a database backup holds the exclusion flag
func (e *Executor) InProgress() bool {
	return e.inProgress.Load()
}

func (e *Executor) acquire() error {
	if !e.inProgress.CompareAndSwap(false, true) {
		return NewConflictError("a database backup is already in progress", nil)
	}
	e.deps.Metrics.SetInProgress(true)
	return nil
}

func (e *Executor) release() {
	e.inProgress.Store(false)
	e.deps.Metrics.SetInProgress(false)
}

// CreateFullBackup dumps the database, then compresses, encrypts,
// checksums and persists the artifact. Retention runs afterwards, followed
// by the optional file backup cascade and the best-effort upload.
func (e *Executor) CreateFullBackup(ctx context.Context, opts FullBackupOptions) (*BackupResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	start := e.deps.Clock()
	id := GenerateBackupID(start)
	done := e.deps.Audit.LogBackupStart(ctx, id, BackupTypeFull, map[string]interface{}{
		"compress":       opts.Compress,
		"encrypt":        opts.Encrypt,
		"include_files":  opts.IncludeFiles,
		"upload":         opts.UploadToCloud,
		"comment":        opts.Comment,
		"retention_days": e.deps.Config.RetentionDays,
	})

	result, err := e.createFull(ctx, id, start, opts)

	var record *BackupRecord
	if result != nil {
		record = result.Record
	}
	done(err, record)
	e.deps.Metrics.RecordBackup(BackupTypeFull, e.deps.Clock().Sub(start), err)
	e.deps.Logger.LogBackupOperation(string(BackupTypeFull), id, sizeOf(record), e.deps.Clock().Sub(start), err)

	return result, err
}

func (e *Executor) createFull(ctx context.Context, id string, start time.Time, opts FullBackupOptions) (*BackupResult, error) {
	target, dialect, err := e.deps.database()
	if err != nil {
		return nil, err
	}

	if err := e.deps.Preflight.Check(ctx, dialect.DumpTool()); err != nil {
		return nil, err
	}

	dir := e.deps.Config.DatabaseDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create %s", dir), err)
	}

	rawPath := filepath.Join(dir, id+".sql")
	if _, err := e.deps.Runner.Run(ctx, dialect.DumpCommand(target, rawPath)); err != nil {
		removeArtifact(rawPath)
		return nil, err
	}

	path, compression, err := e.finishArtifact(rawPath, opts.Compress, opts.Encrypt)
	if err != nil {
		return nil, err
	}

	checksum, err := e.deps.Verifier.Checksum(path)
	if err != nil {
		removeArtifact(path)
		return nil, err
	}

	stats := e.databaseStats(ctx)

	info, err := os.Stat(path)
	if err != nil {
		removeArtifact(path)
		return nil, NewStorageError(fmt.Sprintf("failed to stat %s", path), err)
	}

	record := &BackupRecord{
		ID:              id,
		Type:            BackupTypeFull,
		Timestamp:       start.UTC(),
		Size:            info.Size(),
		DurationMs:      e.deps.Clock().Sub(start).Milliseconds(),
		Status:          BackupStatusCompleted,
		Path:            path,
		Checksum:        checksum,
		Compressed:      compression != CompressionTypeNone,
		Compression:     compression,
		Encrypted:       opts.Encrypt,
		Comment:         opts.Comment,
		DatabaseVersion: stats.Version,
		TablesCount:     stats.TablesCount,
		RecordsCount:    stats.RecordsCount,
	}

	if err := e.deps.Store.Save(ctx, record); err != nil {
		removeArtifact(path)
		return nil, err
	}

	if _, err := e.retention.Cleanup(ctx); err != nil {
		return nil, err
	}

	result := &BackupResult{
		BackupID: id,
		Path:     path,
		Size:     record.Size,
		Duration: e.deps.Clock().Sub(start),
		Record:   record,
	}

	if opts.IncludeFiles {
		files, err := e.CreateFileBackup(ctx, id, FileBackupOptions{Comment: opts.Comment})
		if err != nil {
			return nil, err
		}
		result.FileBackup = files
	}

	if opts.UploadToCloud {
		result.CloudURL = e.safeUpload(ctx, record)
	}

	e.deps.Logger.WithFields(map[string]interface{}{
		"backup_id": id,
		"size":      record.Size,
	}).Info("Full database backup completed")

	return result, nil
}

// CreateIncrementalBackup writes a marker artifact scoped to a table list
// and time window. It shares the exclusion flag with full backups.
func (e *Executor) CreateIncrementalBackup(ctx context.Context, opts IncrementalBackupOptions) (*BackupResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	start := e.deps.Clock()
	id := GenerateBackupID(start)
	done := e.deps.Audit.LogBackupStart(ctx, id, BackupTypeIncremental, map[string]interface{}{
		"compress": opts.Compress,
		"tables":   len(opts.Tables),
		"comment":  opts.Comment,
	})

	result, err := e.createIncremental(ctx, id, start, opts)

	var record *BackupRecord
	if result != nil {
		record = result.Record
	}
	done(err, record)
	e.deps.Metrics.RecordBackup(BackupTypeIncremental, e.deps.Clock().Sub(start), err)
	e.deps.Logger.LogBackupOperation(string(BackupTypeIncremental), id, sizeOf(record), e.deps.Clock().Sub(start), err)

	return result, err
}

func (e *Executor) createIncremental(ctx context.Context, id string, start time.Time, opts IncrementalBackupOptions) (*BackupResult, error) {
	if _, _, err := e.deps.database(); err != nil {
		return nil, err
	}
	if err := e.deps.Preflight.Check(ctx); err != nil {
		return nil, err
	}

	since := opts.Since
	if since.IsZero() {
		since = start.Add(-24 * time.Hour)
	}

	tables := opts.Tables
	if len(tables) == 0 {
		if e.deps.Inspector == nil {
			return nil, NewConfigurationError("a table list is required when the database cannot be inspected", nil)
		}
		listed, err := e.deps.Inspector.Tables(ctx)
		if err != nil {
			return nil, err
		}
		tables = listed
	}

	dir := e.deps.Config.DatabaseDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create %s", dir), err)
	}

	rawPath := filepath.Join(dir, id+"_incremental.sql")
	if err := os.WriteFile(rawPath, []byte(incrementalMarker(tables, since)), 0600); err != nil {
		removeArtifact(rawPath)
		return nil, NewStorageError(fmt.Sprintf("failed to write %s", rawPath), err)
	}

	path, compression, err := e.finishArtifact(rawPath, opts.Compress, false)
	if err != nil {
		return nil, err
	}

	checksum, err := e.deps.Verifier.Checksum(path)
	if err != nil {
		removeArtifact(path)
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		removeArtifact(path)
		return nil, NewStorageError(fmt.Sprintf("failed to stat %s", path), err)
	}

	sinceUTC := since.UTC()
	record := &BackupRecord{
		ID:             id,
		Type:           BackupTypeIncremental,
		Timestamp:      start.UTC(),
		Size:           info.Size(),
		DurationMs:     e.deps.Clock().Sub(start).Milliseconds(),
		Status:         BackupStatusCompleted,
		Path:           path,
		Checksum:       checksum,
		Compressed:     compression != CompressionTypeNone,
		Compression:    compression,
		Comment:        opts.Comment,
		SinceTimestamp: &sinceUTC,
		AffectedTables: tables,
	}

	if err := e.deps.Store.Save(ctx, record); err != nil {
		removeArtifact(path)
		return nil, err
	}

	if _, err := e.retention.Cleanup(ctx); err != nil {
		return nil, err
	}

	return &BackupResult{
		BackupID: id,
		Path:     path,
		Size:     record.Size,
		Duration: e.deps.Clock().Sub(start),
		Record:   record,
	}, nil
}

// incrementalMarker renders the SQL document recorded for an incremental
// backup. It names the scope and replays as a harmless query.
func incrementalMarker(tables []string, since time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Incremental backup for tables: %s\n", strings.Join(tables, ", "))
	fmt.Fprintf(&b, "-- Since: %s\n", since.UTC().Format(time.RFC3339Nano))
	b.WriteString("--\n")
	b.WriteString("-- Row level changes are not captured. Use a full backup for recovery\n")
	b.WriteString("-- and these markers to document the applied window.\n\n")
	b.WriteString("SELECT 'Incremental backup created on: ' AS info, CURRENT_TIMESTAMP AS created_at;\n")
	return b.String()
}

// CreateFileBackup archives the configured directories. The record id is
// <id>_files so a cascaded archive never overwrites its full backup's
// metadata. File backups do not take the exclusion flag.
func (e *Executor) CreateFileBackup(ctx context.Context, id string, opts FileBackupOptions) (*BackupResult, error) {
	start := e.deps.Clock()
	if id == "" {
		id = GenerateBackupID(start)
	}
	recordID := id + "_files"
	if !validID(recordID) {
		return nil, NewValidationError(fmt.Sprintf("invalid backup id %q", id), nil)
	}

	done := e.deps.Audit.LogBackupStart(ctx, recordID, BackupTypeFiles, map[string]interface{}{
		"comment": opts.Comment,
	})

	result, err := e.createFiles(ctx, recordID, start, opts)

	var record *BackupRecord
	if result != nil {
		record = result.Record
	}
	done(err, record)
	e.deps.Metrics.RecordBackup(BackupTypeFiles, e.deps.Clock().Sub(start), err)
	e.deps.Logger.LogBackupOperation(string(BackupTypeFiles), recordID, sizeOf(record), e.deps.Clock().Sub(start), err)

	return result, err
}

func (e *Executor) createFiles(ctx context.Context, recordID string, start time.Time, opts FileBackupOptions) (*BackupResult, error) {
	if _, err := e.deps.Store.Get(ctx, recordID); err == nil {
		return nil, NewConflictError(fmt.Sprintf("backup %s already exists", recordID), nil)
	}

	directories := opts.Directories
	if len(directories) == 0 {
		directories = e.deps.Config.FileBackup.Directories
	}
	excludes := opts.ExcludePatterns
	if excludes == nil {
		excludes = e.deps.Config.FileBackup.ExcludePatterns
	}
	for _, pattern := range excludes {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, NewValidationError(fmt.Sprintf("invalid exclude pattern %q", pattern), err)
		}
	}

	if err := e.deps.Preflight.Check(ctx); err != nil {
		return nil, err
	}

	path := filepath.Join(e.deps.Config.FilesDir(), recordID+".tar.gz")
	stats, err := e.deps.Archiver.Create(ctx, path, directories, excludes)
	if err != nil {
		return nil, err
	}

	if err := e.deps.Verifier.Verify(path); err != nil {
		removeArtifact(path)
		return nil, err
	}

	checksum, err := e.deps.Verifier.Checksum(path)
	if err != nil {
		removeArtifact(path)
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		removeArtifact(path)
		return nil, NewStorageError(fmt.Sprintf("failed to stat %s", path), err)
	}

	record := &BackupRecord{
		ID:              recordID,
		Type:            BackupTypeFiles,
		Timestamp:       start.UTC(),
		Size:            info.Size(),
		DurationMs:      e.deps.Clock().Sub(start).Milliseconds(),
		Status:          BackupStatusCompleted,
		Path:            path,
		Checksum:        checksum,
		Compressed:      true,
		Compression:     CompressionTypeGzip,
		Comment:         opts.Comment,
		Directories:     directories,
		ExcludePatterns: excludes,
	}

	if err := e.deps.Store.Save(ctx, record); err != nil {
		removeArtifact(path)
		return nil, err
	}

	e.deps.Logger.WithFields(map[string]interface{}{
		"backup_id": recordID,
		"files":     stats.Files,
		"skipped":   len(stats.Skipped),
		"size":      record.Size,
	}).Info("File backup completed")

	return &BackupResult{
		BackupID: recordID,
		Path:     path,
		Size:     record.Size,
		Duration: e.deps.Clock().Sub(start),
		Record:   record,
	}, nil
}

// finishArtifact verifies the raw artifact, then applies compression and
// encryption, verifying the final file. Any failure removes what was
// written.
func (e *Executor) finishArtifact(rawPath string, compress, encrypt bool) (string, CompressionType, error) {
	if err := e.deps.Verifier.Verify(rawPath); err != nil {
		removeArtifact(rawPath)
		return "", CompressionTypeNone, err
	}

	path := rawPath
	compression := CompressionTypeNone

	if compress {
		cfg := e.deps.Config.Compression
		compressed, stats, err := e.deps.Compression.CompressFile(path, cfg.Algorithm, cfg.Level)
		if err != nil {
			removeArtifact(path)
			return "", CompressionTypeNone, err
		}
		path = compressed
		compression = cfg.Algorithm
		e.deps.Logger.WithFields(map[string]interface{}{
			"algorithm": string(stats.Algorithm),
			"ratio":     stats.CompressionRatio,
		}).Debug("Backup artifact compressed")
	}

	if encrypt {
		encrypted, _, err := e.deps.Encryption.EncryptFile(path)
		if err != nil {
			removeArtifact(path)
			return "", CompressionTypeNone, err
		}
		path = encrypted
	}

	if err := e.deps.Verifier.Verify(path); err != nil {
		removeArtifact(path)
		return "", CompressionTypeNone, err
	}

	return path, compression, nil
}

// databaseStats never fails the backup; missing metadata is logged
func (e *Executor) databaseStats(ctx context.Context) *DatabaseStats {
	if e.deps.Inspector == nil {
		e.deps.Logger.Warn("Database inspector unavailable, backup metadata will be incomplete")
		return &DatabaseStats{}
	}
	stats, err := e.deps.Inspector.Stats(ctx)
	if err != nil {
		e.deps.Logger.WithError(err).Warn("Failed to collect database metadata")
		return &DatabaseStats{}
	}
	return stats
}

// safeUpload replicates the artifact and re-publishes the record with its
// remote URL. Failures are logged and yield "".
func (e *Executor) safeUpload(ctx context.Context, record *BackupRecord) string {
	if e.deps.Uploader == nil {
		e.deps.Logger.Warn("Cloud upload requested but no uploader is configured")
		return ""
	}

	provider := e.deps.Uploader.Provider()
	done := e.deps.Audit.LogUpload(ctx, provider, record.ID)
	url, err := e.deps.Uploader.Upload(ctx, record.Path, record)
	done(err, url)
	e.deps.Metrics.RecordUpload(provider, err)

	if err != nil {
		e.deps.Logger.WithError(err).WithField("backup_id", record.ID).Warn("Cloud upload failed, backup kept locally")
		return ""
	}

	updated := *record
	updated.CloudURL = url
	if err := e.deps.Store.Save(ctx, &updated); err != nil {
		e.deps.Logger.WithError(err).WithField("backup_id", record.ID).Warn("Failed to record cloud url")
	} else {
		*record = updated
	}
	return url
}

func removeArtifact(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func sizeOf(record *BackupRecord) int64 {
	if record == nil {
		return 0
	}
	return record.Size
}
