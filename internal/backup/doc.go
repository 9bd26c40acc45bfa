// Package backup implements the backup, integrity and recovery engine of the
// shop backend.
//
// Backups come in three kinds. A full backup is a database dump produced by
// pg_dump or mysqldump. An incremental backup is a marker artifact scoped to a
// table list and a time window. A file backup is a gzip-compressed tar archive
// of configured directories.
//
// Every artifact is verified (present, non-empty, under the size ceiling) and
// checksummed with SHA-256 before its metadata record is written. Metadata
// lives as one JSON document per backup under <backup_dir>/metadata and is
// the single source of truth for listing, retention and recovery.
//
// Core Components:
//
// - Executor: creates full, incremental and file backups, one database backup at a time
// - RestoreEngine: restores a single backup or replays a point-in-time chain
// - RetentionManager: deletes artifacts and records older than the retention window
// - FileMetadataStore: atomic JSON persistence of BackupRecord
// - EnvironmentPreflight: writable root, external tools and free disk space
// - BreakerUploader: best-effort off-site replication behind a circuit breaker
// - Engine: the BackupManager facade used by the CLI and the scheduler
//
// Example usage:
//
//	cfg, err := backup.NewConfigLoader("config.yaml").LoadConfig()
//	if err != nil {
//		return err
//	}
//
//	engine, err := backup.NewEngine(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	result, err := engine.CreateFullBackup(ctx, backup.FullBackupOptions{
//		Compress: true,
//		Comment:  "before release",
//	})
//
//	// Restore the state as of yesterday noon
//	_, err = engine.PointInTimeRecovery(ctx, noon, backup.PITROptions{Verify: true})
package backup
