package backup

import (
	"context"
	"os"
	"time"

	"backup-engine/internal/logging"
)

// RetentionManager removes backups older than the retention window
type RetentionManager struct {
	store         MetadataStore
	retentionDays int
	audit         *BackupLogger
	metrics       *Metrics
	logger        *logging.Logger
	now           func() time.Time
}

// NewRetentionManager creates a retention manager over store
func NewRetentionManager(store MetadataStore, retentionDays int, audit *BackupLogger, metrics *Metrics, logger *logging.Logger) *RetentionManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if audit == nil {
		audit, _ = NewBackupLogger(BackupLoggerConfig{Logger: logger})
	}
	return &RetentionManager{
		store:         store,
		retentionDays: retentionDays,
		audit:         audit,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock replaces the time source
func (rm *RetentionManager) WithClock(now func() time.Time) *RetentionManager {
	rm.now = now
	return rm
}

// Cutoff returns now minus the retention window
func (rm *RetentionManager) Cutoff() time.Time {
	return rm.now().AddDate(0, 0, -rm.retentionDays)
}

// Cleanup deletes the artifact and then the metadata of every record
// timestamped strictly before the cutoff. A missing artifact is tolerated.
// Per-record failures are logged and the record is kept for the next pass.
func (rm *RetentionManager) Cleanup(ctx context.Context) ([]string, error) {
	cutoff := rm.Cutoff()
	done := rm.audit.LogRetentionCleanup(ctx, rm.retentionDays, cutoff)

	records, err := rm.store.All(ctx)
	if err != nil {
		done(err, nil)
		return nil, err
	}

	deleted := make([]string, 0)
	for _, record := range records {
		if !record.Timestamp.Before(cutoff) {
			continue
		}

		if record.Path != "" {
			if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
				rm.logger.WithError(err).WithField("backup_id", record.ID).Warn("Failed to delete expired backup artifact")
				continue
			}
		}
		if err := rm.store.Delete(ctx, record.ID); err != nil && !IsNotFound(err) {
			rm.logger.WithError(err).WithField("backup_id", record.ID).Warn("Failed to delete expired backup metadata")
			continue
		}
		deleted = append(deleted, record.ID)
	}

	if len(deleted) > 0 {
		rm.logger.WithFields(map[string]interface{}{
			"deleted":        len(deleted),
			"retention_days": rm.retentionDays,
		}).Info("Cleaned up old backups")
	}

	rm.metrics.RecordRetention(len(deleted))
	done(nil, deleted)
	return deleted, nil
}
