package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"backup-engine/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupLogger provides structured logging for backup operations with correlation IDs and audit trails
type BackupLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	auditFile     io.Closer
	correlationID string
}

// BackupLoggerConfig holds configuration for backup logging
type BackupLoggerConfig struct {
	Logger         *logging.Logger
	AuditLogFile   string
	CorrelationID  string
	EnableAuditLog bool
}

// LogEntry represents a structured log entry for backup operations
type LogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	BackupID      string                 `json:"backup_id,omitempty"`
	BackupType    string                 `json:"backup_type,omitempty"`
	Status        string                 `json:"status"`
	Duration      string                 `json:"duration,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogEntry represents an audit trail entry
type AuditLogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	RequestID     string                 `json:"request_id,omitempty"`
	Operation     string                 `json:"operation"`
	Resource      string                 `json:"resource"`
	Action        string                 `json:"action"`
	Result        string                 `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewBackupLogger creates a new backup logger with correlation ID support
func NewBackupLogger(config BackupLoggerConfig) (*BackupLogger, error) {
	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	bl := &BackupLogger{
		logger:        logger,
		correlationID: correlationID,
	}

	if config.EnableAuditLog && config.AuditLogFile != "" {
		auditLogger := logrus.New()

		auditDir := filepath.Dir(config.AuditLogFile)
		if err := os.MkdirAll(auditDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		auditFile, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}

		auditLogger.SetOutput(auditFile)
		auditLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
		auditLogger.SetLevel(logrus.InfoLevel)

		bl.auditLogger = auditLogger
		bl.auditFile = auditFile
	}

	return bl, nil
}

// GetCorrelationID returns the current correlation ID
func (bl *BackupLogger) GetCorrelationID() string {
	return bl.correlationID
}

// WithCorrelationID creates a new logger with a different correlation ID
func (bl *BackupLogger) WithCorrelationID(correlationID string) *BackupLogger {
	return &BackupLogger{
		logger:        bl.logger,
		auditLogger:   bl.auditLogger,
		correlationID: correlationID,
	}
}

// Close releases the audit log file
func (bl *BackupLogger) Close() error {
	if bl.auditFile != nil {
		return bl.auditFile.Close()
	}
	return nil
}

// LogBackupStart logs the start of a backup operation
func (bl *BackupLogger) LogBackupStart(ctx context.Context, backupID string, backupType BackupType, details map[string]interface{}) func(error, *BackupRecord) {
	startTime := time.Now()

	metadata := map[string]interface{}{}
	for k, v := range details {
		metadata[k] = v
	}

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "backup_create",
		BackupID:      backupID,
		BackupType:    string(backupType),
		Status:        "started",
		Success:       true,
		Metadata:      metadata,
	}

	bl.logStructured(entry)
	bl.logAudit(ctx, "backup", "create", "started", map[string]interface{}{
		"backup_id":   backupID,
		"backup_type": string(backupType),
	})

	return func(err error, record *BackupRecord) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)

		if record != nil {
			entry.Metadata["size"] = record.Size
			entry.Metadata["checksum"] = record.Checksum
			entry.Metadata["path"] = record.Path
		}

		bl.logStructured(entry)
		bl.logAudit(ctx, "backup", "create", result(err), map[string]interface{}{
			"backup_id":   backupID,
			"backup_type": string(backupType),
			"duration":    duration.String(),
			"error":       entry.Error,
		})
	}
}

// LogRestoreStart logs the start of a single-backup restore
func (bl *BackupLogger) LogRestoreStart(ctx context.Context, backupID string, options RestoreOptions) func(error) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "backup_restore",
		BackupID:      backupID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"drop_existing": options.DropExisting,
			"verify":        options.VerifyBeforeRestore,
			"dry_run":       options.DryRun,
		},
	}

	bl.logStructured(entry)
	bl.logAudit(ctx, "backup", "restore", "started", map[string]interface{}{
		"backup_id": backupID,
		"dry_run":   options.DryRun,
	})

	return func(err error) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		bl.logStructured(entry)
		bl.logAudit(ctx, "backup", "restore", result(err), map[string]interface{}{
			"backup_id": backupID,
			"dry_run":   options.DryRun,
			"duration":  duration.String(),
			"error":     entry.Error,
		})
	}
}

// LogRecoveryStart logs the start of a point-in-time recovery
func (bl *BackupLogger) LogRecoveryStart(ctx context.Context, target time.Time, options PITROptions) func(error, *RecoveryPlan) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "point_in_time_recovery",
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"target_time": target.Format(time.RFC3339),
			"dry_run":     options.DryRun,
		},
	}

	bl.logStructured(entry)
	bl.logAudit(ctx, "recovery", "execute", "started", map[string]interface{}{
		"target_time": target.Format(time.RFC3339),
		"dry_run":     options.DryRun,
	})

	return func(err error, plan *RecoveryPlan) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)

		details := map[string]interface{}{
			"target_time": target.Format(time.RFC3339),
			"dry_run":     options.DryRun,
			"duration":    duration.String(),
			"error":       entry.Error,
		}
		if plan != nil && plan.Full != nil {
			entry.BackupID = plan.Full.ID
			entry.Metadata["incrementals"] = len(plan.Incrementals)
			details["full_backup"] = plan.Full.ID
			details["incrementals"] = len(plan.Incrementals)
		}

		bl.logStructured(entry)
		bl.logAudit(ctx, "recovery", "execute", result(err), details)
	}
}

// LogBackupDeletion logs backup deletion operations
func (bl *BackupLogger) LogBackupDeletion(ctx context.Context, backupID string, reason string) func(error) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "backup_delete",
		BackupID:      backupID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"reason": reason,
		},
	}

	bl.logStructured(entry)

	return func(err error) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		bl.logStructured(entry)
		bl.logAudit(ctx, "backup", "delete", result(err), map[string]interface{}{
			"backup_id": backupID,
			"reason":    reason,
			"duration":  duration.String(),
		})
	}
}

// LogRetentionCleanup logs retention policy cleanup operations
func (bl *BackupLogger) LogRetentionCleanup(ctx context.Context, retentionDays int, cutoff time.Time) func(error, []string) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "retention_cleanup",
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"retention_days": retentionDays,
			"cutoff":         cutoff.Format(time.RFC3339),
		},
	}

	bl.logStructured(entry)

	return func(err error, deleted []string) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		entry.Metadata["deleted_count"] = len(deleted)

		bl.logStructured(entry)
		bl.logAudit(ctx, "retention", "cleanup", result(err), map[string]interface{}{
			"retention_days": retentionDays,
			"deleted":        deleted,
			"duration":       duration.String(),
		})
	}
}

// LogUpload logs an off-site upload attempt
func (bl *BackupLogger) LogUpload(ctx context.Context, provider, backupID string) func(error, string) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "cloud_upload",
		BackupID:      backupID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"provider": provider,
		},
	}

	bl.logStructured(entry)

	return func(err error, remoteURL string) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		if remoteURL != "" {
			entry.Metadata["remote_url"] = remoteURL
		}

		bl.logStructured(entry)
		bl.logAudit(ctx, "storage", "upload", result(err), map[string]interface{}{
			"backup_id":  backupID,
			"provider":   provider,
			"remote_url": remoteURL,
			"duration":   duration.String(),
		})
	}
}

func (bl *BackupLogger) finish(entry *LogEntry, duration time.Duration, err error) {
	entry.Timestamp = time.Now()
	entry.Status = "completed"
	entry.Duration = duration.String()
	entry.Success = err == nil
	if err != nil {
		entry.Error = err.Error()
		entry.Status = "failed"
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// logStructured logs a structured log entry
func (bl *BackupLogger) logStructured(entry LogEntry) {
	fields := logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"status":         entry.Status,
		"success":        entry.Success,
	}

	if entry.BackupID != "" {
		fields["backup_id"] = entry.BackupID
	}
	if entry.BackupType != "" {
		fields["backup_type"] = entry.BackupType
	}
	if entry.Duration != "" {
		fields["duration"] = entry.Duration
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}

	for k, v := range entry.Metadata {
		fields[k] = v
	}

	logEntry := bl.logger.WithFields(fields)

	if entry.Success {
		if entry.Status == "started" {
			logEntry.Debug("Backup operation started")
		} else {
			logEntry.Info("Backup operation completed successfully")
		}
	} else {
		logEntry.Error("Backup operation failed")
	}
}

// logAudit logs an audit trail entry
func (bl *BackupLogger) logAudit(ctx context.Context, resource, action, result string, details map[string]interface{}) {
	if bl.auditLogger == nil {
		return
	}

	entry := AuditLogEntry{
		Timestamp:     time.Now(),
		CorrelationID: bl.correlationID,
		RequestID:     logging.GetRequestIDFromContext(ctx),
		Operation:     fmt.Sprintf("%s_%s", resource, action),
		Resource:      resource,
		Action:        action,
		Result:        result,
		Details:       details,
	}

	bl.auditLogger.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"request_id":     entry.RequestID,
		"operation":      entry.Operation,
		"resource":       entry.Resource,
		"action":         entry.Action,
		"result":         entry.Result,
		"details":        entry.Details,
	}).Info("Audit log entry")
}
