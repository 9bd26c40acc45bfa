package backup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"backup-engine/internal/logging"
)

// healthyWindow is how recent the newest completed backup must be for
// Analytics to report "healthy".
const healthyWindow = 48 * time.Hour

// Engine implements BackupManager on top of the executor, the restore
// engine and the retention manager.
type Engine struct {
	deps      Dependencies
	executor  *Executor
	restorer  *RestoreEngine
	retention *RetentionManager

	mu      sync.RWMutex
	nextRun NextRunProvider
}

var _ BackupManager = (*Engine)(nil)

// NewEngine builds an engine from configuration. The database inspector
// and the uploader are optional: failures to create them are logged and
// the matching features degrade.
func NewEngine(ctx context.Context, config *Config, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if config == nil {
		config = DefaultConfig()
	}

	deps := Dependencies{
		Config:  config,
		Logger:  logger,
		Metrics: NewMetrics(),
	}

	audit, err := NewBackupLogger(BackupLoggerConfig{
		Logger:         logger,
		AuditLogFile:   config.Audit.LogFile,
		EnableAuditLog: config.Audit.Enabled,
	})
	if err != nil {
		return nil, err
	}
	deps.Audit = audit

	if config.DatabaseURL != "" {
		target, err := ParseDatabaseURL(config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		deps.Target = target

		inspector, err := OpenInspector(target, logger)
		if err != nil {
			logger.WithError(err).Warn("Database inspector unavailable")
		} else {
			deps.Inspector = inspector
		}
	}

	deps.setDefaults()

	uploader, err := NewUploader(ctx, &config.Cloud, deps.Runner, logger)
	if err != nil {
		logger.WithError(err).WithField("provider", string(config.Cloud.Provider)).Warn("Cloud uploader unavailable, uploads disabled")
	} else {
		deps.Uploader = uploader
	}

	return NewEngineWithDependencies(deps), nil
}

// NewEngineWithDependencies builds an engine from explicit collaborators
func NewEngineWithDependencies(deps Dependencies) *Engine {
	deps.setDefaults()
	retention := NewRetentionManager(deps.Store, deps.Config.RetentionDays, deps.Audit, deps.Metrics, deps.Logger).WithClock(deps.Clock)

	return &Engine{
		deps:      deps,
		executor:  NewExecutor(deps, retention),
		restorer:  NewRestoreEngine(deps),
		retention: retention,
	}
}

// Close releases the inspector connection pool and the audit log
func (e *Engine) Close() error {
	var firstErr error
	if e.deps.Inspector != nil {
		if err := e.deps.Inspector.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.deps.Audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Config returns the engine configuration
func (e *Engine) Config() *Config {
	return e.deps.Config
}

// Metrics returns the engine's prometheus collectors
func (e *Engine) Metrics() *Metrics {
	return e.deps.Metrics
}

// SetNextRunProvider attaches the scheduler used by GetBackupStatus
func (e *Engine) SetNextRunProvider(provider NextRunProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRun = provider
}

func (e *Engine) CreateFullBackup(ctx context.Context, opts FullBackupOptions) (*BackupResult, error) {
	return e.executor.CreateFullBackup(ctx, opts)
}

func (e *Engine) CreateIncrementalBackup(ctx context.Context, opts IncrementalBackupOptions) (*BackupResult, error) {
	return e.executor.CreateIncrementalBackup(ctx, opts)
}

func (e *Engine) CreateFileBackup(ctx context.Context, id string, opts FileBackupOptions) (*BackupResult, error) {
	return e.executor.CreateFileBackup(ctx, id, opts)
}

func (e *Engine) RestoreFromBackup(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	return e.restorer.RestoreFromBackup(ctx, id, opts)
}

func (e *Engine) PointInTimeRecovery(ctx context.Context, target time.Time, opts PITROptions) (*RecoveryResult, error) {
	return e.restorer.PointInTimeRecovery(ctx, target, opts)
}

func (e *Engine) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	return e.deps.Store.Get(ctx, id)
}

func (e *Engine) ListBackups(ctx context.Context, filter ListFilter) ([]*BackupRecord, error) {
	if filter.Type != "" && !filter.Type.IsValid() {
		return nil, NewValidationError(fmt.Sprintf("unknown backup type %q", filter.Type), nil)
	}
	return e.deps.Store.List(ctx, filter)
}

// DeleteBackup removes the artifact and then the metadata of one backup
func (e *Engine) DeleteBackup(ctx context.Context, id string) error {
	done := e.deps.Audit.LogBackupDeletion(ctx, id, "manual")

	record, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		done(err)
		return err
	}

	if record.Path != "" {
		if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
			err = NewStorageError(fmt.Sprintf("failed to delete %s", record.Path), err)
			done(err)
			return err
		}
	}

	err = e.deps.Store.Delete(ctx, id)
	done(err)
	return err
}

// ExportPath returns the artifact path of a backup after checking it exists
func (e *Engine) ExportPath(ctx context.Context, id string) (string, error) {
	record, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(record.Path); err != nil {
		return "", NewNotFoundError(fmt.Sprintf("backup artifact %s not found", record.Path), err)
	}
	return record.Path, nil
}

// GetBackupStatus aggregates the metadata store with the live exclusion
// flag and the scheduler's next run.
func (e *Engine) GetBackupStatus(ctx context.Context) (*StatusReport, error) {
	records, err := e.deps.Store.All(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		TotalBackups:       len(records),
		IsBackupInProgress: e.executor.InProgress(),
	}
	for _, record := range records {
		report.TotalSize += record.Size
		if record.Status == BackupStatusFailed {
			report.FailedBackups++
		}
		if report.LatestBackup == nil || record.Timestamp.After(*report.LatestBackup) {
			ts := record.Timestamp
			report.LatestBackup = &ts
		}
	}

	e.mu.RLock()
	provider := e.nextRun
	e.mu.RUnlock()
	if provider != nil {
		report.NextScheduledBackup = provider.NextScheduledRun()
	}

	return report, nil
}

// Analytics summarizes sizes, types and health of the backup history
func (e *Engine) Analytics(ctx context.Context) (*Analytics, error) {
	records, err := e.deps.Store.All(ctx)
	if err != nil {
		return nil, err
	}
	return summarize(records, e.deps.Clock()), nil
}

func summarize(records []*BackupRecord, now time.Time) *Analytics {
	analytics := &Analytics{
		TotalBackups: len(records),
		ByType:       make(map[BackupType]int),
		ByStatus:     make(map[BackupStatus]int),
		Health:       HealthNoBackups,
	}
	if len(records) == 0 {
		return analytics
	}

	var newestCompleted *time.Time
	completed := 0
	for _, record := range records {
		analytics.ByType[record.Type]++
		analytics.ByStatus[record.Status]++
		analytics.TotalSize += record.Size
		if record.Size > analytics.LargestSize {
			analytics.LargestSize = record.Size
		}

		ts := record.Timestamp
		if analytics.Oldest == nil || ts.Before(*analytics.Oldest) {
			analytics.Oldest = &ts
		}
		if analytics.Newest == nil || ts.After(*analytics.Newest) {
			analytics.Newest = &ts
		}

		if record.Status == BackupStatusCompleted {
			completed++
			if newestCompleted == nil || ts.After(*newestCompleted) {
				newestCompleted = &ts
			}
		}
	}

	analytics.AverageSize = analytics.TotalSize / int64(len(records))
	analytics.SuccessRate = float64(completed) / float64(len(records)) * 100

	if newestCompleted != nil && now.Sub(*newestCompleted) < healthyWindow {
		analytics.Health = HealthHealthy
	} else {
		analytics.Health = HealthWarning
	}

	return analytics
}

// CleanupOldBackups applies the retention policy and returns the number of
// deleted backups.
func (e *Engine) CleanupOldBackups(ctx context.Context) (int, error) {
	deleted, err := e.retention.Cleanup(ctx)
	if err != nil {
		return 0, err
	}
	return len(deleted), nil
}

// Preflight reports the environment without failing
func (e *Engine) Preflight(ctx context.Context) *PreflightStatus {
	tools := []string{"tar"}
	if _, dialect, err := e.deps.database(); err == nil {
		tools = append(tools, dialect.DumpTool(), dialect.RestoreTool())
		if apply := dialect.ApplyTool(); apply != dialect.RestoreTool() {
			tools = append(tools, apply)
		}
	}
	if e.deps.Uploader != nil && e.deps.Uploader.Provider() == string(CloudProviderRclone) {
		tools = append(tools, "rclone")
	}

	status := e.deps.Preflight.Status(ctx, tools...)
	if _, _, err := e.deps.database(); err != nil {
		status.Problems = append(status.Problems, err.Error())
		status.OK = false
	}
	return status
}
