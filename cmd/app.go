package cmd

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"backup-engine/internal/backup"
	"backup-engine/internal/confirmation"
	"backup-engine/internal/logging"
	"backup-engine/internal/scheduler"
)

// app bundles the engine and its configuration for one command run
type app struct {
	config *backup.Config
	engine *backup.Engine
	logger *logging.Logger
}

// newApp loads the backup configuration and builds the engine
func newApp(ctx context.Context) (*app, error) {
	config, err := backup.NewConfigLoader(configPath()).LoadConfig()
	if err != nil {
		return nil, err
	}

	engine, err := backup.NewEngine(ctx, config, appLogger)
	if err != nil {
		return nil, err
	}

	return &app{config: config, engine: engine, logger: appLogger}, nil
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close backup engine")
	}
}

// newScheduler builds the schedule service on top of the engine. The
// schedule table is persisted so CLI edits are seen by the daemon.
func (a *app) newScheduler() (*scheduler.Service, *scheduler.Config, error) {
	config, err := scheduler.LoadConfig(configPath())
	if err != nil {
		return nil, nil, err
	}

	timer, err := scheduler.SelectTimer(config, a.logger)
	if err != nil {
		return nil, nil, err
	}

	stateFile := config.StateFile
	if stateFile == "" {
		stateFile = filepath.Join(a.config.BackupDir, "schedules.yaml")
	}

	service := scheduler.NewService(config, a.engine, timer, a.logger).
		WithStore(scheduler.NewFileStore(stateFile))
	a.engine.SetNextRunProvider(service)
	return service, config, nil
}

// commandContext tags the command context with a request id for the
// audit trail.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logging.CreateContextWithRequestID(ctx, uuid.NewString())
}

// withApp runs fn with a freshly built app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// confirmAction asks before a destructive operation unless --yes is set
func confirmAction(summary confirmation.Summary) (bool, error) {
	ok, err := confirmation.NewConfirmationService(printer.Colors()).Confirm(summary, assumeYes)
	if errors.Is(err, confirmation.ErrNotInteractive) {
		return false, backup.NewValidationError("confirmation required, rerun with --yes", nil)
	}
	return ok, err
}
