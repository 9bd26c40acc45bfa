package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backup-engine/internal/logging"
)

// PreflightChecker validates the environment before a backup or restore
// starts any expensive or destructive work.
type PreflightChecker interface {
	Check(ctx context.Context, tools ...string) error
	Status(ctx context.Context, tools ...string) *PreflightStatus
}

// FreeSpaceFunc reports available bytes for a path; -1 means unknown
type FreeSpaceFunc func(path string) (int64, error)

// EnvironmentPreflight checks the backup root, external tools and free space
type EnvironmentPreflight struct {
	backupDir    string
	minFreeBytes int64
	runner       CommandRunner
	freeSpace    FreeSpaceFunc
	logger       *logging.Logger
}

// NewPreflightChecker creates a preflight checker for the configured backup root
func NewPreflightChecker(config *Config, runner CommandRunner, logger *logging.Logger) *EnvironmentPreflight {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &EnvironmentPreflight{
		backupDir:    config.BackupDir,
		minFreeBytes: config.MinFreeSpaceBytes(),
		runner:       runner,
		freeSpace:    availableBytes,
		logger:       logger,
	}
}

// WithFreeSpaceFunc replaces the free space probe
func (p *EnvironmentPreflight) WithFreeSpaceFunc(fn FreeSpaceFunc) *EnvironmentPreflight {
	p.freeSpace = fn
	return p
}

// Check fails with a PREFLIGHT_ERROR on the first problem found
func (p *EnvironmentPreflight) Check(ctx context.Context, tools ...string) error {
	if err := ctx.Err(); err != nil {
		return NewPreflightError("preflight cancelled", err)
	}

	if err := p.checkWritable(); err != nil {
		return err
	}

	for _, tool := range tools {
		if _, err := p.runner.LookPath(tool); err != nil {
			return NewPreflightError(fmt.Sprintf("required tool %q not found on PATH", tool), err).
				WithContext("tool", tool)
		}
	}

	if err := p.checkFreeSpace(); err != nil {
		return err
	}

	p.logger.WithFields(map[string]interface{}{
		"operation": "preflight",
		"tools":     strings.Join(tools, ","),
	}).Debug("Preflight checks passed")

	return nil
}

// Status reports every check without failing
func (p *EnvironmentPreflight) Status(ctx context.Context, tools ...string) *PreflightStatus {
	status := &PreflightStatus{
		Tools:             make(map[string]bool, len(tools)),
		MinFreeSpaceBytes: p.minFreeBytes,
		FreeBytes:         -1,
		OK:                true,
	}

	if err := p.checkWritable(); err != nil {
		status.Problems = append(status.Problems, err.Error())
	} else {
		status.Writable = true
	}

	for _, tool := range tools {
		_, err := p.runner.LookPath(tool)
		status.Tools[tool] = err == nil
		if err != nil {
			status.Problems = append(status.Problems, fmt.Sprintf("tool %s not found", tool))
		}
	}

	if free, err := p.freeSpace(p.statPath()); err == nil {
		status.FreeBytes = free
		if free >= 0 && free < p.minFreeBytes {
			status.Problems = append(status.Problems, fmt.Sprintf("insufficient disk space: %d bytes available, %d required", free, p.minFreeBytes))
		}
	} else {
		status.Problems = append(status.Problems, fmt.Sprintf("unable to determine free space: %v", err))
	}

	status.OK = len(status.Problems) == 0
	return status
}

func (p *EnvironmentPreflight) checkWritable() error {
	if err := os.MkdirAll(p.backupDir, 0755); err != nil {
		return NewPreflightError(fmt.Sprintf("cannot create backup directory %s", p.backupDir), err)
	}

	probe := filepath.Join(p.backupDir, fmt.Sprintf(".write-test-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return NewPreflightError(fmt.Sprintf("backup directory %s is not writable", p.backupDir), err)
	}
	if err := os.Remove(probe); err != nil {
		return NewPreflightError(fmt.Sprintf("cannot remove write probe in %s", p.backupDir), err)
	}

	return nil
}

func (p *EnvironmentPreflight) checkFreeSpace() error {
	free, err := p.freeSpace(p.statPath())
	if err != nil {
		return NewPreflightError("unable to determine free disk space", err)
	}
	if free < 0 {
		p.logger.Debug("Free space check skipped: unsupported platform")
		return nil
	}
	if free < p.minFreeBytes {
		return NewPreflightError(fmt.Sprintf("insufficient disk space: %d bytes available, %d required", free, p.minFreeBytes), nil).
			WithContext("free_bytes", free).
			WithContext("min_free_bytes", p.minFreeBytes)
	}
	return nil
}

func (p *EnvironmentPreflight) statPath() string {
	if _, err := os.Stat(p.backupDir); err == nil {
		return p.backupDir
	}
	return filepath.Dir(p.backupDir)
}
