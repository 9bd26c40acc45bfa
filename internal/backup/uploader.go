package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker/v2"

	"backup-engine/internal/logging"
)

// Uploader replicates a finished artifact off-site and returns its remote URL
type Uploader interface {
	Upload(ctx context.Context, localPath string, record *BackupRecord) (string, error)
	Provider() string
}

// NewUploader builds the configured uploader wrapped in a circuit breaker
func NewUploader(ctx context.Context, config *CloudConfig, runner CommandRunner, logger *logging.Logger) (*BreakerUploader, error) {
	var (
		inner Uploader
		err   error
	)

	switch config.Provider {
	case CloudProviderRclone, "":
		inner = NewRcloneUploader(config.RemoteName, config.RemoteFolder, runner)
	case CloudProviderS3:
		inner, err = NewS3Uploader(config.S3)
	case CloudProviderGCS:
		inner, err = NewGCSUploader(ctx, config.GCS)
	case CloudProviderAzure:
		inner, err = NewAzureUploader(config.Azure)
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported cloud provider: %s", config.Provider), nil)
	}
	if err != nil {
		return nil, err
	}

	return NewBreakerUploader(inner, config.Breaker, logger), nil
}

// remoteKey lays objects out as <prefix>/<type>/<basename>
func remoteKey(prefix string, record *BackupRecord, localPath string) string {
	return path.Join(prefix, string(record.Type), filepath.Base(localPath))
}

func uploadMetadata(record *BackupRecord) map[string]string {
	return map[string]string{
		"backup-id":       record.ID,
		"backup-type":     string(record.Type),
		"backup-checksum": record.Checksum,
		"backup-time":     record.Timestamp.UTC().Format(time.RFC3339),
	}
}

// RcloneUploader copies artifacts with `rclone copy`
type RcloneUploader struct {
	remote string
	folder string
	runner CommandRunner
}

// NewRcloneUploader creates an uploader for <remote>:<folder>
func NewRcloneUploader(remote, folder string, runner CommandRunner) *RcloneUploader {
	return &RcloneUploader{remote: remote, folder: folder, runner: runner}
}

func (u *RcloneUploader) Provider() string { return string(CloudProviderRclone) }

// Upload runs rclone copy <path> <remote>:<folder>/<type>/
func (u *RcloneUploader) Upload(ctx context.Context, localPath string, record *BackupRecord) (string, error) {
	if _, err := u.runner.LookPath("rclone"); err != nil {
		return "", NewPreflightError("rclone is not installed", err)
	}

	dir := path.Join(u.folder, string(record.Type))
	destination := fmt.Sprintf("%s:%s/", u.remote, dir)

	if _, err := u.runner.Run(ctx, Command{
		Name: "rclone",
		Args: []string{"copy", localPath, destination},
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s:%s", u.remote, path.Join(dir, filepath.Base(localPath))), nil
}

// BreakerUploader stops calling a failing provider until its timeout elapses
type BreakerUploader struct {
	inner   Uploader
	breaker *gobreaker.CircuitBreaker[string]
	logger  *logging.Logger
}

// NewBreakerUploader wraps inner in a circuit breaker that opens after
// FailureThreshold consecutive failures.
func NewBreakerUploader(inner Uploader, config BreakerConfig, logger *logging.Logger) *BreakerUploader {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}

	bu := &BreakerUploader{inner: inner, logger: logger}
	bu.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "upload-" + inner.Provider(),
		MaxRequests: 1,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Upload circuit breaker changed state")
		},
	})
	return bu
}

func (bu *BreakerUploader) Provider() string { return bu.inner.Provider() }

// State reports the breaker state (closed, half-open, open)
func (bu *BreakerUploader) State() string {
	return bu.breaker.State().String()
}

// Upload delegates to the wrapped uploader unless the breaker is open
func (bu *BreakerUploader) Upload(ctx context.Context, localPath string, record *BackupRecord) (string, error) {
	url, err := bu.breaker.Execute(func() (string, error) {
		return bu.inner.Upload(ctx, localPath, record)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", NewUploadError(fmt.Sprintf("%s uploads suspended after repeated failures", bu.inner.Provider()), err)
		}
		return "", NewUploadError(fmt.Sprintf("%s upload failed", bu.inner.Provider()), err)
	}
	return url, nil
}
