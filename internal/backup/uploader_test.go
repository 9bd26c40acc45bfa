package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func uploadRecord() *BackupRecord {
	return &BackupRecord{
		ID:        "backup_2024-03-10T12-00-00-000Z_abc123",
		Type:      BackupTypeFull,
		Timestamp: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Checksum:  "deadbeef",
	}
}

func TestRcloneUploader_Upload(t *testing.T) {
	runner := newMockRunner()
	runner.On("Run", mock.Anything, Command{
		Name: "rclone",
		Args: []string{"copy", "/backups/database/x.sql.gz", "gdrive:shop/backups/full/"},
	}).Return(&CommandResult{}, nil).Once()

	uploader := NewRcloneUploader("gdrive", "shop/backups", runner)
	url, err := uploader.Upload(context.Background(), "/backups/database/x.sql.gz", uploadRecord())
	require.NoError(t, err)

	assert.Equal(t, "gdrive:shop/backups/full/x.sql.gz", url)
	assert.Equal(t, "rclone", uploader.Provider())
	runner.AssertExpectations(t)
}

func TestRcloneUploader_NotInstalled(t *testing.T) {
	runner := newMockRunner("rclone")

	_, err := NewRcloneUploader("gdrive", "backups", runner).Upload(context.Background(), "/x.sql", uploadRecord())
	require.Error(t, err)
	assert.True(t, IsPreflight(err))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestBreakerUploader_OpensAfterThreshold(t *testing.T) {
	inner := &fakeUploader{err: errors.New("remote unavailable")}
	uploader := NewBreakerUploader(inner, BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := uploader.Upload(context.Background(), "/x.sql", uploadRecord())
		require.Error(t, err)
		assert.Equal(t, BackupErrorTypeUpload, ErrorType(err))
	}
	assert.Equal(t, "open", uploader.State())

	_, err := uploader.Upload(context.Background(), "/x.sql", uploadRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspended")
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerUploader_Success(t *testing.T) {
	inner := &fakeUploader{url: "s3://bucket/backups/full/x.sql"}
	uploader := NewBreakerUploader(inner, BreakerConfig{}, nil)

	url, err := uploader.Upload(context.Background(), "/x.sql", uploadRecord())
	require.NoError(t, err)
	assert.Equal(t, inner.url, url)
	assert.Equal(t, "closed", uploader.State())
	assert.Equal(t, "fake", uploader.Provider())
}

func TestNewUploader(t *testing.T) {
	tests := []struct {
		name     string
		config   CloudConfig
		provider string
		wantErr  bool
	}{
		{
			name:     "rclone default",
			config:   CloudConfig{RemoteName: "gdrive", RemoteFolder: "backups"},
			provider: "rclone",
		},
		{
			name:     "s3",
			config:   CloudConfig{Provider: CloudProviderS3, S3: &S3Config{Bucket: "shop-backups", Region: "eu-west-1", AccessKey: "AK", SecretKey: "SK"}},
			provider: "s3",
		},
		{
			name:     "azure",
			config:   CloudConfig{Provider: CloudProviderAzure, Azure: &AzureConfig{AccountName: "shop", AccountKey: "c2VjcmV0a2V5", ContainerName: "backups"}},
			provider: "azure",
		},
		{
			name:    "s3 without bucket",
			config:  CloudConfig{Provider: CloudProviderS3},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			config:  CloudConfig{Provider: "ftp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader, err := NewUploader(context.Background(), &tt.config, newMockRunner(), nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, uploader.Provider())
		})
	}
}

func TestRemoteKey(t *testing.T) {
	record := uploadRecord()
	assert.Equal(t, "backups/full/x.sql.gz.enc", remoteKey("backups", record, "/var/backups/database/x.sql.gz.enc"))

	record.Type = BackupTypeFiles
	assert.Equal(t, "files/x_files.tar.gz", remoteKey("", record, "x_files.tar.gz"))

	meta := uploadMetadata(uploadRecord())
	assert.Equal(t, "deadbeef", meta["backup-checksum"])
	assert.Equal(t, "2024-03-10T12:00:00Z", meta["backup-time"])
}
