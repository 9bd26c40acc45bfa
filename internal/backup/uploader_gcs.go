package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSUploader streams artifacts to Google Cloud Storage
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSUploader creates an uploader from GCSConfig
func NewGCSUploader(ctx context.Context, config *GCSConfig) (*GCSUploader, error) {
	if config == nil || config.Bucket == "" {
		return nil, NewConfigurationError("GCS bucket is required", nil)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewUploadError("failed to create GCS client", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "backups"
	}

	return &GCSUploader{client: client, bucket: config.Bucket, prefix: prefix}, nil
}

func (u *GCSUploader) Provider() string { return string(CloudProviderGCS) }

// Upload copies the artifact through an object writer
func (u *GCSUploader) Upload(ctx context.Context, localPath string, record *BackupRecord) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError(fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer file.Close()

	name := remoteKey(u.prefix, record, localPath)
	writer := u.client.Bucket(u.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = uploadMetadata(record)

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", NewUploadError("failed to upload artifact to GCS", err)
	}
	if err := writer.Close(); err != nil {
		return "", NewUploadError("failed to finalize GCS upload", err)
	}

	return fmt.Sprintf("gs://%s/%s", u.bucket, name), nil
}
