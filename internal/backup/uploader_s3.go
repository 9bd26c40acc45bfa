package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Uploader streams artifacts to Amazon S3 or an S3 compatible endpoint
type S3Uploader struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Uploader creates an uploader from S3Config. Empty keys fall back to
// the default AWS credential chain.
func NewS3Uploader(config *S3Config) (*S3Uploader, error) {
	if config == nil || config.Bucket == "" {
		return nil, NewConfigurationError("S3 bucket is required", nil)
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewUploadError("failed to create AWS session", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "backups"
	}

	return &S3Uploader{
		uploader: s3manager.NewUploader(sess),
		bucket:   config.Bucket,
		prefix:   prefix,
	}, nil
}

func (u *S3Uploader) Provider() string { return string(CloudProviderS3) }

// Upload streams the artifact with multipart upload
func (u *S3Uploader) Upload(ctx context.Context, localPath string, record *BackupRecord) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError(fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer file.Close()

	key := remoteKey(u.prefix, record, localPath)
	metadata := make(map[string]*string)
	for k, v := range uploadMetadata(record) {
		metadata[k] = aws.String(v)
	}

	_, err = u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		Body:     file,
		Metadata: metadata,
	})
	if err != nil {
		return "", NewUploadError("failed to upload artifact to S3", err)
	}

	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
