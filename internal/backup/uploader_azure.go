package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureUploader uploads artifacts as block blobs
type AzureUploader struct {
	containerURL  azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureUploader creates an uploader from AzureConfig
func NewAzureUploader(config *AzureConfig) (*AzureUploader, error) {
	if config == nil || config.AccountName == "" || config.AccountKey == "" || config.ContainerName == "" {
		return nil, NewConfigurationError("Azure account name, account key and container name are required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewUploadError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewUploadError("failed to parse Azure service URL", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "backups"
	}

	return &AzureUploader{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

func (u *AzureUploader) Provider() string { return string(CloudProviderAzure) }

// Upload sends the artifact in 4 MiB blocks
func (u *AzureUploader) Upload(ctx context.Context, localPath string, record *BackupRecord) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError(fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer file.Close()

	name := remoteKey(u.prefix, record, localPath)
	blobURL := u.containerURL.NewBlockBlobURL(name)

	_, err = azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		Metadata:    azblob.Metadata(uploadMetadata(record)),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", NewUploadError("failed to upload artifact to Azure", err)
	}

	return fmt.Sprintf("azure://%s/%s", u.containerName, name), nil
}
