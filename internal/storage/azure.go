package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"backup-orchestrator/internal/backup"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureMirror uploads snapshots to Azure Blob Storage
type AzureMirror struct {
	container     azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureMirror creates an Azure mirror authenticated with a shared key
func NewAzureMirror(config *AzureConfig, prefix string) (*AzureMirror, error) {
	if config == nil {
		return nil, backup.NewConfigError("Azure mirror configuration is required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, backup.NewConfigError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName)
	}
	serviceURL, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, backup.NewConfigError("failed to parse Azure service URL", err).WithContext("endpoint", endpoint)
	}

	service := azblob.NewServiceURL(*serviceURL, pipeline)
	return &AzureMirror{
		container:     service.NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

// Name identifies the mirror in logs
func (m *AzureMirror) Name() string {
	return "azure://" + m.containerName
}

// Upload copies the snapshot to <prefix>/<tenant>/<file> and returns its URI
func (m *AzureMirror) Upload(ctx context.Context, tenantID, localPath string) (string, error) {
	file, _, err := openSnapshot(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	name := objectKey(m.prefix, tenantID, localPath)
	blob := m.container.NewBlockBlobURL(name)
	_, err = azblob.UploadFileToBlockBlob(ctx, file, blob, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		Metadata:    azblob.Metadata(objectMetadata(tenantID, localPath)),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", backup.NewExecutionError("failed to upload snapshot to Azure", err).WithContext("blob", name)
	}
	return fmt.Sprintf("azure://%s/%s", m.containerName, name), nil
}

// HealthCheck verifies the container exists and the key is accepted
func (m *AzureMirror) HealthCheck(ctx context.Context) error {
	_, err := m.container.GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		return backup.NewExecutionError("Azure container is not reachable", err).WithContext("container", m.containerName)
	}
	return nil
}

var _ backup.Mirror = (*AzureMirror)(nil)
