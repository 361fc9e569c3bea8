package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	apperrors "famsync/internal/errors"
)

// AzureStorageProvider implements StorageProvider for Azure Blob Storage
type AzureStorageProvider struct {
	serviceURL    azblob.ServiceURL
	containerName string
	prefix        string
}

// NewAzureStorageProvider creates a new AzureStorageProvider instance
func NewAzureStorageProvider(config *AzureConfig, prefix string) (*AzureStorageProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("Azure storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, apperrors.NewValidationError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, apperrors.NewValidationError("failed to parse Azure service URL", err)
	}

	return &AzureStorageProvider{
		serviceURL:    azblob.NewServiceURL(*serviceURL, pipeline),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

// Name returns the provider type
func (asp *AzureStorageProvider) Name() string { return string(StorageProviderAzure) }

func (asp *AzureStorageProvider) container() azblob.ContainerURL {
	return asp.serviceURL.NewContainerURL(asp.containerName)
}

// Put uploads a block blob
func (asp *AzureStorageProvider) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	blobURL := asp.container().NewBlockBlobURL(joinPrefix(asp.prefix, key))
	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return remoteError("failed to upload blob to Azure", key, err)
	}
	return nil
}

// Get downloads a blob
func (asp *AzureStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	blobURL := asp.container().NewBlockBlobURL(joinPrefix(asp.prefix, key))
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, apperrors.NewNotFoundError("object", key)
		}
		return nil, remoteError("failed to download blob from Azure", key, err)
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, remoteError("failed to read Azure blob", key, err)
	}
	return buf.Bytes(), nil
}

// Delete removes a blob and its snapshots
func (asp *AzureStorageProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	blobURL := asp.container().NewBlockBlobURL(joinPrefix(asp.prefix, key))
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return remoteError("failed to delete blob from Azure", key, err)
	}
	return nil
}

// List returns keys under prefix relative to the provider prefix
func (asp *AzureStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	base := joinPrefix(asp.prefix, "")
	containerURL := asp.container()

	var keys []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: base + prefix,
		})
		if err != nil {
			return nil, remoteError("failed to list blobs in Azure", prefix, err)
		}
		for _, blob := range resp.Segment.BlobItems {
			keys = append(keys, strings.TrimPrefix(blob.Name, base))
		}
		marker = resp.NextMarker
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck verifies container access and list permission
func (asp *AzureStorageProvider) HealthCheck(ctx context.Context) error {
	containerURL := asp.container()
	if _, err := containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return remoteError("Azure health check failed: container not accessible", asp.containerName, err)
	}
	if _, err := containerURL.ListBlobsFlatSegment(ctx, azblob.Marker{}, azblob.ListBlobsSegmentOptions{
		Prefix:     asp.prefix,
		MaxResults: 1,
	}); err != nil {
		return remoteError("Azure health check failed: cannot list blobs", asp.containerName, err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	var serr azblob.StorageError
	if errors.As(err, &serr) {
		return serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
