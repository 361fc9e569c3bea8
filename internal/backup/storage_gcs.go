package backup

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	apperrors "famsync/internal/errors"
)

// GCSStorageProvider implements StorageProvider for Google Cloud Storage
type GCSStorageProvider struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSStorageProvider creates a new GCSStorageProvider instance
func NewGCSStorageProvider(ctx context.Context, config *GCSConfig, prefix string) (*GCSStorageProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("GCS storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid GCS storage configuration", err)
	}

	var client *storage.Client
	var err error
	if config.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(config.CredentialsPath))
	} else {
		// default credentials from the environment or metadata server
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorageProvider{
		client:     client,
		bucketName: config.Bucket,
		prefix:     prefix,
	}, nil
}

// Name returns the provider type
func (gcsp *GCSStorageProvider) Name() string { return string(StorageProviderGCS) }

// Put uploads an object
func (gcsp *GCSStorageProvider) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	w := gcsp.client.Bucket(gcsp.bucketName).Object(joinPrefix(gcsp.prefix, key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return remoteError("failed to write object to GCS", key, err)
	}
	if err := w.Close(); err != nil {
		return remoteError("failed to upload object to GCS", key, err)
	}
	return nil
}

// Get downloads an object
func (gcsp *GCSStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	r, err := gcsp.client.Bucket(gcsp.bucketName).Object(joinPrefix(gcsp.prefix, key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, apperrors.NewNotFoundError("object", key)
		}
		return nil, remoteError("failed to download object from GCS", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, remoteError("failed to read GCS object", key, err)
	}
	return data, nil
}

// Delete removes an object
func (gcsp *GCSStorageProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := gcsp.client.Bucket(gcsp.bucketName).Object(joinPrefix(gcsp.prefix, key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return remoteError("failed to delete object from GCS", key, err)
	}
	return nil
}

// List returns keys under prefix relative to the provider prefix
func (gcsp *GCSStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	base := joinPrefix(gcsp.prefix, "")
	it := gcsp.client.Bucket(gcsp.bucketName).Objects(ctx, &storage.Query{Prefix: base + prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, remoteError("failed to list objects in GCS", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, base))
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck verifies bucket access and list permission
func (gcsp *GCSStorageProvider) HealthCheck(ctx context.Context) error {
	bucket := gcsp.client.Bucket(gcsp.bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		return remoteError("GCS health check failed: bucket not accessible", gcsp.bucketName, err)
	}

	it := bucket.Objects(ctx, &storage.Query{Prefix: gcsp.prefix})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return remoteError("GCS health check failed: cannot list objects", gcsp.bucketName, err)
	}
	return nil
}

// Close closes the GCS client
func (gcsp *GCSStorageProvider) Close() error {
	return gcsp.client.Close()
}
