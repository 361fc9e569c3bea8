package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	apperrors "famsync/internal/errors"
)

// StorageProvider is a flat key/value blob store. Keys use forward slashes.
// Get returns a not_found AppError when the key does not exist.
type StorageProvider interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	HealthCheck(ctx context.Context) error
	Name() string
}

// StorageProviderType represents the type of storage provider
type StorageProviderType string

const (
	StorageProviderLocal  StorageProviderType = "local"
	StorageProviderMemory StorageProviderType = "memory"
	StorageProviderS3     StorageProviderType = "s3"
	StorageProviderAzure  StorageProviderType = "azure"
	StorageProviderGCS    StorageProviderType = "gcs"
)

// StorageConfig represents storage provider configuration
type StorageConfig struct {
	Provider StorageProviderType `json:"provider" yaml:"provider" mapstructure:"provider"`
	Prefix   string              `json:"prefix,omitempty" yaml:"prefix" mapstructure:"prefix"`
	Local    *LocalConfig        `json:"local,omitempty" yaml:"local,omitempty" mapstructure:"local"`
	S3       *S3Config           `json:"s3,omitempty" yaml:"s3,omitempty" mapstructure:"s3"`
	Azure    *AzureConfig        `json:"azure,omitempty" yaml:"azure,omitempty" mapstructure:"azure"`
	GCS      *GCSConfig          `json:"gcs,omitempty" yaml:"gcs,omitempty" mapstructure:"gcs"`
}

// LocalConfig represents local filesystem storage configuration
type LocalConfig struct {
	BasePath    string      `json:"base_path" yaml:"base_path" mapstructure:"base_path"`
	Permissions os.FileMode `json:"permissions" yaml:"permissions" mapstructure:"permissions"`
}

// S3Config represents Amazon S3 storage configuration
type S3Config struct {
	Bucket    string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Region    string `json:"region" yaml:"region" mapstructure:"region"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `json:"-" yaml:"secret_key" mapstructure:"secret_key"`
}

// AzureConfig represents Azure Blob storage configuration
type AzureConfig struct {
	AccountName   string `json:"account_name" yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `json:"-" yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `json:"container_name" yaml:"container_name" mapstructure:"container_name"`
}

// GCSConfig represents Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	CredentialsPath string `json:"credentials_path" yaml:"credentials_path" mapstructure:"credentials_path"`
	ProjectID       string `json:"project_id" yaml:"project_id" mapstructure:"project_id"`
}

// Validate validates the storage configuration
func (sc *StorageConfig) Validate() error {
	var errs apperrors.ValidationErrors

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			errs.Add("local", "local storage configuration is required", nil)
		} else {
			errs.Merge("local", sc.Local.Validate())
		}
	case StorageProviderMemory:
	case StorageProviderS3:
		if sc.S3 == nil {
			errs.Add("s3", "S3 storage configuration is required", nil)
		} else {
			errs.Merge("s3", sc.S3.Validate())
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			errs.Add("azure", "Azure storage configuration is required", nil)
		} else {
			errs.Merge("azure", sc.Azure.Validate())
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			errs.Add("gcs", "GCS storage configuration is required", nil)
		} else {
			errs.Merge("gcs", sc.GCS.Validate())
		}
	case "":
		errs.Add("provider", "storage provider is required", nil)
	default:
		errs.Add("provider", "unsupported storage provider", sc.Provider)
	}

	if strings.Contains(sc.Prefix, "..") {
		errs.Add("prefix", "prefix cannot contain '..'", sc.Prefix)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates local storage configuration
func (lc *LocalConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if lc.BasePath == "" {
		errs.Add("base_path", "base path is required", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates S3 storage configuration
func (s3c *S3Config) Validate() error {
	var errs apperrors.ValidationErrors
	if s3c.Bucket == "" {
		errs.Add("bucket", "bucket name is required", nil)
	}
	if s3c.Region == "" {
		errs.Add("region", "region is required", nil)
	}
	if (s3c.AccessKey == "") != (s3c.SecretKey == "") {
		errs.Add("access_key", "access key and secret key must be set together", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates Azure storage configuration
func (ac *AzureConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if ac.AccountName == "" {
		errs.Add("account_name", "account name is required", nil)
	}
	if ac.AccountKey == "" {
		errs.Add("account_key", "account key is required", nil)
	}
	if ac.ContainerName == "" {
		errs.Add("container_name", "container name is required", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates GCS storage configuration
func (gc *GCSConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if gc.Bucket == "" {
		errs.Add("bucket", "bucket name is required", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// BackupBlobKey is the key of a backup payload
func BackupBlobKey(familyID, backupID string) string {
	return path.Join("families", SanitizeKeySegment(familyID), "backups", SanitizeKeySegment(backupID)+".bak")
}

// BackupPrefix is the key prefix of all payloads of a family
func BackupPrefix(familyID string) string {
	return path.Join("families", SanitizeKeySegment(familyID), "backups") + "/"
}

// SanitizeKeySegment removes characters that would let an id escape its key segment
func SanitizeKeySegment(id string) string {
	sanitized := strings.ReplaceAll(id, "/", "_")
	sanitized = strings.ReplaceAll(sanitized, "\\", "_")
	sanitized = strings.ReplaceAll(sanitized, "..", "_")
	return sanitized
}

func validateKey(key string) error {
	if key == "" {
		return apperrors.NewValidationError("storage key cannot be empty", nil)
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return apperrors.NewValidationError(fmt.Sprintf("invalid storage key %q", key), nil)
	}
	return nil
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// remoteError wraps a cloud SDK failure so callers can retry it
func remoteError(message string, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewErrorClassifier().ClassifyError(err).WithContext("key", key)
	}
	return apperrors.NewRecoverableError(apperrors.ErrorTypeConnection, message, err).WithContext("key", key)
}
