package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "famsync/internal/errors"
)

// LocalStorageProvider implements StorageProvider on the local filesystem
type LocalStorageProvider struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalStorageProvider creates a new LocalStorageProvider instance
func NewLocalStorageProvider(config *LocalConfig) (*LocalStorageProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("local storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid local storage configuration", err)
	}

	permissions := config.Permissions
	if permissions == 0 {
		permissions = 0755
	}

	provider := &LocalStorageProvider{
		basePath:    filepath.Clean(config.BasePath),
		permissions: permissions,
	}
	if err := provider.ensureBaseDirectory(); err != nil {
		return nil, err
	}
	return provider, nil
}

// Name returns the provider type
func (lsp *LocalStorageProvider) Name() string { return string(StorageProviderLocal) }

// Put writes data atomically through a temp file and rename
func (lsp *LocalStorageProvider) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := lsp.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(target), lsp.permissions); err != nil {
		return apperrors.NewStorageError("failed to create directory", err).WithContext("key", key)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return apperrors.NewStorageError("failed to write object", err).WithContext("key", key)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return apperrors.NewStorageError("failed to commit object", err).WithContext("key", key)
	}
	return nil
}

// Get reads an object
func (lsp *LocalStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(lsp.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("object", key)
		}
		return nil, apperrors.NewStorageError("failed to read object", err).WithContext("key", key)
	}
	return data, nil
}

// Delete removes an object; missing objects are not an error
func (lsp *LocalStorageProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(lsp.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return apperrors.NewStorageError("failed to delete object", err).WithContext("key", key)
	}
	return nil
}

// List returns the keys under prefix in lexical order
func (lsp *LocalStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(lsp.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") || d.Name() == ".health_check" {
			return nil
		}
		rel, err := filepath.Rel(lsp.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list objects", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck verifies that the base directory is readable and writable
func (lsp *LocalStorageProvider) HealthCheck(ctx context.Context) error {
	testFile := filepath.Join(lsp.basePath, ".health_check")

	if err := os.WriteFile(testFile, []byte("health_check"), 0644); err != nil {
		return apperrors.NewStorageError("storage provider health check failed: cannot write to base directory", err)
	}
	if _, err := os.ReadFile(testFile); err != nil {
		return apperrors.NewStorageError("storage provider health check failed: cannot read from base directory", err)
	}
	_ = os.Remove(testFile)
	return nil
}

// GetBasePath returns the base path for the storage provider
func (lsp *LocalStorageProvider) GetBasePath() string {
	return lsp.basePath
}

func (lsp *LocalStorageProvider) ensureBaseDirectory() error {
	if err := os.MkdirAll(lsp.basePath, lsp.permissions); err != nil {
		return apperrors.NewStorageError(fmt.Sprintf("failed to create base directory %s", lsp.basePath), err)
	}
	return nil
}

func (lsp *LocalStorageProvider) pathFor(key string) string {
	return filepath.Join(lsp.basePath, filepath.FromSlash(key))
}
