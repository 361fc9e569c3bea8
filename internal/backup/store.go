// Package backup persists family snapshots as integrity-stamped payloads on a
// local StorageProvider, optionally mirrored to a remote provider.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"famsync/internal/codec"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

// Catalog persists backup metadata. Records are stored as summaries.
type Catalog interface {
	SaveBackup(ctx context.Context, b *model.Backup) error
	GetBackup(ctx context.Context, id string) (*model.Backup, error)
	ListBackups(ctx context.Context, familyID string) ([]*model.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// CreateOptions controls how a backup is encoded and where it is written
type CreateOptions struct {
	Compress     bool                  `json:"compress" yaml:"compress"`
	Compression  model.CompressionType `json:"compression,omitempty" yaml:"compression"`
	Encrypt      bool                  `json:"encrypt" yaml:"encrypt"`
	UploadRemote bool                  `json:"upload_remote" yaml:"upload_remote"`
	DeviceMeta   model.DeviceMeta      `json:"device_meta" yaml:"device_meta"`
}

// StoreOptions wires a Store
type StoreOptions struct {
	Codec              *codec.Codec
	Local              StorageProvider
	Remote             *RemoteStore
	Catalog            Catalog
	DefaultCompression model.CompressionType
	Clock              clock.Clock
	Logger             *logging.Logger
}

// Store creates, lists, loads and deletes backups
type Store struct {
	codec              *codec.Codec
	local              StorageProvider
	remote             *RemoteStore
	catalog            Catalog
	defaultCompression model.CompressionType
	clock              clock.Clock
	logger             *logging.Logger
	locks              *kmutex.Kmutex
}

// NewStore creates a backup store
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Local == nil {
		return nil, apperrors.NewValidationError("local storage provider is required", nil)
	}
	if opts.Catalog == nil {
		return nil, apperrors.NewValidationError("backup catalog is required", nil)
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(nil, nil)
	}
	if opts.DefaultCompression == "" {
		opts.DefaultCompression = model.CompressionTypeZstd
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Store{
		codec:              opts.Codec,
		local:              opts.Local,
		remote:             opts.Remote,
		catalog:            opts.Catalog,
		defaultCompression: opts.DefaultCompression,
		clock:              opts.Clock,
		logger:             logging.OrDefault(opts.Logger),
		locks:              kmutex.New(),
	}, nil
}

// GenerateBackupID generates a unique backup ID
func GenerateBackupID(at time.Time) string {
	return fmt.Sprintf("backup-%s-%s", at.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// Create encodes modules, writes the payload and records the metadata.
// Remote upload problems are reported as warnings on the returned backup.
func (s *Store) Create(ctx context.Context, familyID, userID string, modules []model.ModuleSnapshot, opts CreateOptions) (*model.Backup, error) {
	if familyID == "" {
		return nil, apperrors.NewValidationError("family id is required", nil)
	}

	s.locks.Lock(familyID)
	defer s.locks.Unlock(familyID)

	start := s.clock.Now()

	compression := model.CompressionTypeNone
	if opts.Compress {
		compression = opts.Compression
		if compression == "" {
			compression = s.defaultCompression
		}
	}

	normalized := make([]model.ModuleSnapshot, len(modules))
	for i, m := range modules {
		m.Records = append([]*model.Record(nil), m.Records...)
		m.Normalize()
		normalized[i] = m
	}

	payload, err := s.codec.Encode(normalized, codec.Options{Compression: compression, Encrypt: opts.Encrypt})
	if err != nil {
		return nil, err
	}

	b := &model.Backup{
		ID:               GenerateBackupID(start),
		FamilyID:         familyID,
		UserID:           userID,
		CreatedAt:        start.UnixMilli(),
		SizeBytes:        int64(len(payload.Data)),
		RawSizeBytes:     payload.RawSize,
		CompressionRatio: payload.Ratio,
		Compression:      compression,
		Encrypted:        opts.Encrypt,
		Checksum:         payload.Checksum,
		SchemaVersion:    model.SchemaVersion,
		Modules:          normalized,
		DeviceMeta:       opts.DeviceMeta,
	}

	key := BackupBlobKey(familyID, b.ID)
	if err := s.local.Put(ctx, key, payload.Data); err != nil {
		return nil, apperrors.WrapError(err, "failed to persist backup payload")
	}

	if opts.UploadRemote {
		s.upload(ctx, b, key, payload.Data)
	}

	if err := s.catalog.SaveBackup(ctx, b.Summary()); err != nil {
		_ = s.local.Delete(ctx, key)
		return nil, apperrors.WrapError(err, "failed to record backup metadata")
	}

	s.logger.LogBackupCreated(familyID, b.ID, b.SizeBytes, b.CompressionRatio, b.RemoteUploaded, s.clock.Now().Sub(start))
	return b, nil
}

func (s *Store) upload(ctx context.Context, b *model.Backup, key string, data []byte) {
	provider := s.remoteProvider()
	if provider == nil {
		b.Warnings = append(b.Warnings, "remote upload skipped: no remote store configured")
		return
	}

	meta, err := json.Marshal(b.Summary())
	if err != nil {
		b.Warnings = append(b.Warnings, fmt.Sprintf("remote upload failed: %v", err))
		return
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.remote.Timeout())
	defer cancel()

	if err := provider.Put(uploadCtx, key, data); err != nil {
		b.Warnings = append(b.Warnings, fmt.Sprintf("remote upload failed: %v", err))
		s.logger.WithField("backup_id", b.ID).WithError(err).Warn("Remote backup upload failed")
		return
	}
	if err := provider.Put(uploadCtx, metadataKey(key), meta); err != nil {
		b.Warnings = append(b.Warnings, fmt.Sprintf("remote metadata upload failed: %v", err))
		s.logger.WithField("backup_id", b.ID).WithError(err).Warn("Remote backup metadata upload failed")
		return
	}
	b.RemoteUploaded = true
}

func (s *Store) remoteProvider() StorageProvider {
	if s.remote == nil {
		return nil
	}
	return s.remote.Provider()
}

// List returns backup summaries for a family, newest first
func (s *Store) List(ctx context.Context, familyID string) ([]*model.Backup, error) {
	backups, err := s.catalog.ListBackups(ctx, familyID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Backup, len(backups))
	for i, b := range backups {
		out[i] = b.Summary()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Load returns a backup with full records after verifying its checksum.
// The local payload is read first; the remote copy is the fallback.
func (s *Store) Load(ctx context.Context, backupID string) (*model.Backup, error) {
	meta, err := s.catalog.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}

	key := BackupBlobKey(meta.FamilyID, meta.ID)
	data, err := s.local.Get(ctx, key)
	if err != nil {
		remoteData, remoteErr := s.fetchRemote(ctx, key)
		if remoteErr != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.NewNotFoundError("backup payload", backupID)
			}
			return nil, err
		}
		data = remoteData
	}

	modules, err := s.codec.Decode(data, meta.Checksum, codec.Options{Compression: meta.Compression, Encrypt: meta.Encrypted})
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			return nil, appErr.WithContext("backup_id", backupID)
		}
		return nil, err
	}

	out := *meta
	for i := range modules {
		modules[i].Normalize()
	}
	out.Modules = modules
	out.Warnings = append([]string(nil), meta.Warnings...)
	return &out, nil
}

func (s *Store) fetchRemote(ctx context.Context, key string) ([]byte, error) {
	provider := s.remoteProvider()
	if provider == nil {
		return nil, apperrors.NewOfflineError("no remote store configured", nil)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.remote.Timeout())
	defer cancel()
	return provider.Get(fetchCtx, key)
}

// Delete removes the metadata, the local payload and, best effort, the remote copy
func (s *Store) Delete(ctx context.Context, backupID string) error {
	meta, err := s.catalog.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}

	s.locks.Lock(meta.FamilyID)
	defer s.locks.Unlock(meta.FamilyID)

	return s.deleteLocked(ctx, meta)
}

func (s *Store) deleteLocked(ctx context.Context, meta *model.Backup) error {
	key := BackupBlobKey(meta.FamilyID, meta.ID)
	if err := s.catalog.DeleteBackup(ctx, meta.ID); err != nil {
		return err
	}
	if err := s.local.Delete(ctx, key); err != nil {
		return apperrors.WrapError(err, "failed to delete backup payload")
	}

	if meta.RemoteUploaded {
		if provider := s.remoteProvider(); provider != nil {
			deleteCtx, cancel := context.WithTimeout(ctx, s.remote.Timeout())
			defer cancel()
			if err := provider.Delete(deleteCtx, key); err != nil {
				s.logger.WithField("backup_id", meta.ID).WithError(err).Warn("Failed to delete remote backup copy")
			}
			_ = provider.Delete(deleteCtx, metadataKey(key))
		}
	}
	return nil
}

func metadataKey(blobKey string) string {
	return strings.TrimSuffix(blobKey, ".bak") + ".json"
}
