package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"famsync/internal/backup"
	"famsync/internal/codec"
	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// ModuleState is the manifest entry for one module
type ModuleState struct {
	LastSynced  int64                 `json:"last_synced"`
	Checksum    string                `json:"checksum"`
	Compression model.CompressionType `json:"compression"`
	Encrypted   bool                  `json:"encrypted"`
	RecordCount int                   `json:"record_count"`
}

// Manifest records what the remote copy of each module looks like
type Manifest struct {
	FamilyID  string                 `json:"family_id"`
	UpdatedAt int64                  `json:"updated_at"`
	Modules   map[string]ModuleState `json:"modules"`
}

// NewManifest returns an empty manifest for a family
func NewManifest(familyID string) *Manifest {
	return &Manifest{FamilyID: familyID, Modules: make(map[string]ModuleState)}
}

// LastSynced returns the module's last sync time, zero when never synced
func (m *Manifest) LastSynced(module string) int64 {
	return m.Modules[module].LastSynced
}

// ManifestKey is the remote key of a family's sync manifest
func ManifestKey(familyID string) string {
	return fmt.Sprintf("families/%s/sync/manifest.json", backup.SanitizeKeySegment(familyID))
}

// ModuleKey is the remote key of one module's synchronized snapshot
func ModuleKey(familyID, module string) string {
	return fmt.Sprintf("families/%s/sync/modules/%s.json", backup.SanitizeKeySegment(familyID), backup.SanitizeKeySegment(module))
}

// Transport reads and writes sync state on a storage provider
type Transport struct {
	provider backup.StorageProvider
	codec    *codec.Codec
}

// NewTransport binds a transport to a provider
func NewTransport(provider backup.StorageProvider, c *codec.Codec) *Transport {
	if c == nil {
		c = codec.New(nil, nil)
	}
	return &Transport{provider: provider, codec: c}
}

// GetManifest fetches the manifest; a missing manifest is empty
func (t *Transport) GetManifest(ctx context.Context, familyID string) (*Manifest, error) {
	data, err := t.provider.Get(ctx, ManifestKey(familyID))
	if apperrors.IsNotFound(err) {
		return NewManifest(familyID), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeManifest(familyID, data)
}

// PutManifest writes the manifest
func (t *Transport) PutManifest(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return apperrors.NewEncodingError("sync manifest cannot be encoded", err)
	}
	return t.provider.Put(ctx, ManifestKey(m.FamilyID), data)
}

// GetModule fetches a module snapshot described by state.
// A module that was never uploaded is empty.
func (t *Transport) GetModule(ctx context.Context, familyID, module string, state ModuleState) (model.ModuleSnapshot, error) {
	if state.Checksum == "" {
		return model.NewModuleSnapshot(module, nil), nil
	}
	data, err := t.provider.Get(ctx, ModuleKey(familyID, module))
	if apperrors.IsNotFound(err) {
		return model.NewModuleSnapshot(module, nil), nil
	}
	if err != nil {
		return model.ModuleSnapshot{}, err
	}
	modules, err := t.codec.Decode(data, state.Checksum, codec.Options{Compression: state.Compression, Encrypt: state.Encrypted})
	if err != nil {
		return model.ModuleSnapshot{}, err
	}
	if len(modules) != 1 {
		return model.ModuleSnapshot{}, apperrors.NewEncodingError("remote module payload holds an unexpected module count", nil)
	}
	return modules[0], nil
}

// PutModule uploads a module snapshot and returns its manifest entry
func (t *Transport) PutModule(ctx context.Context, familyID string, snapshot model.ModuleSnapshot, opts codec.Options, at int64) (ModuleState, error) {
	payload, err := t.codec.Encode([]model.ModuleSnapshot{snapshot}, opts)
	if err != nil {
		return ModuleState{}, err
	}
	if err := t.provider.Put(ctx, ModuleKey(familyID, snapshot.Module), payload.Data); err != nil {
		return ModuleState{}, err
	}
	return ModuleState{
		LastSynced:  at,
		Checksum:    payload.Checksum,
		Compression: opts.Compression,
		Encrypted:   opts.Encrypt,
		RecordCount: snapshot.RecordCount,
	}, nil
}

func decodeManifest(familyID string, data []byte) (*Manifest, error) {
	m := NewManifest(familyID)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, apperrors.NewEncodingError("sync manifest cannot be decoded", err)
	}
	if m.Modules == nil {
		m.Modules = make(map[string]ModuleState)
	}
	return m, nil
}
