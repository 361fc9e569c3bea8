// Package codec turns module snapshots into integrity-stamped payloads and back.
package codec

import (
	"encoding/json"
	"sort"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

type envelope struct {
	SchemaVersion string                 `json:"schema_version"`
	Modules       []model.ModuleSnapshot `json:"modules"`
}

// Serialize encodes modules deterministically: module order is preserved,
// records are ordered by id and map keys are sorted by the JSON encoder.
func Serialize(modules []model.ModuleSnapshot) ([]byte, int64, error) {
	normalized := make([]model.ModuleSnapshot, len(modules))
	for i, m := range modules {
		records := append([]*model.Record(nil), m.Records...)
		sort.SliceStable(records, func(a, b int) bool { return records[a].ID < records[b].ID })
		m.Records = records
		normalized[i] = m
	}

	data, err := json.Marshal(envelope{SchemaVersion: model.SchemaVersion, Modules: normalized})
	if err != nil {
		return nil, 0, apperrors.NewEncodingError("module payload cannot be serialized", err)
	}
	return data, int64(len(data)), nil
}

// Deserialize decodes a payload produced by Serialize
func Deserialize(data []byte) ([]model.ModuleSnapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.NewEncodingError("payload cannot be decoded", err)
	}
	return env.Modules, nil
}

// Options selects the transforms applied by Encode
type Options struct {
	Compression model.CompressionType
	Encrypt     bool
}

// Payload is an encoded, integrity-stamped blob
type Payload struct {
	Data     []byte
	RawSize  int64
	Ratio    float64
	Checksum string
}

// Codec applies serialize -> compress -> encrypt and stamps a checksum over the result
type Codec struct {
	compression *CompressionManager
	encryption  *EncryptionManager
}

// New creates a codec; encryption may be nil when no key is configured
func New(compression *CompressionManager, encryption *EncryptionManager) *Codec {
	if compression == nil {
		compression = NewCompressionManager()
	}
	return &Codec{compression: compression, encryption: encryption}
}

// CanEncrypt reports whether a key is available
func (c *Codec) CanEncrypt() bool {
	return c.encryption.Enabled()
}

// Encode produces the stored payload for modules
func (c *Codec) Encode(modules []model.ModuleSnapshot, opts Options) (*Payload, error) {
	raw, rawSize, err := Serialize(modules)
	if err != nil {
		return nil, err
	}

	data, ratio, err := c.compression.Compress(raw, opts.Compression)
	if err != nil {
		return nil, err
	}

	if opts.Encrypt {
		if !c.CanEncrypt() {
			return nil, apperrors.NewValidationError("encryption requested but no key is configured", nil)
		}
		if data, err = c.encryption.Encrypt(data); err != nil {
			return nil, err
		}
	}

	return &Payload{
		Data:     data,
		RawSize:  rawSize,
		Ratio:    ratio,
		Checksum: Checksum(data),
	}, nil
}

// Decode verifies the checksum and reverses Encode
func (c *Codec) Decode(data []byte, checksum string, opts Options) ([]model.ModuleSnapshot, error) {
	if !Verify(data, checksum) {
		return nil, apperrors.NewIntegrityError("payload checksum mismatch", nil).
			WithContext("expected", checksum).
			WithContext("actual", Checksum(data))
	}

	var err error
	if opts.Encrypt {
		if !c.CanEncrypt() {
			return nil, apperrors.NewValidationError("payload is encrypted but no key is configured", nil)
		}
		if data, err = c.encryption.Decrypt(data); err != nil {
			return nil, err
		}
	}

	if data, err = c.compression.Decompress(data, opts.Compression); err != nil {
		return nil, err
	}
	return Deserialize(data)
}
