package codec

import (
	"bytes"
	"encoding/hex"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

func sampleModules() []model.ModuleSnapshot {
	return []model.ModuleSnapshot{
		model.NewModuleSnapshot("tasks", []*model.Record{
			{ID: "t2", LastModified: 200, Fields: map[string]interface{}{"title": "Dishes", "points": 5.0}},
			{ID: "t1", LastModified: 100, Fields: map[string]interface{}{"title": "Clean room", "assignee": "kid1"}},
		}),
		model.NewModuleSnapshot("goals", []*model.Record{
			{ID: "g1", LastModified: 150, Fields: map[string]interface{}{"name": strings.Repeat("save for bike ", 50)}},
		}),
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	a, sizeA, err := Serialize(sampleModules())
	require.NoError(t, err)
	b, sizeB, err := Serialize(sampleModules())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, sizeA, sizeB)
	assert.Equal(t, Checksum(a), Checksum(b))
}

func TestSerializeIgnoresInputRecordOrder(t *testing.T) {
	ordered := sampleModules()
	shuffled := sampleModules()
	shuffled[0].Records[0], shuffled[0].Records[1] = shuffled[0].Records[1], shuffled[0].Records[0]

	a, _, err := Serialize(ordered)
	require.NoError(t, err)
	b, _, err := Serialize(shuffled)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "t2", shuffled[0].Records[0].ID, "input must not be reordered")
}

func TestSerializeRejectsUnrepresentablePayloads(t *testing.T) {
	cyclic := map[string]interface{}{}
	cyclic["self"] = cyclic

	tests := []struct {
		name  string
		value interface{}
	}{
		{"cycle", cyclic},
		{"channel", make(chan int)},
		{"nan", math.NaN()},
		{"func", func() {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modules := []model.ModuleSnapshot{model.NewModuleSnapshot("tasks", []*model.Record{
				{ID: "t1", Fields: map[string]interface{}{"bad": tt.value}},
			})}
			_, _, err := Serialize(modules)
			require.Error(t, err)
			assert.True(t, apperrors.IsEncoding(err))
		})
	}
}

func TestCompressionRatio(t *testing.T) {
	assert.Equal(t, 1.0, CompressionRatio(0, 0))
	assert.Equal(t, 4.0, CompressionRatio(400, 100))
	assert.Equal(t, 1.0, CompressionRatio(100, 120), "ratio is clamped to 1")
}

func TestCompressionRoundTrip(t *testing.T) {
	cm := NewCompressionManager()
	data := bytes.Repeat([]byte("family chores and goals "), 200)

	for _, algo := range []model.CompressionType{model.CompressionTypeNone, model.CompressionTypeGzip, model.CompressionTypeLZ4, model.CompressionTypeZstd} {
		t.Run(string(algo), func(t *testing.T) {
			compressed, ratio, err := cm.Compress(data, algo)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, ratio, 1.0)
			if algo == model.CompressionTypeNone {
				assert.Equal(t, 1.0, ratio)
			} else {
				assert.Less(t, len(compressed), len(data))
			}

			out, err := cm.Decompress(compressed, algo)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}

	_, _, err := cm.Compress(data, "brotli")
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, cm.Supports("brotli"))
}

func TestEncryptionRoundTrip(t *testing.T) {
	em := NewEncryptionManager(EncryptionConfig{Passphrase: "correct horse", Salt: "fam1"})
	require.True(t, em.Enabled())

	sealed, err := em.Encrypt([]byte("secret roster"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret roster")

	opened, err := em.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret roster", string(opened))

	sealed[len(sealed)-1] ^= 0xff
	_, err = em.Decrypt(sealed)
	assert.True(t, apperrors.IsIntegrity(err))
}

func TestEncryptionKeySources(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	em := NewEncryptionManager(EncryptionConfig{KeyHex: hex.EncodeToString(key)})
	_, err = em.Encrypt([]byte("x"))
	assert.NoError(t, err)

	bad := NewEncryptionManager(EncryptionConfig{KeyHex: "abcd"})
	_, err = bad.Encrypt([]byte("x"))
	assert.True(t, apperrors.IsValidation(err))

	assert.False(t, NewEncryptionManager(EncryptionConfig{}).Enabled())
	var nilManager *EncryptionManager
	assert.False(t, nilManager.Enabled())
}

func TestCodecIntegrityRoundTrip(t *testing.T) {
	c := New(nil, NewEncryptionManager(EncryptionConfig{Passphrase: "pw"}))
	opts := Options{Compression: model.CompressionTypeZstd, Encrypt: true}

	payload, err := c.Encode(sampleModules(), opts)
	require.NoError(t, err)
	assert.True(t, Verify(payload.Data, payload.Checksum))
	assert.GreaterOrEqual(t, payload.Ratio, 1.0)

	modules, err := c.Decode(payload.Data, payload.Checksum, opts)
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "tasks", modules[0].Module)
	assert.Equal(t, 2, modules[0].RecordCount)
	assert.Equal(t, "Clean room", modules[0].Records[0].Fields["title"])

	for i := range payload.Data {
		flipped := append([]byte(nil), payload.Data...)
		flipped[i] ^= 0x01
		_, err := c.Decode(flipped, payload.Checksum, opts)
		require.Error(t, err)
		require.True(t, apperrors.IsIntegrity(err), "byte %d", i)
		if i > 64 {
			break
		}
	}
}

func TestCodecEncryptWithoutKey(t *testing.T) {
	c := New(nil, nil)
	_, err := c.Encode(sampleModules(), Options{Encrypt: true})
	assert.True(t, apperrors.IsValidation(err))
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	assert.True(t, Verify(data, Checksum(data)))
	assert.False(t, Verify(data, ""))
	assert.False(t, Verify([]byte("payloaD"), Checksum(data)))
	assert.Len(t, Checksum(data), 64)
}
