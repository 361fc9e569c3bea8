package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"famsync/internal/codec"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
	"famsync/internal/state"
)

type storeFixture struct {
	store  *Store
	local  *MemoryStorageProvider
	remote *RemoteStore
	clock  *testclock.Clock
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	local := NewMemoryStorageProvider()
	remote := NewRemoteStore(RemoteOptions{Clock: clk, Logger: logging.NewNopLogger()})
	store, err := NewStore(StoreOptions{
		Codec:   codec.New(nil, codec.NewEncryptionManager(codec.EncryptionConfig{Passphrase: "pw"})),
		Local:   local,
		Remote:  remote,
		Catalog: state.NewMemoryRepository(),
		Clock:   clk,
		Logger:  logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return &storeFixture{store: store, local: local, remote: remote, clock: clk}
}

func familyModules() []model.ModuleSnapshot {
	return []model.ModuleSnapshot{
		model.NewModuleSnapshot("tasks", []*model.Record{
			{ID: "t1", LastModified: 10, Fields: map[string]interface{}{"title": strings.Repeat("clean ", 40)}},
			{ID: "t2", LastModified: 20, Fields: map[string]interface{}{"title": "dishes"}},
			{ID: "t3", LastModified: 30, Deleted: true},
		}),
		model.NewModuleSnapshot("goals", []*model.Record{
			{ID: "g1", LastModified: 15, Fields: map[string]interface{}{"name": "bike"}},
		}),
	}
}

func TestStoreCreateAndLoad(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	b, err := f.store.Create(ctx, "fam1", "parent1", familyModules(), CreateOptions{Compress: true, Encrypt: true})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(b.ID, "backup-20260301-120000-"))
	assert.Equal(t, model.CompressionTypeZstd, b.Compression)
	assert.True(t, b.Encrypted)
	assert.GreaterOrEqual(t, b.CompressionRatio, 1.0)
	assert.Len(t, b.Checksum, 64)
	assert.Equal(t, model.SchemaVersion, b.SchemaVersion)
	assert.False(t, b.RemoteUploaded)
	assert.Empty(t, b.Warnings, "no upload was requested")

	loaded, err := f.store.Load(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Modules, 2)
	tasks, ok := loaded.Module("tasks")
	require.True(t, ok)
	assert.Equal(t, 2, tasks.RecordCount)
	assert.Len(t, tasks.Records, 3)
	assert.Equal(t, "dishes", tasks.Records[1].Fields["title"])
	assert.True(t, tasks.Records[2].Deleted)

	list, err := f.store.List(ctx, "fam1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Modules[0].Records, "list returns summaries")
	assert.Equal(t, 2, list[0].Modules[0].RecordCount)
}

func TestStoreLoadDetectsTampering(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	b, err := f.store.Create(ctx, "fam1", "parent1", familyModules(), CreateOptions{Compress: true})
	require.NoError(t, err)

	key := BackupBlobKey("fam1", b.ID)
	data, err := f.local.Get(ctx, key)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, f.local.Put(ctx, key, data))

	_, err = f.store.Load(ctx, b.ID)
	assert.True(t, apperrors.IsIntegrity(err))
}

func TestStoreLoadUnknownID(t *testing.T) {
	f := newStoreFixture(t)
	_, err := f.store.Load(context.Background(), "backup-missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStoreRemoteUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("no remote configured", func(t *testing.T) {
		f := newStoreFixture(t)
		b, err := f.store.Create(ctx, "fam1", "u", familyModules(), CreateOptions{UploadRemote: true})
		require.NoError(t, err)
		assert.False(t, b.RemoteUploaded)
		require.Len(t, b.Warnings, 1)
		assert.Contains(t, b.Warnings[0], "no remote store configured")
	})

	t.Run("remote failure is a warning", func(t *testing.T) {
		f := newStoreFixture(t)
		remote := &MockStorageProvider{}
		remote.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("503 service unavailable"))
		f.remote.Set(remote)

		b, err := f.store.Create(ctx, "fam1", "u", familyModules(), CreateOptions{UploadRemote: true})
		require.NoError(t, err)
		assert.False(t, b.RemoteUploaded)
		require.Len(t, b.Warnings, 1)
		assert.Contains(t, b.Warnings[0], "remote upload failed")

		_, err = f.store.Load(ctx, b.ID)
		assert.NoError(t, err, "the local copy stays usable")
	})

	t.Run("upload and remote fallback", func(t *testing.T) {
		f := newStoreFixture(t)
		remote := NewMemoryStorageProvider()
		f.remote.Set(remote)

		b, err := f.store.Create(ctx, "fam1", "u", familyModules(), CreateOptions{UploadRemote: true, Compress: true, Compression: model.CompressionTypeLZ4})
		require.NoError(t, err)
		assert.True(t, b.RemoteUploaded)
		assert.Empty(t, b.Warnings)

		keys, err := remote.List(ctx, BackupPrefix("fam1"))
		require.NoError(t, err)
		assert.Len(t, keys, 2, "payload and metadata")

		require.NoError(t, f.local.Delete(ctx, BackupBlobKey("fam1", b.ID)))
		loaded, err := f.store.Load(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CompressionTypeLZ4, loaded.Compression)

		require.NoError(t, f.store.Delete(ctx, b.ID))
		keys, err = remote.List(ctx, BackupPrefix("fam1"))
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestStoreDelete(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	b, err := f.store.Create(ctx, "fam1", "u", familyModules(), CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, b.ID))

	_, err = f.store.Load(ctx, b.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(f.store.Delete(ctx, b.ID)))
}

func TestStoreEncodingErrorLeavesNothingBehind(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	bad := []model.ModuleSnapshot{model.NewModuleSnapshot("tasks", []*model.Record{
		{ID: "t1", Fields: map[string]interface{}{"ch": make(chan int)}},
	})}
	_, err := f.store.Create(ctx, "fam1", "u", bad, CreateOptions{})
	assert.True(t, apperrors.IsEncoding(err))

	list, err := f.store.List(ctx, "fam1")
	require.NoError(t, err)
	assert.Empty(t, list)
	keys, err := f.local.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRetentionCandidates(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Millisecond)
	var backups []*model.Backup
	for i := 0; i < 5; i++ {
		backups = append(backups, &model.Backup{ID: fmt.Sprintf("b%d", i), CreatedAt: now.UnixMilli() - int64(i)*2*day})
	}

	ids := func(bs []*model.Backup) []string {
		var out []string
		for _, b := range bs {
			out = append(out, b.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		policy RetentionPolicy
		want   []string
	}{
		{"no limits", RetentionPolicy{}, nil},
		{"count", RetentionPolicy{MaxCount: 3}, []string{"b3", "b4"}},
		{"age", RetentionPolicy{MaxAgeDays: 5}, []string{"b3", "b4"}},
		{"age and count", RetentionPolicy{MaxCount: 2, MaxAgeDays: 7}, []string{"b2", "b3", "b4"}},
		{"newest always kept", RetentionPolicy{MaxAgeDays: 1, MaxCount: 1}, []string{"b1", "b2", "b3", "b4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(RetentionCandidates(backups, tt.policy, now)))
		})
	}
}

func TestStoreEnforceRetention(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	var created []string
	for i := 0; i < 4; i++ {
		b, err := f.store.Create(ctx, "fam1", "u", familyModules(), CreateOptions{})
		require.NoError(t, err)
		created = append(created, b.ID)
		f.clock.Advance(time.Hour)
	}

	dry, err := f.store.EnforceRetention(ctx, "fam1", RetentionPolicy{MaxCount: 2}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{created[1], created[0]}, dry.DeletedIDs)
	list, _ := f.store.List(ctx, "fam1")
	assert.Len(t, list, 4, "dry run deletes nothing")

	result, err := f.store.EnforceRetention(ctx, "fam1", RetentionPolicy{MaxCount: 2}, false)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 2, result.Kept)
	assert.ElementsMatch(t, []string{created[0], created[1]}, result.DeletedIDs)

	list, _ = f.store.List(ctx, "fam1")
	require.Len(t, list, 2)
	assert.Equal(t, created[3], list[0].ID)

	_, err = f.store.EnforceRetention(ctx, "fam1", RetentionPolicy{MaxCount: -1}, false)
	assert.True(t, apperrors.IsValidation(err))
}
