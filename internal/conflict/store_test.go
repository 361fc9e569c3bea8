package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"famsync/internal/datasource"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
	"famsync/internal/state"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) GetModule(ctx context.Context, familyID, module string) (model.ModuleSnapshot, error) {
	args := m.Called(ctx, familyID, module)
	return args.Get(0).(model.ModuleSnapshot), args.Error(1)
}

func (m *mockSource) ApplyModule(ctx context.Context, familyID, module string, snapshot model.ModuleSnapshot, strategy datasource.ApplyStrategy) error {
	args := m.Called(ctx, familyID, module, snapshot, strategy)
	return args.Error(0)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingConflict(familyID string) *model.Conflict {
	out := Decide(Input{
		FamilyID: familyID,
		Module:   "penalties",
		Local:    record("p1", 100, map[string]interface{}{"points": 5}),
		Remote:   record("p1", 200, map[string]interface{}{"points": 7}),
		Policy:   model.PolicyAskUser,
		Kind:     model.ConflictConcurrentModification,
		Now:      300,
	})
	return out.Conflict
}

func newStore(t *testing.T) (*Store, *datasource.MemorySource) {
	src := datasource.NewMemorySource()
	return NewStore(state.NewMemoryRepository(), src, testclock.NewClock(epoch), logging.NewNopLogger()), src
}

func TestResolveKeepRemote(t *testing.T) {
	ctx := context.Background()
	store, src := newStore(t)
	c := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", c))

	got, err := store.Resolve(ctx, c.ID, model.ResolutionKeepRemote, nil, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionKeepRemote, got.Resolution)
	assert.Equal(t, "parent-1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, epoch.UnixMilli(), *got.ResolvedAt)

	live, err := src.GetModule(ctx, "fam", "penalties")
	require.NoError(t, err)
	require.Len(t, live.Records, 1)
	assert.Equal(t, 7, live.Records[0].Fields["points"])
	assert.Equal(t, epoch.UnixMilli(), live.Records[0].LastModified, "resolved value is queued for upload")

	_, err = store.Resolve(ctx, c.ID, model.ResolutionKeepLocal, nil, "parent-1")
	assert.True(t, apperrors.IsAlreadyResolved(err))

	pending, err := store.List(ctx, "fam", true)
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := store.List(ctx, "fam", false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResolveMerged(t *testing.T) {
	ctx := context.Background()
	store, src := newStore(t)
	c := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", c))

	merged := &model.Record{ID: "ignored", Fields: map[string]interface{}{"points": 6}}
	got, err := store.Resolve(ctx, c.ID, model.ResolutionMerged, merged, "parent-2")
	require.NoError(t, err)
	require.NotNil(t, got.MergedValue)
	assert.Equal(t, "p1", got.MergedValue.ID)

	live, _ := src.GetModule(ctx, "fam", "penalties")
	assert.Equal(t, 6, live.Index()["p1"].Fields["points"])
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", c))

	tests := []struct {
		name       string
		id         string
		resolution model.Resolution
		merged     *model.Record
		check      func(error) bool
	}{
		{"unknown id", "conflict-missing", model.ResolutionKeepLocal, nil, apperrors.IsNotFound},
		{"merged without value", c.ID, model.ResolutionMerged, nil, apperrors.IsValidation},
		{"pending", c.ID, model.ResolutionPending, nil, apperrors.IsValidation},
		{"unknown resolution", c.ID, "coin_flip", nil, apperrors.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Resolve(ctx, tt.id, tt.resolution, tt.merged, "parent")
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	still, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, still.IsPending())
}

func TestResolveApplyFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	src := &mockSource{}
	src.On("ApplyModule", mock.Anything, "fam", "penalties", mock.Anything, datasource.ApplyUpsert).
		Return(errors.New("datastore offline")).Once()

	store := NewStore(state.NewMemoryRepository(), src, testclock.NewClock(epoch), logging.NewNopLogger())
	c := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", c))

	_, err := store.Resolve(ctx, c.ID, model.ResolutionKeepLocal, nil, "parent")
	assert.Error(t, err)

	still, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, still.IsPending())
	src.AssertExpectations(t)
}

func TestRecordRejectsForeignFamily(t *testing.T) {
	store, _ := newStore(t)
	err := store.Record(context.Background(), "fam", pendingConflict("other"))
	assert.True(t, apperrors.IsValidation(err))
}

func TestConcurrentResolveOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", c))

	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := store.Resolve(ctx, c.ID, model.ResolutionKeepLocal, nil, "parent")
			results <- err
		}()
	}

	var ok, already int
	for i := 0; i < 8; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case apperrors.IsAlreadyResolved(err):
			already++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, already)
}

func TestRecordKeepsOnePendingPerRecord(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	first := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", first))
	require.NoError(t, store.Record(ctx, "fam", pendingConflict("fam")))
	require.NoError(t, store.Record(ctx, "fam", pendingConflict("fam"), pendingConflict("fam")))

	pending, err := store.List(ctx, "fam", true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	ids, err := store.PendingRecords(ctx, "fam", "penalties")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"p1": true}, ids)
	ids, err = store.PendingRecords(ctx, "fam", "tasks")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = store.Resolve(ctx, first.ID, model.ResolutionKeepLocal, nil, "parent")
	require.NoError(t, err)

	second := pendingConflict("fam")
	require.NoError(t, store.Record(ctx, "fam", second))
	pending, err = store.List(ctx, "fam", true)
	require.NoError(t, err)
	require.Len(t, pending, 1, "a new divergence after resolution is recorded")
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestRecordKeepsResolvedAuditEntries(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	lww := func() *model.Conflict {
		return Decide(Input{
			FamilyID: "fam",
			Module:   "tasks",
			Local:    record("t1", 100, map[string]interface{}{"title": "A"}),
			Remote:   record("t1", 200, map[string]interface{}{"title": "B"}),
			Policy:   model.PolicyLastWriteWins,
			Kind:     model.ConflictConcurrentModification,
			Now:      300,
		}).Conflict
	}
	require.NoError(t, store.Record(ctx, "fam", lww(), lww()))

	all, err := store.List(ctx, "fam", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
