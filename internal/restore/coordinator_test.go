package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famsync/internal/conflict"
	"famsync/internal/datasource"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
	"famsync/internal/state"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mapLoader map[string]*model.Backup

func (m mapLoader) Load(ctx context.Context, id string) (*model.Backup, error) {
	b, ok := m[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("backup", id)
	}
	return b, nil
}

func rec(id string, fields map[string]interface{}) *model.Record {
	return &model.Record{ID: id, LastModified: 10, Fields: fields}
}

type fixture struct {
	coord     *Coordinator
	source    *datasource.MemorySource
	conflicts *conflict.Store
}

func newFixture(t *testing.T) *fixture {
	clk := testclock.NewClock(epoch)
	src := datasource.NewMemorySource()
	store := conflict.NewStore(state.NewMemoryRepository(), src, clk, logging.NewNopLogger())

	backup := &model.Backup{
		ID:       "backup-1",
		FamilyID: "fam1",
		Modules: []model.ModuleSnapshot{
			model.NewModuleSnapshot("tasks", []*model.Record{
				rec("t1", map[string]interface{}{"title": "Dishes", "points": 2}),
				rec("t2", map[string]interface{}{"title": "Laundry"}),
			}),
			model.NewModuleSnapshot("goals", []*model.Record{
				rec("g1", map[string]interface{}{"title": "Read"}),
			}),
		},
	}

	src.Seed("fam1", "tasks",
		rec("t1", map[string]interface{}{"title": "Dishes!", "done": true}),
		rec("t3", map[string]interface{}{"title": "Homework"}),
	)
	src.Seed("fam1", "goals", rec("g9", map[string]interface{}{"title": "Swim"}))

	return &fixture{
		coord:     NewCoordinator(mapLoader{backup.ID: backup}, src, store, clk, logging.NewNopLogger()),
		source:    src,
		conflicts: store,
	}
}

func (f *fixture) module(t *testing.T, name string) map[string]*model.Record {
	snap, err := f.source.GetModule(context.Background(), "fam1", name)
	require.NoError(t, err)
	return snap.Index()
}

func TestRestoreReplace(t *testing.T) {
	f := newFixture(t)
	ok, err := f.coord.Restore(context.Background(), "backup-1", Options{Strategy: StrategyReplace})
	require.NoError(t, err)
	assert.True(t, ok)

	tasks := f.module(t, "tasks")
	assert.Len(t, tasks, 3)
	assert.Equal(t, "Dishes", tasks["t1"].Fields["title"])
	assert.False(t, tasks["t1"].Deleted)
	require.Contains(t, tasks, "t3")
	assert.True(t, tasks["t3"].Deleted, "live records missing from the backup are tombstoned")

	goals := f.module(t, "goals")
	assert.Contains(t, goals, "g1")
	assert.True(t, goals["g9"].Deleted)
}

func TestRestoreStampsChangedRecords(t *testing.T) {
	f := newFixture(t)
	f.source.Seed("fam1", "goals",
		rec("g1", map[string]interface{}{"title": "Read"}),
		rec("g9", map[string]interface{}{"title": "Swim"}),
		&model.Record{ID: "g8", LastModified: 7, Deleted: true},
	)

	ok, err := f.coord.Restore(context.Background(), "backup-1", Options{Strategy: StrategyReplace})
	require.NoError(t, err)
	require.True(t, ok)

	now := epoch.UnixMilli()
	tasks := f.module(t, "tasks")
	assert.Equal(t, now, tasks["t1"].LastModified, "restored value replaces a newer live one")
	assert.Equal(t, now, tasks["t2"].LastModified, "record re-added by the restore")
	assert.Equal(t, now, tasks["t3"].LastModified)

	goals := f.module(t, "goals")
	assert.Equal(t, int64(10), goals["g1"].LastModified, "identical record keeps its timestamp")
	assert.Equal(t, now, goals["g9"].LastModified)
	assert.Equal(t, int64(7), goals["g8"].LastModified, "existing tombstone is kept as is")
}

func TestRestoreMerge(t *testing.T) {
	f := newFixture(t)
	ok, err := f.coord.Restore(context.Background(), "backup-1", Options{Strategy: StrategyMerge, Modules: []string{"tasks"}})
	require.NoError(t, err)
	assert.True(t, ok)

	tasks := f.module(t, "tasks")
	assert.Len(t, tasks, 3)
	assert.Equal(t, map[string]interface{}{"title": "Dishes", "points": 2, "done": true}, tasks["t1"].Fields)
	assert.Equal(t, epoch.UnixMilli(), tasks["t1"].LastModified)
	assert.Contains(t, tasks, "t3")
	assert.Equal(t, int64(10), tasks["t3"].LastModified, "untouched live record")
	assert.NotContains(t, f.module(t, "goals"), "g1", "unselected modules are untouched")
}

func TestRestoreAskUser(t *testing.T) {
	f := newFixture(t)
	ok, err := f.coord.Restore(context.Background(), "backup-1", Options{Strategy: StrategyAskUser, Modules: []string{"tasks"}})
	require.NoError(t, err)
	assert.True(t, ok)

	tasks := f.module(t, "tasks")
	assert.Equal(t, "Dishes!", tasks["t1"].Fields["title"], "differing live value is kept")
	assert.Equal(t, 2, tasks["t1"].Fields["points"])

	pending, err := f.conflicts.List(context.Background(), "fam1", true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	c := pending[0]
	assert.Equal(t, model.ConflictValueMismatch, c.Kind)
	assert.Equal(t, "t1", c.RecordID)
	assert.Equal(t, []string{"title"}, c.AmbiguousFields)
	assert.Equal(t, "Dishes", c.RemoteValue.Fields["title"])
}

func TestRestoreRollsBack(t *testing.T) {
	f := newFixture(t)
	failGoals := true
	f.source.FailApply = func(familyID, module string) error {
		if module == "goals" && failGoals {
			failGoals = false
			return errors.New("disk full")
		}
		return nil
	}

	ok, err := f.coord.Restore(context.Background(), "backup-1", Options{Strategy: StrategyReplace})
	assert.False(t, ok)
	assert.Equal(t, apperrors.ErrorTypeRollback, apperrors.GetErrorType(err))

	tasks := f.module(t, "tasks")
	assert.Equal(t, "Dishes!", tasks["t1"].Fields["title"])
	assert.Contains(t, tasks, "t3")
	assert.Contains(t, f.module(t, "goals"), "g9")
}

func TestRestoreValidation(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		opts  Options
		check func(error) bool
	}{
		{"unknown module", "backup-1", Options{Modules: []string{"tasks", "pets"}}, apperrors.IsValidation},
		{"unknown strategy", "backup-1", Options{Strategy: "overwrite-all"}, apperrors.IsValidation},
		{"unknown backup", "backup-404", Options{}, apperrors.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ok, err := f.coord.Restore(context.Background(), tt.id, tt.opts)
			assert.False(t, ok)
			assert.True(t, tt.check(err), "got %v", err)

			tasks := f.module(t, "tasks")
			assert.Equal(t, "Dishes!", tasks["t1"].Fields["title"], "no changes")
		})
	}
}
