package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famsync/internal/database"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

func newSQLiteRepository(t *testing.T) Repository {
	t.Helper()
	config := database.DatabaseConfig{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "state.db")}
	config.SetDefaults("")
	repo, err := Open(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func repositories(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository { return NewMemoryRepository() },
		"sqlite": newSQLiteRepository,
	}
}

func TestRepositoryBackups(t *testing.T) {
	for name, factory := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			for i, fam := range []string{"fam1", "fam1", "fam2"} {
				b := &model.Backup{
					ID:        fmt.Sprintf("backup-%d", i),
					FamilyID:  fam,
					CreatedAt: int64(1000 + i),
					Checksum:  "abc",
					Modules: []model.ModuleSnapshot{model.NewModuleSnapshot("tasks", []*model.Record{
						{ID: "t1", LastModified: 5, Fields: map[string]interface{}{"title": "x"}},
					})},
				}
				require.NoError(t, repo.SaveBackup(ctx, b))
			}

			got, err := repo.GetBackup(ctx, "backup-0")
			require.NoError(t, err)
			assert.Equal(t, "fam1", got.FamilyID)
			require.Len(t, got.Modules, 1)
			assert.Empty(t, got.Modules[0].Records, "catalog keeps summaries only")
			assert.Equal(t, 1, got.Modules[0].RecordCount)

			list, err := repo.ListBackups(ctx, "fam1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "backup-1", list[0].ID, "newest first")

			require.NoError(t, repo.DeleteBackup(ctx, "backup-0"))
			_, err = repo.GetBackup(ctx, "backup-0")
			assert.True(t, apperrors.IsNotFound(err))
			assert.True(t, apperrors.IsNotFound(repo.DeleteBackup(ctx, "backup-0")))
		})
	}
}

func TestRepositorySyncRunsAndPrune(t *testing.T) {
	for name, factory := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			for i := 0; i < 5; i++ {
				run := &model.SyncRun{
					ID:        fmt.Sprintf("run-%d", i),
					FamilyID:  "fam1",
					StartedAt: int64(100 + i),
					Status:    model.SyncStatusCompleted,
				}
				if i == 0 {
					run.Status = model.SyncStatusRunning
				}
				require.NoError(t, repo.SaveSyncRun(ctx, run))
			}

			run, err := repo.GetSyncRun(ctx, "run-3")
			require.NoError(t, err)
			assert.Equal(t, model.SyncStatusCompleted, run.Status)

			pruned, err := repo.PruneSyncRuns(ctx, "fam1", 2)
			require.NoError(t, err)
			assert.Equal(t, 2, pruned, "only terminal runs are pruned")

			runs, err := repo.ListSyncRuns(ctx, "fam1")
			require.NoError(t, err)
			ids := make([]string, len(runs))
			for i, r := range runs {
				ids[i] = r.ID
			}
			assert.Equal(t, []string{"run-4", "run-3", "run-0"}, ids)

			_, err = repo.GetSyncRun(ctx, "missing")
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestRepositoryConflictsRulesAndCache(t *testing.T) {
	for name, factory := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			c := &model.Conflict{
				ID:         "c1",
				FamilyID:   "fam1",
				Module:     "tasks",
				RecordID:   "t1",
				Kind:       model.ConflictConcurrentModification,
				Resolution: model.ResolutionPending,
				LocalValue: &model.Record{ID: "t1", Fields: map[string]interface{}{"title": "a"}},
				DetectedAt: 10,
			}
			require.NoError(t, repo.SaveConflict(ctx, c))
			got, err := repo.GetConflict(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, got.IsPending())
			assert.Equal(t, "a", got.LocalValue.Fields["title"])

			list, err := repo.ListConflicts(ctx, "fam1")
			require.NoError(t, err)
			assert.Len(t, list, 1)

			rule := model.SyncRule{Strategy: model.StrategyFull, ConflictPolicy: model.PolicyAskUser, MaxRetries: 2, Backoff: model.BackoffFixed}
			require.NoError(t, repo.SaveRule(ctx, "chores", rule))
			rules, err := repo.ListRules(ctx)
			require.NoError(t, err)
			assert.Equal(t, rule, rules["chores"])
			require.NoError(t, repo.DeleteRule(ctx, "chores"))
			rules, err = repo.ListRules(ctx)
			require.NoError(t, err)
			assert.Empty(t, rules)

			require.NoError(t, repo.SaveRemoteCache(ctx, "fam1", "modules/tasks", []byte(`{"module":"tasks"}`), 42))
			data, err := repo.GetRemoteCache(ctx, "fam1", "modules/tasks")
			require.NoError(t, err)
			assert.JSONEq(t, `{"module":"tasks"}`, string(data))
			_, err = repo.GetRemoteCache(ctx, "fam2", "modules/tasks")
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	run := &model.SyncRun{ID: "r1", FamilyID: "fam1", Status: model.SyncStatusRunning}
	require.NoError(t, repo.SaveSyncRun(ctx, run))

	run.Status = model.SyncStatusFailed
	got, err := repo.GetSyncRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusRunning, got.Status)
}
