// Package state persists engine records: backup metadata, sync runs,
// conflicts, rule overrides and the remote sync cache.
package state

import (
	"context"
	"sort"

	"famsync/internal/model"
)

// Repository is the engine's durable state. Get methods return a not_found
// AppError for unknown ids. List methods return newest first.
type Repository interface {
	SaveBackup(ctx context.Context, b *model.Backup) error
	GetBackup(ctx context.Context, id string) (*model.Backup, error)
	ListBackups(ctx context.Context, familyID string) ([]*model.Backup, error)
	DeleteBackup(ctx context.Context, id string) error

	SaveSyncRun(ctx context.Context, run *model.SyncRun) error
	GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error)
	ListSyncRuns(ctx context.Context, familyID string) ([]*model.SyncRun, error)
	PruneSyncRuns(ctx context.Context, familyID string, keep int) (int, error)

	SaveConflict(ctx context.Context, c *model.Conflict) error
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, familyID string) ([]*model.Conflict, error)

	SaveRule(ctx context.Context, module string, rule model.SyncRule) error
	ListRules(ctx context.Context) (map[string]model.SyncRule, error)
	DeleteRule(ctx context.Context, module string) error

	SaveRemoteCache(ctx context.Context, familyID, key string, data []byte, updatedAt int64) error
	GetRemoteCache(ctx context.Context, familyID, key string) ([]byte, error)

	Close() error
}

func sortBackups(backups []*model.Backup) {
	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].CreatedAt != backups[j].CreatedAt {
			return backups[i].CreatedAt > backups[j].CreatedAt
		}
		return backups[i].ID > backups[j].ID
	})
}

func sortRuns(runs []*model.SyncRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt != runs[j].StartedAt {
			return runs[i].StartedAt > runs[j].StartedAt
		}
		return runs[i].ID > runs[j].ID
	})
}

func sortConflicts(conflicts []*model.Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].DetectedAt != conflicts[j].DetectedAt {
			return conflicts[i].DetectedAt > conflicts[j].DetectedAt
		}
		return conflicts[i].ID > conflicts[j].ID
	})
}

// prunable returns the ids of terminal runs beyond the newest keep runs. runs must be newest first.
func prunable(runs []*model.SyncRun, keep int) []string {
	if keep <= 0 || len(runs) <= keep {
		return nil
	}
	var ids []string
	for _, r := range runs[keep:] {
		if r.Status.IsTerminal() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
