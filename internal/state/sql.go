package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// SQLRepository stores each record as a JSON payload keyed by id and family.
// The statements use REPLACE INTO and ? placeholders, which sqlite and mysql share.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository wraps a migrated database handle
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) wrap(err error, op string) error {
	return apperrors.WrapError(err, op)
}

func (r *SQLRepository) put(ctx context.Context, table, id, familyID string, createdAt int64, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewEncodingError(fmt.Sprintf("failed to encode %s record", table), err)
	}
	query := fmt.Sprintf("REPLACE INTO %s (id, family_id, created_at, payload) VALUES (?, ?, ?, ?)", table)
	_, err = r.db.ExecContext(ctx, query, id, familyID, createdAt, string(payload))
	return r.wrap(err, "failed to save "+table+" record")
}

func (r *SQLRepository) get(ctx context.Context, table, entity, id string, v interface{}) error {
	var payload string
	query := fmt.Sprintf("SELECT payload FROM %s WHERE id = ?", table)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFoundError(entity, id)
	}
	if err != nil {
		return r.wrap(err, "failed to load "+entity)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return apperrors.NewEncodingError("failed to decode "+entity, err)
	}
	return nil
}

func (r *SQLRepository) list(ctx context.Context, table, familyID string, each func(payload []byte) error) error {
	query := fmt.Sprintf("SELECT payload FROM %s WHERE family_id = ? ORDER BY created_at DESC, id DESC", table)
	rows, err := r.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return r.wrap(err, "failed to list "+table)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return r.wrap(err, "failed to scan "+table)
		}
		if err := each([]byte(payload)); err != nil {
			return err
		}
	}
	return r.wrap(rows.Err(), "failed to iterate "+table)
}

func (r *SQLRepository) remove(ctx context.Context, table, entity, id string) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return r.wrap(err, "failed to delete "+entity)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(entity, id)
	}
	return nil
}

// SaveBackup stores a backup summary
func (r *SQLRepository) SaveBackup(ctx context.Context, b *model.Backup) error {
	return r.put(ctx, "backups", b.ID, b.FamilyID, b.CreatedAt, b.Summary())
}

// GetBackup returns a backup summary
func (r *SQLRepository) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	var b model.Backup
	if err := r.get(ctx, "backups", "backup", id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBackups returns a family's backups
func (r *SQLRepository) ListBackups(ctx context.Context, familyID string) ([]*model.Backup, error) {
	var out []*model.Backup
	err := r.list(ctx, "backups", familyID, func(payload []byte) error {
		var b model.Backup
		if err := json.Unmarshal(payload, &b); err != nil {
			return apperrors.NewEncodingError("failed to decode backup", err)
		}
		out = append(out, &b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBackups(out)
	return out, nil
}

// DeleteBackup removes a backup summary
func (r *SQLRepository) DeleteBackup(ctx context.Context, id string) error {
	return r.remove(ctx, "backups", "backup", id)
}

// SaveSyncRun stores a run
func (r *SQLRepository) SaveSyncRun(ctx context.Context, run *model.SyncRun) error {
	return r.put(ctx, "sync_runs", run.ID, run.FamilyID, run.StartedAt, run)
}

// GetSyncRun returns a run
func (r *SQLRepository) GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error) {
	var run model.SyncRun
	if err := r.get(ctx, "sync_runs", "sync run", id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListSyncRuns returns a family's runs
func (r *SQLRepository) ListSyncRuns(ctx context.Context, familyID string) ([]*model.SyncRun, error) {
	var out []*model.SyncRun
	err := r.list(ctx, "sync_runs", familyID, func(payload []byte) error {
		var run model.SyncRun
		if err := json.Unmarshal(payload, &run); err != nil {
			return apperrors.NewEncodingError("failed to decode sync run", err)
		}
		out = append(out, &run)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRuns(out)
	return out, nil
}

// PruneSyncRuns drops terminal runs beyond the newest keep
func (r *SQLRepository) PruneSyncRuns(ctx context.Context, familyID string, keep int) (int, error) {
	runs, err := r.ListSyncRuns(ctx, familyID)
	if err != nil {
		return 0, err
	}
	ids := prunable(runs, keep)
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, "DELETE FROM sync_runs WHERE id = ?", id); err != nil {
			return 0, r.wrap(err, "failed to prune sync runs")
		}
	}
	return len(ids), nil
}

// SaveConflict stores a conflict
func (r *SQLRepository) SaveConflict(ctx context.Context, c *model.Conflict) error {
	return r.put(ctx, "conflicts", c.ID, c.FamilyID, c.DetectedAt, c)
}

// GetConflict returns a conflict
func (r *SQLRepository) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	var c model.Conflict
	if err := r.get(ctx, "conflicts", "conflict", id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConflicts returns a family's conflicts
func (r *SQLRepository) ListConflicts(ctx context.Context, familyID string) ([]*model.Conflict, error) {
	var out []*model.Conflict
	err := r.list(ctx, "conflicts", familyID, func(payload []byte) error {
		var c model.Conflict
		if err := json.Unmarshal(payload, &c); err != nil {
			return apperrors.NewEncodingError("failed to decode conflict", err)
		}
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortConflicts(out)
	return out, nil
}

// SaveRule stores a rule override
func (r *SQLRepository) SaveRule(ctx context.Context, module string, rule model.SyncRule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return apperrors.NewEncodingError("failed to encode sync rule", err)
	}
	_, err = r.db.ExecContext(ctx, "REPLACE INTO sync_rules (module, payload) VALUES (?, ?)", module, string(payload))
	return r.wrap(err, "failed to save sync rule")
}

// ListRules returns all rule overrides
func (r *SQLRepository) ListRules(ctx context.Context) (map[string]model.SyncRule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT module, payload FROM sync_rules")
	if err != nil {
		return nil, r.wrap(err, "failed to list sync rules")
	}
	defer rows.Close()

	out := make(map[string]model.SyncRule)
	for rows.Next() {
		var module, payload string
		if err := rows.Scan(&module, &payload); err != nil {
			return nil, r.wrap(err, "failed to scan sync rule")
		}
		var rule model.SyncRule
		if err := json.Unmarshal([]byte(payload), &rule); err != nil {
			return nil, apperrors.NewEncodingError("failed to decode sync rule", err)
		}
		out[module] = rule
	}
	return out, r.wrap(rows.Err(), "failed to iterate sync rules")
}

// DeleteRule removes a rule override
func (r *SQLRepository) DeleteRule(ctx context.Context, module string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sync_rules WHERE module = ?", module)
	return r.wrap(err, "failed to delete sync rule")
}

// SaveRemoteCache stores a cached remote blob fetched or written at updatedAt
func (r *SQLRepository) SaveRemoteCache(ctx context.Context, familyID, key string, data []byte, updatedAt int64) error {
	_, err := r.db.ExecContext(ctx,
		"REPLACE INTO remote_cache (family_id, cache_key, updated_at, payload) VALUES (?, ?, ?, ?)",
		familyID, key, updatedAt, data)
	return r.wrap(err, "failed to save remote cache")
}

// GetRemoteCache returns a cached remote blob
func (r *SQLRepository) GetRemoteCache(ctx context.Context, familyID, key string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT payload FROM remote_cache WHERE family_id = ? AND cache_key = ?", familyID, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("remote cache entry", familyID+"/"+key)
	}
	if err != nil {
		return nil, r.wrap(err, "failed to load remote cache")
	}
	return data, nil
}

// Close closes the database handle
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
