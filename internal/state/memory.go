package state

import (
	"context"
	"sync"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

type familyShard struct {
	backups   map[string]*model.Backup
	runs      map[string]*model.SyncRun
	conflicts map[string]*model.Conflict
	cache     map[string][]byte
}

func newFamilyShard() *familyShard {
	return &familyShard{
		backups:   make(map[string]*model.Backup),
		runs:      make(map[string]*model.SyncRun),
		conflicts: make(map[string]*model.Conflict),
		cache:     make(map[string][]byte),
	}
}

// MemoryRepository keeps state in process memory, sharded by family id
type MemoryRepository struct {
	mu     sync.RWMutex
	shards map[string]*familyShard
	owner  map[string]string // record id -> family id
	rules  map[string]model.SyncRule
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		shards: make(map[string]*familyShard),
		owner:  make(map[string]string),
		rules:  make(map[string]model.SyncRule),
	}
}

func (m *MemoryRepository) shard(familyID string) *familyShard {
	s, ok := m.shards[familyID]
	if !ok {
		s = newFamilyShard()
		m.shards[familyID] = s
	}
	return s
}

func (m *MemoryRepository) lookup(id string) (*familyShard, bool) {
	familyID, ok := m.owner[id]
	if !ok {
		return nil, false
	}
	s, ok := m.shards[familyID]
	return s, ok
}

// SaveBackup stores a backup record
func (m *MemoryRepository) SaveBackup(ctx context.Context, b *model.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shard(b.FamilyID).backups[b.ID] = b.Summary()
	m.owner[b.ID] = b.FamilyID
	return nil
}

// GetBackup returns a backup record
func (m *MemoryRepository) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.lookup(id); ok {
		if b, ok := s.backups[id]; ok {
			return b.Summary(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("backup", id)
}

// ListBackups returns a family's backups
func (m *MemoryRepository) ListBackups(ctx context.Context, familyID string) ([]*model.Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Backup
	if s, ok := m.shards[familyID]; ok {
		for _, b := range s.backups {
			out = append(out, b.Summary())
		}
	}
	sortBackups(out)
	return out, nil
}

// DeleteBackup removes a backup record
func (m *MemoryRepository) DeleteBackup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookup(id)
	if !ok {
		return apperrors.NewNotFoundError("backup", id)
	}
	if _, ok := s.backups[id]; !ok {
		return apperrors.NewNotFoundError("backup", id)
	}
	delete(s.backups, id)
	delete(m.owner, id)
	return nil
}

// SaveSyncRun stores a run
func (m *MemoryRepository) SaveSyncRun(ctx context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shard(run.FamilyID).runs[run.ID] = run.Clone()
	m.owner[run.ID] = run.FamilyID
	return nil
}

// GetSyncRun returns a run
func (m *MemoryRepository) GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.lookup(id); ok {
		if r, ok := s.runs[id]; ok {
			return r.Clone(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("sync run", id)
}

// ListSyncRuns returns a family's runs
func (m *MemoryRepository) ListSyncRuns(ctx context.Context, familyID string) ([]*model.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.SyncRun
	if s, ok := m.shards[familyID]; ok {
		for _, r := range s.runs {
			out = append(out, r.Clone())
		}
	}
	sortRuns(out)
	return out, nil
}

// PruneSyncRuns drops terminal runs beyond the newest keep
func (m *MemoryRepository) PruneSyncRuns(ctx context.Context, familyID string, keep int) (int, error) {
	runs, _ := m.ListSyncRuns(ctx, familyID)
	ids := prunable(runs, keep)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.shard(familyID)
	for _, id := range ids {
		delete(s.runs, id)
		delete(m.owner, id)
	}
	return len(ids), nil
}

// SaveConflict stores a conflict
func (m *MemoryRepository) SaveConflict(ctx context.Context, c *model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shard(c.FamilyID).conflicts[c.ID] = c.Clone()
	m.owner[c.ID] = c.FamilyID
	return nil
}

// GetConflict returns a conflict
func (m *MemoryRepository) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.lookup(id); ok {
		if c, ok := s.conflicts[id]; ok {
			return c.Clone(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("conflict", id)
}

// ListConflicts returns a family's conflicts
func (m *MemoryRepository) ListConflicts(ctx context.Context, familyID string) ([]*model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Conflict
	if s, ok := m.shards[familyID]; ok {
		for _, c := range s.conflicts {
			out = append(out, c.Clone())
		}
	}
	sortConflicts(out)
	return out, nil
}

// SaveRule stores a rule override
func (m *MemoryRepository) SaveRule(ctx context.Context, module string, rule model.SyncRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[module] = rule
	return nil
}

// ListRules returns all rule overrides
func (m *MemoryRepository) ListRules(ctx context.Context) (map[string]model.SyncRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.SyncRule, len(m.rules))
	for k, v := range m.rules {
		out[k] = v
	}
	return out, nil
}

// DeleteRule removes a rule override
func (m *MemoryRepository) DeleteRule(ctx context.Context, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, module)
	return nil
}

// SaveRemoteCache stores a cached remote blob
func (m *MemoryRepository) SaveRemoteCache(ctx context.Context, familyID, key string, data []byte, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shard(familyID).cache[key] = append([]byte(nil), data...)
	return nil
}

// GetRemoteCache returns a cached remote blob
func (m *MemoryRepository) GetRemoteCache(ctx context.Context, familyID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.shards[familyID]; ok {
		if data, ok := s.cache[key]; ok {
			return append([]byte(nil), data...), nil
		}
	}
	return nil, apperrors.NewNotFoundError("remote cache entry", familyID+"/"+key)
}

// Close is a no-op
func (m *MemoryRepository) Close() error { return nil }
