package conflict

import (
	"context"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"famsync/internal/datasource"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

// Repository persists conflicts
type Repository interface {
	SaveConflict(ctx context.Context, c *model.Conflict) error
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, familyID string) ([]*model.Conflict, error)
}

// Store is the per-family conflict set
type Store struct {
	repo   Repository
	source datasource.Source
	clock  clock.Clock
	logger *logging.Logger
	locks  *kmutex.Kmutex
}

// NewStore creates a conflict set backed by repo. Resolutions are applied to source.
func NewStore(repo Repository, source datasource.Source, clk clock.Clock, logger *logging.Logger) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		repo:   repo,
		source: source,
		clock:  clk,
		logger: logging.OrDefault(logger),
		locks:  kmutex.New(),
	}
}

// Record saves newly detected conflicts for a family. A pending conflict for a
// record that already has one is dropped so the first stays the one to resolve.
func (s *Store) Record(ctx context.Context, familyID string, conflicts ...*model.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	s.locks.Lock(familyID)
	defer s.locks.Unlock(familyID)

	open, err := s.openRecords(ctx, familyID)
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		if c.FamilyID != familyID {
			return apperrors.NewValidationError("conflict "+c.ID+" belongs to another family", nil)
		}
		if c.IsPending() {
			key := recordKey(c.Module, c.RecordID)
			if existing, ok := open[key]; ok {
				s.logger.WithFields(map[string]interface{}{
					"family_id":   familyID,
					"module":      c.Module,
					"record_id":   c.RecordID,
					"conflict_id": existing,
				}).Debug("Record already has a pending conflict")
				continue
			}
			open[key] = c.ID
		}
		if err := s.repo.SaveConflict(ctx, c); err != nil {
			return apperrors.WrapError(err, "failed to record conflict")
		}
	}
	return nil
}

// PendingRecords returns the ids of a module's records awaiting a decision
func (s *Store) PendingRecords(ctx context.Context, familyID, module string) (map[string]bool, error) {
	pending, err := s.List(ctx, familyID, true)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, c := range pending {
		if c.Module == module {
			ids[c.RecordID] = true
		}
	}
	return ids, nil
}

func (s *Store) openRecords(ctx context.Context, familyID string) (map[string]string, error) {
	all, err := s.repo.ListConflicts(ctx, familyID)
	if err != nil {
		return nil, apperrors.WrapError(err, "failed to list conflicts")
	}
	open := make(map[string]string, len(all))
	for _, c := range all {
		if c.IsPending() {
			open[recordKey(c.Module, c.RecordID)] = c.ID
		}
	}
	return open, nil
}

func recordKey(module, recordID string) string {
	return module + "/" + recordID
}

// Get returns one conflict
func (s *Store) Get(ctx context.Context, id string) (*model.Conflict, error) {
	return s.repo.GetConflict(ctx, id)
}

// List returns a family's conflicts newest first
func (s *Store) List(ctx context.Context, familyID string, pendingOnly bool) ([]*model.Conflict, error) {
	all, err := s.repo.ListConflicts(ctx, familyID)
	if err != nil {
		return nil, apperrors.WrapError(err, "failed to list conflicts")
	}
	if !pendingOnly {
		return all, nil
	}
	out := make([]*model.Conflict, 0, len(all))
	for _, c := range all {
		if c.IsPending() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Resolve settles a pending conflict and applies the chosen value to local data.
// The applied record is stamped with the current time so the next sync uploads it.
func (s *Store) Resolve(ctx context.Context, id string, resolution model.Resolution, merged *model.Record, actor string) (*model.Conflict, error) {
	found, err := s.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(found.FamilyID)
	defer s.locks.Unlock(found.FamilyID)

	c, err := s.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsPending() {
		return nil, apperrors.NewAlreadyResolvedError(id)
	}

	var value *model.Record
	switch resolution {
	case model.ResolutionKeepLocal:
		value = c.LocalValue.Clone()
	case model.ResolutionKeepRemote:
		value = c.RemoteValue.Clone()
	case model.ResolutionMerged:
		if merged == nil {
			return nil, apperrors.NewValidationError("merged resolution requires a merged value", nil)
		}
		value = merged.Clone()
		value.ID = c.RecordID
	case model.ResolutionPending:
		return nil, apperrors.NewValidationError("cannot resolve a conflict to pending", nil)
	default:
		return nil, apperrors.NewValidationError("unknown resolution: "+string(resolution), nil)
	}

	now := s.clock.Now().UnixMilli()
	if value != nil && s.source != nil {
		value.LastModified = now
		snapshot := model.NewModuleSnapshot(c.Module, []*model.Record{value})
		if err := s.source.ApplyModule(ctx, c.FamilyID, c.Module, snapshot, datasource.ApplyUpsert); err != nil {
			return nil, apperrors.WrapError(err, "failed to apply conflict resolution")
		}
	}

	c.Resolution = resolution
	c.ResolvedAt = &now
	c.ResolvedBy = actor
	if resolution == model.ResolutionMerged {
		c.MergedValue = value.Clone()
	}
	if err := s.repo.SaveConflict(ctx, c); err != nil {
		return nil, apperrors.WrapError(err, "failed to save conflict resolution")
	}

	s.logger.LogConflictResolved(c.FamilyID, c.ID, string(resolution), actor)
	return c.Clone(), nil
}
