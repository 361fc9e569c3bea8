// Package datasource is the engine's view of a family's live data.
package datasource

import (
	"context"
	"sync"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// ApplyStrategy selects how ApplyModule merges a snapshot into live data
type ApplyStrategy string

const (
	// ApplyReplace makes the live module equal to the snapshot
	ApplyReplace ApplyStrategy = "replace"
	// ApplyUpsert writes the snapshot's records and keeps the others
	ApplyUpsert ApplyStrategy = "upsert"
)

// Source reads and writes the live modules of a family
type Source interface {
	GetModule(ctx context.Context, familyID, module string) (model.ModuleSnapshot, error)
	ApplyModule(ctx context.Context, familyID, module string, snapshot model.ModuleSnapshot, strategy ApplyStrategy) error
}

// Apply merges snapshot into current according to strategy
func Apply(current model.ModuleSnapshot, snapshot model.ModuleSnapshot, strategy ApplyStrategy) (model.ModuleSnapshot, error) {
	switch strategy {
	case ApplyReplace:
		records := make([]*model.Record, 0, len(snapshot.Records))
		for _, r := range snapshot.Records {
			records = append(records, r.Clone())
		}
		return model.NewModuleSnapshot(current.Module, records), nil
	case ApplyUpsert:
		idx := current.Index()
		for _, r := range snapshot.Records {
			idx[r.ID] = r.Clone()
		}
		records := make([]*model.Record, 0, len(idx))
		for _, r := range idx {
			records = append(records, r)
		}
		return model.NewModuleSnapshot(current.Module, records), nil
	default:
		return model.ModuleSnapshot{}, apperrors.NewValidationError("unknown apply strategy: "+string(strategy), nil)
	}
}

// MemorySource holds family data in memory
type MemorySource struct {
	mu   sync.RWMutex
	data map[string]map[string]model.ModuleSnapshot

	// FailApply, when set, is consulted before every ApplyModule
	FailApply func(familyID, module string) error
}

// NewMemorySource creates an empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{data: make(map[string]map[string]model.ModuleSnapshot)}
}

// Seed replaces a module's records
func (s *MemorySource) Seed(familyID, module string, records ...*model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[familyID] == nil {
		s.data[familyID] = make(map[string]model.ModuleSnapshot)
	}
	cloned := make([]*model.Record, len(records))
	for i, r := range records {
		cloned[i] = r.Clone()
	}
	s.data[familyID][module] = model.NewModuleSnapshot(module, cloned)
}

// GetModule returns a copy of the module; unknown modules are empty
func (s *MemorySource) GetModule(ctx context.Context, familyID, module string) (model.ModuleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[familyID][module]
	if !ok {
		return model.NewModuleSnapshot(module, nil), nil
	}
	records := make([]*model.Record, len(snap.Records))
	for i, r := range snap.Records {
		records[i] = r.Clone()
	}
	return model.NewModuleSnapshot(module, records), nil
}

// ApplyModule merges snapshot into the stored module
func (s *MemorySource) ApplyModule(ctx context.Context, familyID, module string, snapshot model.ModuleSnapshot, strategy ApplyStrategy) error {
	if s.FailApply != nil {
		if err := s.FailApply(familyID, module); err != nil {
			return err
		}
	}
	current, _ := s.GetModule(ctx, familyID, module)
	next, err := Apply(current, snapshot, strategy)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[familyID] == nil {
		s.data[familyID] = make(map[string]model.ModuleSnapshot)
	}
	s.data[familyID][module] = next
	return nil
}
