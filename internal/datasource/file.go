package datasource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// FileSource stores each module as <dir>/<familyID>/<module>.json
type FileSource struct {
	dir string
	mu  sync.Mutex
}

// NewFileSource creates a source rooted at dir
func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.NewStorageError("failed to create data directory", err)
	}
	return &FileSource{dir: dir}, nil
}

func (s *FileSource) path(familyID, module string) string {
	return filepath.Join(s.dir, sanitize(familyID), sanitize(module)+".json")
}

func sanitize(segment string) string {
	return filepath.Base(filepath.Clean("/" + segment))
}

// GetModule reads a module file; a missing file is an empty module
func (s *FileSource) GetModule(ctx context.Context, familyID, module string) (model.ModuleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(familyID, module)
}

func (s *FileSource) read(familyID, module string) (model.ModuleSnapshot, error) {
	data, err := os.ReadFile(s.path(familyID, module))
	if os.IsNotExist(err) {
		return model.NewModuleSnapshot(module, nil), nil
	}
	if err != nil {
		return model.ModuleSnapshot{}, apperrors.WrapError(err, "failed to read module "+module)
	}

	var records []*model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return model.ModuleSnapshot{}, apperrors.NewEncodingError("module file "+module+" is not valid JSON", err)
	}
	return model.NewModuleSnapshot(module, records), nil
}

// ApplyModule merges snapshot into the module file
func (s *FileSource) ApplyModule(ctx context.Context, familyID, module string, snapshot model.ModuleSnapshot, strategy ApplyStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(familyID, module)
	if err != nil {
		return err
	}
	next, err := Apply(current, snapshot, strategy)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(next.Records, "", "  ")
	if err != nil {
		return apperrors.NewEncodingError("failed to encode module "+module, err)
	}

	target := s.path(familyID, module)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return apperrors.NewStorageError("failed to create family directory", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return apperrors.NewStorageError("failed to write module "+module, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return apperrors.NewStorageError("failed to commit module "+module, err)
	}
	return nil
}
