package state

import (
	"context"

	"famsync/internal/database"
	"famsync/internal/logging"
)

// Open returns the repository selected by config.Driver
func Open(ctx context.Context, config database.DatabaseConfig, logger *logging.Logger) (Repository, error) {
	if config.Driver == database.DriverMemory {
		return NewMemoryRepository(), nil
	}
	db, err := database.NewServiceWithLogger(logger).Open(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewSQLRepository(db), nil
}
