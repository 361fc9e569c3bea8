// Package database opens the state database and applies its migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"famsync/internal/errors"
	"famsync/internal/logging"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrations embed.FS

// Service opens state databases with retry and migrates them
type Service struct {
	logger       *logging.Logger
	retryHandler *errors.RetryHandler
}

// NewService creates a new database service with default settings
func NewService() *Service {
	return NewServiceWithLogger(logging.NewDefaultLogger())
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	cfg := errors.DefaultRetryConfig()
	cfg.BaseDelay = 500 * time.Millisecond
	return &Service{
		logger:       logging.OrDefault(logger),
		retryHandler: errors.NewRetryHandler(cfg),
	}
}

// Open connects to the configured database and runs migrations
func (s *Service) Open(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.NewValidationError("invalid database configuration", err)
	}
	if config.Driver == DriverMemory {
		return nil, errors.NewValidationError("memory driver has no SQL database", nil)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}

	done := s.logger.LogOperationStart("open_state_db", map[string]interface{}{
		"driver": string(config.Driver),
		"dsn":    logging.RedactDSN(config.DSN()),
	})

	openCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(openCtx, func(ctx context.Context) error {
		var openErr error
		db, openErr = sql.Open(config.DriverName(), config.DSN())
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(config.MaxOpenConns)
		if config.Driver == DriverSQLite {
			// sqlite allows a single writer
			db.SetMaxOpenConns(1)
		}
		db.SetMaxIdleConns(config.MaxOpenConns / 2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if testErr := s.TestConnection(ctx, db); testErr != nil {
			db.Close()
			return testErr
		}
		return nil
	})
	if err != nil {
		done(err)
		return nil, err
	}

	if err := Migrate(db, config.GooseDialect()); err != nil {
		db.Close()
		done(err)
		return nil, err
	}

	done(nil)
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}
	s.logger.Debug("Database connection test successful")
	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}
	return nil
}

// Migrate applies the embedded migrations for dialect
func Migrate(db *sql.DB, dialect string) error {
	dir := "migrations/sqlite"
	if dialect == "mysql" {
		dir = "migrations/mysql"
	}

	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return errors.NewStorageError("failed to load migrations", err)
	}

	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return errors.NewStorageError("set migration dialect", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return errors.NewStorageError("apply migrations", err)
	}
	return nil
}
