package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Driver selects the state database engine
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
	DriverMySQL  Driver = "mysql"
)

// DatabaseConfig holds the configuration parameters for the state database
type DatabaseConfig struct {
	Driver       Driver        `mapstructure:"driver" yaml:"driver"`
	Path         string        `mapstructure:"path" yaml:"path"`
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	Database     string        `mapstructure:"database" yaml:"database"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// SetDefaults fills zero values
func (dc *DatabaseConfig) SetDefaults(dataDir string) {
	if dc.Driver == "" {
		dc.Driver = DriverSQLite
	}
	if dc.Driver == DriverSQLite && dc.Path == "" {
		dc.Path = filepath.Join(dataDir, "state.db")
	}
	if dc.Driver == DriverMySQL && dc.Port == 0 {
		dc.Port = 3306
	}
	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}
	if dc.MaxOpenConns <= 0 {
		dc.MaxOpenConns = 10
	}
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	switch dc.Driver {
	case DriverMemory:
	case DriverSQLite:
		if dc.Path == "" {
			errs = append(errs, errors.New("sqlite path is required"))
		}
	case DriverMySQL:
		if dc.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if dc.Username == "" {
			errs = append(errs, errors.New("username is required"))
		}
		if dc.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported driver %q", dc.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %v", errs)
	}
	return nil
}

// DSN returns the data source name for the configured driver
func (dc *DatabaseConfig) DSN() string {
	switch dc.Driver {
	case DriverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = dc.Username
		cfg.Passwd = dc.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", dc.Host, dc.Port)
		cfg.DBName = dc.Database
		cfg.Timeout = dc.Timeout
		cfg.ParseTime = true
		return cfg.FormatDSN()
	default:
		return dc.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
}

// DriverName is the database/sql driver name
func (dc *DatabaseConfig) DriverName() string {
	if dc.Driver == DriverMySQL {
		return "mysql"
	}
	return "sqlite"
}

// GooseDialect is the migration dialect for the configured driver
func (dc *DatabaseConfig) GooseDialect() string {
	if dc.Driver == DriverMySQL {
		return "mysql"
	}
	return "sqlite3"
}
