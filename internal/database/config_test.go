package database

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  DatabaseConfig
		wantErr bool
	}{
		{
			name:    "valid sqlite config",
			config:  DatabaseConfig{Driver: DriverSQLite, Path: "/tmp/state.db"},
			wantErr: false,
		},
		{
			name:    "sqlite without path",
			config:  DatabaseConfig{Driver: DriverSQLite},
			wantErr: true,
		},
		{
			name:    "memory driver",
			config:  DatabaseConfig{Driver: DriverMemory},
			wantErr: false,
		},
		{
			name: "valid mysql config",
			config: DatabaseConfig{
				Driver:   DriverMySQL,
				Host:     "localhost",
				Port:     3306,
				Username: "root",
				Password: "password",
				Database: "famsync",
			},
			wantErr: false,
		},
		{
			name: "mysql missing host",
			config: DatabaseConfig{
				Driver:   DriverMySQL,
				Port:     3306,
				Username: "root",
				Database: "famsync",
			},
			wantErr: true,
		},
		{
			name: "mysql invalid port",
			config: DatabaseConfig{
				Driver:   DriverMySQL,
				Host:     "localhost",
				Port:     70000,
				Username: "root",
				Database: "famsync",
			},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			config:  DatabaseConfig{Driver: "postgres"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_SetDefaults(t *testing.T) {
	config := DatabaseConfig{}
	config.SetDefaults("/var/lib/famsync")

	if config.Driver != DriverSQLite {
		t.Errorf("Expected default driver sqlite, got %s", config.Driver)
	}
	if config.Path != filepath.Join("/var/lib/famsync", "state.db") {
		t.Errorf("Unexpected default path %s", config.Path)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", config.Timeout)
	}

	mysqlConfig := DatabaseConfig{Driver: DriverMySQL}
	mysqlConfig.SetDefaults("")
	if mysqlConfig.Port != 3306 {
		t.Errorf("Expected default mysql port 3306, got %d", mysqlConfig.Port)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	config := DatabaseConfig{
		Driver:   DriverMySQL,
		Host:     "db.internal",
		Port:     3307,
		Username: "famsync",
		Password: "secret",
		Database: "state",
		Timeout:  5 * time.Second,
	}

	dsn := config.DSN()
	for _, want := range []string{"famsync:secret@tcp(db.internal:3307)/state", "parseTime=true", "timeout=5s"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q does not contain %q", dsn, want)
		}
	}
	if config.DriverName() != "mysql" || config.GooseDialect() != "mysql" {
		t.Errorf("Unexpected driver/dialect for mysql: %s/%s", config.DriverName(), config.GooseDialect())
	}

	sqlite := DatabaseConfig{Driver: DriverSQLite, Path: "state.db"}
	if !strings.HasPrefix(sqlite.DSN(), "state.db?") {
		t.Errorf("Unexpected sqlite DSN %q", sqlite.DSN())
	}
	if sqlite.GooseDialect() != "sqlite3" {
		t.Errorf("Expected sqlite3 dialect, got %s", sqlite.GooseDialect())
	}
}
