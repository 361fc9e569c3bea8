package state

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

func TestSQLRepository_SaveSyncRunStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO sync_runs (id, family_id, created_at, payload) VALUES (?, ?, ?, ?)")).
		WithArgs("run-1", "fam1", int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewSQLRepository(db)
	run := &model.SyncRun{ID: "run-1", FamilyID: "fam1", StartedAt: 42, Status: model.SyncStatusRunning}
	if err := repo.SaveSyncRun(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestSQLRepository_SaveRemoteCacheUsesCallerTime(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	payload := []byte(`{"module":"tasks"}`)
	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO remote_cache (family_id, cache_key, updated_at, payload) VALUES (?, ?, ?, ?)")).
		WithArgs("fam1", "module/tasks", int64(1772366400000), payload).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewSQLRepository(db)
	if err := repo.SaveRemoteCache(context.Background(), "fam1", "module/tasks", payload, 1772366400000); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestSQLRepository_GetBackupNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM backups WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	repo := NewSQLRepository(db)
	_, err = repo.GetBackup(context.Background(), "missing")
	if !apperrors.IsNotFound(err) {
		t.Errorf("Expected not_found error, got %v", err)
	}
}

func TestSQLRepository_ListConflictsDecodesPayloads(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"payload"}).
		AddRow(`{"id":"c2","family_id":"fam1","module":"tasks","record_id":"t2","resolution":"pending","detected_at":20}`).
		AddRow(`{"id":"c1","family_id":"fam1","module":"tasks","record_id":"t1","resolution":"keep_local","detected_at":10}`)
	mock.ExpectQuery("SELECT payload FROM conflicts WHERE family_id = ?").
		WithArgs("fam1").
		WillReturnRows(rows)

	repo := NewSQLRepository(db)
	conflicts, err := repo.ListConflicts(context.Background(), "fam1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("Expected 2 conflicts, got %d", len(conflicts))
	}
	if conflicts[0].ID != "c2" || !conflicts[0].IsPending() {
		t.Errorf("Unexpected first conflict: %+v", conflicts[0])
	}
}

func TestSQLRepository_ClassifiesDriverErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantType    apperrors.ErrorType
		recoverable bool
	}{
		{
			name:        "deadlock is retryable",
			err:         &mysql.MySQLError{Number: 1213, Message: "Deadlock found"},
			wantType:    apperrors.ErrorTypeStorage,
			recoverable: true,
		},
		{
			name:     "access denied is permanent",
			err:      &mysql.MySQLError{Number: 1045, Message: "Access denied"},
			wantType: apperrors.ErrorTypePermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("Failed to create mock database: %v", err)
			}
			defer db.Close()

			mock.ExpectExec("REPLACE INTO sync_rules").WillReturnError(tt.err)

			repo := NewSQLRepository(db)
			err = repo.SaveRule(context.Background(), "tasks", model.SyncRule{})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if apperrors.IsRecoverableError(err) != tt.recoverable {
				t.Errorf("IsRecoverableError() = %v, want %v (%v)", apperrors.IsRecoverableError(err), tt.recoverable, err)
			}
			if tt.wantType != "" && apperrors.GetErrorType(err) != tt.wantType {
				t.Errorf("GetErrorType() = %s, want %s", apperrors.GetErrorType(err), tt.wantType)
			}
		})
	}
}
