package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeEncoding represents a payload that cannot be serialized
	ErrorTypeEncoding ErrorType = "encoding"
	// ErrorTypeIntegrity represents a checksum mismatch on load
	ErrorTypeIntegrity ErrorType = "integrity"
	// ErrorTypeNotFound represents an unknown backup, run or conflict id
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeAlreadyRunning represents a sync requested while one is active
	ErrorTypeAlreadyRunning ErrorType = "already_running"
	// ErrorTypeAlreadyResolved represents a second resolution attempt
	ErrorTypeAlreadyResolved ErrorType = "already_resolved"
	// ErrorTypeOffline represents missing connectivity to the remote store
	ErrorTypeOffline ErrorType = "offline"
	// ErrorTypeTransport represents a remote call that failed after retries
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeAmbiguousMerge represents overlapping field changes
	ErrorTypeAmbiguousMerge ErrorType = "ambiguous_merge"
	// ErrorTypeValidation represents invalid input or configuration
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStorage represents local persistence failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeRollback represents a failed restore that was rolled back
	ErrorTypeRollback ErrorType = "rollback"
	// ErrorTypeConnection represents network or database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents cancellation
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to end users
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	e := NewAppError(errorType, message, cause)
	e.Recoverable = true
	return e
}

func NewEncodingError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeEncoding, message, cause)
}

func NewIntegrityError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeIntegrity, message, cause).
		WithUserMessage("The backup failed its integrity check and cannot be used")
}

// NewNotFoundError creates an error for an unknown entity id
func NewNotFoundError(entity, id string) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("%s %q not found", entity, id), nil).
		WithContext("entity", entity).
		WithContext("id", id)
}

func NewAlreadyRunningError(familyID, runID string) *AppError {
	return NewAppError(ErrorTypeAlreadyRunning, fmt.Sprintf("a sync is already running for family %s", familyID), nil).
		WithContext("family_id", familyID).
		WithContext("run_id", runID)
}

func NewAlreadyResolvedError(conflictID string) *AppError {
	return NewAppError(ErrorTypeAlreadyResolved, fmt.Sprintf("conflict %s is already resolved", conflictID), nil).
		WithContext("conflict_id", conflictID)
}

func NewOfflineError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeOffline, message, cause).
		WithUserMessage("The remote store is unreachable; try again when online or force the sync")
}

func NewTransportError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeTransport, message, cause)
}

// NewAmbiguousMergeError reports the fields that changed on both sides
func NewAmbiguousMergeError(recordID string, fields []string) *AppError {
	return NewAppError(ErrorTypeAmbiguousMerge, fmt.Sprintf("record %s has overlapping changes in %v", recordID, fields), nil).
		WithContext("record_id", recordID).
		WithContext("fields", fields)
}

func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeStorage, message, cause)
}

func NewRollbackError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeRollback, message, cause)
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}
	if sqlErr := ec.classifySQLError(err); sqlErr != nil {
		return sqlErr
	}
	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}
	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifySQLError classifies state repository driver errors
func (ec *ErrorClassifier) classifySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045:
			return NewAppError(ErrorTypePermission,
				"State database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1062:
			return NewAppError(ErrorTypeStorage,
				"Duplicate entry - record already exists", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1205, 1213:
			return NewRecoverableError(ErrorTypeStorage,
				"Lock wait timeout or deadlock in state database", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003, 2006:
			return NewRecoverableError(ErrorTypeConnection,
				"State database connection lost", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeStorage,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeNotFound, "No rows found", err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return NewAppError(ErrorTypeStorage, "Transaction has already been committed or rolled back", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout,
			"Network operation timed out", err)
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout,
			"Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption,
			"Operation was canceled", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewAppError(ErrorTypeNotFound,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewAppError(ErrorTypeStorage,
				"No space left on device", err)
		}
	}

	return nil
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is an AppError of the given type
func IsType(err error, t ErrorType) bool {
	return err != nil && GetErrorType(err) == t
}

func IsNotFound(err error) bool        { return IsType(err, ErrorTypeNotFound) }
func IsIntegrity(err error) bool       { return IsType(err, ErrorTypeIntegrity) }
func IsEncoding(err error) bool        { return IsType(err, ErrorTypeEncoding) }
func IsAlreadyRunning(err error) bool  { return IsType(err, ErrorTypeAlreadyRunning) }
func IsAlreadyResolved(err error) bool { return IsType(err, ErrorTypeAlreadyResolved) }
func IsOffline(err error) bool         { return IsType(err, ErrorTypeOffline) }
func IsTransport(err error) bool       { return IsType(err, ErrorTypeTransport) }
func IsValidation(err error) bool      { return IsType(err, ErrorTypeValidation) }
func IsAmbiguousMerge(err error) bool  { return IsType(err, ErrorTypeAmbiguousMerge) }

// IsNoOp reports errors the caller should treat as a no-op rather than a failure
func IsNoOp(err error) bool {
	return IsAlreadyRunning(err)
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	return "An unexpected error occurred. Please check the logs for more details."
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped := NewAppError(appErr.Type, message, err)
		wrapped.Recoverable = appErr.Recoverable
		return wrapped
	}

	classified := NewErrorClassifier().ClassifyError(err)
	classified.Message = message
	return classified
}
