package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup orchestration
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeConfig             BackupErrorType = "CONFIG_ERROR"
	BackupErrorTypeExecution          BackupErrorType = "EXECUTION_ERROR"
	BackupErrorTypeValidation         BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeRetryExhausted     BackupErrorType = "RETRY_EXHAUSTED_ERROR"
	BackupErrorTypeStorageUnavailable BackupErrorType = "STORAGE_UNAVAILABLE_ERROR"
	BackupErrorTypeCompression        BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeNotFound           BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeState              BackupErrorType = "STATE_ERROR"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewConfigError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfig, message, cause)
}

func NewExecutionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeExecution, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewRetryExhaustedError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRetryExhausted, message, cause)
}

func NewStorageUnavailableError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorageUnavailable, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

// Lifecycle outcomes that callers treat as informational rather than failures.
var (
	ErrSchedulerRunning    = errors.New("scheduler already running")
	ErrSchedulerNotRunning = errors.New("scheduler not running")
	ErrTickInProgress      = errors.New("previous tick still in progress")
	ErrTenantBusy          = errors.New("tenant backup already running")
)

// ValidationFieldError is a single invalid configuration field
type ValidationFieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationFieldError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of field errors
type ValidationErrors []ValidationFieldError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationFieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func errorType(err error) (BackupErrorType, bool) {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type, true
	}
	return "", false
}

// IsRetryable reports whether the failure should go through the retry path
func IsRetryable(err error) bool {
	t, ok := errorType(err)
	if !ok {
		return err != nil
	}
	switch t {
	case BackupErrorTypeExecution, BackupErrorTypeValidation, BackupErrorTypeCompression:
		return true
	default:
		return false
	}
}

// IsConfigError reports whether err is a per-tenant configuration problem
func IsConfigError(err error) bool {
	t, ok := errorType(err)
	return ok && t == BackupErrorTypeConfig
}

// IsStorageUnavailable reports whether err means the storage root is unreachable
func IsStorageUnavailable(err error) bool {
	t, ok := errorType(err)
	return ok && t == BackupErrorTypeStorageUnavailable
}

// IsNotFound reports whether err is a missing-entity error
func IsNotFound(err error) bool {
	t, ok := errorType(err)
	return ok && t == BackupErrorTypeNotFound
}
