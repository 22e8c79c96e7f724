package service

import (
	"errors"
	"fmt"
)

// Common service errors - sentinel errors used across service implementations.
// Callers check for them with errors.Is; the API layer maps them to HTTP
// status codes.
var (
	// ErrNotOwned indicates a resource is owned by a different user than the one making the request.
	// API layer should map this to HTTP 403 Forbidden.
	ErrNotOwned = errors.New("resource is owned by another user")

	// ErrInvalidRequest indicates the caller supplied malformed input. Jobs
	// rejected with it are never created.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrJobNotCompleted indicates an artifact was requested for a job that has
	// not completed.
	ErrJobNotCompleted = errors.New("job is not completed")

	// ErrOriginalNotFound indicates a repeated job's original is gone or no
	// longer completed.
	ErrOriginalNotFound = errors.New("original job not found or not completed")

	// ErrArtifactNotFound indicates the requested result file does not exist.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrRegistrationClosed indicates the email is not on the invitation list.
	ErrRegistrationClosed = errors.New("registration is restricted to invited emails")

	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInactiveUser indicates the account has been deactivated.
	ErrInactiveUser = errors.New("user is not active")
)

// ServiceError wraps errors from the services with additional context.
// This allows consumers to differentiate between different types of service errors
// using errors.As instead of string matching.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "submit_job", "stop_jobs")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(operation, message string, err error) *ServiceError {
	return &ServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

func invalidRequest(operation, message string) *ServiceError {
	return NewServiceError(operation, message, ErrInvalidRequest)
}
