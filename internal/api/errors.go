package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/castqueue/internal/api/shared"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/redact"
	"github.com/phrazzld/castqueue/internal/service"
	"github.com/phrazzld/castqueue/internal/service/auth"
	"github.com/phrazzld/castqueue/internal/store"
	"github.com/phrazzld/castqueue/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized

	// Authorization errors
	case errors.Is(err, service.ErrNotOwned),
		errors.Is(err, service.ErrInactiveUser),
		errors.Is(err, service.ErrRegistrationClosed):
		return http.StatusForbidden

	// Not found errors
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, service.ErrOriginalNotFound),
		errors.Is(err, service.ErrArtifactNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, task.ErrNotStoppable):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrJobNotCompleted),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrShuttingDown):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"
	case errors.Is(err, service.ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, service.ErrInactiveUser):
		return "User is not active"
	case errors.Is(err, service.ErrRegistrationClosed):
		return "Registration is restricted to invited emails"
	case errors.Is(err, service.ErrNotOwned):
		return "You do not have access to this job"
	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrUserNotFound):
		return "User not found"
	case errors.Is(err, service.ErrOriginalNotFound):
		return "Original job not found or not completed"
	case errors.Is(err, service.ErrArtifactNotFound):
		return "File not found"
	case errors.Is(err, service.ErrJobNotCompleted):
		return "Job is not completed"
	case errors.Is(err, store.ErrEmailExists):
		return "Email already exists"
	case errors.Is(err, task.ErrNotStoppable):
		return "Job cannot be stopped"
	case errors.Is(err, task.ErrShuttingDown):
		return "Service is shutting down"
	case errors.Is(err, service.ErrInvalidRequest):
		// the service message describes what was wrong with the input
		var serviceErr *service.ServiceError
		if errors.As(err, &serviceErr) && serviceErr.Message != "" {
			return redact.String(serviceErr.Message)
		}
		return "Invalid request"
	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID):
		return "Invalid request"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and safe message for err. fallback
// replaces the generic message of unexpected errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}

	var opts []shared.ResponseOption
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		opts = append(opts, shared.WithElevatedLogLevel())
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err, opts...)
}

// SanitizeValidationError turns validator output into a short message naming
// the first offending field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "email":
		return "invalid email format"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	case "url":
		return "invalid url"
	case "uuid":
		return "invalid id"
	default:
		return "validation failed"
	}
}
