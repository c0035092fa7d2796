// Package errors defines unified error types for provider and decision
// service operations. All provider-specific errors are mapped to these
// standard error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// LLMError represents a standardized error from an LLM provider.
// It contains all necessary information for error handling, logging,
// and outcome reporting.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeNotConfigured      = "not_configured_error"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewContextLengthError creates a context window overflow error (400).
func NewContextLengthError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeContextLength,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotConfiguredError reports that an adapter is missing the credentials or
// settings it needs to make any call at all. Distinct from request failures:
// it is raised before any network I/O.
func NewNotConfiguredError(provider, model, message string) *LLMError {
	return &LLMError{
		Message:   message,
		Type:      TypeNotConfigured,
		Provider:  provider,
		Model:     model,
		Retryable: false,
	}
}

// IsNotConfigured reports whether err is a not-configured error.
func IsNotConfigured(err error) bool {
	var llmErr *LLMError
	return errors.As(err, &llmErr) && llmErr.Type == TypeNotConfigured
}

// ValidationError reports a client-side input validation failure. It is
// always raised locally, before any network call.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// FailureCategory maps an error onto the closed set of outcome failure
// categories accepted by the decision service.
func FailureCategory(err error) string {
	var llmErr *LLMError
	if !errors.As(err, &llmErr) {
		return "provider_error"
	}
	switch llmErr.Type {
	case TypeTimeout:
		return "timeout"
	case TypeRateLimit:
		return "rate_limited"
	case TypeAuthentication:
		return "auth_error"
	case TypeContextLength:
		return "context_exceeded"
	case TypeInvalidRequest:
		return "validation_failed"
	case TypeNotConfigured, TypeNotFound, TypeServiceUnavailable, TypeInternalError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// ErrorType returns the error's type label for span attributes and outcome
// reasons. Non-LLMError values report as "error".
func ErrorType(err error) string {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return "error"
}
