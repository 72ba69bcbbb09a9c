// Package util provides shared error types and helpers for the mesh.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ValidationError, DispatchFailureError).
//     Each type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// Every structured type matches its sentinel through Is, so
// errors.Is(err, util.ErrCircuitOpen) holds for any *CircuitOpenError.
package util

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Common sentinel errors.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrNoHealthy        = errors.New("no healthy instance")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrForbidden        = errors.New("access denied")
	ErrTimeout          = errors.New("timeout")
	ErrDispatchFailed   = errors.New("dispatch failed")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// ValidationError represents malformed input.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for f, m := range e.Fields {
		parts = append(parts, f+": "+m)
	}
	return fmt.Sprintf("validation error: %s (%s)", e.Message, strings.Join(parts, "; "))
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// HasFields reports whether any field errors were recorded.
func (e *ValidationError) HasFields() bool {
	return len(e.Fields) > 0
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// NotFoundError reports a missing route, instance or service.
type NotFoundError struct {
	Kind string
	Name string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// Is checks if the error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*NotFoundError)
	return ok
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// NoHealthyInstanceError is returned when discovery yields nothing to call.
type NoHealthyInstanceError struct {
	Service string
}

// Error implements the error interface.
func (e *NoHealthyInstanceError) Error() string {
	return fmt.Sprintf("no healthy instance for service %s", e.Service)
}

// Is checks if the error matches the target.
func (e *NoHealthyInstanceError) Is(target error) bool {
	if target == ErrNoHealthy {
		return true
	}
	_, ok := target.(*NoHealthyInstanceError)
	return ok
}

// NewNoHealthyInstanceError creates a new NoHealthyInstanceError.
func NewNoHealthyInstanceError(service string) *NoHealthyInstanceError {
	return &NoHealthyInstanceError{Service: service}
}

// CircuitOpenError is returned when an endpoint's breaker rejects a call.
type CircuitOpenError struct {
	Endpoint string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for endpoint %s", e.Endpoint)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(endpoint string) *CircuitOpenError {
	return &CircuitOpenError{Endpoint: endpoint}
}

// RateLimitedError is returned when a limiter denies admission.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s, retry after %v", e.Key, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Key)
}

// Is checks if the error matches the target.
func (e *RateLimitedError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitedError)
	return ok
}

// NewRateLimitedError creates a new RateLimitedError.
func NewRateLimitedError(key string, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Key: key, RetryAfter: retryAfter}
}

// AuthenticationError reports missing or invalid credentials.
type AuthenticationError struct {
	Reason string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// Is checks if the error matches the target.
func (e *AuthenticationError) Is(target error) bool {
	if target == ErrUnauthenticated {
		return true
	}
	_, ok := target.(*AuthenticationError)
	return ok
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(reason string) *AuthenticationError {
	return &AuthenticationError{Reason: reason}
}

// AuthorizationError reports an authenticated caller lacking permission.
type AuthorizationError struct {
	Subject string
	Reason  string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("access denied for %s: %s", e.Subject, e.Reason)
}

// Is checks if the error matches the target.
func (e *AuthorizationError) Is(target error) bool {
	if target == ErrForbidden {
		return true
	}
	_, ok := target.(*AuthorizationError)
	return ok
}

// NewAuthorizationError creates a new AuthorizationError.
func NewAuthorizationError(subject, reason string) *AuthorizationError {
	return &AuthorizationError{Subject: subject, Reason: reason}
}

// DispatchTimeoutError is returned when a single dispatch exceeds its timeout.
type DispatchTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

// Error implements the error interface.
func (e *DispatchTimeoutError) Error() string {
	return fmt.Sprintf("dispatch to %s timed out after %v", e.Endpoint, e.Timeout)
}

// Is checks if the error matches the target.
func (e *DispatchTimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*DispatchTimeoutError)
	return ok
}

// NewDispatchTimeoutError creates a new DispatchTimeoutError.
func NewDispatchTimeoutError(endpoint string, timeout time.Duration) *DispatchTimeoutError {
	return &DispatchTimeoutError{Endpoint: endpoint, Timeout: timeout}
}

// DispatchFailureError carries a failed upstream call. StatusCode is zero
// for transport failures.
type DispatchFailureError struct {
	Endpoint   string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *DispatchFailureError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("dispatch to %s failed with status %d: %v", e.Endpoint, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("dispatch to %s failed with status %d", e.Endpoint, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("dispatch to %s failed: %v", e.Endpoint, e.Cause)
	default:
		return fmt.Sprintf("dispatch to %s failed", e.Endpoint)
	}
}

// Unwrap returns the underlying error.
func (e *DispatchFailureError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *DispatchFailureError) Is(target error) bool {
	if target == ErrDispatchFailed {
		return true
	}
	_, ok := target.(*DispatchFailureError)
	return ok
}

// NewDispatchFailureError creates a new DispatchFailureError.
func NewDispatchFailureError(endpoint string, statusCode int, cause error) *DispatchFailureError {
	return &DispatchFailureError{Endpoint: endpoint, StatusCode: statusCode, Cause: cause}
}

// RetriesExhaustedError wraps the last failure after all attempts were used.
type RetriesExhaustedError struct {
	Service  string
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("service %s: %d attempts exhausted: %v", e.Service, e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Is checks if the error matches the target.
func (e *RetriesExhaustedError) Is(target error) bool {
	if target == ErrRetriesExhausted {
		return true
	}
	_, ok := target.(*RetriesExhaustedError)
	return ok
}

// NewRetriesExhaustedError creates a new RetriesExhaustedError.
func NewRetriesExhaustedError(service string, attempts int, last error) *RetriesExhaustedError {
	return &RetriesExhaustedError{Service: service, Attempts: attempts, Last: last}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// HTTPStatus maps an error from the taxonomy to the gateway status code.
// Errors outside the taxonomy map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoHealthy):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrDispatchFailed), errors.Is(err, ErrRetriesExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns a short machine-readable code for an error.
func ErrorCode(err error) string {
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "upstream_timeout"
	case http.StatusBadGateway:
		return "upstream_failure"
	default:
		return "internal"
	}
}

// DispatchStatus extracts the upstream status code from err, or zero.
func DispatchStatus(err error) int {
	var df *DispatchFailureError
	if errors.As(err, &df) {
		return df.StatusCode
	}
	return 0
}
