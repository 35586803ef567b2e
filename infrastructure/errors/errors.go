// Package errors provides unified error handling for the REPL platform.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeUnsupportedLang  ErrorCode = "VAL_3003"
	ErrCodeBlockedPattern   ErrorCode = "VAL_3004"
	ErrCodeOversizeInput    ErrorCode = "VAL_3005"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeStoreError        ErrorCode = "SVC_5002"
	ErrCodeExternalAPI       ErrorCode = "SVC_5003"
	ErrCodeTimeout           ErrorCode = "SVC_5004"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5005"
	ErrCodeUpstream          ErrorCode = "SVC_5006"

	// Discovery / registry lease errors (8xxx)
	ErrCodeConfigError     ErrorCode = "LEASE_8001"
	ErrCodeLeaseNotFound   ErrorCode = "LEASE_8002"
	ErrCodeLeaseExpired    ErrorCode = "LEASE_8003"
	ErrCodeDiscoveryFailed ErrorCode = "LEASE_8004"

	// Execution errors (9xxx)
	ErrCodePullError   ErrorCode = "EXEC_9001"
	ErrCodeCreateError ErrorCode = "EXEC_9002"
	ErrCodeStartError  ErrorCode = "EXEC_9003"
	ErrCodeEngineError ErrorCode = "EXEC_9004"
	ErrCodeCleanupLeak ErrorCode = "EXEC_9005"
	ErrCodeEngineDown  ErrorCode = "EXEC_9006"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func UnsupportedLanguage(language string) *ServiceError {
	return New(ErrCodeUnsupportedLang, "unsupported language", http.StatusBadRequest).
		WithDetails("language", language)
}

// BlockedPattern reports a validation-pipeline rejection, naming the rule that matched.
func BlockedPattern(rule string) *ServiceError {
	return New(ErrCodeBlockedPattern, "code rejected by validation pipeline", http.StatusForbidden).
		WithDetails("rule", rule)
}

func OversizeInput(field string, limit int) *ServiceError {
	return New(ErrCodeOversizeInput, "input exceeds configured limit", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("limit", limit)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func StoreError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStoreError, "backing store operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "external API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Upstream reports a non-2xx response from a downstream service (Gateway -> Orchestrator).
func Upstream(service string, status int) *ServiceError {
	return New(ErrCodeUpstream, "upstream service error", http.StatusBadGateway).
		WithDetails("service", service).
		WithDetails("upstream_status", status)
}

// Registry / lease errors

func ConfigError(reason string) *ServiceError {
	return New(ErrCodeConfigError, "invalid service instance configuration", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func LeaseNotFound(leaseID int64) *ServiceError {
	return New(ErrCodeLeaseNotFound, "lease not found or already expired", http.StatusNotFound).
		WithDetails("lease_id", leaseID)
}

func LeaseExpired(leaseID int64) *ServiceError {
	return New(ErrCodeLeaseExpired, "lease has expired", http.StatusNotFound).
		WithDetails("lease_id", leaseID)
}

// DiscoveryFailed reports that no healthy instance of a service could be found,
// and no fallback was configured or the fallback also failed.
func DiscoveryFailed(service string, err error) *ServiceError {
	status := http.StatusServiceUnavailable
	if err != nil {
		status = http.StatusBadGateway
	}
	return Wrap(ErrCodeDiscoveryFailed, "service discovery failed", status, err).
		WithDetails("service", service)
}

// Execution / engine errors

func PullError(image string, err error) *ServiceError {
	return Wrap(ErrCodePullError, "image pull failed", http.StatusBadGateway, err).
		WithDetails("image", image)
}

func CreateError(err error) *ServiceError {
	return Wrap(ErrCodeCreateError, "container create failed", http.StatusBadGateway, err)
}

func StartError(err error) *ServiceError {
	return Wrap(ErrCodeStartError, "container start failed", http.StatusBadGateway, err)
}

func EngineError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeEngineError, "container engine operation failed", http.StatusBadGateway, err).
		WithDetails("operation", operation)
}

func ExecutionTimeout() *ServiceError {
	return New(ErrCodeTimeout, "execution timeout exceeded", http.StatusRequestTimeout)
}

func EngineUnavailable(err error) *ServiceError {
	return Wrap(ErrCodeEngineDown, "no engine instance available", http.StatusServiceUnavailable, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
