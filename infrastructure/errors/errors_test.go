package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeNotFound, "test message", http.StatusNotFound),
			want: "[RES_4001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[SVC_5001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("email", "invalid format")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
	if err.Details["field"] != "email" {
		t.Errorf("Details[field] = %v, want email", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("user_id")

	if err.Code != ErrCodeMissingParameter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingParameter)
	}
	if err.Details["parameter"] != "user_id" {
		t.Errorf("Details[parameter] = %v, want user_id", err.Details["parameter"])
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	err := UnsupportedLanguage("cobol")

	if err.Code != ErrCodeUnsupportedLang {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUnsupportedLang)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
	if err.Details["language"] != "cobol" {
		t.Errorf("Details[language] = %v, want cobol", err.Details["language"])
	}
}

func TestBlockedPattern(t *testing.T) {
	err := BlockedPattern("fork_bomb")

	if err.Code != ErrCodeBlockedPattern {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeBlockedPattern)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusForbidden)
	}
	if err.Details["rule"] != "fork_bomb" {
		t.Errorf("Details[rule] = %v, want fork_bomb", err.Details["rule"])
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("service_instance", "123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["resource"] != "service_instance" {
		t.Errorf("Details[resource] = %v, want service_instance", err.Details["resource"])
	}
	if err.Details["id"] != "123" {
		t.Errorf("Details[id] = %v, want 123", err.Details["id"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("lease", "abc")

	if err.Code != ErrCodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAlreadyExists)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("connection failed")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestStoreError(t *testing.T) {
	underlying := errors.New("connection timeout")
	err := StoreError("set", underlying)

	if err.Code != ErrCodeStoreError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStoreError)
	}
	if err.Details["operation"] != "set" {
		t.Errorf("Details[operation] = %v, want set", err.Details["operation"])
	}
}

func TestRateLimitExceeded(t *testing.T) {
	err := RateLimitExceeded(60, "1m")

	if err.Code != ErrCodeRateLimitExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRateLimitExceeded)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
	if err.Details["limit"] != 60 {
		t.Errorf("Details[limit] = %v, want 60", err.Details["limit"])
	}
}

func TestUpstream(t *testing.T) {
	err := Upstream("orchestrator", 503)

	if err.Code != ErrCodeUpstream {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUpstream)
	}
	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadGateway)
	}
}

func TestLeaseNotFound(t *testing.T) {
	err := LeaseNotFound(42)

	if err.Code != ErrCodeLeaseNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeLeaseNotFound)
	}
	if err.Details["lease_id"] != int64(42) {
		t.Errorf("Details[lease_id] = %v, want 42", err.Details["lease_id"])
	}
}

func TestDiscoveryFailed(t *testing.T) {
	err := DiscoveryFailed("engine", nil)
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}

	err2 := DiscoveryFailed("engine", errors.New("fallback also failed"))
	if err2.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err2.HTTPStatus, http.StatusBadGateway)
	}
}

func TestPullError(t *testing.T) {
	underlying := errors.New("no such image")
	err := PullError("python:3.11-slim", underlying)

	if err.Code != ErrCodePullError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePullError)
	}
	if err.Details["image"] != "python:3.11-slim" {
		t.Errorf("Details[image] = %v, want python:3.11-slim", err.Details["image"])
	}
}

func TestExecutionTimeout(t *testing.T) {
	err := ExecutionTimeout()

	if err.HTTPStatus != http.StatusRequestTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusRequestTimeout)
	}
}

func TestEngineUnavailable(t *testing.T) {
	err := EngineUnavailable(errors.New("discovery empty"))

	if err.Code != ErrCodeEngineDown {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeEngineDown)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "service error", err: New(ErrCodeInternal, "test", http.StatusInternalServerError), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{name: "service error", err: serviceErr, want: serviceErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "service error", err: New(ErrCodeNotFound, "test", http.StatusNotFound), want: http.StatusNotFound},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConflict(t *testing.T) {
	err := Conflict("resource locked")

	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConflict)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
	if err.Message != "resource locked" {
		t.Errorf("Message = %v, want resource locked", err.Message)
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("engine attach")

	if err.Code != ErrCodeTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTimeout)
	}
	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
	if err.Details["operation"] != "engine attach" {
		t.Errorf("Details[operation] = %v, want engine attach", err.Details["operation"])
	}
}
