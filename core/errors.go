package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorBadInput       = "OPENFINANCE_BAD_INPUT"
	ServiceErrorConfiguration  = "OPENFINANCE_CONFIGURATION_ERROR"
	ServiceErrorConsentExpired = "OPENFINANCE_CONSENT_EXPIRED"
	ServiceErrorExternalAPI    = "OPENFINANCE_EXTERNAL_API_ERROR"
	ServiceErrorNotSyncable    = "OPENFINANCE_NOT_SYNCABLE"
	ServiceErrorAlreadySyncing = "OPENFINANCE_ALREADY_SYNCING"
	ServiceErrorNotFound       = "OPENFINANCE_NOT_FOUND"
	ServiceErrorInternal       = "OPENFINANCE_INTERNAL_ERROR"
)

// NewConfigurationError marks missing or invalid OAuth/certificate
// configuration. Fatal at startup or consent initiation; never retried.
func NewConfigurationError(message string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, goerrors.CategoryValidation).
			WithTextCode(ServiceErrorConfiguration),
	)
}

// NewConsentExpiredError signals that a token is unusable. It blocks the sync
// attempt immediately and is never retried.
func NewConsentExpiredError(message string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(ServiceErrorConsentExpired),
	)
}

// NewExternalAPIError wraps a remote/network failure with the institution's
// status code. A zero status code means the call never reached the remote.
func NewExternalAPIError(statusCode int, message string) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryExternal).
		WithTextCode(ServiceErrorExternalAPI).
		WithMetadata(map[string]any{"status_code": statusCode})
	return ensureServiceErrorEnvelope(err)
}

func NewNotSyncableError(message string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, goerrors.CategoryConflict).
			WithTextCode(ServiceErrorNotSyncable),
	)
}

func NewAlreadySyncingError(message string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, goerrors.CategoryConflict).
			WithTextCode(ServiceErrorAlreadySyncing),
	)
}

func IsConfigurationError(err error) bool {
	return hasTextCode(err, ServiceErrorConfiguration)
}

func IsConsentExpired(err error) bool {
	return hasTextCode(err, ServiceErrorConsentExpired)
}

func IsNotSyncable(err error) bool {
	return hasTextCode(err, ServiceErrorNotSyncable)
}

func IsAlreadySyncing(err error) bool {
	return hasTextCode(err, ServiceErrorAlreadySyncing)
}

// ExternalAPIStatusCode extracts the remote status code from an external API
// error. The second return is false for any other error kind.
func ExternalAPIStatusCode(err error) (int, bool) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return 0, false
	}
	if !strings.EqualFold(strings.TrimSpace(richErr.TextCode), ServiceErrorExternalAPI) {
		return 0, false
	}
	if richErr.Metadata == nil {
		return 0, true
	}
	if code, ok := richErr.Metadata["status_code"].(int); ok {
		return code, true
	}
	return 0, true
}

// IsRetryable reports whether a failure is transient per the retry policy:
// network-level failures and remote 5xx responses retry, everything else is
// terminal for the attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsConsentExpired(err) || IsConfigurationError(err) || IsNotSyncable(err) || IsAlreadySyncing(err) {
		return false
	}
	status, ok := ExternalAPIStatusCode(err)
	if !ok {
		return false
	}
	return status == 0 || status >= http.StatusInternalServerError
}

func hasTextCode(err error, textCode string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(richErr.TextCode), textCode)
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorNotFound)
	case strings.Contains(msg, "lock already held"):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorAlreadySyncing)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ServiceErrorConsentExpired
	case goerrors.CategoryConflict:
		return ServiceErrorAlreadySyncing
	case goerrors.CategoryExternal:
		return ServiceErrorExternalAPI
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var defaultErrorMapper = serviceErrorMapper
