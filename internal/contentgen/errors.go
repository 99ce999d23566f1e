package contentgen

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	domain "github.com/listing-auditor/api/internal/domain"
)

const (
	codeInsufficientQuota = "insufficient_quota"
	codeInvalidAPIKey     = "invalid_api_key"
)

var (
	// ErrQuotaExceeded signals the account has no credit left.
	ErrQuotaExceeded = errors.New("contentgen: quota exhausted")
	// ErrInvalidCredential signals the API key was rejected.
	ErrInvalidCredential = errors.New("contentgen: invalid credential")
	// ErrNoClassification is returned when the model did not answer with a numeric category.
	ErrNoClassification = errors.New("contentgen: no classification")
	// ErrEmptyCompletion is returned when the model produced no text.
	ErrEmptyCompletion = errors.New("contentgen: empty completion")
	// ErrNotConfigured is returned when no API key is available.
	ErrNotConfigured = errors.New("contentgen: api key not configured")
)

// APIError captures a non-2xx response from the completions endpoint.
type APIError struct {
	Status  int
	Code    string
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("contentgen: status %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("contentgen: status %d: %s", e.Status, msg)
}

// Unwrap maps well-known error codes onto the package sentinels.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch {
	case e.Code == codeInsufficientQuota || e.Type == codeInsufficientQuota:
		return ErrQuotaExceeded
	case e.Status == http.StatusUnauthorized || e.Code == codeInvalidAPIKey:
		return ErrInvalidCredential
	default:
		return nil
	}
}

// FailureKindOf classifies a generator error for diagnostic tagging.
func FailureKindOf(err error) domain.FailureKind {
	switch {
	case err == nil:
		return domain.FailureKindNone
	case errors.Is(err, ErrQuotaExceeded):
		return domain.FailureKindQuotaExhausted
	case errors.Is(err, ErrInvalidCredential), errors.Is(err, ErrNotConfigured):
		return domain.FailureKindInvalidCredential
	default:
		return domain.FailureKindOther
	}
}
