package shopify

import (
	"errors"
	"fmt"
	"net/http"

	domain "github.com/listing-auditor/api/internal/domain"
)

var (
	// ErrTagReadFailed is returned by MergeTags when the current tags could not be read.
	// No write is attempted in that case.
	ErrTagReadFailed = domain.ErrTagReadFailed
	// ErrShopRequired is returned when no shop domain is provided.
	ErrShopRequired = errors.New("shopify: shop domain is required")
	// ErrTokenRequired is returned when no access token is available.
	ErrTokenRequired = errors.New("shopify: access token is required")
	// ErrProductIDRequired is returned for calls without a product identifier.
	ErrProductIDRequired = errors.New("shopify: product id is required")
)

// APIError captures a non-2xx admin API response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Body == "" {
		return fmt.Sprintf("shopify: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("shopify: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether the resource does not exist.
func (e *APIError) IsNotFound() bool {
	return e != nil && e.Status == http.StatusNotFound
}

// IsUnauthorized reports whether the access token was rejected.
func (e *APIError) IsUnauthorized() bool {
	return e != nil && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// IsRateLimited reports whether the store throttled the call.
func (e *APIError) IsRateLimited() bool {
	return e != nil && e.Status == http.StatusTooManyRequests
}
