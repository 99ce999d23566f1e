package repositories

import (
	"errors"
	"fmt"
)

// ErrShopTokenNotFound indicates no credential is stored for the shop.
var ErrShopTokenNotFound = errors.New("repositories: shop token not found")

type notFoundError struct {
	resource string
	key      string
}

// NewNotFoundError returns a RepositoryError reporting a missing record.
func NewNotFoundError(resource, key string) RepositoryError {
	return &notFoundError{resource: resource, key: key}
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("repositories: %s %q not found", e.resource, e.key)
}

func (e *notFoundError) Unwrap() error {
	if e.resource == shopTokenResource {
		return ErrShopTokenNotFound
	}
	return nil
}

func (e *notFoundError) IsNotFound() bool    { return true }
func (e *notFoundError) IsConflict() bool    { return false }
func (e *notFoundError) IsUnavailable() bool { return false }

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
