package repositories

import (
	"context"

	domain "github.com/listing-auditor/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ShopTokenRepository looks up the admin credential stored for a shop.
// Implementations return a RepositoryError with IsNotFound when no credential exists.
type ShopTokenRepository interface {
	FindByShop(ctx context.Context, shopDomain string) (domain.ShopCredential, error)
}

// HealthRepository reports dependency status for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
