package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/listing-auditor/api/internal/domain"
	pfirestore "github.com/listing-auditor/api/internal/platform/firestore"
	"github.com/listing-auditor/api/internal/repositories"
)

const defaultShopCollection = "shops"

// ShopTokenRepository reads admin credentials written by the app install flow.
// Documents are keyed by normalised shop domain.
type ShopTokenRepository struct {
	base *pfirestore.BaseRepository[shopDocument]
}

var _ repositories.ShopTokenRepository = (*ShopTokenRepository)(nil)

type shopDocument struct {
	AccessToken string    `firestore:"accessToken"`
	Scopes      []string  `firestore:"scopes,omitempty"`
	InstalledAt time.Time `firestore:"installedAt"`
	Uninstalled bool      `firestore:"uninstalled,omitempty"`
}

// NewShopTokenRepository constructs the repository. An empty collection name
// uses "shops".
func NewShopTokenRepository(provider *pfirestore.Provider, collection string) (*ShopTokenRepository, error) {
	if provider == nil {
		return nil, errors.New("shop token repository requires firestore provider")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultShopCollection
	}
	return &ShopTokenRepository{base: pfirestore.NewBaseRepository[shopDocument](provider, collection, nil)}, nil
}

// FindByShop loads the credential for shopDomain. Missing, uninstalled or
// token-less documents are reported as not found.
func (r *ShopTokenRepository) FindByShop(ctx context.Context, shopDomain string) (domain.ShopCredential, error) {
	shop := domain.NormalizeShopDomain(shopDomain)
	if shop == "" {
		return domain.ShopCredential{}, errors.New("shop domain is required")
	}

	doc, err := r.base.Get(ctx, shop)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.ShopCredential{}, repositories.ErrShopTokenNotFoundFor(shop)
		}
		return domain.ShopCredential{}, err
	}
	if doc.Data.Uninstalled || strings.TrimSpace(doc.Data.AccessToken) == "" {
		return domain.ShopCredential{}, repositories.ErrShopTokenNotFoundFor(shop)
	}

	installedAt := doc.Data.InstalledAt
	if installedAt.IsZero() {
		installedAt = doc.CreateTime
	}
	return domain.ShopCredential{
		ShopDomain:  shop,
		AccessToken: strings.TrimSpace(doc.Data.AccessToken),
		Scopes:      doc.Data.Scopes,
		InstalledAt: installedAt.UTC(),
	}, nil
}

// Save stores a credential. The install flow owns writes in production; this
// is used for seeding and tests.
func (r *ShopTokenRepository) Save(ctx context.Context, cred domain.ShopCredential) error {
	shop := domain.NormalizeShopDomain(cred.ShopDomain)
	if shop == "" {
		return errors.New("shop domain is required")
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		return errors.New("access token is required")
	}
	installedAt := cred.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now()
	}
	return r.base.Set(ctx, shop, shopDocument{
		AccessToken: strings.TrimSpace(cred.AccessToken),
		Scopes:      cred.Scopes,
		InstalledAt: installedAt.UTC(),
	})
}

// Delete forgets the credential for shopDomain.
func (r *ShopTokenRepository) Delete(ctx context.Context, shopDomain string) error {
	return r.base.Delete(ctx, domain.NormalizeShopDomain(shopDomain))
}
