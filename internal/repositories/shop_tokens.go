package repositories

import (
	"context"
	"errors"
	"strings"

	domain "github.com/listing-auditor/api/internal/domain"
)

const shopTokenResource = "shop token"

// ErrShopTokenNotFoundFor returns the not-found error for shop.
func ErrShopTokenNotFoundFor(shop string) RepositoryError {
	return NewNotFoundError(shopTokenResource, shop)
}

type staticShopTokenRepository struct {
	tokens map[string]string
}

var _ ShopTokenRepository = (*staticShopTokenRepository)(nil)

// NewStaticShopTokenRepository serves credentials from configuration. Keys are
// shop domains in any casing, values are admin access tokens. Blank entries
// are ignored.
func NewStaticShopTokenRepository(tokens map[string]string) ShopTokenRepository {
	normalized := make(map[string]string, len(tokens))
	for shop, token := range tokens {
		key := domain.NormalizeShopDomain(shop)
		value := strings.TrimSpace(token)
		if key == "" || value == "" {
			continue
		}
		normalized[key] = value
	}
	return &staticShopTokenRepository{tokens: normalized}
}

func (r *staticShopTokenRepository) FindByShop(_ context.Context, shopDomain string) (domain.ShopCredential, error) {
	shop := domain.NormalizeShopDomain(shopDomain)
	token, ok := r.tokens[shop]
	if !ok {
		return domain.ShopCredential{}, ErrShopTokenNotFoundFor(shop)
	}
	return domain.ShopCredential{ShopDomain: shop, AccessToken: token}, nil
}

type chainShopTokenRepository struct {
	repos []ShopTokenRepository
}

// NewChainShopTokenRepository consults repos in order and returns the first
// credential found. Not-found results fall through to the next repository;
// any other error stops the lookup.
func NewChainShopTokenRepository(repos ...ShopTokenRepository) ShopTokenRepository {
	filtered := make([]ShopTokenRepository, 0, len(repos))
	for _, repo := range repos {
		if repo != nil {
			filtered = append(filtered, repo)
		}
	}
	return &chainShopTokenRepository{repos: filtered}
}

func (r *chainShopTokenRepository) FindByShop(ctx context.Context, shopDomain string) (domain.ShopCredential, error) {
	shop := domain.NormalizeShopDomain(shopDomain)
	for _, repo := range r.repos {
		cred, err := repo.FindByShop(ctx, shop)
		if err == nil {
			return cred, nil
		}
		if IsNotFound(err) || errors.Is(err, ErrShopTokenNotFound) {
			continue
		}
		return domain.ShopCredential{}, err
	}
	return domain.ShopCredential{}, ErrShopTokenNotFoundFor(shop)
}

// AccessToken adapts a ShopTokenRepository to a plain token lookup.
func AccessToken(repo ShopTokenRepository) func(ctx context.Context, shopDomain string) (string, error) {
	return func(ctx context.Context, shopDomain string) (string, error) {
		cred, err := repo.FindByShop(ctx, shopDomain)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(cred.AccessToken) == "" {
			return "", ErrShopTokenNotFoundFor(cred.ShopDomain)
		}
		return cred.AccessToken, nil
	}
}
