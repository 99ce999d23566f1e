package shopify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/listing-auditor/api/internal/domain"
)

const (
	defaultRequestsPerSecond = 2
	defaultBurst             = 4
)

// TokenResolver returns the admin access token for a shop.
type TokenResolver interface {
	Token(ctx context.Context, shopDomain string) (string, error)
}

// TokenResolverFunc adapts a function to TokenResolver.
type TokenResolverFunc func(ctx context.Context, shopDomain string) (string, error)

// Token implements TokenResolver.
func (f TokenResolverFunc) Token(ctx context.Context, shopDomain string) (string, error) {
	return f(ctx, shopDomain)
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	Tokens            TokenResolver
	APIVersion        string
	BaseURL           string
	HTTPClient        HTTPClient
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// Connector hands out shop-bound clients. Each shop gets its own limiter
// since the store meters calls per shop.
type Connector struct {
	tokens     TokenResolver
	apiVersion string
	baseURL    string
	http       HTTPClient
	limit      rate.Limit
	burst      int
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewConnector validates cfg and returns a connector.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("shopify: token resolver is required")
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		tokens:     cfg.Tokens,
		apiVersion: cfg.APIVersion,
		baseURL:    cfg.BaseURL,
		http:       cfg.HTTPClient,
		limit:      rate.Limit(rps),
		burst:      burst,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// ForShop resolves the shop's token and returns a client bound to it.
func (c *Connector) ForShop(ctx context.Context, shopDomain string) (*Client, error) {
	shop := domain.NormalizeShopDomain(shopDomain)
	if shop == "" {
		return nil, ErrShopRequired
	}
	token, err := c.tokens.Token(ctx, shop)
	if err != nil {
		return nil, fmt.Errorf("shopify: resolve token for %s: %w", shop, err)
	}
	return NewClient(ClientConfig{
		ShopDomain:  shop,
		AccessToken: token,
		APIVersion:  c.apiVersion,
		BaseURL:     c.baseURL,
		HTTPClient:  c.http,
		Limiter:     c.limiterFor(shop),
		Logger:      c.logger,
	})
}

func (c *Connector) limiterFor(shop string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[shop]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[shop] = limiter
	}
	return limiter
}
