package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/listing-auditor/api/internal/domain"
)

const (
	// DefaultAPIVersion is the admin API version used when none is configured.
	DefaultAPIVersion = "2023-10"

	accessTokenHeader = "X-Shopify-Access-Token"
	defaultTimeout    = 15 * time.Second
	maxErrorBody      = 512
)

// HTTPClient is the subset of http.Client used by the store client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// ClientConfig configures a client bound to one shop.
type ClientConfig struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	// BaseURL overrides https://{ShopDomain}; used for proxies and tests.
	BaseURL    string
	HTTPClient HTTPClient
	Limiter    *rate.Limiter
	Logger     *zap.Logger
}

// Client talks to the admin REST API of a single shop.
type Client struct {
	shop    string
	base    string
	token   string
	http    HTTPClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient validates cfg and returns a shop-bound client.
func NewClient(cfg ClientConfig) (*Client, error) {
	shop := domain.NormalizeShopDomain(cfg.ShopDomain)
	if shop == "" {
		return nil, ErrShopRequired
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, ErrTokenRequired
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = DefaultAPIVersion
	}

	root := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if root == "" {
		root = "https://" + shop
	}
	base, err := url.JoinPath(root, "admin", "api", version)
	if err != nil {
		return nil, fmt.Errorf("shopify: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		shop:    shop,
		base:    base,
		token:   token,
		http:    httpClient,
		limiter: cfg.Limiter,
		logger:  logger.With(zap.String("shop", shop)),
	}, nil
}

// Shop returns the normalised shop domain the client is bound to.
func (c *Client) Shop() string {
	return c.shop
}

// ApplyUpdate sends the sparse update in a single PUT.
func (c *Client) ApplyUpdate(ctx context.Context, productID int64, update domain.ProductUpdate) error {
	if productID == 0 {
		return ErrProductIDRequired
	}
	if update.IsEmpty() {
		return nil
	}
	path := productPath(productID)
	if err := c.do(ctx, http.MethodPut, path, productEnvelope{Product: updateBody(productID, update)}, nil); err != nil {
		return err
	}
	c.logger.Debug("product updated",
		zap.Int64("productId", productID),
		zap.Strings("fields", update.Fields()),
	)
	return nil
}

// ProductTags reads the current comma separated tag string of a product.
func (c *Client) ProductTags(ctx context.Context, productID int64) (string, error) {
	if productID == 0 {
		return "", ErrProductIDRequired
	}
	var out tagsEnvelope
	if err := c.do(ctx, http.MethodGet, productPath(productID)+"?fields=id,tags", nil, &out); err != nil {
		return "", err
	}
	return out.Product.Tags, nil
}

// MergeTags reads the current tags once and writes back the union with tags
// when at least one of them is new. It returns the tags actually added.
func (c *Client) MergeTags(ctx context.Context, productID int64, tags ...string) ([]string, error) {
	current, err := c.ProductTags(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTagReadFailed, err)
	}
	merged, added := domain.MergeTags(current, tags...)
	if len(added) == 0 {
		return nil, nil
	}
	body := productEnvelope{Product: productBody{ID: productID, Tags: &merged}}
	if err := c.do(ctx, http.MethodPut, productPath(productID), body, nil); err != nil {
		return nil, err
	}
	c.logger.Debug("product tags merged",
		zap.Int64("productId", productID),
		zap.Strings("added", added),
	)
	return added, nil
}

// MergeTag is MergeTags for a single tag. The boolean reports whether a write happened.
func (c *Client) MergeTag(ctx context.Context, productID int64, tag string) (bool, error) {
	added, err := c.MergeTags(ctx, productID, tag)
	return len(added) > 0, err
}

// ShopName returns the display name of the shop.
func (c *Client) ShopName(ctx context.Context) (string, error) {
	var out shopEnvelope
	if err := c.do(ctx, http.MethodGet, "shop.json", nil, &out); err != nil {
		return "", err
	}
	return out.Shop.Name, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("shopify: rate limiter: %w", err)
		}
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("shopify: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set(accessTokenHeader, c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("shopify: %s %s: %w", method, trimQuery(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Method: method,
			Path:   trimQuery(path),
			Status: resp.StatusCode,
			Body:   drainError(resp.Body),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shopify: decode %s: %w", trimQuery(path), err)
	}
	return nil
}

func productPath(productID int64) string {
	return "products/" + strconv.FormatInt(productID, 10) + ".json"
}

func trimQuery(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

// IsTagReadFailure reports whether err came from the read half of MergeTags.
func IsTagReadFailure(err error) bool {
	return errors.Is(err, ErrTagReadFailed)
}
