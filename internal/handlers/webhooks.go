package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/listing-auditor/api/internal/domain"
	"github.com/listing-auditor/api/internal/platform/httpx"
	"github.com/listing-auditor/api/internal/platform/observability"
	"github.com/listing-auditor/api/internal/platform/requestctx"
	"github.com/listing-auditor/api/internal/services"
)

const (
	maxWebhookBody       = 1 << 20
	webhookWindow        = time.Minute
	legacyProductWebhook = "/webhook/product-update"
)

// Webhook results reported to WebhookMetrics.
const (
	webhookAccepted    = "accepted"
	webhookRejected    = "rejected"
	webhookThrottled   = "throttled"
	webhookUnavailable = "unavailable"
)

// AuditDispatcher hands a decoded product to background processing.
type AuditDispatcher interface {
	Dispatch(ctx context.Context, product domain.Product) error
}

// WebhookMetrics counts webhook deliveries by result.
type WebhookMetrics interface {
	ObserveWebhook(result string)
}

// WebhookHandlers receives product update events.
type WebhookHandlers struct {
	dispatcher  AuditDispatcher
	metrics     WebhookMetrics
	defaultShop string
	limit       int
	clock       func() time.Time
	limiter     rateLimiter
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookDispatcher sets the dispatcher accepted events are handed to.
func WithWebhookDispatcher(d AuditDispatcher) WebhookOption {
	return func(h *WebhookHandlers) {
		h.dispatcher = d
	}
}

// WithWebhookMetrics sets the delivery counter.
func WithWebhookMetrics(m WebhookMetrics) WebhookOption {
	return func(h *WebhookHandlers) {
		h.metrics = m
	}
}

// WithWebhookDefaultShop sets the shop assumed when the delivery carries no
// shop domain header, as in single-store deployments.
func WithWebhookDefaultShop(shop string) WebhookOption {
	return func(h *WebhookHandlers) {
		h.defaultShop = domain.NormalizeShopDomain(shop)
	}
}

// WithWebhookRateLimit caps deliveries per shop per minute. Zero disables it.
func WithWebhookRateLimit(perMinute int) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limit = perMinute
	}
}

// WithWebhookClock overrides the clock used by the rate limiter.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(h *WebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewWebhookHandlers builds the webhook receiver.
func NewWebhookHandlers(opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.limiter = newFixedWindowLimiter(h.limit, webhookWindow, h.clock)
	return h
}

// Routes registers the handlers under the /webhooks group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/products/update", h.productUpdate)
}

// LegacyRoutes registers the original root-level endpoint.
func (h *WebhookHandlers) LegacyRoutes(r chi.Router) {
	r.Post(legacyProductWebhook, h.productUpdate)
}

func (h *WebhookHandlers) productUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dispatcher == nil {
		h.observe(webhookUnavailable)
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "audit pipeline unavailable", http.StatusServiceUnavailable))
		return
	}

	shop := requestctx.Shop(ctx)
	if shop == "" {
		shop = r.Header.Get(observability.ShopDomainHeader)
	}
	shop = domain.NormalizeShopDomain(shop)
	if shop == "" {
		shop = h.defaultShop
	}
	if shop == "" {
		h.observe(webhookRejected)
		httpx.WriteError(ctx, w, httpx.NewError("shop_required", "shop domain header is required", http.StatusBadRequest))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(shop) {
		h.observe(webhookThrottled)
		w.Header().Set("Retry-After", strconv.Itoa(int(webhookWindow.Seconds())))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries for shop", http.StatusTooManyRequests))
		return
	}

	reader := http.MaxBytesReader(w, r.Body, maxWebhookBody)
	defer reader.Close()

	var payload productWebhookPayload
	if err := json.NewDecoder(reader).Decode(&payload); err != nil {
		h.observe(webhookRejected)
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest))
		return
	}
	if payload.ID == 0 {
		h.observe(webhookRejected)
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "product id is required", http.StatusBadRequest))
		return
	}

	product := payload.toProduct(shop)
	if err := h.dispatcher.Dispatch(requestctx.WithShop(ctx, shop), product); err != nil {
		h.observe(webhookUnavailable)
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrDispatcherClosed) {
			status = http.StatusServiceUnavailable
		}
		httpx.WriteError(ctx, w, httpx.NewError("dispatch_failed", "audit could not be scheduled", status))
		return
	}

	h.observe(webhookAccepted)
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":     "received",
		"product_id": product.ID,
	})
}

func (h *WebhookHandlers) observe(result string) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(result)
	}
}

// productWebhookPayload is the subset of the products/update body the
// auditor reads. Unknown fields are ignored.
type productWebhookPayload struct {
	ID       int64                 `json:"id"`
	Title    string                `json:"title"`
	BodyHTML *string               `json:"body_html"`
	Vendor   string                `json:"vendor"`
	Variants []variantWebhookEntry `json:"variants"`
}

type variantWebhookEntry struct {
	ID      int64        `json:"id"`
	Title   string       `json:"title"`
	Weight  lenientFloat `json:"weight"`
	Barcode *string      `json:"barcode"`
	SKU     *string      `json:"sku"`
}

func (p productWebhookPayload) toProduct(shop string) domain.Product {
	variants := make([]domain.Variant, 0, len(p.Variants))
	for _, v := range p.Variants {
		variants = append(variants, domain.Variant{
			ID:      v.ID,
			Title:   v.Title,
			Weight:  float64(v.Weight),
			Barcode: derefString(v.Barcode),
			SKU:     derefString(v.SKU),
		})
	}
	return domain.Product{
		ID:          p.ID,
		ShopDomain:  shop,
		Title:       strings.TrimSpace(p.Title),
		Description: p.BodyHTML,
		Vendor:      strings.TrimSpace(p.Vendor),
		Variants:    variants,
	}
}

// lenientFloat accepts a JSON number, a numeric string or null. Stores have
// sent weight in both shapes.
type lenientFloat float64

func (f *lenientFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("weight %q is not a number", s)
		}
		*f = lenientFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = lenientFloat(v)
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
