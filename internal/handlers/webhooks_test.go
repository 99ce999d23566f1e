package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/listing-auditor/api/internal/domain"
	"github.com/listing-auditor/api/internal/platform/observability"
	"github.com/listing-auditor/api/internal/services"
)

type stubDispatcher struct {
	mu       sync.Mutex
	products []domain.Product
	err      error
}

func (s *stubDispatcher) Dispatch(_ context.Context, product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.products = append(s.products, product)
	return nil
}

type stubWebhookMetrics struct {
	results []string
}

func (s *stubWebhookMetrics) ObserveWebhook(result string) {
	s.results = append(s.results, result)
}

const blueMugPayload = `{
	"id": 42,
	"title": "Blue Mug",
	"body_html": "<p>Nice</p>",
	"vendor": "Acme",
	"tags": "kitchen, mugs",
	"admin_graphql_api_id": "gid://shopify/Product/42",
	"variants": [
		{"id": 7, "title": "Default", "weight": 0, "barcode": null, "sku": ""},
		{"id": 8, "title": "Large", "weight": "1.5", "barcode": "0123", "sku": "MUG-L"}
	]
}`

func newWebhookRouter(h *WebhookHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	h.LegacyRoutes(r)
	return r
}

func postWebhook(router http.Handler, path, shop, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if shop != "" {
		req.Header.Set(observability.ShopDomainHeader, shop)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhookHandlersAcceptsProductUpdate(t *testing.T) {
	dispatcher := &stubDispatcher{}
	metrics := &stubWebhookMetrics{}
	router := newWebhookRouter(NewWebhookHandlers(
		WithWebhookDispatcher(dispatcher),
		WithWebhookMetrics(metrics),
	))

	rr := postWebhook(router, "/webhooks/products/update", "Acme.myshopify.com", blueMugPayload)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if body["status"] != "received" || body["product_id"] != float64(42) {
		t.Fatalf("unexpected body %v", body)
	}

	if len(dispatcher.products) != 1 {
		t.Fatalf("expected one dispatched product, got %d", len(dispatcher.products))
	}
	product := dispatcher.products[0]
	if product.ShopDomain != "acme.myshopify.com" {
		t.Fatalf("expected normalized shop, got %q", product.ShopDomain)
	}
	if product.Description == nil || *product.Description != "<p>Nice</p>" {
		t.Fatalf("unexpected description %v", product.Description)
	}
	if len(product.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(product.Variants))
	}
	if product.Variants[0].Barcode != "" || product.Variants[0].Weight != 0 {
		t.Fatalf("unexpected first variant %+v", product.Variants[0])
	}
	if product.Variants[1].Weight != 1.5 || product.Variants[1].SKU != "MUG-L" {
		t.Fatalf("unexpected second variant %+v", product.Variants[1])
	}
	if len(metrics.results) != 1 || metrics.results[0] != webhookAccepted {
		t.Fatalf("unexpected metrics %v", metrics.results)
	}
}

func TestWebhookHandlersIgnoresFieldsTheAuditDoesNotRead(t *testing.T) {
	dispatcher := &stubDispatcher{}
	router := newWebhookRouter(NewWebhookHandlers(WithWebhookDispatcher(dispatcher)))

	body := `{"id": 43, "title": "Mug", "tags": ["not", "a", "string"], "updated_at": "yesterday", "variants": []}`
	rr := postWebhook(router, "/webhooks/products/update", "acme.myshopify.com", body)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(dispatcher.products) != 1 || dispatcher.products[0].ID != 43 {
		t.Fatalf("unexpected dispatched products %+v", dispatcher.products)
	}
}

func TestWebhookHandlersLegacyRouteUsesDefaultShop(t *testing.T) {
	dispatcher := &stubDispatcher{}
	router := newWebhookRouter(NewWebhookHandlers(
		WithWebhookDispatcher(dispatcher),
		WithWebhookDefaultShop("https://acme.myshopify.com/"),
	))

	rr := postWebhook(router, "/webhook/product-update", "", `{"id": 5, "title": "Lamp", "body_html": null}`)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := dispatcher.products[0]; got.ShopDomain != "acme.myshopify.com" || got.Description != nil {
		t.Fatalf("unexpected product %+v", got)
	}
}

func TestWebhookHandlersRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		shop string
		body string
		code string
	}{
		{name: "missing shop", body: `{"id": 1}`, code: "shop_required"},
		{name: "malformed json", shop: "acme.myshopify.com", body: `{"id":`, code: "invalid_payload"},
		{name: "missing id", shop: "acme.myshopify.com", body: `{"title": "Lamp"}`, code: "invalid_payload"},
		{name: "non numeric weight", shop: "acme.myshopify.com", body: `{"id": 1, "variants": [{"id": 2, "weight": "heavy"}]}`, code: "invalid_payload"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dispatcher := &stubDispatcher{}
			metrics := &stubWebhookMetrics{}
			router := newWebhookRouter(NewWebhookHandlers(
				WithWebhookDispatcher(dispatcher),
				WithWebhookMetrics(metrics),
			))

			rr := postWebhook(router, "/webhooks/products/update", tc.shop, tc.body)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid response: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected error %s, got %v", tc.code, body["error"])
			}
			if len(dispatcher.products) != 0 {
				t.Fatalf("expected nothing dispatched")
			}
			if len(metrics.results) != 1 || metrics.results[0] != webhookRejected {
				t.Fatalf("unexpected metrics %v", metrics.results)
			}
		})
	}
}

func TestWebhookHandlersThrottlesPerShop(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dispatcher := &stubDispatcher{}
	metrics := &stubWebhookMetrics{}
	router := newWebhookRouter(NewWebhookHandlers(
		WithWebhookDispatcher(dispatcher),
		WithWebhookMetrics(metrics),
		WithWebhookRateLimit(2),
		WithWebhookClock(func() time.Time { return now }),
	))

	for i := 1; i <= 2; i++ {
		rr := postWebhook(router, "/webhooks/products/update", "acme.myshopify.com", fmt.Sprintf(`{"id": %d}`, i))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("delivery %d: expected 202, got %d", i, rr.Code)
		}
	}

	rr := postWebhook(router, "/webhooks/products/update", "acme.myshopify.com", `{"id": 3}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	other := postWebhook(router, "/webhooks/products/update", "other.myshopify.com", `{"id": 4}`)
	if other.Code != http.StatusAccepted {
		t.Fatalf("expected other shop to be accepted, got %d", other.Code)
	}

	now = now.Add(time.Minute)
	again := postWebhook(router, "/webhooks/products/update", "acme.myshopify.com", `{"id": 5}`)
	if again.Code != http.StatusAccepted {
		t.Fatalf("expected window reset, got %d", again.Code)
	}
	if len(dispatcher.products) != 4 {
		t.Fatalf("expected 4 dispatched products, got %d", len(dispatcher.products))
	}
}

func TestWebhookHandlersDispatchFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "shutting down", err: fmt.Errorf("dispatch: %w", services.ErrDispatcherClosed), status: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &stubWebhookMetrics{}
			router := newWebhookRouter(NewWebhookHandlers(
				WithWebhookDispatcher(&stubDispatcher{err: tc.err}),
				WithWebhookMetrics(metrics),
			))

			rr := postWebhook(router, "/webhooks/products/update", "acme.myshopify.com", `{"id": 9}`)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if len(metrics.results) != 1 || metrics.results[0] != webhookUnavailable {
				t.Fatalf("unexpected metrics %v", metrics.results)
			}
		})
	}
}

func TestWebhookHandlersWithoutDispatcher(t *testing.T) {
	router := newWebhookRouter(NewWebhookHandlers())

	rr := postWebhook(router, "/webhooks/products/update", "acme.myshopify.com", `{"id": 9}`)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
