package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/listing-auditor/api/internal/platform/observability"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func newDelivery(id, shop string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/products/update", bytes.NewBufferString(`{"id":42}`))
	req.Header.Set("Content-Type", "application/json")
	if id != "" {
		req.Header.Set(DeliveryHeader, id)
	}
	if shop != "" {
		req.Header.Set(observability.ShopDomainHeader, shop)
	}
	return req
}

func TestMiddleware_WithoutDeliveryIDPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newDelivery("", "acme.myshopify.com"))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for every request, got %d", calls)
	}
}

func TestMiddleware_ReplaysCompletedDelivery(t *testing.T) {
	store := NewMemoryStore()
	var results []string
	calls := 0
	handler := Middleware(store,
		WithClock(func() time.Time { return fixedTime }),
		WithObserver(func(result string) { results = append(results, result) }),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"received","product_id":42}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newDelivery("delivery-1", "acme.myshopify.com"))

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newDelivery("delivery-1", "ACME.myshopify.com"))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rr2.Code != http.StatusAccepted {
		t.Fatalf("expected replayed status 202, got %d", rr2.Code)
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
	if len(results) != 1 || results[0] != ResultDuplicate {
		t.Fatalf("unexpected observer results %v", results)
	}
}

func TestMiddleware_ScopesDeliveryIDByShop(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newDelivery("delivery-1", "acme.myshopify.com"))
	handler.ServeHTTP(httptest.NewRecorder(), newDelivery("delivery-1", "other.myshopify.com"))

	if calls != 2 {
		t.Fatalf("expected both shops to be handled, got %d calls", calls)
	}
}

func TestMiddleware_FailedDeliveryIsRetried(t *testing.T) {
	store := NewMemoryStore()
	status := http.StatusServiceUnavailable
	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newDelivery("delivery-2", "acme.myshopify.com"))
	if rr1.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr1.Code)
	}

	status = http.StatusAccepted
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newDelivery("delivery-2", "acme.myshopify.com"))
	if rr2.Code != http.StatusAccepted || calls != 2 {
		t.Fatalf("expected retry to reach handler, code=%d calls=%d", rr2.Code, calls)
	}
}

func TestMiddleware_PendingDeliveryReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), DeliveryKey("acme.myshopify.com", "delivery-3"), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while the delivery is pending")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newDelivery("delivery-3", "acme.myshopify.com"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "delivery_in_progress")
}

func TestMiddleware_StoreFailureFailsOpen(t *testing.T) {
	store := &stubStore{reserveErr: errors.New("firestore down")}
	calls := 0
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newDelivery("delivery-4", "acme.myshopify.com"))

	if rr.Code != http.StatusAccepted || calls != 1 {
		t.Fatalf("expected delivery to be handled, code=%d calls=%d", rr.Code, calls)
	}
	if store.completed {
		t.Fatalf("expected no completion after failed reservation")
	}
}

func TestMiddleware_PanickingHandlerReleasesDelivery(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	dedupe := Middleware(store, WithClock(func() time.Time { return fixedTime }))
	handler := observability.RecoveryMiddleware(nil)(dedupe(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusAccepted)
	})))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newDelivery("delivery-6", "acme.myshopify.com"))
		codes = append(codes, rr.Code)
	}

	want := []int{http.StatusInternalServerError, http.StatusAccepted, http.StatusAccepted}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("delivery %d: expected %d, got %d (all %v)", i+1, want[i], codes[i], codes)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run twice, got %d", calls)
	}
}

func TestMiddleware_AbandonedReservationExpiresAfterLease(t *testing.T) {
	store := NewMemoryStore()
	key := DeliveryKey("acme.myshopify.com", "delivery-7")
	if _, err := store.Reserve(context.Background(), key, fixedTime, DefaultPendingLease); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	now := fixedTime.Add(30 * time.Second)
	calls := 0
	handler := Middleware(store,
		WithClock(func() time.Time { return now }),
		WithPendingLease(time.Minute),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newDelivery("delivery-7", "acme.myshopify.com"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 inside the lease, got %d", rr.Code)
	}

	now = fixedTime.Add(DefaultPendingLease)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newDelivery("delivery-7", "acme.myshopify.com"))
	if rr.Code != http.StatusAccepted || calls != 1 {
		t.Fatalf("expected abandoned delivery to be handled, code=%d calls=%d", rr.Code, calls)
	}

	// completed deliveries outlive the lease
	now = now.Add(time.Hour)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newDelivery("delivery-7", "acme.myshopify.com"))
	if rr.Header().Get(replayHeaderName) != "true" || calls != 1 {
		t.Fatalf("expected replay after completion, calls=%d", calls)
	}
}

func TestMemoryStore_ExpiredRecordsAreReusedAndCleaned(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := DeliveryKey("acme.myshopify.com", "delivery-5")

	if _, err := store.Reserve(ctx, key, fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Complete(ctx, key, Response{Status: http.StatusAccepted}, fixedTime, time.Minute); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	later := fixedTime.Add(2 * time.Minute)
	removed, err := store.CleanupExpired(ctx, later, 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one record removed, got %d (%v)", removed, err)
	}

	res, err := store.Reserve(ctx, key, later, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after expiry, got %v", res.State)
	}
}

func TestDeliveryKey(t *testing.T) {
	if got := DeliveryKey(" Acme.myshopify.com ", " abc "); got != "acme.myshopify.com|abc" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := DeliveryKey("acme.myshopify.com", " "); got != "" {
		t.Fatalf("expected empty key for blank id, got %q", got)
	}
}

type stubStore struct {
	reserveErr error
	completed  bool
}

func (s *stubStore) Reserve(context.Context, string, time.Time, time.Duration) (Reservation, error) {
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) Complete(context.Context, string, Response, time.Time, time.Duration) error {
	s.completed = true
	return nil
}

func (s *stubStore) Release(context.Context, string) error {
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
