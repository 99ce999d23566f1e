package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/listing-auditor/api/internal/domain"
	"github.com/listing-auditor/api/internal/platform/httpx"
	"github.com/listing-auditor/api/internal/platform/observability"
	"github.com/listing-auditor/api/internal/platform/requestctx"
)

const (
	// DeliveryHeader carries the platform's unique id for one webhook delivery.
	// Retries of the same delivery reuse it.
	DeliveryHeader   = "X-Shopify-Webhook-Id"
	replayHeaderName = "X-Webhook-Replay"
)

// Middleware results passed to the observer.
const (
	ResultDuplicate  = "duplicate"
	ResultInProgress = "in_progress"
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	lease      time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	observe    func(result string)
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header the delivery id is read from.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long completed deliveries are remembered.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithPendingLease configures how long an unfinished delivery blocks
// redeliveries of the same id.
func WithPendingLease(lease time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if lease > 0 {
			cfg.lease = lease
		}
	}
}

// WithLogger sets the logger for store failures.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithObserver receives ResultDuplicate and ResultInProgress for requests the
// middleware answers itself.
func WithObserver(observe func(result string)) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.observe = observe
	}
}

// Middleware suppresses redelivered webhooks. The first delivery of an id runs
// the handler; a 2xx response is stored and replayed to later deliveries of
// the same id, anything else (including a panic) is forgotten so the retry is
// handled afresh. Requests without the header pass through, and store
// failures fail open.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: DeliveryHeader,
		ttl:        DefaultTTL,
		lease:      DefaultPendingLease,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			deliveryID := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if deliveryID == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			shop := requestctx.Shop(ctx)
			if shop == "" {
				shop = domain.NormalizeShopDomain(r.Header.Get(observability.ShopDomainHeader))
			}
			key := DeliveryKey(shop, deliveryID)
			logger := cfg.logger.With(zap.String("webhook_id", deliveryID), zap.String("shop_domain", shop))

			reservation, err := store.Reserve(ctx, key, cfg.clock().UTC(), cfg.lease)
			if err != nil {
				logger.Warn("webhook dedupe unavailable; handling delivery", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				cfg.notify(ResultDuplicate)
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				cfg.notify(ResultInProgress)
				httpx.WriteError(ctx, w, httpx.NewError("delivery_in_progress", "this delivery is already being handled", http.StatusConflict))
				return
			}

			finished := false
			defer func() {
				if finished {
					return
				}
				// handler panicked; free the key so the redelivery runs
				if err := store.Release(context.WithoutCancel(ctx), key); err != nil {
					logger.Warn("webhook dedupe: failed to release delivery", zap.Error(err))
				}
			}()

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)
			finished = true

			if recorder.Status() >= 200 && recorder.Status() < 300 {
				resp := Response{
					Status:      recorder.Status(),
					ContentType: recorder.Header().Get("Content-Type"),
					Body:        recorder.Body(),
				}
				if err := store.Complete(ctx, key, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
					logger.Warn("webhook dedupe: failed to store response", zap.Error(err))
				}
			} else if err := store.Release(ctx, key); err != nil {
				logger.Warn("webhook dedupe: failed to release delivery", zap.Error(err))
			}
		})
	}
}

func (c middlewareConfig) notify(result string) {
	if c.observe != nil {
		c.observe(result)
	}
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// responseRecorder passes writes through while keeping a copy of the body.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(data)
	return r.ResponseWriter.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Body() []byte {
	if r.body.Len() == 0 {
		return nil
	}
	return r.body.Bytes()
}
