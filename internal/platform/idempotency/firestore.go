package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/listing-auditor/api/internal/platform/firestore"
)

const (
	defaultCollection   = "webhook_deliveries"
	defaultMaxAttempts  = 5
	defaultCleanupLimit = 100
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used to store deliveries.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore shares delivery records across instances.
type FirestoreStore struct {
	provider    *pfirestore.Provider
	collection  string
	maxAttempts int
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore constructs a Firestore-backed store. The client is dialled
// on first use through provider.
func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	store := &FirestoreStore{
		provider:    provider,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Reserve implements Store inside a transaction so that two instances
// receiving the same delivery cannot both see it as new.
func (s *FirestoreStore) Reserve(ctx context.Context, key string, now time.Time, lease time.Duration) (Reservation, error) {
	now = now.UTC()
	client, err := s.provider.Client(ctx)
	if err != nil {
		return Reservation{}, err
	}
	ref := client.Collection(s.collection).Doc(documentID(key))

	var result Reservation
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc deliveryDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			record := doc.toRecord()
			if !expired(record, now) {
				if record.Status == StatusCompleted {
					result = Reservation{State: ReservationStateCompleted, Record: record}
				} else {
					result = Reservation{State: ReservationStatePending, Record: record}
				}
				return nil
			}
		}
		record := newPendingRecord(key, now, lease)
		if err := tx.Set(ref, documentFromRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return Reservation{}, pfirestore.WrapError("idempotency.reserve", err)
	}
	return result, nil
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	record := Record{
		Key:            key,
		Status:         StatusCompleted,
		ResponseStatus: resp.Status,
		ContentType:    resp.ContentType,
		ResponseBody:   append([]byte(nil), resp.Body...),
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	doc := documentFromRecord(record)
	_, err = client.Collection(s.collection).Doc(documentID(key)).Set(ctx, map[string]any{
		"key":             doc.Key,
		"status":          doc.Status,
		"response_status": doc.ResponseStatus,
		"content_type":    doc.ContentType,
		"response_body":   doc.ResponseBody,
		"updated_at":      doc.UpdatedAt,
		"expires_at":      doc.ExpiresAt,
	}, firestore.MergeAll)
	return pfirestore.WrapError("idempotency.complete", err)
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(s.collection).Doc(documentID(key)).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return pfirestore.WrapError("idempotency.release", err)
}

// CleanupExpired removes expired records up to limit.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).Where("expires_at", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	return len(docs), nil
}

type deliveryDocument struct {
	Key            string    `firestore:"key"`
	Status         string    `firestore:"status"`
	ResponseStatus int       `firestore:"response_status"`
	ContentType    string    `firestore:"content_type"`
	ResponseBody   []byte    `firestore:"response_body"`
	CreatedAt      time.Time `firestore:"created_at"`
	UpdatedAt      time.Time `firestore:"updated_at"`
	ExpiresAt      time.Time `firestore:"expires_at"`
}

func documentFromRecord(r Record) deliveryDocument {
	return deliveryDocument{
		Key:            r.Key,
		Status:         string(r.Status),
		ResponseStatus: r.ResponseStatus,
		ContentType:    r.ContentType,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func (d deliveryDocument) toRecord() Record {
	return Record{
		Key:            d.Key,
		Status:         Status(d.Status),
		ResponseStatus: d.ResponseStatus,
		ContentType:    d.ContentType,
		ResponseBody:   d.ResponseBody,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		ExpiresAt:      d.ExpiresAt,
	}
}
