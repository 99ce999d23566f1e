package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery record.
type Status string

const (
	// DefaultTTL covers the platform's webhook retry window.
	DefaultTTL = 48 * time.Hour
	// DefaultPendingLease bounds how long an unfinished delivery blocks its
	// redeliveries, e.g. after the instance handling it died.
	DefaultPendingLease = 2 * time.Minute
	// StatusPending indicates a delivery is being handled and no response is stored yet.
	StatusPending Status = "pending"
	// StatusCompleted indicates the response for the delivery is stored and can be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve a delivery key.
type ReservationState int

const (
	// ReservationStateNew means the delivery has not been seen and the caller may handle it.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means the delivery was handled and its response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is handling the same delivery right now.
	ReservationStatePending
)

// Reservation is the result of reserving a key, including the stored record if any.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one delivery.
type Record struct {
	Key            string
	Status         Status
	ResponseStatus int
	ContentType    string
	ResponseBody   []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Response is what gets stored for replay.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store persists delivery reservations and responses.
type Store interface {
	// Reserve claims key for lease. A pending record older than its lease
	// counts as abandoned and is reclaimed.
	Reserve(ctx context.Context, key string, now time.Time, lease time.Duration) (Reservation, error)
	// Complete stores the response and keeps it for ttl.
	Complete(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// DeliveryKey scopes a delivery id to its shop. Ids are only unique per shop.
func DeliveryKey(shop, deliveryID string) string {
	shop = strings.ToLower(strings.TrimSpace(shop))
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return ""
	}
	return shop + "|" + deliveryID
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func newPendingRecord(key string, now time.Time, lease time.Duration) Record {
	if lease <= 0 {
		lease = DefaultPendingLease
	}
	return Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(lease),
	}
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}
