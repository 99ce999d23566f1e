package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps delivery records in process. Used when no database is
// configured and in tests; records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key string, now time.Time, lease time.Duration) (Reservation, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	record, ok := s.records[id]
	if !ok || expired(record, now) {
		record = newPendingRecord(key, now, lease)
		s.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	record, ok := s.records[id]
	if !ok {
		record = Record{Key: key, CreatedAt: now}
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ContentType = resp.ContentType
	record.ResponseBody = append([]byte(nil), resp.Body...)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.records[id] = record
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	removed := 0
	for id, record := range s.records {
		if removed >= limit {
			break
		}
		if !expired(record, now) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}
