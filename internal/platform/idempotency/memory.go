package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process. It backs tests and single instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.records[documentID(key)]
	res, write, err := decide(existing, found, key, fingerprint, now.UTC(), ttl)
	if err != nil {
		return Reservation{}, err
	}
	if write {
		s.records[documentID(key)] = res.Record
	}
	return res, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := documentID(key)
	record, ok := s.records[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	if !ok {
		record = pendingRecord(key, fingerprint, now.UTC(), ttl)
	}
	record.Completed = true
	record.Status = resp.Status
	record.ContentType = resp.ContentType
	record.Body = append([]byte(nil), resp.Body...)
	record.ExpiresAt = now.UTC().Add(ttl)
	s.records[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if expired(record, now.UTC()) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
