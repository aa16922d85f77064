package idempotency

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many reservations pass between scans for expired records.
const sweepEvery = 256

// MemoryStore keeps records in process for single-replica and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	reserved int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now, ttl = now.UTC(), effectiveTTL(ttl)
	id := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweep(now)

	if existing, live := s.live(id, now); live {
		return reservationFor(existing, fingerprint)
	}
	fresh := pendingRecord(key, fingerprint, now, ttl)
	s.records[id] = fresh
	return Reservation{State: ReservationStateNew, Record: fresh}, nil
}

// Complete stores resp. A missing reservation (expired meanwhile) is recreated rather than rejected.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now, ttl = now.UTC(), effectiveTTL(ttl)
	id := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	base, found := s.records[id]
	switch {
	case !found:
		base = pendingRecord(key, fingerprint, now, ttl)
	case base.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}
	s.records[id] = completeRecord(base, resp, now, ttl)
	return nil
}

// Release forgets the reservation when fingerprint still owns it.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, found := s.records[id]; found && rec.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) live(id string, now time.Time) (Record, bool) {
	rec, found := s.records[id]
	return rec, found && now.Before(rec.ExpiresAt)
}

// maybeSweep must be called with mu held.
func (s *MemoryStore) maybeSweep(now time.Time) {
	s.reserved++
	if s.reserved%sweepEvery != 0 {
		return
	}
	for id, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, id)
		}
	}
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
