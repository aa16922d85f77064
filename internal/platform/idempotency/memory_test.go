package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	res, err := store.Reserve(ctx, "user:1|k1", "fp", now, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("first reserve: %+v %v", res, err)
	}
	if res, _ = store.Reserve(ctx, "user:1|k1", "fp", now, time.Minute); res.State != ReservationStatePending {
		t.Fatalf("expected pending, got %v", res.State)
	}
	if _, err := store.Reserve(ctx, "user:1|k1", "other", now, time.Minute); err != ErrFingerprintMismatch {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusCreated, Body: []byte(`{"order":{"id":"ord_1"}}`)}
	if err := store.Complete(ctx, "user:1|k1", "fp", resp, now, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = store.Reserve(ctx, "user:1|k1", "fp", now.Add(30*time.Second), time.Minute)
	if err != nil || res.State != ReservationStateCompleted || res.Record.ResponseStatus != http.StatusCreated {
		t.Fatalf("expected completed replay, got %+v %v", res, err)
	}

	if res, _ = store.Reserve(ctx, "user:1|k1", "fp", now.Add(2*time.Minute), time.Minute); res.State != ReservationStateNew {
		t.Fatalf("expected expired record to be reserved again, got %v", res.State)
	}
	if err := store.Release(ctx, "user:1|k1", "other"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res, _ = store.Reserve(ctx, "user:1|k1", "fp", now.Add(2*time.Minute), time.Minute); res.State != ReservationStatePending {
		t.Fatalf("release by another fingerprint must not free the key, got %v", res.State)
	}
}

func TestMemoryStoreSweepsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < sweepEvery-1; i++ {
		if _, err := store.Reserve(ctx, fmt.Sprintf("k%d", i), "fp", start, time.Second); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if _, err := store.Reserve(ctx, "fresh", "fp", start.Add(time.Hour), time.Hour); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}
	if n := len(store.records); n != 1 {
		t.Fatalf("expected only the fresh record after the sweep, got %d", n)
	}
}
