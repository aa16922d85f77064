package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

func TestReserveForProductIsIdempotent(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, "ref-guard")
	guard := f.reservations(t, 0)
	ctx := context.Background()

	first, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: "sku-a"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first.AlreadyReserved || first.Reservation.QuantityReserved != 2 || first.Reservation.Status != domain.ReservationStatusReserved {
		t.Fatalf("unexpected first result %+v", first)
	}
	versionAfterFirst := f.detail(t, order.ID).Order.Version

	second, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: "sku-a"})
	if err != nil {
		t.Fatalf("repeat reserve: %v", err)
	}
	if !second.AlreadyReserved || second.Reservation.ID != first.Reservation.ID {
		t.Fatalf("expected existing reservation, got %+v", second)
	}

	detail := f.detail(t, order.ID)
	if len(detail.Reservations) != 1 {
		t.Fatalf("expected one persisted reservation, got %d", len(detail.Reservations))
	}
	if detail.Order.Version != versionAfterFirst {
		t.Fatalf("expected no writes on repeat, version moved %d -> %d", versionAfterFirst, detail.Order.Version)
	}
}

func TestReserveForProductNotFound(t *testing.T) {
	f := newFixture(t)
	guard := f.reservations(t, 0)
	ctx := context.Background()

	if _, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: "ord_missing", ProductID: "sku-a"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}

	order := f.createOrder(t, "ref-missing-item")
	_, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: "sku-z"})
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) || notFound.Resource != "order item" {
		t.Fatalf("expected order item not found, got %v", err)
	}
}

func TestReserveForProductAfterReleaseCreatesNewHold(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, "ref-rereserve")
	guard := f.reservations(t, 0)
	ctx := context.Background()

	first, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: "sku-b"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := guard.Release(ctx, ReservationCommand{OrderID: order.ID, ReservationID: first.Reservation.ID, Reason: "edit"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: "sku-b"})
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if second.AlreadyReserved || second.Reservation.ID == first.Reservation.ID {
		t.Fatalf("expected a fresh reservation, got %+v", second)
	}
}

func TestConfirmAllPublishesCartCompletion(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, "ref-cart")
	guard := f.reservations(t, 0)
	ctx := context.Background()
	for _, sku := range []string{"sku-a", "sku-b"} {
		if _, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: sku}); err != nil {
			t.Fatalf("reserve %s: %v", sku, err)
		}
	}

	confirmed, err := guard.ConfirmAll(ctx, order.ID, "")
	if err != nil {
		t.Fatalf("confirm all: %v", err)
	}
	if len(confirmed) != 2 {
		t.Fatalf("expected two confirmations, got %d", len(confirmed))
	}
	types := f.publisher.types()
	if types[len(types)-1] != orderEventCartCompleted {
		t.Fatalf("expected cart completed event, got %v", types)
	}

	fulfilled, err := guard.Fulfill(ctx, ReservationCommand{OrderID: order.ID, ReservationID: confirmed[0].ID})
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if fulfilled.Status != domain.ReservationStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", fulfilled.Status)
	}
	if _, err := guard.Release(ctx, ReservationCommand{OrderID: order.ID, ReservationID: fulfilled.ID}); !errors.Is(err, domain.ErrBusinessRule) {
		t.Fatalf("expected fulfilled reservation to be terminal, got %v", err)
	}
}

func TestExpireStaleExpiresLapsedHolds(t *testing.T) {
	f := newFixture(t)
	now := testNow
	f.deps.Clock = func() time.Time { return now }
	order := f.createOrder(t, "ref-expire")
	guard := f.reservations(t, 10*time.Minute)
	ctx := context.Background()

	if _, err := guard.ReserveForProduct(ctx, ReserveCommand{OrderID: order.ID, ProductID: "sku-a"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if expired, err := guard.ExpireStale(ctx, order.ID); err != nil || len(expired) != 0 {
		t.Fatalf("expected nothing expired yet, got %v %v", expired, err)
	}

	now = now.Add(11 * time.Minute)
	expired, err := guard.ExpireStale(ctx, order.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].Status != domain.ReservationStatusExpired {
		t.Fatalf("expected one expired reservation, got %+v", expired)
	}
}
