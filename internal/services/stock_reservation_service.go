package services

import (
	"context"
	"strings"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

// StockReservationServiceDeps bundles collaborators required to construct the reservation guard.
type StockReservationServiceDeps struct {
	CoreDeps
	// ReservationTTL bounds how long a Reserved hold lives before ExpireStale may expire it. Zero disables expiry.
	ReservationTTL time.Duration
}

// stockReservationService is the reservation guard. Its check-then-act sequence in ReserveForProduct is not lock
// protected: it assumes a single writer per order, which the workflow coordinator guarantees by reserving items
// sequentially. Concurrent writers are still caught by the order version CAS, which forces a fresh lookup.
type stockReservationService struct {
	core
	ttl time.Duration
}

var _ StockReservationService = (*stockReservationService)(nil)

// NewStockReservationService wires dependencies into a concrete StockReservationService implementation.
func NewStockReservationService(deps StockReservationServiceDeps) (StockReservationService, error) {
	c, err := deps.CoreDeps.build("stock reservation service")
	if err != nil {
		return nil, err
	}
	ttl := deps.ReservationTTL
	if ttl < 0 {
		ttl = 0
	}
	return &stockReservationService{core: c, ttl: ttl}, nil
}

// ReserveForProduct holds stock for the order line of the product. When an active reservation already exists it is
// returned with AlreadyReserved set and nothing is written.
func (s *stockReservationService) ReserveForProduct(ctx context.Context, cmd ReserveCommand) (ReservationResult, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return ReservationResult{}, &domain.ValidationError{Field: "productId", Reason: "is required"}
	}

	var result ReservationResult
	_, _, err := s.store.mutate(ctx, cmd.OrderID, actorOrSystem(cmd.ActorID), func(agg *domain.Aggregate) error {
		result = ReservationResult{}
		existing, err := s.store.reservations.FindByOrderAndProduct(ctx, agg.ID(), productID)
		switch {
		case err == nil && existing.IsActive():
			result = ReservationResult{Reservation: existing, AlreadyReserved: true}
			return nil
		case err != nil && !repositories.IsNotFound(err):
			return mapRepositoryError(err, "reservation", productID)
		}

		item, ok := agg.FindItem(productID)
		if !ok {
			return &domain.NotFoundError{Resource: "order item", ID: productID}
		}
		reservation, err := agg.ReserveStock(item.ProductID, item.Quantity, s.ttl)
		if err != nil {
			return err
		}
		result.Reservation = reservation
		return nil
	})
	if err != nil {
		return ReservationResult{}, err
	}

	s.logger(ctx, "stock.reservation.guarded", map[string]any{
		"order":           cmd.OrderID,
		"product":         productID,
		"reservation":     result.Reservation.ID,
		"alreadyReserved": result.AlreadyReserved,
	})
	return result, nil
}

func (s *stockReservationService) Confirm(ctx context.Context, cmd ReservationCommand) (domain.StockReservation, error) {
	return s.advanceOne(ctx, cmd, func(agg *domain.Aggregate) (domain.StockReservation, error) {
		return agg.ConfirmReservation(cmd.ReservationID)
	})
}

func (s *stockReservationService) Release(ctx context.Context, cmd ReservationCommand) (domain.StockReservation, error) {
	return s.advanceOne(ctx, cmd, func(agg *domain.Aggregate) (domain.StockReservation, error) {
		return agg.ReleaseReservation(cmd.ReservationID, cmd.Reason)
	})
}

func (s *stockReservationService) Fulfill(ctx context.Context, cmd ReservationCommand) (domain.StockReservation, error) {
	return s.advanceOne(ctx, cmd, func(agg *domain.Aggregate) (domain.StockReservation, error) {
		return agg.FulfillReservation(cmd.ReservationID)
	})
}

// ConfirmAll confirms every Reserved hold of the order. It is the cart completion step of the workflow.
func (s *stockReservationService) ConfirmAll(ctx context.Context, orderID, actor string) ([]domain.StockReservation, error) {
	var confirmed []domain.StockReservation
	agg, _, err := s.store.mutate(ctx, orderID, actorOrSystem(actor), func(agg *domain.Aggregate) error {
		var err error
		confirmed, err = agg.ConfirmAllReservations()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(confirmed) > 0 {
		order := agg.Order()
		s.journal.publish(ctx, OrderEvent{
			Type:         orderEventCartCompleted,
			OrderID:      order.ID,
			ReferenceID:  order.ReferenceID,
			CurrentState: string(order.State),
			Version:      order.Version,
			ActorID:      actorOrSystem(actor),
			OccurredAt:   order.UpdatedAt,
			Metadata:     map[string]any{"confirmedReservations": len(confirmed)},
		})
	}
	return confirmed, nil
}

func (s *stockReservationService) ReleaseAll(ctx context.Context, orderID, reason, actor string) ([]domain.StockReservation, error) {
	var released []domain.StockReservation
	_, _, err := s.store.mutate(ctx, orderID, actorOrSystem(actor), func(agg *domain.Aggregate) error {
		var err error
		released, err = agg.ReleaseAllReservations(reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ExpireStale expires Reserved holds whose TTL elapsed.
func (s *stockReservationService) ExpireStale(ctx context.Context, orderID string) ([]domain.StockReservation, error) {
	var expired []domain.StockReservation
	_, _, err := s.store.mutate(ctx, orderID, systemActor, func(agg *domain.Aggregate) error {
		expired = agg.ExpireReservations(s.clock())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		s.logger(ctx, "stock.reservation.expired", map[string]any{
			"order": orderID,
			"count": len(expired),
		})
	}
	return expired, nil
}

func (s *stockReservationService) advanceOne(ctx context.Context, cmd ReservationCommand, fn func(*domain.Aggregate) (domain.StockReservation, error)) (domain.StockReservation, error) {
	var out domain.StockReservation
	_, _, err := s.store.mutate(ctx, cmd.OrderID, actorOrSystem(cmd.ActorID), func(agg *domain.Aggregate) error {
		var err error
		out, err = fn(agg)
		return err
	})
	if err != nil {
		return domain.StockReservation{}, err
	}
	return out, nil
}
