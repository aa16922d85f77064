package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const defaultConflictAttempts = 3

// aggregateStore rebuilds aggregates from the repositories and persists their change sets with a version CAS.
type aggregateStore struct {
	orders       repositories.OrderRepository
	payments     repositories.PaymentRepository
	reservations repositories.StockReservationRepository
	loyalty      repositories.LoyaltyRepository
	journeys     repositories.JourneyRepository
	unitOfWork   repositories.UnitOfWork
	clock        func() time.Time
	newID        func() string
	attempts     int
}

func newAggregateStore(registry repositories.Registry, clock func() time.Time, newID func() string, attempts int) (*aggregateStore, error) {
	if registry == nil {
		return nil, errors.New("repository registry is required")
	}
	if attempts <= 0 {
		attempts = defaultConflictAttempts
	}
	var unit repositories.UnitOfWork = registry
	return &aggregateStore{
		orders:       registry.Orders(),
		payments:     registry.Payments(),
		reservations: registry.Reservations(),
		loyalty:      registry.Loyalty(),
		journeys:     registry.Journeys(),
		unitOfWork:   unit,
		clock:        clock,
		newID:        newID,
		attempts:     attempts,
	}, nil
}

func (s *aggregateStore) options(actor string) []domain.AggregateOption {
	return []domain.AggregateOption{
		domain.WithClock(s.clock),
		domain.WithIDGenerator(s.newID),
		domain.WithActor(actor),
	}
}

func (s *aggregateStore) load(ctx context.Context, orderID, actor string) (*domain.Aggregate, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, &domain.ValidationError{Field: "orderId", Reason: "is required"}
	}
	order, items, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, "order", orderID)
	}
	payments, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, "payments", orderID)
	}
	reservations, err := s.reservations.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, "reservations", orderID)
	}
	loyalty, err := s.loyalty.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, "loyalty", orderID)
	}
	return domain.NewAggregate(domain.Snapshot{
		Order:        order,
		Items:        items,
		Payments:     payments,
		Reservations: reservations,
		Loyalty:      loyalty,
	}, s.options(actor)...), nil
}

// save writes the change set and the journey of the drained transitions in one unit of work.
// The order CAS runs first so transactional backends perform every read before any write.
func (s *aggregateStore) save(ctx context.Context, agg *domain.Aggregate, journey []domain.JourneyEntry) error {
	changes := agg.Changes()
	if changes.IsEmpty() && len(journey) == 0 {
		return nil
	}
	order := agg.Order()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if changes.OrderChanged {
			if agg.LoadedVersion() == 0 {
				if err := s.orders.Insert(txCtx, order, agg.Items()); err != nil {
					return err
				}
			} else if err := s.orders.Update(txCtx, order, agg.LoadedVersion()); err != nil {
				return err
			}
		}
		for _, p := range changes.InsertedPayments {
			if err := s.payments.Insert(txCtx, p); err != nil {
				return err
			}
		}
		for _, p := range changes.UpdatedPayments {
			if err := s.payments.Update(txCtx, p); err != nil {
				return err
			}
		}
		for _, r := range changes.InsertedReservations {
			if err := s.reservations.Insert(txCtx, r); err != nil {
				return err
			}
		}
		for _, r := range changes.UpdatedReservations {
			if err := s.reservations.Update(txCtx, r); err != nil {
				return err
			}
		}
		for _, tx := range changes.AppendedLoyalty {
			if err := s.loyalty.Append(txCtx, tx); err != nil {
				return err
			}
		}
		for _, entry := range journey {
			if err := s.journeys.Append(txCtx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapRepositoryError(err, "order", order.ID)
	}
	agg.MarkPersisted()
	return nil
}

// mutation is a pure aggregate operation. It may run more than once when the order moves concurrently.
type mutation func(agg *domain.Aggregate) error

// mutate runs load, fn, save and retries the whole cycle on version conflicts.
func (s *aggregateStore) mutate(ctx context.Context, orderID, actor string, fn mutation) (*domain.Aggregate, []domain.TransitionEvent, error) {
	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		agg, err := s.load(ctx, orderID, actor)
		if err != nil {
			return nil, nil, err
		}
		if err := fn(agg); err != nil {
			return agg, nil, err
		}
		events := agg.DrainTransitions()
		if err := s.save(ctx, agg, s.journeyEntries(events)); err != nil {
			if errors.Is(err, ErrOrderConflict) {
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		return agg, events, nil
	}
	return nil, nil, fmt.Errorf("%w: gave up after %d attempts: %v", ErrOrderConflict, s.attempts, lastErr)
}

func (s *aggregateStore) journeyEntries(events []domain.TransitionEvent) []domain.JourneyEntry {
	if len(events) == 0 {
		return nil
	}
	entries := make([]domain.JourneyEntry, 0, len(events))
	for _, evt := range events {
		entries = append(entries, domain.JourneyEntry{
			ID:         journeyIDPrefix + s.newID(),
			OrderID:    evt.OrderID,
			From:       evt.From,
			To:         evt.To,
			Reason:     sanitizeReason(evt.Reason),
			Actor:      evt.Actor,
			Mode:       evt.Mode,
			Succeeded:  true,
			Version:    evt.Version,
			OccurredAt: evt.OccurredAt,
		})
	}
	return entries
}

func (s *aggregateStore) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}
