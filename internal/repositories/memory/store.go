package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

type txKey struct{}

type orderRecord struct {
	order domain.Order
	items []domain.OrderItem
}

type state struct {
	orders       map[string]orderRecord
	references   map[string]string
	payments     map[string]domain.Payment
	reservations map[string]domain.StockReservation
	loyalty      []domain.LoyaltyTransaction
	journeys     []domain.JourneyEntry
	auditLogs    []domain.AuditLogEntry
}

func (s state) clone() state {
	return state{
		orders:       maps.Clone(s.orders),
		references:   maps.Clone(s.references),
		payments:     maps.Clone(s.payments),
		reservations: maps.Clone(s.reservations),
		loyalty:      slices.Clone(s.loyalty),
		journeys:     slices.Clone(s.journeys),
		auditLogs:    slices.Clone(s.auditLogs),
	}
}

// Store is an in-memory Registry useful for tests and local development.
// RunInTx serialises transactions and restores the previous state when fn fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data state

	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: state{
		orders:       make(map[string]orderRecord),
		references:   make(map[string]string),
		payments:     make(map[string]domain.Payment),
		reservations: make(map[string]domain.StockReservation),
	}}
}

// WithHealth attaches the readiness repository returned by Health.
func (s *Store) WithHealth(repo repositories.HealthRepository) *Store {
	s.health = repo
	return s
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository                  { return orderRepo{s} }
func (s *Store) Payments() repositories.PaymentRepository              { return paymentRepo{s} }
func (s *Store) Reservations() repositories.StockReservationRepository { return reservationRepo{s} }
func (s *Store) Loyalty() repositories.LoyaltyRepository               { return loyaltyRepo{s} }
func (s *Store) Journeys() repositories.JourneyRepository              { return journeyRepo{s} }
func (s *Store) AuditLogs() repositories.AuditLogRepository            { return auditRepo{s} }
func (s *Store) Health() repositories.HealthRepository                 { return s.health }

// RunInTx implements repositories.UnitOfWork.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	backup := s.data.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = backup
		s.mu.Unlock()
		return err
	}
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(_ context.Context, order domain.Order, items []domain.OrderItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.orders[order.ID]; ok {
		return repositories.NewError("orders.insert", repositories.ErrorConflict, "order "+order.ID+" exists")
	}
	if _, ok := r.s.data.references[order.ReferenceID]; ok {
		return repositories.NewError("orders.insert", repositories.ErrorConflict, "reference "+order.ReferenceID+" exists")
	}
	r.s.data.orders[order.ID] = orderRecord{order: order, items: slices.Clone(items)}
	r.s.data.references[order.ReferenceID] = order.ID
	return nil
}

func (r orderRepo) Update(_ context.Context, order domain.Order, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.data.orders[order.ID]
	if !ok {
		return repositories.NewError("orders.update", repositories.ErrorNotFound, "order "+order.ID)
	}
	if record.order.Version != expectedVersion {
		return repositories.NewError("orders.update", repositories.ErrorConflict, "stale order version")
	}
	record.order = order
	r.s.data.orders[order.ID] = record
	return nil
}

func (r orderRepo) FindByID(_ context.Context, orderID string) (domain.Order, []domain.OrderItem, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	record, ok := r.s.data.orders[orderID]
	if !ok {
		return domain.Order{}, nil, repositories.NewError("orders.get", repositories.ErrorNotFound, "order "+orderID)
	}
	return record.order, slices.Clone(record.items), nil
}

func (r orderRepo) FindByReferenceID(_ context.Context, referenceID string) (domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	orderID, ok := r.s.data.references[strings.TrimSpace(referenceID)]
	if !ok {
		return domain.Order{}, repositories.NewError("orders.reference", repositories.ErrorNotFound, "reference "+referenceID)
	}
	return r.s.data.orders[orderID].order, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Insert(_ context.Context, payment domain.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.payments[payment.ID]; ok {
		return repositories.NewError("payments.insert", repositories.ErrorConflict, "payment "+payment.ID+" exists")
	}
	r.s.data.payments[payment.ID] = payment
	return nil
}

func (r paymentRepo) Update(_ context.Context, payment domain.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.payments[payment.ID]; !ok {
		return repositories.NewError("payments.update", repositories.ErrorNotFound, "payment "+payment.ID)
	}
	r.s.data.payments[payment.ID] = payment
	return nil
}

func (r paymentRepo) FindByID(_ context.Context, orderID, paymentID string) (domain.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	payment, ok := r.s.data.payments[paymentID]
	if !ok || payment.OrderID != orderID {
		return domain.Payment{}, repositories.NewError("payments.get", repositories.ErrorNotFound, "payment "+paymentID)
	}
	return payment, nil
}

func (r paymentRepo) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.s.data.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type reservationRepo struct{ s *Store }

func (r reservationRepo) Insert(_ context.Context, reservation domain.StockReservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.reservations[reservation.ID]; ok {
		return repositories.NewError("reservations.insert", repositories.ErrorConflict, "reservation "+reservation.ID+" exists")
	}
	r.s.data.reservations[reservation.ID] = reservation
	return nil
}

func (r reservationRepo) Update(_ context.Context, reservation domain.StockReservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.reservations[reservation.ID]; !ok {
		return repositories.NewError("reservations.update", repositories.ErrorNotFound, "reservation "+reservation.ID)
	}
	r.s.data.reservations[reservation.ID] = reservation
	return nil
}

func (r reservationRepo) FindByID(_ context.Context, orderID, reservationID string) (domain.StockReservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	reservation, ok := r.s.data.reservations[reservationID]
	if !ok || reservation.OrderID != orderID {
		return domain.StockReservation{}, repositories.NewError("reservations.get", repositories.ErrorNotFound, "reservation "+reservationID)
	}
	return reservation, nil
}

func (r reservationRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.StockReservation
	for _, res := range r.s.data.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r reservationRepo) FindByOrderAndProduct(ctx context.Context, orderID, productID string) (domain.StockReservation, error) {
	all, _ := r.ListByOrder(ctx, orderID)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ProductID == productID {
			return all[i], nil
		}
	}
	return domain.StockReservation{}, repositories.NewError("reservations.product", repositories.ErrorNotFound, "reservation for "+productID)
}

type loyaltyRepo struct{ s *Store }

func (r loyaltyRepo) Append(_ context.Context, tx domain.LoyaltyTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.data.loyalty {
		if existing.ID == tx.ID {
			return repositories.NewError("loyalty.append", repositories.ErrorConflict, "loyalty transaction "+tx.ID+" exists")
		}
	}
	r.s.data.loyalty = append(r.s.data.loyalty, tx)
	return nil
}

func (r loyaltyRepo) ListByOrder(_ context.Context, orderID string) ([]domain.LoyaltyTransaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.LoyaltyTransaction
	for _, tx := range r.s.data.loyalty {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	return out, nil
}

type journeyRepo struct{ s *Store }

func (r journeyRepo) Append(_ context.Context, entry domain.JourneyEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.data.journeys = append(r.s.data.journeys, entry)
	return nil
}

func (r journeyRepo) ListByOrder(_ context.Context, orderID string) ([]domain.JourneyEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.JourneyEntry
	for _, entry := range r.s.data.journeys {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type auditRepo struct{ s *Store }

func (r auditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.data.auditLogs = append(r.s.data.auditLogs, entry)
	return nil
}

// AuditEntries returns the recorded audit log entries.
func (s *Store) AuditEntries() []domain.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.auditLogs)
}
