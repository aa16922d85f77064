package repositories

import (
	"context"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	Reservations() StockReservationRepository
	Loyalty() LoyaltyRepository
	Journeys() JourneyRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order roots together with their line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order, items []domain.OrderItem) error
	// Update replaces the stored order when its version still equals expectedVersion and reports a conflict otherwise.
	Update(ctx context.Context, order domain.Order, expectedVersion int64) error
	FindByID(ctx context.Context, orderID string) (domain.Order, []domain.OrderItem, error)
	FindByReferenceID(ctx context.Context, referenceID string) (domain.Order, error)
}

// PaymentRepository persists the order payment ledger.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, orderID, paymentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// StockReservationRepository persists stock holds.
type StockReservationRepository interface {
	Insert(ctx context.Context, reservation domain.StockReservation) error
	Update(ctx context.Context, reservation domain.StockReservation) error
	FindByID(ctx context.Context, orderID, reservationID string) (domain.StockReservation, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error)
	// FindByOrderAndProduct returns the most recent reservation for the pair.
	FindByOrderAndProduct(ctx context.Context, orderID, productID string) (domain.StockReservation, error)
}

// LoyaltyRepository persists the append-only loyalty ledger.
type LoyaltyRepository interface {
	Append(ctx context.Context, tx domain.LoyaltyTransaction) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.LoyaltyTransaction, error)
}

// JourneyRepository persists one entry per transition attempt.
type JourneyRepository interface {
	Append(ctx context.Context, entry domain.JourneyEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.JourneyEntry, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
}

// HealthRepository reports the readiness of backing dependencies.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
