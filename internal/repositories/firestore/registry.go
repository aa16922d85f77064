package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	ordersCollection          = "orders"
	orderReferencesCollection = "orderReferences"
	paymentsCollection        = "payments"
	reservationsCollection    = "reservations"
	loyaltyCollection         = "loyalty"
	journeyCollection         = "journey"
	auditLogsCollection       = "auditLogs"
)

// Registry wires the Firestore repositories around one provider.
type Registry struct {
	provider     *pfirestore.Provider
	orders       *OrderRepository
	payments     *PaymentRepository
	reservations *ReservationRepository
	loyalty      *LoyaltyRepository
	journeys     *JourneyRepository
	auditLogs    *AuditLogRepository
	health       repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the repositories. Additional probes (e.g. Redis) are folded into Health.
func NewRegistry(provider *pfirestore.Provider, probes ...repositories.Probe) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	firestoreProbe := repositories.Probe{
		Name:    "firestore",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			return provider.Ping(ctx, ordersCollection)
		},
	}
	health, err := repositories.NewProbeHealthRepository(time.Now, append([]repositories.Probe{firestoreProbe}, probes...)...)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:     provider,
		orders:       NewOrderRepository(provider),
		payments:     &PaymentRepository{base: pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection)},
		reservations: &ReservationRepository{base: pfirestore.NewBaseRepository[reservationDocument](provider, reservationsCollection)},
		loyalty:      &LoyaltyRepository{base: pfirestore.NewBaseRepository[loyaltyDocument](provider, loyaltyCollection)},
		journeys:     &JourneyRepository{base: pfirestore.NewBaseRepository[journeyDocument](provider, journeyCollection)},
		auditLogs:    &AuditLogRepository{base: pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection)},
		health:       health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Orders() repositories.OrderRepository                  { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository              { return r.payments }
func (r *Registry) Reservations() repositories.StockReservationRepository { return r.reservations }
func (r *Registry) Loyalty() repositories.LoyaltyRepository               { return r.loyalty }
func (r *Registry) Journeys() repositories.JourneyRepository              { return r.journeys }
func (r *Registry) AuditLogs() repositories.AuditLogRepository            { return r.auditLogs }
func (r *Registry) Health() repositories.HealthRepository                 { return r.health }

// RunInTx runs fn inside one Firestore transaction. Firestore may re-run fn on contention, so fn must
// only write state it derived before the call; every read inside fn has to precede its first write.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

func orderPath(orderID string) string {
	return ordersCollection + "/" + orderID
}
