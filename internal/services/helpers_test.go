package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/payments"
	"github.com/hanko-field/orderflow/internal/repositories"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
)

var testNow = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id%04d", n)
	}
}

type captureAudit struct {
	mu      sync.Mutex
	records []AuditLogRecord
}

func (c *captureAudit) Record(_ context.Context, record AuditLogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
}

type capturePublisher struct {
	events []OrderEvent
	err    error
}

func (c *capturePublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

func (c *capturePublisher) types() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type stubGateway struct {
	requests []payments.RefundRequest
	refundFn func(req payments.RefundRequest) (payments.RefundResult, error)
}

func (s *stubGateway) Refund(_ context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	s.requests = append(s.requests, req)
	if s.refundFn != nil {
		return s.refundFn(req)
	}
	return payments.RefundResult{Gateway: "stub", RefundID: "re_" + req.PaymentID, Status: payments.StatusSucceeded, Amount: req.Amount}, nil
}

type fixture struct {
	store     *memory.Store
	audit     *captureAudit
	publisher *capturePublisher
	gateway   *stubGateway
	deps      CoreDeps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRegistry(t, memory.NewStore(), nil)
}

func newFixtureWithRegistry(t *testing.T, store *memory.Store, registry repositories.Registry) *fixture {
	t.Helper()
	if registry == nil {
		registry = store
	}
	f := &fixture{
		store:     store,
		audit:     &captureAudit{},
		publisher: &capturePublisher{},
		gateway:   &stubGateway{},
	}
	f.deps = CoreDeps{
		Registry:    registry,
		Audit:       f.audit,
		Events:      f.publisher,
		Clock:       func() time.Time { return testNow },
		IDGenerator: sequentialIDs(),
	}
	return f
}

func (f *fixture) orders(t *testing.T) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{CoreDeps: f.deps})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func (f *fixture) transitions(t *testing.T) TransitionService {
	t.Helper()
	svc, err := NewTransitionService(TransitionServiceDeps{CoreDeps: f.deps, Gateway: f.gateway})
	if err != nil {
		t.Fatalf("new transition service: %v", err)
	}
	return svc
}

func (f *fixture) reservations(t *testing.T, ttl time.Duration) StockReservationService {
	t.Helper()
	svc, err := NewStockReservationService(StockReservationServiceDeps{CoreDeps: f.deps, ReservationTTL: ttl})
	if err != nil {
		t.Fatalf("new reservation service: %v", err)
	}
	return svc
}

func (f *fixture) payments(t *testing.T) PaymentService {
	t.Helper()
	svc, err := NewPaymentService(PaymentServiceDeps{CoreDeps: f.deps, Gateway: f.gateway})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return svc
}

func (f *fixture) loyalty(t *testing.T) LoyaltyService {
	t.Helper()
	svc, err := NewLoyaltyService(LoyaltyServiceDeps{CoreDeps: f.deps, EarnRate: 10})
	if err != nil {
		t.Fatalf("new loyalty service: %v", err)
	}
	return svc
}

// createOrder creates a two line order totalling 1500 JPY.
func (f *fixture) createOrder(t *testing.T, reference string) domain.Order {
	t.Helper()
	result, err := f.orders(t).CreateOrder(context.Background(), CreateOrderCommand{
		ReferenceID: reference,
		Currency:    "JPY",
		Items: []CreateOrderItem{
			{ProductID: "sku-a", Quantity: 2, NetAmount: 400, GrossAmount: 500},
			{ProductID: "sku-b", Quantity: 1, NetAmount: 450, GrossAmount: 500},
		},
		ActorID: "user:1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return result.Detail.Order
}

func (f *fixture) moveTo(t *testing.T, orderID string, target domain.OrderState) {
	t.Helper()
	_, err := f.transitions(t).Transition(context.Background(), TransitionCommand{
		OrderID: orderID,
		Target:  target,
		Mode:    domain.TransitionModePlain,
		ActorID: "user:1",
	})
	if err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}

func (f *fixture) settle(t *testing.T, orderID, reference string) domain.Payment {
	t.Helper()
	result, err := f.payments(t).RecordSettledPayment(context.Background(), SettledPaymentCommand{
		OrderID:              orderID,
		Method:               "card",
		TransactionReference: reference,
	})
	if err != nil {
		t.Fatalf("settle payment: %v", err)
	}
	return result.Payment
}

func (f *fixture) detail(t *testing.T, orderID string) domain.OrderDetail {
	t.Helper()
	detail, err := f.orders(t).GetOrderDetail(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	return detail
}

func (f *fixture) journey(t *testing.T, orderID string) []domain.JourneyEntry {
	t.Helper()
	entries, err := f.store.Journeys().ListByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("list journey: %v", err)
	}
	return entries
}

// conflictingRegistry fails the next order updates with a version conflict.
type conflictingRegistry struct {
	*memory.Store
	remaining int
}

func (r *conflictingRegistry) Orders() repositories.OrderRepository {
	return conflictingOrders{OrderRepository: r.Store.Orders(), registry: r}
}

type conflictingOrders struct {
	repositories.OrderRepository
	registry *conflictingRegistry
}

func (o conflictingOrders) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	if o.registry.remaining > 0 {
		o.registry.remaining--
		return repositories.NewError("orders.update", repositories.ErrorConflict, "stale order version")
	}
	return o.OrderRepository.Update(ctx, order, expectedVersion)
}
