package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/payments"
)

// OrderService creates orders idempotently and serves read models.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	GetOrderDetail(ctx context.Context, orderID string) (domain.OrderDetail, error)
	LinkWorkflow(ctx context.Context, cmd LinkWorkflowCommand) (domain.Order, error)
	ListJourney(ctx context.Context, orderID string) ([]domain.JourneyEntry, error)
}

// TransitionService moves orders through the state table and runs the cancellation compensation.
type TransitionService interface {
	Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error)
	Cancel(ctx context.Context, cmd CancelCommand) (CancelResult, error)
}

// StockReservationService guards the at-most-one-active-reservation rule and drives reservation lifecycles.
type StockReservationService interface {
	ReserveForProduct(ctx context.Context, cmd ReserveCommand) (ReservationResult, error)
	Confirm(ctx context.Context, cmd ReservationCommand) (domain.StockReservation, error)
	Release(ctx context.Context, cmd ReservationCommand) (domain.StockReservation, error)
	Fulfill(ctx context.Context, cmd ReservationCommand) (domain.StockReservation, error)
	ConfirmAll(ctx context.Context, orderID, actor string) ([]domain.StockReservation, error)
	ReleaseAll(ctx context.Context, orderID, reason, actor string) ([]domain.StockReservation, error)
	ExpireStale(ctx context.Context, orderID string) ([]domain.StockReservation, error)
}

// PaymentService records payments against the order ledger.
type PaymentService interface {
	ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (PaymentResult, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentResult, error)
	FailPayment(ctx context.Context, cmd FailPaymentCommand) (PaymentResult, error)
	RefundPayment(ctx context.Context, cmd RefundPaymentCommand) (PaymentResult, error)
	RecordSettledPayment(ctx context.Context, cmd SettledPaymentCommand) (PaymentResult, error)
}

// LoyaltyService appends to the order loyalty ledger.
type LoyaltyService interface {
	EarnPoints(ctx context.Context, cmd LoyaltyCommand) (domain.LoyaltyTransaction, error)
	BurnPoints(ctx context.Context, cmd LoyaltyCommand) (domain.LoyaltyTransaction, error)
	ReverseEarn(ctx context.Context, cmd ReverseLoyaltyCommand) (domain.LoyaltyTransaction, error)
	ReverseBurn(ctx context.Context, cmd ReverseLoyaltyCommand) (domain.LoyaltyTransaction, error)
	// PointsFor converts an order total into earnable points using the configured earn rate.
	PointsFor(total int64) int64
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealth, error)
}

// AuditLogService centralizes immutable audit log persistence.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type          string
	OrderID       string
	ReferenceID   string
	PreviousState string
	CurrentState  string
	Version       int64
	ActorID       string
	OccurredAt    time.Time
	Metadata      map[string]any
}

type CreateOrderItem struct {
	ProductID   string
	Quantity    int
	NetAmount   int64
	GrossAmount int64
	Currency    string
}

// CreateOrderCommand creates an order keyed by its external reference.
type CreateOrderCommand struct {
	ReferenceID string
	Currency    string
	Items       []CreateOrderItem
	ActorID     string
}

// CreateOrderResult reports whether the order was created or an existing one was returned.
type CreateOrderResult struct {
	Detail  domain.OrderDetail
	Created bool
}

type LinkWorkflowCommand struct {
	OrderID    string
	WorkflowID string
	ActorID    string
}

// TransitionCommand requests a state change through one of the transition gates.
type TransitionCommand struct {
	OrderID      string
	Target       domain.OrderState
	Reason       string
	ActorID      string
	Mode         domain.TransitionMode
	EnforceRules bool
}

// TransitionResult reports the persisted order after a transition attempt.
type TransitionResult struct {
	Order   domain.Order
	From    domain.OrderState
	Changed bool
}

// CancelCommand requests the compensating cancellation of an order.
type CancelCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// CancelResult lists what the cancellation compensated.
type CancelResult struct {
	Order         domain.Order
	Released      []domain.StockReservation
	Refunded      []domain.Payment
	Refunds       []payments.RefundResult
	ReversedBurns []domain.LoyaltyTransaction
	AlreadyClosed bool
}

// ReserveCommand asks the guard to hold stock for one order line.
type ReserveCommand struct {
	OrderID   string
	ProductID string
	ActorID   string
}

// ReservationResult is the guard outcome. AlreadyReserved means nothing was written.
type ReservationResult struct {
	Reservation     domain.StockReservation
	AlreadyReserved bool
}

type ReservationCommand struct {
	OrderID       string
	ReservationID string
	Reason        string
	ActorID       string
}

type ProcessPaymentCommand struct {
	OrderID  string
	Method   string
	Amount   int64
	Currency string
	ActorID  string
}

type ConfirmPaymentCommand struct {
	OrderID              string
	PaymentID            string
	TransactionReference string
	ActorID              string
}

type FailPaymentCommand struct {
	OrderID   string
	PaymentID string
	Reason    string
	ActorID   string
}

type RefundPaymentCommand struct {
	OrderID   string
	PaymentID string
	Amount    int64
	Reason    string
	ActorID   string
}

// SettledPaymentCommand records a payment the PSP already captured. A zero amount settles the outstanding balance.
type SettledPaymentCommand struct {
	OrderID              string
	Method               string
	Amount               int64
	Currency             string
	TransactionReference string
	ActorID              string
}

// PaymentResult returns the affected payment and the order after the mutation.
type PaymentResult struct {
	Payment domain.Payment
	Order   domain.Order
	Refund  *payments.RefundResult
}

// LoyaltyCommand appends an earn or burn entry. With Once set, an existing original entry of the same
// type and description is returned instead of appending a second one.
type LoyaltyCommand struct {
	OrderID     string
	Points      int64
	Description string
	ActorID     string
	Once        bool
}

type ReverseLoyaltyCommand struct {
	OrderID       string
	TransactionID string
	Reason        string
	ActorID       string
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealth combines the dependency report with build metadata.
type SystemHealth struct {
	domain.SystemHealthReport
	Build  BuildInfo
	Uptime time.Duration
}

// AuditLogRecord captures the information required to persist an audit log entry.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]domain.AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}
