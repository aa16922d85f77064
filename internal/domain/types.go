package domain

import "time"

// PaymentStatus enumerates the lifecycle of a payment ledger entry.
type PaymentStatus string

const (
	// PaymentStatusPending indicates the payment was submitted but not yet settled.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusSuccessful indicates the provider captured the funds.
	PaymentStatusSuccessful PaymentStatus = "successful"
	// PaymentStatusFailed indicates the provider declined or errored.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates captured funds were returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ReservationStatus enumerates the lifecycle of a stock reservation.
type ReservationStatus string

const (
	// ReservationStatusReserved indicates stock is provisionally held.
	ReservationStatusReserved ReservationStatus = "reserved"
	// ReservationStatusConfirmed indicates the hold was confirmed by checkout.
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	// ReservationStatusFulfilled indicates the stock left the warehouse.
	ReservationStatusFulfilled ReservationStatus = "fulfilled"
	// ReservationStatusReleased indicates the hold was returned to available stock.
	ReservationStatusReleased ReservationStatus = "released"
	// ReservationStatusExpired indicates the hold lapsed before confirmation.
	ReservationStatusExpired ReservationStatus = "expired"
)

// LoyaltyType distinguishes ledger credits from debits.
type LoyaltyType string

const (
	LoyaltyTypeEarn LoyaltyType = "earn"
	LoyaltyTypeBurn LoyaltyType = "burn"
)

// TransitionMode records which gate an accepted transition went through.
type TransitionMode string

const (
	TransitionModePlain  TransitionMode = "plain"
	TransitionModeSafe   TransitionMode = "safe"
	TransitionModeForced TransitionMode = "forced"
	TransitionModeCancel TransitionMode = "cancel"
	TransitionModeAuto   TransitionMode = "auto"
)

// Order is the root entity of the aggregate. Monetary values are expressed in the smallest currency unit.
type Order struct {
	ID          string
	ReferenceID string
	WorkflowID  *string
	State       OrderState
	Version     int64
	Currency    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderItem is a line of the order.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	Quantity    int
	NetAmount   int64
	GrossAmount int64
	Currency    string
}

// LineTotal returns Quantity × GrossAmount.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.GrossAmount
}

// Payment is an entry of the order payment ledger.
type Payment struct {
	ID                   string
	OrderID              string
	Method               string
	Amount               int64
	RefundedAmount       int64
	Currency             string
	Status               PaymentStatus
	TransactionReference string
	FailureReason        string
	PaidAt               *time.Time
	RefundedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StockReservation is a provisional hold on stock for one product of the order.
type StockReservation struct {
	ID               string
	OrderID          string
	ProductID        string
	QuantityReserved int
	Status           ReservationStatus
	ReleaseReason    string
	ExpiresAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActive reports whether the reservation still holds (or consumed) stock.
func (r StockReservation) IsActive() bool {
	switch r.Status {
	case ReservationStatusReserved, ReservationStatusConfirmed, ReservationStatusFulfilled:
		return true
	default:
		return false
	}
}

// LoyaltyTransaction is an append-only loyalty ledger entry.
type LoyaltyTransaction struct {
	ID          string
	OrderID     string
	Type        LoyaltyType
	Points      int64
	Description string
	ReversalOf  *string
	CreatedAt   time.Time
}

// TransitionEvent is emitted in-process for every accepted state change.
type TransitionEvent struct {
	OrderID    string
	From       OrderState
	To         OrderState
	Reason     string
	Actor      string
	Mode       TransitionMode
	Version    int64
	OccurredAt time.Time
}

// JourneyEntry is the persisted audit trail of one transition attempt.
type JourneyEntry struct {
	ID         string
	OrderID    string
	From       OrderState
	To         OrderState
	Reason     string
	Actor      string
	Mode       TransitionMode
	Succeeded  bool
	Error      string
	Version    int64
	OccurredAt time.Time
}

// AuditLogEntry is a free-form structured audit record.
type AuditLogEntry struct {
	ID         string
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Severity   string
	Metadata   map[string]any
	Diff       map[string]AuditLogDiff
	RequestID  string
	IPHash     string
	UserAgent  string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// AuditLogDiff captures before/after values for a changed field.
type AuditLogDiff struct {
	Before any
	After  any
}

// OrderDetail is a read model of the aggregate.
type OrderDetail struct {
	Order          Order
	Items          []OrderItem
	Payments       []Payment
	Reservations   []StockReservation
	Loyalty        []LoyaltyTransaction
	Total          int64
	PaidTotal      int64
	LoyaltyBalance int64
}
