package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"
)

// Snapshot is the persisted state an aggregate is rebuilt from.
type Snapshot struct {
	Order        Order
	Items        []OrderItem
	Payments     []Payment
	Reservations []StockReservation
	Loyalty      []LoyaltyTransaction
}

// ChangeSet lists what an aggregate mutated since it was loaded, in ledger order.
type ChangeSet struct {
	OrderChanged         bool
	InsertedPayments     []Payment
	UpdatedPayments      []Payment
	InsertedReservations []StockReservation
	UpdatedReservations  []StockReservation
	AppendedLoyalty      []LoyaltyTransaction
}

// IsEmpty reports whether nothing needs persisting.
func (c ChangeSet) IsEmpty() bool {
	return !c.OrderChanged &&
		len(c.InsertedPayments) == 0 && len(c.UpdatedPayments) == 0 &&
		len(c.InsertedReservations) == 0 && len(c.UpdatedReservations) == 0 &&
		len(c.AppendedLoyalty) == 0
}

// AggregateOption customises aggregate construction.
type AggregateOption func(*Aggregate)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) AggregateOption {
	return func(a *Aggregate) {
		if clock != nil {
			a.clock = func() time.Time { return clock().UTC() }
		}
	}
}

// WithIDGenerator overrides the identifier source for ledger entries.
func WithIDGenerator(gen func() string) AggregateOption {
	return func(a *Aggregate) {
		if gen != nil {
			a.newID = gen
		}
	}
}

// WithActor sets the actor recorded on transition events.
func WithActor(actor string) AggregateOption {
	return func(a *Aggregate) {
		a.actor = strings.TrimSpace(actor)
	}
}

// Aggregate is the consistency boundary of one order and its payment, stock and loyalty ledgers.
// It is not safe for concurrent use; callers serialise access through load, mutate, persist.
type Aggregate struct {
	order        Order
	items        []OrderItem
	payments     []Payment
	reservations []StockReservation
	loyalty      []LoyaltyTransaction

	clock func() time.Time
	newID func() string
	actor string

	loadedVersion int64
	orderChanged  bool
	inserted      map[string]struct{}
	updated       map[string]struct{}
	events        []TransitionEvent
}

// NewAggregate rebuilds an aggregate from a persisted snapshot.
func NewAggregate(snapshot Snapshot, opts ...AggregateOption) *Aggregate {
	a := &Aggregate{
		order:         snapshot.Order,
		items:         slices.Clone(snapshot.Items),
		payments:      slices.Clone(snapshot.Payments),
		reservations:  slices.Clone(snapshot.Reservations),
		loyalty:       slices.Clone(snapshot.Loyalty),
		clock:         func() time.Time { return time.Now().UTC() },
		newID:         func() string { return ulid.Make().String() },
		loadedVersion: snapshot.Order.Version,
		inserted:      make(map[string]struct{}),
		updated:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// NewOrderItem describes a line of an order being created.
type NewOrderItem struct {
	ProductID   string
	Quantity    int
	NetAmount   int64
	GrossAmount int64
	Currency    string
}

// NewOrderInput describes an order being created.
type NewOrderInput struct {
	ID          string
	ReferenceID string
	Currency    string
	Items       []NewOrderItem
}

// NewOrder validates input and builds an aggregate for a new Initial order at version 1.
func NewOrder(input NewOrderInput, opts ...AggregateOption) (*Aggregate, error) {
	reference := strings.TrimSpace(input.ReferenceID)
	if reference == "" {
		return nil, &ValidationError{Field: "referenceId", Reason: "is required"}
	}
	orderCurrency, err := normalizeCurrency(input.Currency)
	if err != nil {
		return nil, err
	}
	if len(input.Items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "must contain at least one item"}
	}

	a := NewAggregate(Snapshot{}, opts...)
	now := a.clock()
	orderID := strings.TrimSpace(input.ID)
	if orderID == "" {
		orderID = a.newID()
	}

	seen := make(map[string]struct{}, len(input.Items))
	items := make([]OrderItem, 0, len(input.Items))
	for i, item := range input.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, &ValidationError{Field: itemField(i, "productId"), Reason: "is required"}
		}
		if _, dup := seen[productID]; dup {
			return nil, &ValidationError{Field: itemField(i, "productId"), Reason: "is duplicated"}
		}
		seen[productID] = struct{}{}
		if item.Quantity <= 0 {
			return nil, &ValidationError{Field: itemField(i, "quantity"), Reason: "must be positive"}
		}
		if item.NetAmount < 0 || item.GrossAmount < 0 {
			return nil, &ValidationError{Field: itemField(i, "amount"), Reason: "must not be negative"}
		}
		itemCurrency := orderCurrency
		if strings.TrimSpace(item.Currency) != "" {
			itemCurrency, err = normalizeCurrency(item.Currency)
			if err != nil {
				return nil, err
			}
			if itemCurrency != orderCurrency {
				return nil, &ValidationError{Field: itemField(i, "currency"), Reason: "must match order currency"}
			}
		}
		items = append(items, OrderItem{
			ID:          a.newID(),
			OrderID:     orderID,
			ProductID:   productID,
			Quantity:    item.Quantity,
			NetAmount:   item.NetAmount,
			GrossAmount: item.GrossAmount,
			Currency:    itemCurrency,
		})
	}

	a.order = Order{
		ID:          orderID,
		ReferenceID: reference,
		State:       OrderStateInitial,
		Version:     1,
		Currency:    orderCurrency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a.items = items
	a.loadedVersion = 0
	a.orderChanged = true
	return a, nil
}

// ID returns the order identifier.
func (a *Aggregate) ID() string { return a.order.ID }

// State returns the current order state.
func (a *Aggregate) State() OrderState { return a.order.State }

// Version returns the current optimistic concurrency token.
func (a *Aggregate) Version() int64 { return a.order.Version }

// LoadedVersion returns the version the aggregate was rebuilt from; zero for new orders.
func (a *Aggregate) LoadedVersion() int64 { return a.loadedVersion }

// Order returns a copy of the root entity.
func (a *Aggregate) Order() Order {
	order := a.order
	if a.order.WorkflowID != nil {
		id := *a.order.WorkflowID
		order.WorkflowID = &id
	}
	return order
}

func (a *Aggregate) Items() []OrderItem { return slices.Clone(a.items) }

func (a *Aggregate) Payments() []Payment { return slices.Clone(a.payments) }

func (a *Aggregate) Reservations() []StockReservation { return slices.Clone(a.reservations) }

func (a *Aggregate) Loyalty() []LoyaltyTransaction { return slices.Clone(a.loyalty) }

// Snapshot returns the full state for persistence or read models.
func (a *Aggregate) Snapshot() Snapshot {
	return Snapshot{
		Order:        a.Order(),
		Items:        a.Items(),
		Payments:     a.Payments(),
		Reservations: a.Reservations(),
		Loyalty:      a.Loyalty(),
	}
}

// Detail returns the read model with derived totals.
func (a *Aggregate) Detail() OrderDetail {
	return OrderDetail{
		Order:          a.Order(),
		Items:          a.Items(),
		Payments:       a.Payments(),
		Reservations:   a.Reservations(),
		Loyalty:        a.Loyalty(),
		Total:          a.Total(),
		PaidTotal:      a.SuccessfulPaymentTotal(),
		LoyaltyBalance: a.LoyaltyBalance(),
	}
}

// Total returns Σ(Quantity × GrossAmount) over the items.
func (a *Aggregate) Total() int64 {
	var total int64
	for _, item := range a.items {
		total += item.LineTotal()
	}
	return total
}

// FindItem returns the order line for the product.
func (a *Aggregate) FindItem(productID string) (OrderItem, bool) {
	productID = strings.TrimSpace(productID)
	for _, item := range a.items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return OrderItem{}, false
}

// LinkWorkflow records the saga instance driving the order.
func (a *Aggregate) LinkWorkflow(workflowID string) error {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return &ValidationError{Field: "workflowId", Reason: "is required"}
	}
	if current := a.order.WorkflowID; current != nil {
		if *current == workflowID {
			return nil
		}
		return &BusinessRuleViolation{
			Rule:    RuleWorkflowLinked,
			Current: a.order.State,
			Detail:  "order is driven by workflow " + *current,
		}
	}
	a.order.WorkflowID = &workflowID
	a.touch()
	return nil
}

// Changes reports the mutations pending persistence.
func (a *Aggregate) Changes() ChangeSet {
	var cs ChangeSet
	cs.OrderChanged = a.orderChanged
	for _, p := range a.payments {
		if _, ok := a.inserted[p.ID]; ok {
			cs.InsertedPayments = append(cs.InsertedPayments, p)
		} else if _, ok := a.updated[p.ID]; ok {
			cs.UpdatedPayments = append(cs.UpdatedPayments, p)
		}
	}
	for _, r := range a.reservations {
		if _, ok := a.inserted[r.ID]; ok {
			cs.InsertedReservations = append(cs.InsertedReservations, r)
		} else if _, ok := a.updated[r.ID]; ok {
			cs.UpdatedReservations = append(cs.UpdatedReservations, r)
		}
	}
	for _, tx := range a.loyalty {
		if _, ok := a.inserted[tx.ID]; ok {
			cs.AppendedLoyalty = append(cs.AppendedLoyalty, tx)
		}
	}
	return cs
}

// MarkPersisted clears change tracking after a successful save.
func (a *Aggregate) MarkPersisted() {
	a.loadedVersion = a.order.Version
	a.orderChanged = false
	clear(a.inserted)
	clear(a.updated)
}

// DrainTransitions returns and clears the accepted transition notifications.
func (a *Aggregate) DrainTransitions() []TransitionEvent {
	events := a.events
	a.events = nil
	return events
}

// touch records one accepted mutation.
func (a *Aggregate) touch() time.Time {
	now := a.clock()
	if !now.After(a.order.UpdatedAt) {
		now = a.order.UpdatedAt.Add(time.Microsecond)
	}
	a.order.Version++
	a.order.UpdatedAt = now
	a.orderChanged = true
	return now
}

func (a *Aggregate) markInserted(id string) { a.inserted[id] = struct{}{} }

func (a *Aggregate) markUpdated(id string) {
	if _, ok := a.inserted[id]; ok {
		return
	}
	a.updated[id] = struct{}{}
}

// ensureOpen rejects ledger operations on cancelled or refunded orders.
func (a *Aggregate) ensureOpen(operation string) error {
	switch a.order.State {
	case OrderStateCancelled, OrderStateRefunded:
		return &BusinessRuleViolation{
			Rule:    RuleOrderClosed,
			Current: a.order.State,
			Detail:  operation + " is not allowed",
		}
	}
	return nil
}

func normalizeCurrency(value string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return "", &ValidationError{Field: "currency", Reason: "is required"}
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", &ValidationError{Field: "currency", Reason: "is not an ISO-4217 code"}
	}
	return unit.String(), nil
}

func itemField(index int, name string) string {
	return "items[" + strconv.Itoa(index) + "]." + name
}
