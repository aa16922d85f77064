package domain

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestAggregate(t *testing.T, items ...NewOrderItem) *Aggregate {
	t.Helper()
	if len(items) == 0 {
		items = []NewOrderItem{
			{ProductID: "sku-1", Quantity: 2, NetAmount: 900, GrossAmount: 1000},
			{ProductID: "sku-2", Quantity: 1, NetAmount: 450, GrossAmount: 500},
		}
	}
	clock := &stepClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
	seq := 0
	agg, err := NewOrder(NewOrderInput{
		ID:          "ord_1",
		ReferenceID: "ref-1",
		Currency:    "jpy",
		Items:       items,
	}, WithClock(clock.Now), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}), WithActor("tester"))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	agg.MarkPersisted()
	return agg
}

func aggregateInState(t *testing.T, state OrderState) *Aggregate {
	t.Helper()
	agg := newTestAggregate(t)
	if state == OrderStateInitial {
		return agg
	}
	if err := agg.ForceStateTransition(state, "setup", "test-admin"); err != nil {
		t.Fatalf("force %s: %v", state, err)
	}
	agg.DrainTransitions()
	return agg
}

func TestNewOrderValidatesInput(t *testing.T) {
	cases := []NewOrderInput{
		{Currency: "JPY", Items: []NewOrderItem{{ProductID: "a", Quantity: 1}}},
		{ReferenceID: "r", Currency: "US", Items: []NewOrderItem{{ProductID: "a", Quantity: 1}}},
		{ReferenceID: "r", Currency: "JPY"},
		{ReferenceID: "r", Currency: "JPY", Items: []NewOrderItem{{ProductID: "a", Quantity: 0}}},
		{ReferenceID: "r", Currency: "JPY", Items: []NewOrderItem{{ProductID: "a", Quantity: 1, GrossAmount: -1}}},
		{ReferenceID: "r", Currency: "JPY", Items: []NewOrderItem{{ProductID: "a", Quantity: 1}, {ProductID: "a", Quantity: 1}}},
		{ReferenceID: "r", Currency: "JPY", Items: []NewOrderItem{{ProductID: "a", Quantity: 1, Currency: "USD"}}},
	}
	for i, input := range cases {
		if _, err := NewOrder(input); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestNewOrderStartsInitialAtVersionOne(t *testing.T) {
	agg := newTestAggregate(t)
	order := agg.Order()
	if order.State != OrderStateInitial || order.Version != 1 {
		t.Fatalf("unexpected new order %+v", order)
	}
	if order.Currency != "JPY" {
		t.Fatalf("expected normalised currency, got %s", order.Currency)
	}
	if agg.Total() != 2500 {
		t.Fatalf("expected total 2500, got %d", agg.Total())
	}
}

func TestTransitionStateRejectsEdgesOutsideTable(t *testing.T) {
	for _, from := range OrderStates() {
		for _, to := range OrderStates() {
			if from == to || IsValidTransition(from, to) {
				continue
			}
			agg := aggregateInState(t, from)
			before := agg.Order()

			err := agg.TransitionState(to, "illegal")
			var stErr *StateTransitionError
			if !errors.As(err, &stErr) {
				t.Fatalf("%s -> %s: expected StateTransitionError, got %v", from, to, err)
			}
			if stErr.Current != from || stErr.Attempted != to {
				t.Fatalf("unexpected error fields %+v", stErr)
			}
			if !slices.Equal(stErr.ValidNext, ValidNextStates(from)) {
				t.Fatalf("expected valid next of %s, got %v", from, stErr.ValidNext)
			}
			after := agg.Order()
			if after.State != before.State || after.Version != before.Version {
				t.Fatalf("%s -> %s mutated aggregate", from, to)
			}
		}
	}
}

func TestTransitionStateInitialToPaidListsOnlyPending(t *testing.T) {
	agg := newTestAggregate(t)

	err := agg.TransitionState(OrderStatePaid, "skip pending")
	var stErr *StateTransitionError
	if !errors.As(err, &stErr) {
		t.Fatalf("expected StateTransitionError, got %v", err)
	}
	if !slices.Equal(stErr.ValidNext, []OrderState{OrderStatePending}) {
		t.Fatalf("expected {pending}, got %v", stErr.ValidNext)
	}
	if !errors.Is(err, ErrStateTransition) {
		t.Fatalf("expected error category")
	}
}

func TestTransitionStateSameStateIsNoop(t *testing.T) {
	agg := newTestAggregate(t)
	before := agg.Order()

	for i := 0; i < 2; i++ {
		if err := agg.TransitionState(OrderStateInitial, "noop"); err != nil {
			t.Fatalf("noop transition: %v", err)
		}
	}
	after := agg.Order()
	if after.Version != before.Version || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("expected no change, before %+v after %+v", before, after)
	}
	if events := agg.DrainTransitions(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestTransitionStateBumpsVersionAndTimestamp(t *testing.T) {
	agg := newTestAggregate(t)
	before := agg.Order()

	if err := agg.TransitionState(OrderStatePending, "checkout"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	after := agg.Order()
	if after.Version != before.Version+1 {
		t.Fatalf("expected version %d, got %d", before.Version+1, after.Version)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected updatedAt to advance")
	}
	events := agg.DrainTransitions()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.From != OrderStateInitial || evt.To != OrderStatePending || evt.Actor != "tester" || evt.Mode != TransitionModePlain {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Version != after.Version {
		t.Fatalf("event version mismatch")
	}
}

func TestSafeTransitionToPaidRequiresPayment(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)

	err := agg.SafeTransitionState(OrderStatePaid, "pay", true)
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected BusinessRuleViolation, got %v", err)
	}
	if violation.Rule != RulePaymentSufficiency || violation.Attempted != OrderStatePaid {
		t.Fatalf("unexpected violation %+v", violation)
	}
	if agg.State() != OrderStatePending {
		t.Fatalf("state changed on violation")
	}

	if err := agg.SafeTransitionState(OrderStatePaid, "pay", false); err != nil {
		t.Fatalf("expected unenforced transition to pass: %v", err)
	}
}

func TestSafeTransitionToPaidSucceedsAtExactTotal(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	total := agg.Total()

	short, err := agg.ProcessPayment("card", total-1, "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := agg.ConfirmPayment(short.ID, "tx-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if agg.State() == OrderStatePaid {
		t.Fatalf("expected short payment to keep order pending")
	}
	if err := agg.SafeTransitionState(OrderStatePaid, "pay", true); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected shortfall violation, got %v", err)
	}

	rest, err := agg.ProcessPayment("card", 1, "JPY")
	if err != nil {
		t.Fatalf("process rest: %v", err)
	}
	if _, err := agg.FailPayment(rest.ID, "declined"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	exact, err := agg.ProcessPayment("card", 1, "JPY")
	if err != nil {
		t.Fatalf("process exact: %v", err)
	}
	if _, err := agg.ConfirmPayment(exact.ID, "tx-2"); err != nil {
		t.Fatalf("confirm exact: %v", err)
	}
	if agg.SuccessfulPaymentTotal() != total {
		t.Fatalf("expected paid total %d, got %d", total, agg.SuccessfulPaymentTotal())
	}
	if err := agg.SafeTransitionState(OrderStatePaid, "pay", true); err != nil {
		t.Fatalf("expected transition at exact total: %v", err)
	}
}

func TestSafeTransitionZeroTotalNeedsPositivePayment(t *testing.T) {
	agg := newTestAggregate(t, NewOrderItem{ProductID: "free", Quantity: 1})
	if err := agg.TransitionState(OrderStatePending, "checkout"); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if err := agg.SafeTransitionState(OrderStatePaid, "free", true); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected zero-payment paid to be rejected, got %v", err)
	}
}

func TestSafeTransitionToCompletedRequiresHeldStock(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	payment, err := agg.ProcessPayment("card", agg.Total(), "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := agg.ConfirmPayment(payment.ID, "tx"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if agg.State() != OrderStatePaid {
		t.Fatalf("expected auto transition to paid, got %s", agg.State())
	}

	err = agg.SafeTransitionState(OrderStateCompleted, "ship", true)
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) || violation.Rule != RuleStockPresence {
		t.Fatalf("expected stock presence violation, got %v", err)
	}

	if _, err := agg.ReserveStock("sku-1", 2, 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := agg.SafeTransitionState(OrderStateCompleted, "ship", true); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSafeTransitionRejectsCancellingCompleted(t *testing.T) {
	agg := aggregateInState(t, OrderStateCompleted)

	err := agg.SafeTransitionState(OrderStateCancelled, "oops", true)
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) || violation.Rule != RuleCompletedNotCancellable {
		t.Fatalf("expected completed guard, got %v", err)
	}
	if err := agg.TransitionState(OrderStateCancelled, "plain"); err != nil {
		t.Fatalf("plain edge should be legal: %v", err)
	}
}

func TestForceStateTransitionRequiresActor(t *testing.T) {
	agg := newTestAggregate(t)
	if err := agg.ForceStateTransition(OrderStateCompleted, "manual", " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	before := agg.Version()
	if err := agg.ForceStateTransition(OrderStateCompleted, "manual", "ops@example.com"); err != nil {
		t.Fatalf("force: %v", err)
	}
	if agg.State() != OrderStateCompleted || agg.Version() != before+1 {
		t.Fatalf("unexpected state %s version %d", agg.State(), agg.Version())
	}
	events := agg.DrainTransitions()
	if len(events) != 1 || events[0].Actor != "ops@example.com" || events[0].Mode != TransitionModeForced {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCancelFromCancellableStates(t *testing.T) {
	for _, state := range []OrderState{OrderStateInitial, OrderStatePending, OrderStatePaid, OrderStateRefunded} {
		agg := aggregateInState(t, state)
		before := agg.Version()
		if _, err := agg.Cancel("customer request"); err != nil {
			t.Fatalf("cancel from %s: %v", state, err)
		}
		if agg.State() != OrderStateCancelled || agg.Version() != before+1 {
			t.Fatalf("cancel from %s: state %s version %d", state, agg.State(), agg.Version())
		}
	}

	agg := aggregateInState(t, OrderStateCompleted)
	_, err := agg.Cancel("too late")
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) || violation.Rule != RuleCompletedNotCancellable {
		t.Fatalf("expected completed guard, got %v", err)
	}
	if agg.State() != OrderStateCompleted {
		t.Fatalf("completed order changed state")
	}
}

func TestCancelCompensatesLedgers(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	reserved, err := agg.ReserveStockBulk([]ReservationLine{{ProductID: "sku-1", Quantity: 2}, {ProductID: "sku-2", Quantity: 1}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := agg.ConfirmReservation(reserved[1].ID); err != nil {
		t.Fatalf("confirm reservation: %v", err)
	}
	burn, err := agg.BurnPoints(50, "promo")
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	payment, err := agg.ProcessPayment("card", agg.Total(), "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := agg.ConfirmPayment(payment.ID, "tx"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	summary, err := agg.Cancel("timeout")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(summary.Released) != 2 || len(summary.Refunded) != 1 || len(summary.ReversedBurns) != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, r := range agg.Reservations() {
		if r.Status != ReservationStatusReleased {
			t.Fatalf("reservation %s not released", r.ID)
		}
	}
	if p := agg.Payments()[0]; p.Status != PaymentStatusRefunded || p.RefundedAmount != p.Amount {
		t.Fatalf("payment not refunded: %+v", p)
	}
	if ref := summary.ReversedBurns[0].ReversalOf; ref == nil || *ref != burn.ID {
		t.Fatalf("reversal does not reference burn")
	}
	if agg.LoyaltyBalance() != 0 {
		t.Fatalf("expected loyalty balance 0, got %d", agg.LoyaltyBalance())
	}

	again, err := agg.Cancel("twice")
	if err != nil || len(again.Released) != 0 {
		t.Fatalf("expected idempotent cancel, got %+v %v", again, err)
	}
}

func TestChangesTrackInsertsAndUpdates(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	agg.MarkPersisted()

	payment, err := agg.ProcessPayment("card", 100, "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	changes := agg.Changes()
	if !changes.OrderChanged || len(changes.InsertedPayments) != 1 || len(changes.UpdatedPayments) != 0 {
		t.Fatalf("unexpected changes %+v", changes)
	}
	agg.MarkPersisted()
	if !agg.Changes().IsEmpty() {
		t.Fatalf("expected empty change set after persist")
	}
	if _, err := agg.ConfirmPayment(payment.ID, "tx"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	changes = agg.Changes()
	if len(changes.UpdatedPayments) != 1 || changes.UpdatedPayments[0].Status != PaymentStatusSuccessful {
		t.Fatalf("expected updated payment, got %+v", changes)
	}
	if agg.LoadedVersion() == agg.Version() {
		t.Fatalf("expected loaded version to lag until persisted")
	}
}
