package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPaymentOperationsRejectClosedOrders(t *testing.T) {
	for _, state := range []OrderState{OrderStateCancelled, OrderStateRefunded} {
		agg := aggregateInState(t, state)
		_, err := agg.ProcessPayment("card", 100, "JPY")
		var violation *BusinessRuleViolation
		if !errors.As(err, &violation) || violation.Rule != RuleOrderClosed {
			t.Fatalf("%s: expected order closed violation, got %v", state, err)
		}
		if len(agg.Payments()) != 0 {
			t.Fatalf("%s: payment appended on closed order", state)
		}
	}
}

func TestPaymentLifecycle(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)

	if _, err := agg.ProcessPayment("card", 0, "JPY"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := agg.ProcessPayment("card", 100, "USD"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}

	payment, err := agg.ProcessPayment("card", 100, "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if payment.Status != PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", payment.Status)
	}
	if _, err := agg.RefundPayment(payment.ID, 100, "early"); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected refund of pending payment to fail, got %v", err)
	}
	failed, err := agg.FailPayment(payment.ID, "declined")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != PaymentStatusFailed || failed.FailureReason != "declined" {
		t.Fatalf("unexpected failed payment %+v", failed)
	}
	if _, err := agg.ConfirmPayment(payment.ID, "tx"); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected confirm of failed payment to fail, got %v", err)
	}
	if _, err := agg.ConfirmPayment("missing", "tx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPartialPaymentKeepsOrderPending(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	outstanding := agg.OutstandingAmount()

	first, err := agg.ProcessPayment("card", outstanding-100, "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := agg.ConfirmPayment(first.ID, "tx-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if agg.State() != OrderStatePending {
		t.Fatalf("expected pending after partial settlement, got %s", agg.State())
	}

	rest, err := agg.ProcessPayment("card", 100, "JPY")
	if err != nil {
		t.Fatalf("process rest: %v", err)
	}
	if _, err := agg.ConfirmPayment(rest.ID, "tx-2"); err != nil {
		t.Fatalf("confirm rest: %v", err)
	}
	if agg.State() != OrderStatePaid {
		t.Fatalf("expected paid once the total is covered, got %s", agg.State())
	}
}

func TestRefundPaymentBoundedByCapturedAmount(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	payment, err := agg.ProcessPayment("card", 700, "JPY")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := agg.ConfirmPayment(payment.ID, "pi_123"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err = agg.RefundPayment(payment.ID, 701, "too much")
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) || violation.Rule != RuleRefundExceedsPayment {
		t.Fatalf("expected refund bound violation, got %v", err)
	}
	refunded, err := agg.RefundPayment(payment.ID, 300, "partial")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != PaymentStatusRefunded || refunded.RefundedAmount != 300 || refunded.RefundedAt == nil {
		t.Fatalf("unexpected refund %+v", refunded)
	}
	if _, err := agg.RefundPayment(payment.ID, 100, "again"); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected second refund to fail, got %v", err)
	}
}

func TestReservationLifecycle(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	r, err := agg.ReserveStock("sku-1", 2, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := agg.FulfillReservation(r.ID); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected fulfil of reserved to fail, got %v", err)
	}
	if _, err := agg.ConfirmReservation(r.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	fulfilled, err := agg.FulfillReservation(r.ID)
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if fulfilled.Status != ReservationStatusFulfilled {
		t.Fatalf("unexpected status %s", fulfilled.Status)
	}
	_, err = agg.ReleaseReservation(r.ID, "late")
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) || violation.Rule != RuleReservationLifecycle {
		t.Fatalf("expected fulfilled reservation to be terminal, got %v", err)
	}

	if _, err := agg.ReserveStock("sku-2", 0, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReserveStockRejectsClosedOrders(t *testing.T) {
	agg := aggregateInState(t, OrderStateCancelled)
	if _, err := agg.ReserveStock("sku-1", 1, 0); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected closed order violation, got %v", err)
	}
}

func TestBulkReservationOperationsAreAllOrNothing(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	version := agg.Version()

	_, err := agg.ReserveStockBulk([]ReservationLine{{ProductID: "sku-1", Quantity: 1}, {ProductID: "sku-2", Quantity: -1}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(agg.Reservations()) != 0 || agg.Version() != version {
		t.Fatalf("partial bulk reservation applied")
	}

	reserved, err := agg.ReserveStockBulk([]ReservationLine{{ProductID: "sku-1", Quantity: 2}, {ProductID: "sku-2", Quantity: 1}})
	if err != nil {
		t.Fatalf("bulk reserve: %v", err)
	}
	if agg.Version() != version+1 {
		t.Fatalf("expected one version bump for bulk reserve, got %d", agg.Version()-version)
	}

	if _, err := agg.ConfirmReservation(reserved[0].ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := agg.FulfillAllReservations(); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected fulfil all to fail while one is reserved, got %v", err)
	}
	if got := agg.Reservations()[0].Status; got != ReservationStatusConfirmed {
		t.Fatalf("fulfil all partially applied: %s", got)
	}

	confirmed, err := agg.ConfirmAllReservations()
	if err != nil || len(confirmed) != 1 {
		t.Fatalf("confirm all: %v (%d)", err, len(confirmed))
	}
	released, err := agg.ReleaseAllReservations("cancel")
	if err != nil || len(released) != 2 {
		t.Fatalf("release all: %v (%d)", err, len(released))
	}
	if _, ok := agg.ActiveReservationFor("sku-1"); ok {
		t.Fatalf("expected no active reservation after release")
	}
}

func TestExpireReservations(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	r, err := agg.ReserveStock("sku-1", 1, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.ExpiresAt == nil {
		t.Fatalf("expected expiry")
	}
	if expired := agg.ExpireReservations(r.ExpiresAt.Add(-time.Second)); len(expired) != 0 {
		t.Fatalf("expired too early")
	}
	expired := agg.ExpireReservations(r.ExpiresAt.Add(time.Second))
	if len(expired) != 1 || expired[0].Status != ReservationStatusExpired {
		t.Fatalf("unexpected expiry result %+v", expired)
	}
}

func TestEarnPointsRequiresCompleted(t *testing.T) {
	agg := aggregateInState(t, OrderStatePaid)
	_, err := agg.EarnPoints(10, "purchase")
	var violation *BusinessRuleViolation
	if !errors.As(err, &violation) || violation.Rule != RuleEarnRequiresCompleted {
		t.Fatalf("expected earn guard, got %v", err)
	}

	agg = aggregateInState(t, OrderStateCompleted)
	earned, err := agg.EarnPoints(10, "purchase")
	if err != nil {
		t.Fatalf("earn: %v", err)
	}
	if earned.Type != LoyaltyTypeEarn || agg.LoyaltyBalance() != 10 {
		t.Fatalf("unexpected earn %+v balance %d", earned, agg.LoyaltyBalance())
	}
}

func TestBurnAndReverse(t *testing.T) {
	agg := aggregateInState(t, OrderStatePending)
	if _, err := agg.BurnPoints(0, "nothing"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	burn, err := agg.BurnPoints(40, "promo")
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := agg.ReverseEarn(burn.ID, "wrong type"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	reversal, err := agg.ReverseBurn(burn.ID, "refund promo")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.Type != LoyaltyTypeEarn || reversal.ReversalOf == nil || *reversal.ReversalOf != burn.ID {
		t.Fatalf("unexpected reversal %+v", reversal)
	}
	if _, err := agg.ReverseBurn(burn.ID, "again"); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected double reversal to fail, got %v", err)
	}
	ledger := agg.Loyalty()
	if len(ledger) != 2 || ledger[0].Points != 40 || ledger[0].Type != LoyaltyTypeBurn {
		t.Fatalf("ledger history mutated: %+v", ledger)
	}

	closed := aggregateInState(t, OrderStateRefunded)
	if _, err := closed.BurnPoints(1, "late"); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected burn on refunded to fail, got %v", err)
	}
}

func TestLinkWorkflow(t *testing.T) {
	agg := newTestAggregate(t)
	if err := agg.LinkWorkflow("wf-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	version := agg.Version()
	if err := agg.LinkWorkflow("wf-1"); err != nil || agg.Version() != version {
		t.Fatalf("expected idempotent relink, err %v", err)
	}
	if err := agg.LinkWorkflow("wf-2"); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected conflicting link to fail, got %v", err)
	}
}
