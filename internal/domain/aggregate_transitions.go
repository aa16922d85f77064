package domain

import (
	"fmt"
	"strings"
)

// CancellationSummary lists the ledger entries compensated by Cancel.
type CancellationSummary struct {
	Released      []StockReservation
	Refunded      []Payment
	ReversedBurns []LoyaltyTransaction
}

var cancellableStates = map[OrderState]bool{
	OrderStateInitial:  true,
	OrderStatePending:  true,
	OrderStatePaid:     true,
	OrderStateRefunded: true,
}

// TransitionState moves the order along a state table edge. Targeting the current state is a no-op.
func (a *Aggregate) TransitionState(next OrderState, reason string) error {
	return a.transition(next, reason, false, TransitionModePlain, a.actor)
}

// SafeTransitionState is TransitionState with an additional business rule gate when enforceBusinessRules is set.
func (a *Aggregate) SafeTransitionState(next OrderState, reason string, enforceBusinessRules bool) error {
	return a.transition(next, reason, enforceBusinessRules, TransitionModeSafe, a.actor)
}

// ForceStateTransition bypasses the edge and rule gates. The override actor is mandatory and recorded.
func (a *Aggregate) ForceStateTransition(next OrderState, reason, overrideActor string) error {
	overrideActor = strings.TrimSpace(overrideActor)
	if overrideActor == "" {
		return &ValidationError{Field: "overrideActor", Reason: "is required"}
	}
	if !next.IsValid() {
		return &ValidationError{Field: "state", Reason: "unknown order state " + string(next)}
	}
	if next == a.order.State {
		return nil
	}
	a.apply(next, reason, TransitionModeForced, overrideActor)
	return nil
}

func (a *Aggregate) transition(next OrderState, reason string, enforce bool, mode TransitionMode, actor string) error {
	if !next.IsValid() {
		return &ValidationError{Field: "state", Reason: "unknown order state " + string(next)}
	}
	current := a.order.State
	if next == current {
		return nil
	}
	if !IsValidTransition(current, next) {
		return &StateTransitionError{
			Current:   current,
			Attempted: next,
			ValidNext: ValidNextStates(current),
		}
	}
	if enforce {
		if err := a.checkBusinessRules(next); err != nil {
			return err
		}
	}
	a.apply(next, reason, mode, actor)
	return nil
}

func (a *Aggregate) checkBusinessRules(next OrderState) error {
	current := a.order.State
	violation := func(rule Rule, detail string) error {
		return &BusinessRuleViolation{
			Rule:      rule,
			Current:   current,
			Attempted: next,
			ValidNext: ValidNextStates(current),
			Detail:    detail,
		}
	}

	switch next {
	case OrderStatePaid:
		if !a.IsFullyPaid() {
			return violation(RulePaymentSufficiency, a.paymentShortfall())
		}
	case OrderStateCompleted:
		if !a.IsFullyPaid() {
			return violation(RulePaymentSufficiency, a.paymentShortfall())
		}
		if !a.hasHeldStock() {
			return violation(RuleStockPresence, "no reserved or confirmed stock")
		}
	case OrderStateCancelled:
		if current == OrderStateCompleted {
			return violation(RuleCompletedNotCancellable, "completed orders cannot be cancelled")
		}
	case OrderStateRefunded:
		if current != OrderStatePaid && current != OrderStateCompleted {
			return violation(RuleRefundSource, "only paid or completed orders can be refunded")
		}
	}
	return nil
}

// IsFullyPaid reports whether successful payments cover the total. A zero total still needs a positive payment.
func (a *Aggregate) IsFullyPaid() bool {
	total := a.Total()
	paid := a.SuccessfulPaymentTotal()
	if total == 0 {
		return paid > 0
	}
	return paid >= total
}

func (a *Aggregate) paymentShortfall() string {
	return fmt.Sprintf("paid %d of %d %s", a.SuccessfulPaymentTotal(), a.Total(), a.order.Currency)
}

func (a *Aggregate) hasHeldStock() bool {
	for _, r := range a.reservations {
		if r.Status == ReservationStatusReserved || r.Status == ReservationStatusConfirmed {
			return true
		}
	}
	return false
}

// Cancel releases held stock, refunds successful payments, reverses loyalty burns and moves the order to Cancelled.
// Completed orders cannot be cancelled; cancelling a cancelled order is a no-op.
func (a *Aggregate) Cancel(reason string) (CancellationSummary, error) {
	var summary CancellationSummary
	current := a.order.State
	if current == OrderStateCancelled {
		return summary, nil
	}
	if !cancellableStates[current] {
		return summary, &BusinessRuleViolation{
			Rule:      RuleCompletedNotCancellable,
			Current:   current,
			Attempted: OrderStateCancelled,
			ValidNext: ValidNextStates(current),
			Detail:    "completed orders cannot be cancelled",
		}
	}

	now := a.clock()
	for i := range a.reservations {
		r := &a.reservations[i]
		if r.Status != ReservationStatusReserved && r.Status != ReservationStatusConfirmed {
			continue
		}
		r.Status = ReservationStatusReleased
		r.ReleaseReason = reason
		r.UpdatedAt = now
		a.markUpdated(r.ID)
		summary.Released = append(summary.Released, *r)
	}
	for i := range a.payments {
		p := &a.payments[i]
		if p.Status != PaymentStatusSuccessful {
			continue
		}
		refundedAt := now
		p.Status = PaymentStatusRefunded
		p.RefundedAmount = p.Amount
		p.RefundedAt = &refundedAt
		p.UpdatedAt = now
		a.markUpdated(p.ID)
		summary.Refunded = append(summary.Refunded, *p)
	}
	for _, burn := range a.unreversed(LoyaltyTypeBurn) {
		entry := a.appendReversal(burn, "order cancelled", now)
		summary.ReversedBurns = append(summary.ReversedBurns, entry)
	}

	a.apply(OrderStateCancelled, reason, TransitionModeCancel, a.actor)
	return summary, nil
}

// apply performs an accepted state change and records the notification.
func (a *Aggregate) apply(next OrderState, reason string, mode TransitionMode, actor string) {
	from := a.order.State
	a.order.State = next
	now := a.touch()
	a.events = append(a.events, TransitionEvent{
		OrderID:    a.order.ID,
		From:       from,
		To:         next,
		Reason:     strings.TrimSpace(reason),
		Actor:      actor,
		Mode:       mode,
		Version:    a.order.Version,
		OccurredAt: now,
	})
}
