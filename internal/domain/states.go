package domain

import (
	"slices"
	"strings"
)

// OrderState enumerates the lifecycle states of an order.
type OrderState string

const (
	// OrderStateInitial is the state of a freshly created order.
	OrderStateInitial OrderState = "initial"
	// OrderStatePending indicates stock is held and the order awaits payment.
	OrderStatePending OrderState = "pending"
	// OrderStatePaid indicates payment covered the order total.
	OrderStatePaid OrderState = "paid"
	// OrderStateRefunded indicates captured funds were returned.
	OrderStateRefunded OrderState = "refunded"
	// OrderStateCompleted indicates the order was fulfilled.
	OrderStateCompleted OrderState = "completed"
	// OrderStateCancelled is terminal.
	OrderStateCancelled OrderState = "cancelled"
)

var orderStates = []OrderState{
	OrderStateInitial,
	OrderStatePending,
	OrderStatePaid,
	OrderStateRefunded,
	OrderStateCompleted,
	OrderStateCancelled,
}

var orderStateTransitions = map[OrderState][]OrderState{
	OrderStateInitial:   {OrderStatePending},
	OrderStatePending:   {OrderStatePaid, OrderStateCancelled},
	OrderStatePaid:      {OrderStateCompleted, OrderStateRefunded},
	OrderStateRefunded:  {OrderStateCancelled},
	OrderStateCompleted: {OrderStateCancelled},
	OrderStateCancelled: {},
}

// IsValid reports whether the state is a member of the state set.
func (s OrderState) IsValid() bool {
	_, ok := orderStateTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves the state.
func (s OrderState) IsTerminal() bool {
	next, ok := orderStateTransitions[s]
	return ok && len(next) == 0
}

// ValidNextStates returns a copy of the legal targets from the given state.
func ValidNextStates(from OrderState) []OrderState {
	return slices.Clone(orderStateTransitions[from])
}

// IsValidTransition reports whether the edge from -> to exists.
func IsValidTransition(from, to OrderState) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// OrderStates lists every state in lifecycle order.
func OrderStates() []OrderState {
	return slices.Clone(orderStates)
}

// ParseOrderState resolves a case-insensitive state name.
func ParseOrderState(value string) (OrderState, error) {
	candidate := OrderState(strings.ToLower(strings.TrimSpace(value)))
	if candidate.IsValid() {
		return candidate, nil
	}
	return "", &ValidationError{Field: "state", Reason: "unknown order state " + strings.TrimSpace(value)}
}
