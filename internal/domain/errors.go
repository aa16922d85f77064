package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation categorises malformed input.
	ErrValidation = errors.New("order: invalid input")
	// ErrStateTransition categorises edges missing from the state table.
	ErrStateTransition = errors.New("order: invalid state transition")
	// ErrBusinessRule categorises legal edges or ledger operations whose precondition is unmet.
	ErrBusinessRule = errors.New("order: business rule violated")
	// ErrNotFound categorises references to absent orders, payments, reservations or items.
	ErrNotFound = errors.New("order: not found")
)

// Rule identifies the precondition a BusinessRuleViolation refers to.
type Rule string

const (
	RulePaymentSufficiency      Rule = "payment_sufficiency"
	RuleStockPresence           Rule = "stock_presence"
	RuleCompletedNotCancellable Rule = "completed_not_cancellable"
	RuleRefundSource            Rule = "refund_source"
	RuleOrderClosed             Rule = "order_closed"
	RulePaymentLifecycle        Rule = "payment_lifecycle"
	RuleReservationLifecycle    Rule = "reservation_lifecycle"
	RuleEarnRequiresCompleted   Rule = "earn_requires_completed"
	RuleAlreadyReversed         Rule = "already_reversed"
	RuleRefundExceedsPayment    Rule = "refund_exceeds_payment"
	RuleWorkflowLinked          Rule = "workflow_already_linked"
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateTransitionError reports an edge that does not exist in the state table.
type StateTransitionError struct {
	Current   OrderState
	Attempted OrderState
	ValidNext []OrderState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s (valid: %s)", ErrStateTransition, e.Current, e.Attempted, joinStates(e.ValidNext))
}

func (e *StateTransitionError) Unwrap() error { return ErrStateTransition }

// BusinessRuleViolation reports an unmet precondition. Attempted is empty for ledger operations.
type BusinessRuleViolation struct {
	Rule      Rule
	Current   OrderState
	Attempted OrderState
	ValidNext []OrderState
	Detail    string
}

func (e *BusinessRuleViolation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", ErrBusinessRule, e.Rule)
	if e.Attempted != "" {
		fmt.Fprintf(&b, " (%s -> %s)", e.Current, e.Attempted)
	} else if e.Current != "" {
		fmt.Fprintf(&b, " (state %s)", e.Current)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *BusinessRuleViolation) Unwrap() error { return ErrBusinessRule }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrNotFound, e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func joinStates(states []OrderState) string {
	if len(states) == 0 {
		return "none"
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
