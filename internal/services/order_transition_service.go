package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/payments"
)

const defaultCancelReason = "order cancelled"

// TransitionServiceDeps bundles collaborators required to construct the transition service.
type TransitionServiceDeps struct {
	CoreDeps
	Gateway payments.Gateway
}

type transitionService struct {
	core
	gateway payments.Gateway
}

var _ TransitionService = (*transitionService)(nil)

// NewTransitionService wires dependencies into a concrete TransitionService implementation.
func NewTransitionService(deps TransitionServiceDeps) (TransitionService, error) {
	c, err := deps.CoreDeps.build("transition service")
	if err != nil {
		return nil, err
	}
	return &transitionService{core: c, gateway: deps.Gateway}, nil
}

// Transition loads the order, applies the requested gate, persists the diff with a version CAS and records the
// attempt in the journey and audit log whether it succeeds or not.
func (s *transitionService) Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	mode := cmd.Mode
	if mode == "" {
		mode = domain.TransitionModeSafe
	}
	actor := actorOrSystem(cmd.ActorID)
	a := attempt{
		orderID: strings.TrimSpace(cmd.OrderID),
		to:      cmd.Target,
		reason:  cmd.Reason,
		actor:   actor,
		mode:    mode,
	}

	agg, events, err := s.store.mutate(ctx, cmd.OrderID, actor, func(agg *domain.Aggregate) error {
		a.from = agg.State()
		a.version = agg.Version()
		switch mode {
		case domain.TransitionModePlain:
			return agg.TransitionState(cmd.Target, cmd.Reason)
		case domain.TransitionModeSafe:
			return agg.SafeTransitionState(cmd.Target, cmd.Reason, cmd.EnforceRules)
		case domain.TransitionModeForced:
			return agg.ForceStateTransition(cmd.Target, cmd.Reason, cmd.ActorID)
		default:
			return &domain.ValidationError{Field: "mode", Reason: fmt.Sprintf("%q is not a transition mode", mode)}
		}
	})
	if err != nil {
		if !isMissingOrder(err) {
			s.journal.attempted(ctx, auditActionTransition, a, err)
		}
		s.logger(ctx, "order.transition.rejected", map[string]any{
			"order":  a.orderID,
			"from":   string(a.from),
			"to":     string(cmd.Target),
			"mode":   string(mode),
			"error":  err.Error(),
			"actor":  actor,
			"reason": cmd.Reason,
		})
		return TransitionResult{}, err
	}

	order := agg.Order()
	if len(events) == 0 {
		s.journal.attempted(ctx, auditActionTransition, a, nil)
	}
	s.journal.accepted(ctx, auditActionTransition, order.ReferenceID, events)
	return TransitionResult{Order: order, From: a.from, Changed: len(events) > 0}, nil
}

// Cancel runs the compensating path: held stock is released, successful payments are refunded through the gateway
// and loyalty burns are reversed before the order moves to Cancelled. Gateway refunds use the payment id as
// idempotency key so a retried cancellation never refunds twice.
func (s *transitionService) Cancel(ctx context.Context, cmd CancelCommand) (CancelResult, error) {
	actor := actorOrSystem(cmd.ActorID)
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	a := attempt{
		orderID: strings.TrimSpace(cmd.OrderID),
		to:      domain.OrderStateCancelled,
		reason:  reason,
		actor:   actor,
		mode:    domain.TransitionModeCancel,
	}

	var (
		summary domain.CancellationSummary
		refunds []payments.RefundResult
	)
	agg, events, err := s.store.mutate(ctx, cmd.OrderID, actor, func(agg *domain.Aggregate) error {
		a.from = agg.State()
		a.version = agg.Version()
		refunds = nil
		var err error
		summary, err = agg.Cancel(reason)
		if err != nil {
			return err
		}
		for _, p := range summary.Refunded {
			result, err := s.refund(ctx, agg.ID(), p, reason)
			if err != nil {
				return err
			}
			if result != nil {
				refunds = append(refunds, *result)
			}
		}
		return nil
	})
	if err != nil {
		if !isMissingOrder(err) {
			s.journal.attempted(ctx, auditActionCancel, a, err)
		}
		s.logger(ctx, "order.cancel.failed", map[string]any{
			"order": a.orderID,
			"from":  string(a.from),
			"error": err.Error(),
			"actor": actor,
		})
		return CancelResult{}, err
	}

	order := agg.Order()
	if len(events) == 0 {
		s.journal.attempted(ctx, auditActionCancel, a, nil)
	}
	s.journal.accepted(ctx, auditActionCancel, order.ReferenceID, events)
	s.logger(ctx, "order.cancelled", map[string]any{
		"order":         order.ID,
		"released":      len(summary.Released),
		"refunded":      len(summary.Refunded),
		"reversedBurns": len(summary.ReversedBurns),
		"alreadyClosed": len(events) == 0,
	})
	return CancelResult{
		Order:         order,
		Released:      summary.Released,
		Refunded:      summary.Refunded,
		Refunds:       refunds,
		ReversedBurns: summary.ReversedBurns,
		AlreadyClosed: len(events) == 0,
	}, nil
}

func (s *transitionService) refund(ctx context.Context, orderID string, p domain.Payment, reason string) (*payments.RefundResult, error) {
	if s.gateway == nil || strings.TrimSpace(p.TransactionReference) == "" {
		return nil, nil
	}
	result, err := s.gateway.Refund(ctx, payments.RefundRequest{
		OrderID:              orderID,
		PaymentID:            p.ID,
		Method:               p.Method,
		TransactionReference: p.TransactionReference,
		Amount:               p.Amount,
		Currency:             p.Currency,
		Reason:               reason,
		IdempotencyKey:       "refund:" + p.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: payment %s: %v", ErrRefundFailed, p.ID, err)
	}
	return &result, nil
}

func isMissingOrder(err error) bool {
	var notFound *domain.NotFoundError
	return errors.As(err, &notFound) && notFound.Resource == "order"
}
