package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/payments"
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	CoreDeps
	Gateway payments.Gateway
}

type paymentService struct {
	core
	gateway payments.Gateway
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	c, err := deps.CoreDeps.build("payment service")
	if err != nil {
		return nil, err
	}
	return &paymentService{core: c, gateway: deps.Gateway}, nil
}

func (s *paymentService) ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (PaymentResult, error) {
	return s.apply(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.Payment, error) {
		return agg.ProcessPayment(cmd.Method, cmd.Amount, currencyOrOrder(cmd.Currency, agg))
	})
}

func (s *paymentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentResult, error) {
	return s.apply(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.Payment, error) {
		return agg.ConfirmPayment(cmd.PaymentID, cmd.TransactionReference)
	})
}

func (s *paymentService) FailPayment(ctx context.Context, cmd FailPaymentCommand) (PaymentResult, error) {
	return s.apply(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.Payment, error) {
		return agg.FailPayment(cmd.PaymentID, cmd.Reason)
	})
}

// RefundPayment refunds through the gateway before the ledger is persisted, so a rejected refund leaves the ledger
// untouched. Payments without a transaction reference are refunded on the ledger only.
func (s *paymentService) RefundPayment(ctx context.Context, cmd RefundPaymentCommand) (PaymentResult, error) {
	var refund *payments.RefundResult
	result, err := s.apply(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.Payment, error) {
		refund = nil
		payment, err := agg.RefundPayment(cmd.PaymentID, cmd.Amount, cmd.Reason)
		if err != nil {
			return domain.Payment{}, err
		}
		if s.gateway == nil || payment.TransactionReference == "" {
			return payment, nil
		}
		res, err := s.gateway.Refund(ctx, payments.RefundRequest{
			OrderID:              agg.ID(),
			PaymentID:            payment.ID,
			Method:               payment.Method,
			TransactionReference: payment.TransactionReference,
			Amount:               cmd.Amount,
			Currency:             payment.Currency,
			Reason:               cmd.Reason,
			IdempotencyKey:       "refund:" + payment.ID + ":" + strconv.FormatInt(cmd.Amount, 10),
		})
		if err != nil {
			return domain.Payment{}, fmt.Errorf("%w: payment %s: %v", ErrRefundFailed, payment.ID, err)
		}
		refund = &res
		return payment, nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	result.Refund = refund
	return result, nil
}

// RecordSettledPayment appends and confirms a payment in one mutation. A zero amount settles the outstanding
// balance. A transaction reference already on the ledger returns the recorded payment without writing.
//
// The append, the confirmation and an automatic move to Paid each bump the order version, so a single
// call advances it by two or three. Clients holding a version for optimistic writes must reread the order.
func (s *paymentService) RecordSettledPayment(ctx context.Context, cmd SettledPaymentCommand) (PaymentResult, error) {
	reference := strings.TrimSpace(cmd.TransactionReference)
	method := strings.TrimSpace(cmd.Method)
	if method == "" {
		method = "external"
	}
	return s.apply(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.Payment, error) {
		if reference != "" {
			for _, p := range agg.Payments() {
				if p.TransactionReference == reference {
					return p, nil
				}
			}
		}
		amount := cmd.Amount
		if amount == 0 {
			amount = agg.OutstandingAmount()
		}
		if amount <= 0 {
			return domain.Payment{}, &domain.BusinessRuleViolation{
				Rule:    domain.RulePaymentSufficiency,
				Current: agg.State(),
				Detail:  "nothing outstanding to settle",
			}
		}
		pending, err := agg.ProcessPayment(method, amount, currencyOrOrder(cmd.Currency, agg))
		if err != nil {
			return domain.Payment{}, err
		}
		return agg.ConfirmPayment(pending.ID, reference)
	})
}

func (s *paymentService) apply(ctx context.Context, orderID, actor string, fn func(*domain.Aggregate) (domain.Payment, error)) (PaymentResult, error) {
	var (
		payment domain.Payment
		before  int64
	)
	agg, events, err := s.store.mutate(ctx, orderID, actorOrSystem(actor), func(agg *domain.Aggregate) error {
		before = agg.Version()
		var err error
		payment, err = fn(agg)
		return err
	})
	if err != nil {
		return PaymentResult{}, err
	}
	order := agg.Order()
	if order.Version == before {
		return PaymentResult{Payment: payment, Order: order}, nil
	}
	s.journal.accepted(ctx, auditActionTransition, order.ReferenceID, events)
	s.journal.publish(ctx, OrderEvent{
		Type:         orderEventPaymentRecorded,
		OrderID:      order.ID,
		ReferenceID:  order.ReferenceID,
		CurrentState: string(order.State),
		Version:      order.Version,
		ActorID:      actorOrSystem(actor),
		OccurredAt:   payment.UpdatedAt,
		Metadata: map[string]any{
			"paymentId": payment.ID,
			"status":    string(payment.Status),
			"amount":    payment.Amount,
		},
	})
	return PaymentResult{Payment: payment, Order: order}, nil
}

func currencyOrOrder(code string, agg *domain.Aggregate) string {
	if strings.TrimSpace(code) == "" {
		return agg.Order().Currency
	}
	return code
}
