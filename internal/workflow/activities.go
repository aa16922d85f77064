package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/services"
)

// StepInput identifies the order and saga instance a step acts on.
type StepInput struct {
	OrderID    string
	InstanceID string
}

// Actor is the audit identity used for every mutation the saga performs.
func (in StepInput) Actor() string {
	return "workflow:" + in.InstanceID
}

// Activities exposes one call per saga step. Implementations must tolerate re-execution of a step.
type Activities interface {
	LinkWorkflow(ctx context.Context, in StepInput) error
	Validate(ctx context.Context, in StepInput) error
	FetchDetail(ctx context.Context, in StepInput) (domain.OrderDetail, error)
	ReserveStock(ctx context.Context, in StepInput, productID string) (services.ReservationResult, error)
	BurnLoyalty(ctx context.Context, in StepInput, points int64) error
	MarkPending(ctx context.Context, in StepInput) error
	RecordPayment(ctx context.Context, in StepInput, payment PaymentPayload) error
	MarkPaid(ctx context.Context, in StepInput) error
	CompleteCart(ctx context.Context, in StepInput) error
	MarkCompleted(ctx context.Context, in StepInput) error
	EarnLoyalty(ctx context.Context, in StepInput) error
	CancelOrder(ctx context.Context, in StepInput, reason string) (services.CancelResult, error)
}

// Validator is a pre-flight check run by the validate step.
type Validator func(ctx context.Context, detail domain.OrderDetail) error

// ServiceActivitiesDeps bundles the use cases the saga drives.
type ServiceActivitiesDeps struct {
	Orders       services.OrderService
	Transitions  services.TransitionService
	Reservations services.StockReservationService
	Payments     services.PaymentService
	Loyalty      services.LoyaltyService
	Validators   []Validator
}

// ServiceActivities implements Activities on top of the service layer.
type ServiceActivities struct {
	orders       services.OrderService
	transitions  services.TransitionService
	reservations services.StockReservationService
	payments     services.PaymentService
	loyalty      services.LoyaltyService
	validators   []Validator
}

var _ Activities = (*ServiceActivities)(nil)

func NewServiceActivities(deps ServiceActivitiesDeps) (*ServiceActivities, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("workflow activities: order service is required")
	case deps.Transitions == nil:
		return nil, errors.New("workflow activities: transition service is required")
	case deps.Reservations == nil:
		return nil, errors.New("workflow activities: reservation service is required")
	case deps.Payments == nil:
		return nil, errors.New("workflow activities: payment service is required")
	case deps.Loyalty == nil:
		return nil, errors.New("workflow activities: loyalty service is required")
	}
	return &ServiceActivities{
		orders:       deps.Orders,
		transitions:  deps.Transitions,
		reservations: deps.Reservations,
		payments:     deps.Payments,
		loyalty:      deps.Loyalty,
		validators:   append([]Validator(nil), deps.Validators...),
	}, nil
}

func (a *ServiceActivities) LinkWorkflow(ctx context.Context, in StepInput) error {
	_, err := a.orders.LinkWorkflow(ctx, services.LinkWorkflowCommand{
		OrderID:    in.OrderID,
		WorkflowID: in.InstanceID,
		ActorID:    in.Actor(),
	})
	return err
}

// Validate rejects orders the saga cannot drive, then runs the configured validators.
func (a *ServiceActivities) Validate(ctx context.Context, in StepInput) error {
	detail, err := a.orders.GetOrderDetail(ctx, in.OrderID)
	if err != nil {
		return err
	}
	switch detail.Order.State {
	case domain.OrderStateInitial, domain.OrderStatePending:
	default:
		return &domain.BusinessRuleViolation{
			Rule:      domain.RuleOrderClosed,
			Current:   detail.Order.State,
			Attempted: domain.OrderStatePending,
			ValidNext: domain.ValidNextStates(detail.Order.State),
			Detail:    fmt.Sprintf("order is %s", detail.Order.State),
		}
	}
	if len(detail.Items) == 0 {
		return &domain.ValidationError{Field: "items", Reason: "order has no items"}
	}
	for _, validate := range a.validators {
		if err := validate(ctx, detail); err != nil {
			return err
		}
	}
	return nil
}

func (a *ServiceActivities) FetchDetail(ctx context.Context, in StepInput) (domain.OrderDetail, error) {
	return a.orders.GetOrderDetail(ctx, in.OrderID)
}

func (a *ServiceActivities) ReserveStock(ctx context.Context, in StepInput, productID string) (services.ReservationResult, error) {
	return a.reservations.ReserveForProduct(ctx, services.ReserveCommand{
		OrderID:   in.OrderID,
		ProductID: productID,
		ActorID:   in.Actor(),
	})
}

// BurnLoyalty deducts promotional points before payment. Zero points is a no-op. The entry is keyed
// by instance, so a retried step finds the first burn instead of adding another.
func (a *ServiceActivities) BurnLoyalty(ctx context.Context, in StepInput, points int64) error {
	if points <= 0 {
		return nil
	}
	_, err := a.loyalty.BurnPoints(ctx, services.LoyaltyCommand{
		OrderID:     in.OrderID,
		Points:      points,
		Description: "promotional deduction for workflow " + in.InstanceID,
		ActorID:     in.Actor(),
		Once:        true,
	})
	return err
}

func (a *ServiceActivities) MarkPending(ctx context.Context, in StepInput) error {
	return a.transition(ctx, in, domain.OrderStatePending, "stock reserved")
}

// RecordPayment settles the payment announced by the signal. An order already paid in full through
// another channel is left untouched when the signal carries no explicit amount.
func (a *ServiceActivities) RecordPayment(ctx context.Context, in StepInput, payment PaymentPayload) error {
	if payment.Amount == 0 {
		detail, err := a.orders.GetOrderDetail(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if detail.PaidTotal >= detail.Total {
			return nil
		}
	}
	_, err := a.payments.RecordSettledPayment(ctx, services.SettledPaymentCommand{
		OrderID:              in.OrderID,
		Method:               payment.Method,
		Amount:               payment.Amount,
		Currency:             payment.Currency,
		TransactionReference: payment.TransactionReference,
		ActorID:              in.Actor(),
	})
	return err
}

// MarkPaid is usually a no-op because recording a full payment already moves the order to paid.
func (a *ServiceActivities) MarkPaid(ctx context.Context, in StepInput) error {
	return a.transition(ctx, in, domain.OrderStatePaid, "payment received")
}

func (a *ServiceActivities) CompleteCart(ctx context.Context, in StepInput) error {
	_, err := a.reservations.ConfirmAll(ctx, in.OrderID, in.Actor())
	return err
}

func (a *ServiceActivities) MarkCompleted(ctx context.Context, in StepInput) error {
	return a.transition(ctx, in, domain.OrderStateCompleted, "order completed")
}

// EarnLoyalty credits points for the order total once per instance. Orders below one point earn nothing.
func (a *ServiceActivities) EarnLoyalty(ctx context.Context, in StepInput) error {
	detail, err := a.orders.GetOrderDetail(ctx, in.OrderID)
	if err != nil {
		return err
	}
	points := a.loyalty.PointsFor(detail.Total)
	if points <= 0 {
		return nil
	}
	_, err = a.loyalty.EarnPoints(ctx, services.LoyaltyCommand{
		OrderID:     in.OrderID,
		Points:      points,
		Description: "order completed by workflow " + in.InstanceID,
		ActorID:     in.Actor(),
		Once:        true,
	})
	return err
}

func (a *ServiceActivities) CancelOrder(ctx context.Context, in StepInput, reason string) (services.CancelResult, error) {
	return a.transitions.Cancel(ctx, services.CancelCommand{
		OrderID: in.OrderID,
		Reason:  strings.TrimSpace(reason),
		ActorID: in.Actor(),
	})
}

func (a *ServiceActivities) transition(ctx context.Context, in StepInput, target domain.OrderState, reason string) error {
	_, err := a.transitions.Transition(ctx, services.TransitionCommand{
		OrderID:      in.OrderID,
		Target:       target,
		Reason:       reason,
		ActorID:      in.Actor(),
		Mode:         domain.TransitionModeSafe,
		EnforceRules: true,
	})
	return err
}
