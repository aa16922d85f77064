package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	CoreDeps
}

type orderService struct {
	core
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	c, err := deps.CoreDeps.build("order service")
	if err != nil {
		return nil, err
	}
	return &orderService{core: c}, nil
}

// CreateOrder creates an Initial order. Repeating a ReferenceID returns the existing order with Created unset.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	reference := strings.TrimSpace(cmd.ReferenceID)
	if reference == "" {
		return CreateOrderResult{}, &domain.ValidationError{Field: "referenceId", Reason: "is required"}
	}
	if existing, ok, err := s.findByReference(ctx, reference); err != nil {
		return CreateOrderResult{}, err
	} else if ok {
		return CreateOrderResult{Detail: existing}, nil
	}

	items := make([]domain.NewOrderItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		items = append(items, domain.NewOrderItem{
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			NetAmount:   item.NetAmount,
			GrossAmount: item.GrossAmount,
			Currency:    item.Currency,
		})
	}
	actor := actorOrSystem(cmd.ActorID)
	agg, err := domain.NewOrder(domain.NewOrderInput{
		ID:          orderIDPrefix + s.newID(),
		ReferenceID: reference,
		Currency:    cmd.Currency,
		Items:       items,
	}, s.store.options(actor)...)
	if err != nil {
		return CreateOrderResult{}, err
	}

	if err := s.store.save(ctx, agg, nil); err != nil {
		if errors.Is(err, ErrOrderConflict) {
			// Lost a race on the reference key.
			if existing, ok, findErr := s.findByReference(ctx, reference); findErr == nil && ok {
				return CreateOrderResult{Detail: existing}, nil
			}
		}
		return CreateOrderResult{}, err
	}

	order := agg.Order()
	s.journal.publish(ctx, OrderEvent{
		Type:         orderEventCreated,
		OrderID:      order.ID,
		ReferenceID:  order.ReferenceID,
		CurrentState: string(order.State),
		Version:      order.Version,
		ActorID:      actor,
		OccurredAt:   order.CreatedAt,
		Metadata:     map[string]any{"total": agg.Total(), "currency": order.Currency},
	})
	return CreateOrderResult{Detail: agg.Detail(), Created: true}, nil
}

func (s *orderService) GetOrderDetail(ctx context.Context, orderID string) (domain.OrderDetail, error) {
	agg, err := s.store.load(ctx, orderID, "")
	if err != nil {
		return domain.OrderDetail{}, err
	}
	return agg.Detail(), nil
}

// LinkWorkflow records the workflow instance driving the order. Relinking the same instance is a no-op.
func (s *orderService) LinkWorkflow(ctx context.Context, cmd LinkWorkflowCommand) (domain.Order, error) {
	var changed bool
	agg, _, err := s.store.mutate(ctx, cmd.OrderID, actorOrSystem(cmd.ActorID), func(agg *domain.Aggregate) error {
		before := agg.Version()
		if err := agg.LinkWorkflow(cmd.WorkflowID); err != nil {
			return err
		}
		changed = agg.Version() != before
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	order := agg.Order()
	if changed {
		s.journal.publish(ctx, OrderEvent{
			Type:         orderEventWorkflowLinked,
			OrderID:      order.ID,
			ReferenceID:  order.ReferenceID,
			CurrentState: string(order.State),
			Version:      order.Version,
			ActorID:      actorOrSystem(cmd.ActorID),
			OccurredAt:   order.UpdatedAt,
			Metadata:     map[string]any{"workflowId": strings.TrimSpace(cmd.WorkflowID)},
		})
	}
	return order, nil
}

func (s *orderService) ListJourney(ctx context.Context, orderID string) ([]domain.JourneyEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, &domain.ValidationError{Field: "orderId", Reason: "is required"}
	}
	if _, _, err := s.store.orders.FindByID(ctx, orderID); err != nil {
		return nil, mapRepositoryError(err, "order", orderID)
	}
	entries, err := s.store.journeys.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, "journey", orderID)
	}
	return entries, nil
}

func (s *orderService) findByReference(ctx context.Context, reference string) (domain.OrderDetail, bool, error) {
	order, err := s.store.orders.FindByReferenceID(ctx, reference)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.OrderDetail{}, false, nil
		}
		return domain.OrderDetail{}, false, mapRepositoryError(err, "order", reference)
	}
	agg, err := s.store.load(ctx, order.ID, "")
	if err != nil {
		return domain.OrderDetail{}, false, err
	}
	return agg.Detail(), true, nil
}
