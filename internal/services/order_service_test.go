package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

func TestOrderServiceCreateOrderIsIdempotentByReference(t *testing.T) {
	f := newFixture(t)
	svc := f.orders(t)
	ctx := context.Background()
	cmd := CreateOrderCommand{
		ReferenceID: "cart-42",
		Currency:    "jpy",
		Items:       []CreateOrderItem{{ProductID: "sku-a", Quantity: 3, GrossAmount: 200}},
	}

	first, err := svc.CreateOrder(ctx, cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first call to create the order")
	}
	order := first.Detail.Order
	if order.State != domain.OrderStateInitial || order.Version != 1 || order.Currency != "JPY" {
		t.Fatalf("unexpected order %+v", order)
	}
	if first.Detail.Total != 600 {
		t.Fatalf("expected total 600, got %d", first.Detail.Total)
	}

	second, err := svc.CreateOrder(ctx, cmd)
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if second.Created {
		t.Fatalf("expected existing order to be returned")
	}
	if second.Detail.Order.ID != order.ID {
		t.Fatalf("expected same order id, got %s and %s", order.ID, second.Detail.Order.ID)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != orderEventCreated {
		t.Fatalf("expected a single created event, got %v", got)
	}
}

func TestOrderServiceCreateOrderValidatesInput(t *testing.T) {
	f := newFixture(t)
	svc := f.orders(t)

	_, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		ReferenceID: "cart-1",
		Currency:    "JPY",
		Items:       []CreateOrderItem{{ProductID: "sku-a", Quantity: 0, GrossAmount: 100}},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.store.Orders().FindByReferenceID(context.Background(), "cart-1"); err == nil {
		t.Fatalf("expected nothing persisted")
	}
}

func TestOrderServiceGetOrderDetailNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orders(t).GetOrderDetail(context.Background(), "ord_missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceLinkWorkflow(t *testing.T) {
	f := newFixture(t)
	svc := f.orders(t)
	ctx := context.Background()
	order := f.createOrder(t, "ref-link")

	linked, err := svc.LinkWorkflow(ctx, LinkWorkflowCommand{OrderID: order.ID, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if linked.WorkflowID == nil || *linked.WorkflowID != "wf-1" || linked.Version != order.Version+1 {
		t.Fatalf("unexpected linked order %+v", linked)
	}

	again, err := svc.LinkWorkflow(ctx, LinkWorkflowCommand{OrderID: order.ID, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if again.Version != linked.Version {
		t.Fatalf("expected relinking the same workflow to be a no-op")
	}

	_, err = svc.LinkWorkflow(ctx, LinkWorkflowCommand{OrderID: order.ID, WorkflowID: "wf-2"})
	var rule *domain.BusinessRuleViolation
	if !errors.As(err, &rule) || rule.Rule != domain.RuleWorkflowLinked {
		t.Fatalf("expected workflow linked violation, got %v", err)
	}
}

func TestOrderServiceListJourneyRequiresOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orders(t).ListJourney(context.Background(), "ord_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
