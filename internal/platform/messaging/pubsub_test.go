package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/orderflow/internal/services"
	"github.com/hanko-field/orderflow/internal/workflow"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:          "order.transitioned",
		OrderID:       "ord_1",
		ReferenceID:   "ref-1",
		PreviousState: "pending",
		CurrentState:  "paid",
		Version:       4,
		ActorID:       "workflow:wf_1",
		OccurredAt:    occurred,
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload OrderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.CurrentState != "paid" || payload.Version != 4 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected occurredAt %s", payload.OccurredAt)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.transitioned" {
		t.Fatalf("expected event type attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["actorId"]; ok {
		t.Fatalf("actor should not be exposed as attribute")
	}
}

func TestPubSubSignalPublisherRejectsInvalidSignal(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "workflow-signals")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	publisher, err := NewPubSubSignalPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubSignalPublisher: %v", err)
	}

	if _, err := publisher.PublishSignal(ctx, SignalMessage{InstanceID: "wf_1", Signal: "refund"}); err == nil {
		t.Fatalf("expected unknown signal to be rejected")
	}
	if _, err := publisher.PublishSignal(ctx, SignalMessage{Signal: "cancel_order"}); err == nil {
		t.Fatalf("expected missing instance to be rejected")
	}
	if got := len(srv.Messages()); got != 0 {
		t.Fatalf("expected nothing published, got %d", got)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	received map[string]workflow.Signal
	done     chan struct{}
	once     sync.Once
	err      error
}

func (s *recordingSink) SendSignal(_ context.Context, instanceID string, sig workflow.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[instanceID] = sig
	s.once.Do(func() { close(s.done) })
	return s.err
}

func TestPubSubSignalSubscriberDeliversToSink(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "workflow-signals")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	sub, err := client.CreateSubscription(ctx, "workflow-signals-sub", pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	publisher, err := NewPubSubSignalPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubSignalPublisher: %v", err)
	}
	if _, err := publisher.PublishSignal(ctx, SignalMessage{
		InstanceID: "wf_1",
		Signal:     "payment_success",
		Payment:    &PaymentMessage{Method: "card", TransactionReference: "pi_1"},
	}); err != nil {
		t.Fatalf("PublishSignal: %v", err)
	}

	sink := &recordingSink{received: map[string]workflow.Signal{}, done: make(chan struct{})}
	subscriber, err := NewPubSubSignalSubscriber(sub, sink, nil)
	if err != nil {
		t.Fatalf("NewPubSubSignalSubscriber: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- subscriber.Run(runCtx) }()

	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for signal delivery")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	sig, ok := sink.received["wf_1"]
	if !ok {
		t.Fatalf("expected signal for wf_1, got %v", sink.received)
	}
	if sig.Kind != workflow.SignalPaymentSuccess || sig.Payment.TransactionReference != "pi_1" {
		t.Fatalf("unexpected signal %+v", sig)
	}
}

func TestSignalMessageDecode(t *testing.T) {
	id, sig, err := SignalMessage{InstanceID: " wf_2 ", Signal: "CancelOrder", Reason: " too slow "}.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if id != "wf_2" || sig.Kind != workflow.SignalCancelOrder || sig.Reason != "too slow" {
		t.Fatalf("unexpected decode %q %+v", id, sig)
	}
	if _, _, err := (SignalMessage{InstanceID: "wf_2", Signal: "payment_success", Payment: &PaymentMessage{Amount: -1}}).Decode(); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
}
