package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/workflow"
)

// SignalMessage is the wire form of a workflow signal.
type SignalMessage struct {
	InstanceID string          `json:"instanceId"`
	Signal     string          `json:"signal"`
	Reason     string          `json:"reason,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	Payment    *PaymentMessage `json:"payment,omitempty"`
}

// PaymentMessage carries the settled payment of a payment_success signal.
type PaymentMessage struct {
	Method               string `json:"method,omitempty"`
	Amount               int64  `json:"amount,omitempty"`
	Currency             string `json:"currency,omitempty"`
	TransactionReference string `json:"transactionReference,omitempty"`
}

// Decode validates the message and converts it to the instance id and workflow signal.
func (m SignalMessage) Decode() (string, workflow.Signal, error) {
	instanceID := strings.TrimSpace(m.InstanceID)
	if instanceID == "" {
		return "", workflow.Signal{}, errors.New("signal message: instanceId is required")
	}
	kind, err := workflow.ParseSignalKind(m.Signal)
	if err != nil {
		return "", workflow.Signal{}, err
	}
	sig := workflow.Signal{Kind: kind, Reason: strings.TrimSpace(m.Reason), ActorID: strings.TrimSpace(m.ActorID)}
	if kind == workflow.SignalPaymentSuccess && m.Payment != nil {
		if m.Payment.Amount < 0 {
			return "", workflow.Signal{}, errors.New("signal message: payment amount must not be negative")
		}
		sig.Payment = workflow.PaymentPayload{
			Method:               strings.TrimSpace(m.Payment.Method),
			Amount:               m.Payment.Amount,
			Currency:             strings.TrimSpace(m.Payment.Currency),
			TransactionReference: strings.TrimSpace(m.Payment.TransactionReference),
		}
	}
	return instanceID, sig, nil
}

// PubSubSignalPublisher enqueues workflow signals for the subscriber of the owning process.
type PubSubSignalPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubSignalPublisher(topic *pubsub.Topic) (*PubSubSignalPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub signal publisher: topic is required")
	}
	return &PubSubSignalPublisher{topic: topic}, nil
}

// PublishSignal returns the server-assigned message id.
func (p *PubSubSignalPublisher) PublishSignal(ctx context.Context, msg SignalMessage) (string, error) {
	if _, _, err := msg.Decode(); err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal signal: %w", err)
	}
	attrs := make(map[string]string, 2)
	setAttr(attrs, "instanceId", msg.InstanceID)
	setAttr(attrs, "signal", msg.Signal)

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish signal: %w", err)
	}
	return id, nil
}

// SignalSink receives decoded signals; *workflow.Engine satisfies it.
type SignalSink interface {
	SendSignal(ctx context.Context, instanceID string, sig workflow.Signal) error
}

// PubSubSignalSubscriber feeds signals from a subscription into the workflow engine.
type PubSubSignalSubscriber struct {
	sub    *pubsub.Subscription
	sink   SignalSink
	logger *zap.Logger
}

func NewPubSubSignalSubscriber(sub *pubsub.Subscription, sink SignalSink, logger *zap.Logger) (*PubSubSignalSubscriber, error) {
	if sub == nil {
		return nil, errors.New("pubsub signal subscriber: subscription is required")
	}
	if sink == nil {
		return nil, errors.New("pubsub signal subscriber: sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSignalSubscriber{sub: sub, sink: sink, logger: logger}, nil
}

// Run blocks receiving messages until ctx is cancelled.
func (s *PubSubSignalSubscriber) Run(ctx context.Context) error {
	return s.sub.Receive(ctx, s.handle)
}

// handle acks malformed messages and signals for instances that no longer accept them; other
// delivery failures are nacked for redelivery.
func (s *PubSubSignalSubscriber) handle(ctx context.Context, m *pubsub.Message) {
	var msg SignalMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		s.logger.Warn("dropping undecodable signal", zap.String("messageId", m.ID), zap.Error(err))
		m.Ack()
		return
	}
	instanceID, sig, err := msg.Decode()
	if err != nil {
		s.logger.Warn("dropping invalid signal", zap.String("messageId", m.ID), zap.Error(err))
		m.Ack()
		return
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = m.PublishTime.UTC()
	}

	err = s.sink.SendSignal(ctx, instanceID, sig)
	switch {
	case err == nil:
		m.Ack()
	case errors.Is(err, workflow.ErrInstanceNotFound), errors.Is(err, workflow.ErrInstanceFinished):
		s.logger.Info("signal for inactive instance dropped",
			zap.String("instanceId", instanceID), zap.Stringer("signal", sig.Kind), zap.Error(err))
		m.Ack()
	default:
		s.logger.Warn("signal delivery failed", zap.String("instanceId", instanceID), zap.Error(err))
		m.Nack()
	}
}
