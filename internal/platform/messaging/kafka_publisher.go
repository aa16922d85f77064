package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/hanko-field/orderflow/internal/services"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher writes order events keyed by order id so one order's events stay on one partition.
type KafkaOrderEventPublisher struct {
	writer kafkaWriter
}

var _ services.OrderEventPublisher = (*KafkaOrderEventPublisher)(nil)

func NewKafkaOrderEventPublisher(brokers []string, topic string) (*KafkaOrderEventPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka order event publisher: brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka order event publisher: topic is required")
	}
	return &KafkaOrderEventPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}, nil
}

// PublishOrderEvent writes synchronously; the call returns once all in-sync replicas acknowledged.
func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, err := encodeOrderEvent(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	attrs := orderEventAttributes(event)
	headers := make([]kafka.Header, 0, len(attrs))
	for _, key := range []string{"eventType", "orderId", "referenceId"} {
		if v, ok := attrs[key]; ok {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}
	msg := kafka.Message{
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt.UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish order event: %w", err)
	}
	return nil
}

func (p *KafkaOrderEventPublisher) Close() error {
	return p.writer.Close()
}
