package messaging

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hanko-field/orderflow/internal/services"
)

// OrderEventMessage is the wire form of services.OrderEvent on every broker.
type OrderEventMessage struct {
	Type          string         `json:"type"`
	OrderID       string         `json:"orderId"`
	ReferenceID   string         `json:"referenceId,omitempty"`
	PreviousState string         `json:"previousState,omitempty"`
	CurrentState  string         `json:"currentState,omitempty"`
	Version       int64          `json:"version"`
	ActorID       string         `json:"actorId,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func newOrderEventMessage(event services.OrderEvent) OrderEventMessage {
	return OrderEventMessage{
		Type:          event.Type,
		OrderID:       event.OrderID,
		ReferenceID:   event.ReferenceID,
		PreviousState: event.PreviousState,
		CurrentState:  event.CurrentState,
		Version:       event.Version,
		ActorID:       event.ActorID,
		OccurredAt:    event.OccurredAt.UTC(),
		Metadata:      event.Metadata,
	}
}

func encodeOrderEvent(event services.OrderEvent) ([]byte, error) {
	return json.Marshal(newOrderEventMessage(event))
}

func orderEventAttributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "referenceId", event.ReferenceID)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
