package services

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventTransitioned    = "order.transitioned"
	orderEventWorkflowLinked  = "order.workflow.linked"
	orderEventCartCompleted   = "order.cart_completed"
	orderEventPaymentRecorded = "order.payment.recorded"

	auditActionTransition = "order.transition"
	auditActionCancel     = "order.cancel"

	orderIDPrefix   = "ord_"
	journeyIDPrefix = "jrn_"

	systemActor = "system"
)

var reasonPolicy = bluemonday.StrictPolicy()

func sanitizeReason(reason string) string {
	return sanitizeText(reasonPolicy.Sanitize(reason), 512)
}

// journal fans accepted and rejected transitions out to the journey, the audit log and the event publisher.
type journal struct {
	journeys repositories.JourneyRepository
	audit    AuditLogService
	events   OrderEventPublisher
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// attempt describes a transition request for the audit trail.
type attempt struct {
	orderID string
	from    domain.OrderState
	to      domain.OrderState
	reason  string
	actor   string
	mode    domain.TransitionMode
	version int64
}

// accepted publishes the transitions persisted with the aggregate and records one audit entry per event.
func (j *journal) accepted(ctx context.Context, action, referenceID string, events []domain.TransitionEvent) {
	for _, evt := range events {
		j.auditTransition(ctx, action, attempt{
			orderID: evt.OrderID,
			from:    evt.From,
			to:      evt.To,
			reason:  evt.Reason,
			actor:   evt.Actor,
			mode:    evt.Mode,
			version: evt.Version,
		}, nil)
		j.publish(ctx, OrderEvent{
			Type:          orderEventTransitioned,
			OrderID:       evt.OrderID,
			ReferenceID:   referenceID,
			PreviousState: string(evt.From),
			CurrentState:  string(evt.To),
			Version:       evt.Version,
			ActorID:       evt.Actor,
			OccurredAt:    evt.OccurredAt,
			Metadata:      map[string]any{"mode": string(evt.Mode), "reason": sanitizeReason(evt.Reason)},
		})
	}
}

// attempted persists the journey and audit entries of a transition attempt that changed nothing: a no-op when cause
// is nil, a rejection otherwise. Failures are logged, never returned.
func (j *journal) attempted(ctx context.Context, action string, a attempt, cause error) {
	if j.journeys != nil && a.orderID != "" {
		entry := domain.JourneyEntry{
			ID:         journeyIDPrefix + j.newID(),
			OrderID:    a.orderID,
			From:       a.from,
			To:         a.to,
			Reason:     sanitizeReason(a.reason),
			Actor:      a.actor,
			Mode:       a.mode,
			Succeeded:  cause == nil,
			Version:    a.version,
			OccurredAt: j.clock(),
		}
		if cause != nil {
			entry.Error = sanitizeText(cause.Error(), 512)
		}
		if err := j.journeys.Append(ctx, entry); err != nil {
			j.logger(ctx, "order.journey.append.failed", map[string]any{
				"order": a.orderID,
				"error": err.Error(),
			})
		}
	}
	j.auditTransition(ctx, action, a, cause)
}

func (j *journal) auditTransition(ctx context.Context, action string, a attempt, cause error) {
	if j.audit == nil {
		return
	}
	record := AuditLogRecord{
		Actor:     a.actor,
		ActorType: actorType(a.actor),
		Action:    action,
		TargetRef: "/orders/" + a.orderID,
		Severity:  "info",
		Metadata: map[string]any{
			"mode":    string(a.mode),
			"reason":  a.reason,
			"version": a.version,
		},
		Diff: map[string]domain.AuditLogDiff{
			"state": {Before: string(a.from), After: string(a.to)},
		},
	}
	switch {
	case cause != nil:
		record.Severity = "warn"
		record.Diff = nil
		record.Metadata["error"] = cause.Error()
		record.Metadata["attempted"] = string(a.to)
		record.Metadata["current"] = string(a.from)
	case a.from == a.to:
		record.Diff = nil
		record.Metadata["noop"] = true
	}
	j.audit.Record(ctx, record)
}

func (j *journal) publish(ctx context.Context, event OrderEvent) {
	if j.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = j.clock()
	}
	if err := j.events.PublishOrderEvent(ctx, event); err != nil {
		j.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
			"state": event.CurrentState,
		})
	}
}

func actorType(actor string) string {
	actor = strings.ToLower(strings.TrimSpace(actor))
	switch {
	case actor == "" || actor == systemActor || strings.HasPrefix(actor, "workflow:"):
		return "system"
	case strings.HasPrefix(actor, "staff:"):
		return "staff"
	default:
		return "user"
	}
}

func actorOrSystem(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return systemActor
}
