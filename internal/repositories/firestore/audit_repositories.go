package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orderflow/internal/domain"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
)

// JourneyRepository stores transition attempts under orders/{orderID}/journey.
type JourneyRepository struct {
	base *pfirestore.BaseRepository[journeyDocument]
}

func (r *JourneyRepository) Append(ctx context.Context, entry domain.JourneyEntry) error {
	return r.base.Under(orderPath(entry.OrderID)).Create(ctx, entry.ID, journeyDocument{
		From:       string(entry.From),
		To:         string(entry.To),
		Reason:     entry.Reason,
		Actor:      entry.Actor,
		Mode:       string(entry.Mode),
		Succeeded:  entry.Succeeded,
		Error:      entry.Error,
		Version:    entry.Version,
		OccurredAt: entry.OccurredAt.UTC(),
	})
}

func (r *JourneyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.JourneyEntry, error) {
	docs, err := r.base.Under(orderPath(orderID)).Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("occurredAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.JourneyEntry, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.JourneyEntry{
			ID:         doc.ID,
			OrderID:    orderID,
			From:       domain.OrderState(doc.Data.From),
			To:         domain.OrderState(doc.Data.To),
			Reason:     doc.Data.Reason,
			Actor:      doc.Data.Actor,
			Mode:       domain.TransitionMode(doc.Data.Mode),
			Succeeded:  doc.Data.Succeeded,
			Error:      doc.Data.Error,
			Version:    doc.Data.Version,
			OccurredAt: doc.Data.OccurredAt,
		})
	}
	return out, nil
}

type journeyDocument struct {
	From       string    `firestore:"from"`
	To         string    `firestore:"to"`
	Reason     string    `firestore:"reason,omitempty"`
	Actor      string    `firestore:"actor"`
	Mode       string    `firestore:"mode"`
	Succeeded  bool      `firestore:"succeeded"`
	Error      string    `firestore:"error,omitempty"`
	Version    int64     `firestore:"version"`
	OccurredAt time.Time `firestore:"occurredAt"`
}

// AuditLogRepository stores audit entries in the top-level "auditLogs" collection.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[auditLogDocument]
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	var diff map[string]auditDiffDocument
	if len(entry.Diff) > 0 {
		diff = make(map[string]auditDiffDocument, len(entry.Diff))
		for key, value := range entry.Diff {
			diff[key] = auditDiffDocument{Before: value.Before, After: value.After}
		}
	}
	return r.base.Create(ctx, entry.ID, auditLogDocument{
		Actor:      entry.Actor,
		ActorType:  entry.ActorType,
		Action:     entry.Action,
		TargetRef:  entry.TargetRef,
		Severity:   entry.Severity,
		Metadata:   entry.Metadata,
		Diff:       diff,
		RequestID:  entry.RequestID,
		IPHash:     entry.IPHash,
		UserAgent:  entry.UserAgent,
		OccurredAt: entry.OccurredAt.UTC(),
		CreatedAt:  entry.CreatedAt.UTC(),
	})
}

type auditLogDocument struct {
	Actor      string                       `firestore:"actor"`
	ActorType  string                       `firestore:"actorType"`
	Action     string                       `firestore:"action"`
	TargetRef  string                       `firestore:"targetRef"`
	Severity   string                       `firestore:"severity"`
	Metadata   map[string]any               `firestore:"metadata,omitempty"`
	Diff       map[string]auditDiffDocument `firestore:"diff,omitempty"`
	RequestID  string                       `firestore:"requestId,omitempty"`
	IPHash     string                       `firestore:"ipHash,omitempty"`
	UserAgent  string                       `firestore:"userAgent,omitempty"`
	OccurredAt time.Time                    `firestore:"occurredAt"`
	CreatedAt  time.Time                    `firestore:"createdAt"`
}

type auditDiffDocument struct {
	Before any `firestore:"before"`
	After  any `firestore:"after"`
}
