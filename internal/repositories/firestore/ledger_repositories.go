package firestore

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orderflow/internal/domain"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
)

func byCreatedAt(q firestore.Query) firestore.Query {
	return q.OrderBy("createdAt", firestore.Asc)
}

// PaymentRepository stores payments under orders/{orderID}/payments.
type PaymentRepository struct {
	base *pfirestore.BaseRepository[paymentDocument]
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	return r.base.Under(orderPath(payment.OrderID)).Create(ctx, payment.ID, newPaymentDocument(payment))
}

func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	return r.base.Under(orderPath(payment.OrderID)).Set(ctx, payment.ID, newPaymentDocument(payment))
}

func (r *PaymentRepository) FindByID(ctx context.Context, orderID, paymentID string) (domain.Payment, error) {
	doc, err := r.base.Under(orderPath(orderID)).Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID, orderID), nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	docs, err := r.base.Under(orderPath(orderID)).Query(ctx, byCreatedAt)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID, orderID))
	}
	return out, nil
}

type paymentDocument struct {
	Method               string     `firestore:"method"`
	Amount               int64      `firestore:"amount"`
	RefundedAmount       int64      `firestore:"refundedAmount"`
	Currency             string     `firestore:"currency"`
	Status               string     `firestore:"status"`
	TransactionReference string     `firestore:"transactionReference,omitempty"`
	FailureReason        string     `firestore:"failureReason,omitempty"`
	PaidAt               *time.Time `firestore:"paidAt,omitempty"`
	RefundedAt           *time.Time `firestore:"refundedAt,omitempty"`
	CreatedAt            time.Time  `firestore:"createdAt"`
	UpdatedAt            time.Time  `firestore:"updatedAt"`
}

func newPaymentDocument(p domain.Payment) paymentDocument {
	return paymentDocument{
		Method:               p.Method,
		Amount:               p.Amount,
		RefundedAmount:       p.RefundedAmount,
		Currency:             p.Currency,
		Status:               string(p.Status),
		TransactionReference: p.TransactionReference,
		FailureReason:        p.FailureReason,
		PaidAt:               p.PaidAt,
		RefundedAt:           p.RefundedAt,
		CreatedAt:            p.CreatedAt.UTC(),
		UpdatedAt:            p.UpdatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain(id, orderID string) domain.Payment {
	return domain.Payment{
		ID:                   id,
		OrderID:              orderID,
		Method:               d.Method,
		Amount:               d.Amount,
		RefundedAmount:       d.RefundedAmount,
		Currency:             d.Currency,
		Status:               domain.PaymentStatus(d.Status),
		TransactionReference: d.TransactionReference,
		FailureReason:        d.FailureReason,
		PaidAt:               d.PaidAt,
		RefundedAt:           d.RefundedAt,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

// ReservationRepository stores stock reservations under orders/{orderID}/reservations.
type ReservationRepository struct {
	base *pfirestore.BaseRepository[reservationDocument]
}

func (r *ReservationRepository) Insert(ctx context.Context, reservation domain.StockReservation) error {
	return r.base.Under(orderPath(reservation.OrderID)).Create(ctx, reservation.ID, newReservationDocument(reservation))
}

func (r *ReservationRepository) Update(ctx context.Context, reservation domain.StockReservation) error {
	return r.base.Under(orderPath(reservation.OrderID)).Set(ctx, reservation.ID, newReservationDocument(reservation))
}

func (r *ReservationRepository) FindByID(ctx context.Context, orderID, reservationID string) (domain.StockReservation, error) {
	doc, err := r.base.Under(orderPath(orderID)).Get(ctx, reservationID)
	if err != nil {
		return domain.StockReservation{}, err
	}
	return doc.Data.toDomain(doc.ID, orderID), nil
}

func (r *ReservationRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error) {
	docs, err := r.base.Under(orderPath(orderID)).Query(ctx, byCreatedAt)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StockReservation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID, orderID))
	}
	return out, nil
}

// FindByOrderAndProduct filters in memory; an order holds a handful of reservations and this avoids a
// composite index on the subcollection.
func (r *ReservationRepository) FindByOrderAndProduct(ctx context.Context, orderID, productID string) (domain.StockReservation, error) {
	all, err := r.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.StockReservation{}, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ProductID == productID {
			return all[i], nil
		}
	}
	return domain.StockReservation{}, pfirestore.NewNotFound("reservations.product", "no reservation for "+productID)
}

type reservationDocument struct {
	ProductID        string     `firestore:"productId"`
	QuantityReserved int        `firestore:"qty"`
	Status           string     `firestore:"status"`
	ReleaseReason    string     `firestore:"releaseReason,omitempty"`
	ExpiresAt        *time.Time `firestore:"expiresAt,omitempty"`
	CreatedAt        time.Time  `firestore:"createdAt"`
	UpdatedAt        time.Time  `firestore:"updatedAt"`
}

func newReservationDocument(r domain.StockReservation) reservationDocument {
	return reservationDocument{
		ProductID:        r.ProductID,
		QuantityReserved: r.QuantityReserved,
		Status:           string(r.Status),
		ReleaseReason:    r.ReleaseReason,
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (d reservationDocument) toDomain(id, orderID string) domain.StockReservation {
	return domain.StockReservation{
		ID:               id,
		OrderID:          orderID,
		ProductID:        d.ProductID,
		QuantityReserved: d.QuantityReserved,
		Status:           domain.ReservationStatus(d.Status),
		ReleaseReason:    d.ReleaseReason,
		ExpiresAt:        d.ExpiresAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

// LoyaltyRepository stores the append-only loyalty ledger under orders/{orderID}/loyalty.
type LoyaltyRepository struct {
	base *pfirestore.BaseRepository[loyaltyDocument]
}

func (r *LoyaltyRepository) Append(ctx context.Context, tx domain.LoyaltyTransaction) error {
	return r.base.Under(orderPath(tx.OrderID)).Create(ctx, tx.ID, loyaltyDocument{
		Type:        string(tx.Type),
		Points:      tx.Points,
		Description: tx.Description,
		ReversalOf:  tx.ReversalOf,
		CreatedAt:   tx.CreatedAt.UTC(),
	})
}

func (r *LoyaltyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.LoyaltyTransaction, error) {
	docs, err := r.base.Under(orderPath(orderID)).Query(ctx, byCreatedAt)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LoyaltyTransaction, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.LoyaltyTransaction{
			ID:          doc.ID,
			OrderID:     orderID,
			Type:        domain.LoyaltyType(doc.Data.Type),
			Points:      doc.Data.Points,
			Description: doc.Data.Description,
			ReversalOf:  doc.Data.ReversalOf,
			CreatedAt:   doc.Data.CreatedAt,
		})
	}
	return out, nil
}

type loyaltyDocument struct {
	Type        string    `firestore:"type"`
	Points      int64     `firestore:"points"`
	Description string    `firestore:"description,omitempty"`
	ReversalOf  *string   `firestore:"reversalOf,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}
