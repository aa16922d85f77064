package handlers

import (
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/services"
)

type orderPayload struct {
	ID          string   `json:"id"`
	ReferenceID string   `json:"referenceId"`
	WorkflowID  string   `json:"workflowId,omitempty"`
	State       string   `json:"state"`
	ValidNext   []string `json:"validNext"`
	Version     int64    `json:"version"`
	Currency    string   `json:"currency"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	NetAmount   int64  `json:"netAmount"`
	GrossAmount int64  `json:"grossAmount"`
	Currency    string `json:"currency,omitempty"`
}

type paymentPayload struct {
	ID                   string `json:"id"`
	Method               string `json:"method"`
	Amount               int64  `json:"amount"`
	RefundedAmount       int64  `json:"refundedAmount,omitempty"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
	TransactionReference string `json:"transactionReference,omitempty"`
	FailureReason        string `json:"failureReason,omitempty"`
	PaidAt               string `json:"paidAt,omitempty"`
	RefundedAt           string `json:"refundedAt,omitempty"`
}

type reservationPayload struct {
	ID            string `json:"id"`
	ProductID     string `json:"productId"`
	Quantity      int    `json:"quantity"`
	Status        string `json:"status"`
	ReleaseReason string `json:"releaseReason,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
}

type loyaltyPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Points      int64  `json:"points"`
	Description string `json:"description,omitempty"`
	ReversalOf  string `json:"reversalOf,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type journeyPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor"`
	Mode       string `json:"mode"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
	Version    int64  `json:"version"`
	OccurredAt string `json:"occurredAt"`
}

type orderDetailPayload struct {
	Order          orderPayload         `json:"order"`
	Items          []orderItemPayload   `json:"items"`
	Payments       []paymentPayload     `json:"payments"`
	Reservations   []reservationPayload `json:"reservations"`
	Loyalty        []loyaltyPayload     `json:"loyalty"`
	Total          int64                `json:"total"`
	PaidTotal      int64                `json:"paidTotal"`
	LoyaltyBalance int64                `json:"loyaltyBalance"`
	Journey        []journeyPayload     `json:"journey,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		ReferenceID: order.ReferenceID,
		State:       string(order.State),
		ValidNext:   stateNames(domain.ValidNextStates(order.State)),
		Version:     order.Version,
		Currency:    order.Currency,
		CreatedAt:   formatTime(order.CreatedAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
	}
	if order.WorkflowID != nil {
		payload.WorkflowID = *order.WorkflowID
	}
	return payload
}

func buildOrderDetailPayload(detail domain.OrderDetail) orderDetailPayload {
	payload := orderDetailPayload{
		Order:          buildOrderPayload(detail.Order),
		Items:          make([]orderItemPayload, 0, len(detail.Items)),
		Payments:       make([]paymentPayload, 0, len(detail.Payments)),
		Reservations:   make([]reservationPayload, 0, len(detail.Reservations)),
		Loyalty:        make([]loyaltyPayload, 0, len(detail.Loyalty)),
		Total:          detail.Total,
		PaidTotal:      detail.PaidTotal,
		LoyaltyBalance: detail.LoyaltyBalance,
	}
	for _, item := range detail.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			NetAmount:   item.NetAmount,
			GrossAmount: item.GrossAmount,
			Currency:    item.Currency,
		})
	}
	for _, p := range detail.Payments {
		payload.Payments = append(payload.Payments, buildPaymentPayload(p))
	}
	for _, r := range detail.Reservations {
		payload.Reservations = append(payload.Reservations, buildReservationPayload(r))
	}
	for _, tx := range detail.Loyalty {
		entry := loyaltyPayload{
			ID:          tx.ID,
			Type:        string(tx.Type),
			Points:      tx.Points,
			Description: tx.Description,
			CreatedAt:   formatTime(tx.CreatedAt),
		}
		if tx.ReversalOf != nil {
			entry.ReversalOf = *tx.ReversalOf
		}
		payload.Loyalty = append(payload.Loyalty, entry)
	}
	return payload
}

func buildPaymentPayload(p domain.Payment) paymentPayload {
	return paymentPayload{
		ID:                   p.ID,
		Method:               p.Method,
		Amount:               p.Amount,
		RefundedAmount:       p.RefundedAmount,
		Currency:             p.Currency,
		Status:               string(p.Status),
		TransactionReference: p.TransactionReference,
		FailureReason:        p.FailureReason,
		PaidAt:               formatTimePtr(p.PaidAt),
		RefundedAt:           formatTimePtr(p.RefundedAt),
	}
}

func buildReservationPayload(r domain.StockReservation) reservationPayload {
	return reservationPayload{
		ID:            r.ID,
		ProductID:     r.ProductID,
		Quantity:      r.QuantityReserved,
		Status:        string(r.Status),
		ReleaseReason: r.ReleaseReason,
		ExpiresAt:     formatTimePtr(r.ExpiresAt),
	}
}

func buildJourneyPayloads(entries []domain.JourneyEntry) []journeyPayload {
	out := make([]journeyPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, journeyPayload{
			From:       string(e.From),
			To:         string(e.To),
			Reason:     e.Reason,
			Actor:      e.Actor,
			Mode:       string(e.Mode),
			Succeeded:  e.Succeeded,
			Error:      e.Error,
			Version:    e.Version,
			OccurredAt: formatTime(e.OccurredAt),
		})
	}
	return out
}

type cancellationPayload struct {
	Order         orderPayload         `json:"order"`
	Released      []reservationPayload `json:"released"`
	Refunded      []paymentPayload     `json:"refunded"`
	ReversedBurns []loyaltyPayload     `json:"reversedBurns"`
	AlreadyClosed bool                 `json:"alreadyClosed"`
}

func buildCancellationPayload(res services.CancelResult) cancellationPayload {
	payload := cancellationPayload{
		Order:         buildOrderPayload(res.Order),
		Released:      make([]reservationPayload, 0, len(res.Released)),
		Refunded:      make([]paymentPayload, 0, len(res.Refunded)),
		ReversedBurns: make([]loyaltyPayload, 0, len(res.ReversedBurns)),
		AlreadyClosed: res.AlreadyClosed,
	}
	for _, r := range res.Released {
		payload.Released = append(payload.Released, buildReservationPayload(r))
	}
	for _, p := range res.Refunded {
		payload.Refunded = append(payload.Refunded, buildPaymentPayload(p))
	}
	for _, tx := range res.ReversedBurns {
		payload.ReversedBurns = append(payload.ReversedBurns, loyaltyPayload{
			ID:          tx.ID,
			Type:        string(tx.Type),
			Points:      tx.Points,
			Description: tx.Description,
			CreatedAt:   formatTime(tx.CreatedAt),
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
