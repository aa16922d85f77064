package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
	"github.com/hanko-field/orderflow/internal/services"
)

type createOrderItemRequest struct {
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	NetAmount   int64  `json:"netAmount"`
	GrossAmount int64  `json:"grossAmount"`
	Currency    string `json:"currency"`
}

type createOrderRequest struct {
	ReferenceID string                   `json:"referenceId"`
	Currency    string                   `json:"currency"`
	Items       []createOrderItemRequest `json:"items"`
}

type transitionRequest struct {
	Target       string `json:"target"`
	Reason       string `json:"reason"`
	Mode         string `json:"mode"`
	EnforceRules *bool  `json:"enforceRules"`
}

type processPaymentRequest struct {
	Method   string `json:"method"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type confirmPaymentRequest struct {
	TransactionReference string `json:"transactionReference"`
}

type refundPaymentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type reserveRequest struct {
	ProductID string `json:"productId"`
}

// OrderServices groups the use cases behind the /orders routes.
type OrderServices struct {
	Orders       services.OrderService
	Transitions  services.TransitionService
	Payments     services.PaymentService
	Reservations services.StockReservationService
}

// OrderHandlers exposes order creation, reads, transitions and ledger mutations.
type OrderHandlers struct {
	orders       services.OrderService
	transitions  services.TransitionService
	payments     services.PaymentService
	reservations services.StockReservationService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(svc OrderServices) *OrderHandlers {
	return &OrderHandlers{
		orders:       svc.Orders,
		transitions:  svc.Transitions,
		payments:     svc.Payments,
		reservations: svc.Reservations,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/transitions", h.transition)
	r.Post("/{orderID}/reservations", h.reserve)
	r.Post("/{orderID}/payments", h.processPayment)
	r.Post("/{orderID}/payments/{paymentID}/confirm", h.confirmPayment)
	r.Post("/{orderID}/payments/{paymentID}/refund", h.refundPayment)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Currency:    strings.TrimSpace(req.Currency),
		Items:       make([]services.CreateOrderItem, 0, len(req.Items)),
		ActorID:     requestctx.Actor(ctx),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItem{
			ProductID:   strings.TrimSpace(item.ProductID),
			Quantity:    item.Quantity,
			NetAmount:   item.NetAmount,
			GrossAmount: item.GrossAmount,
			Currency:    strings.TrimSpace(item.Currency),
		})
	}

	result, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
		w.Header().Set("Location", r.URL.Path+"/"+result.Detail.Order.ID)
	}
	httpx.WriteJSON(w, status, buildOrderDetailPayload(result.Detail))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	detail, err := h.orders.GetOrderDetail(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := buildOrderDetailPayload(detail)
	if includes(r, "journey") {
		journey, err := h.orders.ListJourney(ctx, orderID)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		payload.Journey = buildJourneyPayloads(journey)
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// transition routes a cancelled target through the compensating cancel; other targets use the requested gate.
func (h *OrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.transitions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("transition_service_unavailable", "transition service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req transitionRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	target, err := domain.ParseOrderState(req.Target)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	actor := requestctx.Actor(ctx)
	if target == domain.OrderStateCancelled {
		result, err := h.transitions.Cancel(ctx, services.CancelCommand{
			OrderID: orderID,
			Reason:  req.Reason,
			ActorID: actor,
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, buildCancellationPayload(result))
		return
	}

	mode := domain.TransitionMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if mode == "" {
		mode = domain.TransitionModeSafe
	}
	enforce := true
	if req.EnforceRules != nil {
		enforce = *req.EnforceRules
	}

	result, err := h.transitions.Transition(ctx, services.TransitionCommand{
		OrderID:      orderID,
		Target:       target,
		Reason:       req.Reason,
		ActorID:      actor,
		Mode:         mode,
		EnforceRules: enforce,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"order":   buildOrderPayload(result.Order),
		"from":    string(result.From),
		"changed": result.Changed,
	})
}

func (h *OrderHandlers) reserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reservation_service_unavailable", "reservation service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req reserveRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.reservations.ReserveForProduct(ctx, services.ReserveCommand{
		OrderID:   strings.TrimSpace(chi.URLParam(r, "orderID")),
		ProductID: strings.TrimSpace(req.ProductID),
		ActorID:   requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyReserved {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, map[string]any{
		"reservation":     buildReservationPayload(result.Reservation),
		"alreadyReserved": result.AlreadyReserved,
	})
}

func (h *OrderHandlers) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req processPaymentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.payments.ProcessPayment(ctx, services.ProcessPaymentCommand{
		OrderID:  strings.TrimSpace(chi.URLParam(r, "orderID")),
		Method:   strings.TrimSpace(req.Method),
		Amount:   req.Amount,
		Currency: strings.TrimSpace(req.Currency),
		ActorID:  requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, paymentResultPayload(result))
}

func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req confirmPaymentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.payments.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID:              strings.TrimSpace(chi.URLParam(r, "orderID")),
		PaymentID:            strings.TrimSpace(chi.URLParam(r, "paymentID")),
		TransactionReference: strings.TrimSpace(req.TransactionReference),
		ActorID:              requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResultPayload(result))
}

func (h *OrderHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req refundPaymentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.payments.RefundPayment(ctx, services.RefundPaymentCommand{
		OrderID:   strings.TrimSpace(chi.URLParam(r, "orderID")),
		PaymentID: strings.TrimSpace(chi.URLParam(r, "paymentID")),
		Amount:    req.Amount,
		Reason:    req.Reason,
		ActorID:   requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResultPayload(result))
}

func paymentResultPayload(result services.PaymentResult) map[string]any {
	payload := map[string]any{
		"payment": buildPaymentPayload(result.Payment),
		"order":   buildOrderPayload(result.Order),
	}
	if result.Refund != nil {
		payload["refundId"] = result.Refund.RefundID
	}
	return payload
}

func includes(r *http.Request, name string) bool {
	for _, raw := range r.URL.Query()["include"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.EqualFold(strings.TrimSpace(part), name) {
				return true
			}
		}
	}
	return false
}
