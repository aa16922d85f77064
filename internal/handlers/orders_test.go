package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/services"
)

func TestCreateOrderIsIdempotentByReference(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createOrder(t, "ref-1")

	rr := h.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"referenceId": "ref-1",
		"currency":    "JPY",
		"items":       []map[string]any{{"productId": "sku-z", "quantity": 1, "netAmount": 1, "grossAmount": 1}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	order := body["order"].(map[string]any)
	require.Equal(t, id, order["id"])
	require.Equal(t, "initial", order["state"])
	require.EqualValues(t, 1500, body["total"])
	require.Equal(t, []any{"pending"}, order["validNext"])
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"referenceId":"x","bogus":true}`))
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", decodeBody(t, rr)["error"])
}

func TestGetOrderNotFound(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/api/v1/orders/ord_missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.True(t, strings.HasSuffix(decodeBody(t, rr)["error"].(string), "_not_found"))
}

func TestTransitionErrorsMapToStatusCodes(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createOrder(t, "ref-2")
	path := "/api/v1/orders/" + id + "/transitions"

	rr := h.do(t, http.MethodPost, path, map[string]any{"target": "paid"})
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	require.Equal(t, "invalid_transition", body["error"])
	require.Equal(t, "initial", body["current"])
	require.Equal(t, []any{"pending"}, body["validNext"])

	rr = h.do(t, http.MethodPost, path, map[string]any{"target": "shipped"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, path, map[string]any{"target": "pending", "reason": "checkout"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body = decodeBody(t, rr)
	require.Equal(t, true, body["changed"])
	require.Equal(t, "initial", body["from"])
	require.Equal(t, "pending", body["order"].(map[string]any)["state"])

	rr = h.do(t, http.MethodPost, path, map[string]any{"target": "paid"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	body = decodeBody(t, rr)
	require.Equal(t, "business_rule_violation", body["error"])
	require.Equal(t, string(domain.RulePaymentSufficiency), body["rule"])

	rr = h.do(t, http.MethodGet, "/api/v1/orders/"+id+"?include=journey", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	journey, ok := decodeBody(t, rr)["journey"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, journey)
}

func TestPaymentFlowMarksOrderPaidAndCancelRefunds(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createOrder(t, "ref-3")
	base := "/api/v1/orders/" + id

	rr := h.do(t, http.MethodPost, base+"/reservations", map[string]any{"productId": "sku-a"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = h.do(t, http.MethodPost, base+"/reservations", map[string]any{"productId": "sku-a"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeBody(t, rr)["alreadyReserved"])

	rr = h.do(t, http.MethodPost, base+"/transitions", map[string]any{"target": "pending"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodPost, base+"/payments", map[string]any{"method": "card", "amount": 1500, "currency": "JPY"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	payment := decodeBody(t, rr)["payment"].(map[string]any)
	paymentID := payment["id"].(string)
	require.Equal(t, "pending", payment["status"])

	rr = h.do(t, http.MethodPost, base+"/payments/"+paymentID+"/confirm", map[string]any{"transactionReference": "pi_1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	require.Equal(t, "successful", body["payment"].(map[string]any)["status"])
	require.Equal(t, "paid", body["order"].(map[string]any)["state"])

	rr = h.do(t, http.MethodPost, base+"/transitions", map[string]any{"target": "cancelled", "reason": "customer request"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body = decodeBody(t, rr)
	require.Equal(t, "cancelled", body["order"].(map[string]any)["state"])
	require.Len(t, body["released"], 1)
	require.Len(t, body["refunded"], 1)
	require.Equal(t, false, body["alreadyClosed"])

	detail, err := h.svc.Orders.GetOrderDetail(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateCancelled, detail.Order.State)
	require.Equal(t, domain.ReservationStatusReleased, detail.Reservations[0].Status)
}

type failingTransitions struct {
	services.TransitionService
	err error
}

func (f failingTransitions) Transition(context.Context, services.TransitionCommand) (services.TransitionResult, error) {
	return services.TransitionResult{}, f.err
}

func TestTransitionMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"conflict", services.ErrOrderConflict, http.StatusConflict, "order_conflict"},
		{"unavailable", errors.Join(services.ErrUnavailable, errors.New("firestore down")), http.StatusServiceUnavailable, "unavailable"},
		{"refund", services.ErrRefundFailed, http.StatusBadGateway, "refund_failed"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewOrderHandlers(OrderServices{Transitions: failingTransitions{err: tc.err}})
			router := NewRouter(WithOrderRoutes(handlers.Routes))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/transitions", strings.NewReader(`{"target":"pending"}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, tc.code, decodeBody(t, rr)["error"])
		})
	}
}
