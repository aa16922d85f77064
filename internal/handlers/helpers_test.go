package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/orderflow/internal/payments"
	"github.com/hanko-field/orderflow/internal/platform/observability"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
	"github.com/hanko-field/orderflow/internal/services"
	"github.com/hanko-field/orderflow/internal/workflow"
)

type apiHarness struct {
	router chi.Router
	store  *memory.Store
	engine *workflow.Engine
	svc    OrderServices
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	publisher SignalPublisher
}

func withSignalPublisher(p SignalPublisher) harnessOption {
	return func(cfg *harnessConfig) { cfg.publisher = p }
}

func newAPIHarness(t *testing.T, opts ...harnessOption) *apiHarness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	store := memory.NewStore()
	core := services.CoreDeps{Registry: store}

	orders, err := services.NewOrderService(services.OrderServiceDeps{CoreDeps: core})
	require.NoError(t, err)
	transitions, err := services.NewTransitionService(services.TransitionServiceDeps{CoreDeps: core, Gateway: payments.NoopGateway{}})
	require.NoError(t, err)
	reservations, err := services.NewStockReservationService(services.StockReservationServiceDeps{CoreDeps: core})
	require.NoError(t, err)
	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{CoreDeps: core, Gateway: payments.NoopGateway{}})
	require.NoError(t, err)
	loyalty, err := services.NewLoyaltyService(services.LoyaltyServiceDeps{CoreDeps: core, EarnRate: 100})
	require.NoError(t, err)

	acts, err := workflow.NewServiceActivities(workflow.ServiceActivitiesDeps{
		Orders:       orders,
		Transitions:  transitions,
		Reservations: reservations,
		Payments:     paymentSvc,
		Loyalty:      loyalty,
	})
	require.NoError(t, err)
	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Activities:   acts,
		After:        func(time.Duration) <-chan time.Time { return nil },
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	svc := OrderServices{Orders: orders, Transitions: transitions, Payments: paymentSvc, Reservations: reservations}
	orderHandlers := NewOrderHandlers(svc)
	workflowHandlers := NewWorkflowHandlers(engine, cfg.publisher)

	router := NewRouter(
		WithMiddlewares(observability.ActorMiddleware("")),
		WithOrderRoutes(func(r chi.Router) {
			orderHandlers.Routes(r)
			workflowHandlers.OrderRoutes(r)
		}),
		WithWorkflowRoutes(workflowHandlers.Routes),
	)
	return &apiHarness{router: router, store: store, engine: engine, svc: svc}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "user:7")
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *apiHarness) createOrder(t *testing.T, reference string) string {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"referenceId": reference,
		"currency":    "JPY",
		"items": []map[string]any{
			{"productId": "sku-a", "quantity": 2, "netAmount": 450, "grossAmount": 500},
			{"productId": "sku-b", "quantity": 1, "netAmount": 450, "grossAmount": 500},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	order := body["order"].(map[string]any)
	return order["id"].(string)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}
