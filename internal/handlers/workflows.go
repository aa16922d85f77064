package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/messaging"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
	"github.com/hanko-field/orderflow/internal/workflow"
)

// WorkflowEngine is the slice of *workflow.Engine the HTTP surface drives.
type WorkflowEngine interface {
	StartInstance(ctx context.Context, req workflow.StartRequest) (workflow.InstanceRef, error)
	SendSignal(ctx context.Context, instanceID string, sig workflow.Signal) error
	Abort(instanceID string) error
	Result(instanceID string) (workflow.Result, bool, error)
}

// SignalPublisher enqueues signals instead of delivering them in-process.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, msg messaging.SignalMessage) (string, error)
}

type startWorkflowRequest struct {
	InstanceID string `json:"instanceId"`
	BurnPoints int64  `json:"burnPoints"`
}

type signalRequest struct {
	Reason  string                    `json:"reason"`
	Payment *messaging.PaymentMessage `json:"payment"`
}

type instancePayload struct {
	InstanceID   string               `json:"instanceId"`
	OrderID      string               `json:"orderId"`
	Status       string               `json:"status"`
	Outcome      string               `json:"outcome,omitempty"`
	FailedStep   string               `json:"failedStep,omitempty"`
	Error        string               `json:"error,omitempty"`
	StartedAt    string               `json:"startedAt,omitempty"`
	FinishedAt   string               `json:"finishedAt,omitempty"`
	Order        *orderDetailPayload  `json:"order,omitempty"`
	Cancellation *cancellationPayload `json:"cancellation,omitempty"`
}

// WorkflowHandlers starts saga instances and routes signals to them.
type WorkflowHandlers struct {
	engine    WorkflowEngine
	publisher SignalPublisher
}

// NewWorkflowHandlers constructs handlers over engine. A non-nil publisher sends signals through the queue.
func NewWorkflowHandlers(engine WorkflowEngine, publisher SignalPublisher) *WorkflowHandlers {
	return &WorkflowHandlers{engine: engine, publisher: publisher}
}

// OrderRoutes registers the workflow start endpoint under /orders.
func (h *WorkflowHandlers) OrderRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}/workflow", h.start)
}

// Routes registers the /workflows endpoints.
func (h *WorkflowHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{instanceID}", h.get)
	r.Post("/{instanceID}/signals/{signal}", h.signal)
	r.Post("/{instanceID}/abort", h.abort)
}

func (h *WorkflowHandlers) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("workflow_unavailable", "workflow engine unavailable", http.StatusServiceUnavailable))
		return
	}

	var req startWorkflowRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if req.BurnPoints < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "burnPoints must not be negative", http.StatusBadRequest))
		return
	}

	ref, err := h.engine.StartInstance(ctx, workflow.StartRequest{
		OrderID:    strings.TrimSpace(chi.URLParam(r, "orderID")),
		InstanceID: strings.TrimSpace(req.InstanceID),
		BurnPoints: req.BurnPoints,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, instancePayload{
		InstanceID: ref.ID,
		OrderID:    ref.OrderID,
		Status:     workflow.StatusRunning.String(),
		StartedAt:  formatTime(ref.StartedAt),
	})
}

func (h *WorkflowHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("workflow_unavailable", "workflow engine unavailable", http.StatusServiceUnavailable))
		return
	}

	result, _, err := h.engine.Result(strings.TrimSpace(chi.URLParam(r, "instanceID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildInstancePayload(result))
}

func (h *WorkflowHandlers) signal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil && h.publisher == nil {
		httpx.WriteError(ctx, w, httpx.NewError("workflow_unavailable", "workflow engine unavailable", http.StatusServiceUnavailable))
		return
	}

	var req signalRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	msg := messaging.SignalMessage{
		InstanceID: strings.TrimSpace(chi.URLParam(r, "instanceID")),
		Signal:     chi.URLParam(r, "signal"),
		Reason:     req.Reason,
		ActorID:    requestctx.Actor(ctx),
		Payment:    req.Payment,
	}
	instanceID, sig, err := msg.Decode()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signal", err.Error(), http.StatusBadRequest))
		return
	}

	if h.publisher != nil {
		messageID, err := h.publisher.PublishSignal(ctx, msg)
		if err != nil {
			requestctx.Logger(ctx).Sugar().Warnw("signal publish failed", "instanceId", instanceID, "error", err)
			httpx.WriteError(ctx, w, httpx.NewError("signal_publish_failed", "failed to enqueue signal", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
			"instanceId": instanceID,
			"signal":     sig.Kind.String(),
			"messageId":  messageID,
		})
		return
	}

	if err := h.engine.SendSignal(ctx, instanceID, sig); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"instanceId": instanceID,
		"signal":     sig.Kind.String(),
	})
}

func (h *WorkflowHandlers) abort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("workflow_unavailable", "workflow engine unavailable", http.StatusServiceUnavailable))
		return
	}

	instanceID := strings.TrimSpace(chi.URLParam(r, "instanceID"))
	if err := h.engine.Abort(instanceID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"instanceId": instanceID, "aborting": true})
}

func buildInstancePayload(result workflow.Result) instancePayload {
	payload := instancePayload{
		InstanceID: result.InstanceID,
		OrderID:    result.OrderID,
		Status:     result.Status.String(),
		Error:      result.Error(),
		StartedAt:  formatTime(result.StartedAt),
		FinishedAt: formatTime(result.FinishedAt),
	}
	if result.Outcome != workflow.OutcomeNone {
		payload.Outcome = result.Outcome.String()
	}
	if result.FailedStep != 0 {
		payload.FailedStep = result.FailedStep.String()
	}
	if result.Detail != nil {
		detail := buildOrderDetailPayload(*result.Detail)
		payload.Order = &detail
	}
	if result.Cancellation != nil {
		cancellation := buildCancellationPayload(*result.Cancellation)
		payload.Cancellation = &cancellation
	}
	return payload
}
