package handlers

import (
	"context"
	"errors"
	"net/http"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/services"
	"github.com/hanko-field/orderflow/internal/workflow"
)

// writeServiceError maps domain, service and workflow errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		validation *domain.ValidationError
		transition *domain.StateTransitionError
		rule       *domain.BusinessRuleViolation
		notFound   *domain.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		details := map[string]any{}
		if validation.Field != "" {
			details["field"] = validation.Field
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest).WithDetails(details))
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"current":   string(transition.Current),
			"attempted": string(transition.Attempted),
			"validNext": stateNames(transition.ValidNext),
		}))
	case errors.As(err, &rule):
		details := map[string]any{"rule": string(rule.Rule)}
		if rule.Current != "" {
			details["current"] = string(rule.Current)
		}
		if rule.Attempted != "" {
			details["attempted"] = string(rule.Attempted)
			details["validNext"] = stateNames(rule.ValidNext)
		}
		httpx.WriteError(ctx, w, httpx.NewError("business_rule_violation", err.Error(), http.StatusUnprocessableEntity).WithDetails(details))
	case errors.As(err, &notFound):
		httpx.WriteError(ctx, w, httpx.NewError(notFound.Resource+"_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, workflow.ErrInstanceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("workflow_not_found", "workflow instance not found", http.StatusNotFound))
	case errors.Is(err, workflow.ErrInstanceFinished):
		httpx.WriteError(ctx, w, httpx.NewError("workflow_finished", "workflow instance already finished", http.StatusConflict))
	case errors.Is(err, workflow.ErrAlreadyRunning):
		httpx.WriteError(ctx, w, httpx.NewError("workflow_running", "a workflow is already running for this order", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrRefundFailed):
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrUnavailable), errors.Is(err, workflow.ErrEngineClosed):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", "failed to process request", http.StatusInternalServerError))
	}
}

func stateNames(states []domain.OrderState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}
