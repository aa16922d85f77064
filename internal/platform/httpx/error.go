package httpx

import (
	"context"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orderflow/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
)

// Error is the JSON error envelope every endpoint returns:
//
//	{"error": "<code>", "message": "...", "status": 409, "request_id": "...", "trace_id": "...", <details>}
//
// Details are flattened into the top-level object so clients read e.g. "validNext" next to "error".
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func NewError(code, message string, status int) Error {
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLength),
		Message: clean(message, maxMessageLength),
		Status:  status,
	}
}

// WithDetails returns a copy carrying details; reserved envelope keys are never overwritten.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := maps.Clone(e.Details)
	if merged == nil {
		merged = make(map[string]any, len(details))
	}
	maps.Copy(merged, details)
	e.Details = merged
	return e
}

// WriteError renders err, filling request_id from chi and trace_id from the request context.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err = NewError(err.Code, err.Message, err.Status).WithDetails(err.Details)
	}
	body := make(map[string]any, len(err.Details)+5)
	for key, value := range err.Details {
		body[key] = value
	}
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = err.Status
	if id := clean(middleware.GetReqID(ctx), maxCodeLength); id != "" {
		body["request_id"] = id
	}
	if id := clean(requestctx.TraceID(ctx), 64); id != "" {
		body["trace_id"] = id
	}
	WriteJSON(w, err.Status, body)
}

// clean flattens newlines so codes and messages stay single-line in responses and logs.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
