package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hanko-field/orderflow/internal/platform/requestctx"
)

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Reason string `json:"reason"`
	}
	cases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"valid", `{"reason":"late"}`, "late", false},
		{"empty body", ``, "", false},
		{"unknown field", `{"reason":"x","extra":1}`, "", true},
		{"trailing data", `{"reason":"x"}{"reason":"y"}`, "", true},
		{"malformed", `{"reason":`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if tc.wantErr != (err != nil) {
				t.Fatalf("unexpected error state: %v", err)
			}
			if !tc.wantErr && dst.Reason != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, dst.Reason)
			}
		})
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("invalid_transition", "cannot move\norder", http.StatusConflict).
		WithDetails(map[string]any{"validNext": []string{"pending"}}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_transition" || body["message"] != "cannot move order" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id from context, got %v", body["trace_id"])
	}
	if next, ok := body["validNext"].([]any); !ok || len(next) != 1 {
		t.Fatalf("expected details merged, got %v", body["validNext"])
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"id": "ord_1"})
	if rec.Code != http.StatusCreated || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestWriteErrorKeepsEnvelopeKeys(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, NewError("order_not_found", "order ord_1 not found", 0).
		WithDetails(map[string]any{"error": "spoofed", "resource": "order"}))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 0 to fall back to 500, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "order_not_found" || body["resource"] != "order" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["trace_id"]; ok {
		t.Fatalf("trace_id must be omitted without trace context")
	}
}
