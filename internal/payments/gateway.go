package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised refund states shared across gateways.
type Status string

const (
	// StatusPending indicates the PSP accepted the refund but has not settled it yet.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the funds were returned.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP rejected the refund.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedMethod is returned when the router has no gateway for a payment method.
	ErrUnsupportedMethod = errors.New("payments: unsupported payment method")
	// ErrNotRefundable is returned when the PSP reports the original charge cannot be refunded.
	ErrNotRefundable = errors.New("payments: payment is not refundable")
)

// RefundRequest describes a refund of a captured payment.
type RefundRequest struct {
	OrderID              string
	PaymentID            string
	Method               string
	TransactionReference string
	Amount               int64
	Currency             string
	Reason               string
	IdempotencyKey       string
}

// RefundResult normalises PSP specific refund fields.
type RefundResult struct {
	Gateway     string
	RefundID    string
	Status      Status
	Amount      int64
	Currency    string
	ProcessedAt time.Time
}

// Gateway returns funds for captured payments.
type Gateway interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req RefundRequest) (RefundResult, error)

// Refund implements Gateway.
func (f GatewayFunc) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	return f(ctx, req)
}

// NoopGateway acknowledges every refund without contacting a PSP. It backs local development.
type NoopGateway struct {
	Clock func() time.Time
}

// Refund implements Gateway.
func (g NoopGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	if err := req.validate(); err != nil {
		return RefundResult{}, err
	}
	now := time.Now
	if g.Clock != nil {
		now = g.Clock
	}
	return RefundResult{
		Gateway:     "noop",
		RefundID:    "noop_" + req.PaymentID,
		Status:      StatusSucceeded,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		ProcessedAt: now().UTC(),
	}, nil
}

func (r RefundRequest) validate() error {
	if strings.TrimSpace(r.PaymentID) == "" {
		return errors.New("payments: payment id is required")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("payments: refund amount must be positive, got %d", r.Amount)
	}
	return nil
}

// Router selects a gateway by payment method and falls back to a default one.
type Router struct {
	gateways       map[string]Gateway
	defaultGateway string
}

// RouterOption configures optional behaviour when building a Router.
type RouterOption func(*Router)

// WithDefaultGateway overrides the gateway used for methods without explicit registration.
func WithDefaultGateway(name string) RouterOption {
	return func(r *Router) {
		r.defaultGateway = strings.ToLower(strings.TrimSpace(name))
	}
}

// NewRouter constructs a Router over the supplied gateways keyed by payment method.
func NewRouter(gateways map[string]Gateway, opts ...RouterOption) (*Router, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[string]Gateway, len(gateways))
	for k, v := range gateways {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		copyMap[key] = v
	}
	r := &Router{gateways: copyMap}
	if _, ok := copyMap["stripe"]; ok {
		r.defaultGateway = "stripe"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) resolve(method string) (string, Gateway, error) {
	if r == nil || len(r.gateways) == 0 {
		return "", nil, ErrUnsupportedMethod
	}
	if key := strings.TrimSpace(strings.ToLower(method)); key != "" {
		if g, ok := r.gateways[key]; ok {
			return key, g, nil
		}
	}
	if r.defaultGateway != "" {
		if g, ok := r.gateways[r.defaultGateway]; ok {
			return r.defaultGateway, g, nil
		}
	}
	if len(r.gateways) == 1 {
		for key, g := range r.gateways {
			return key, g, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
}

// Refund delegates to the gateway registered for the request's payment method.
func (r *Router) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	key, gateway, err := r.resolve(req.Method)
	if err != nil {
		return RefundResult{}, err
	}
	result, err := gateway.Refund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	if result.Gateway == "" {
		result.Gateway = key
	}
	return result, nil
}
