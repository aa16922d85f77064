package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeGateway refunds payments captured through Stripe Payment Intents or Charges.
type StripeGateway struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Refund returns funds for a payment. Payment Intent references are looked up first so refunds are only
// attempted against succeeded intents in the expected currency.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if g == nil {
		return RefundResult{}, errors.New("stripe: gateway is nil")
	}
	if err := req.validate(); err != nil {
		return RefundResult{}, err
	}
	ref := strings.TrimSpace(req.TransactionReference)
	if ref == "" {
		return RefundResult{}, fmt.Errorf("%w: payment %s has no transaction reference", ErrNotRefundable, req.PaymentID)
	}

	params := &stripe.RefundParams{Amount: stripe.Int64(req.Amount)}
	params.Context = ctx
	switch {
	case strings.HasPrefix(ref, "ch_"):
		params.Charge = stripe.String(ref)
	default:
		if err := g.checkIntent(ctx, ref, req.Currency); err != nil {
			return RefundResult{}, err
		}
		params.PaymentIntent = stripe.String(ref)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("payment_id", req.PaymentID)

	refund, err := g.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund %s: %w", ref, err)
	}
	result := stripeRefundResult(refund, g.clock())
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"orderId":   req.OrderID,
		"paymentId": req.PaymentID,
		"refundId":  result.RefundID,
		"status":    string(result.Status),
	})
	return result, nil
}

func (g *StripeGateway) checkIntent(ctx context.Context, intentID, currency string) error {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(intentID, params)
	if err != nil {
		return fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	if intent == nil || intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: intent %s is not succeeded", ErrNotRefundable, intentID)
	}
	if currency != "" && !strings.EqualFold(string(intent.Currency), currency) {
		return fmt.Errorf("%w: intent %s currency %s does not match %s", ErrNotRefundable, intentID, intent.Currency, currency)
	}
	return nil
}

func stripeRefundResult(refund *stripe.Refund, fallback time.Time) RefundResult {
	if refund == nil {
		return RefundResult{Gateway: "stripe", Status: StatusPending, ProcessedAt: fallback}
	}
	status := StatusPending
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		status = StatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = StatusFailed
	}
	processed := fallback
	if refund.Created > 0 {
		processed = time.Unix(refund.Created, 0).UTC()
	}
	return RefundResult{
		Gateway:     "stripe",
		RefundID:    refund.ID,
		Status:      status,
		Amount:      refund.Amount,
		Currency:    strings.ToUpper(string(refund.Currency)),
		ProcessedAt: processed,
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "order cancelled", "cancelled":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
