package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/payments"
	"github.com/hanko-field/orderflow/internal/platform/config"
	"github.com/hanko-field/orderflow/internal/platform/idempotency"
)

func TestSecretVersionPinsFromEnv(t *testing.T) {
	pins := secretVersionPinsFromEnv(map[string]string{
		"ORDERFLOW_SECRET_VERSION_PINS": "sm://stripe/api=3, prod:redis/password=7,broken, =1",
	})
	assert.Equal(t, map[string]string{
		"secret://stripe/api":          "3",
		"prod:secret://redis/password": "7",
	}, pins)
}

func TestSecretProjectMapLowercasesLabels(t *testing.T) {
	projects := secretProjectMapFromEnv(map[string]string{
		"ORDERFLOW_SECRET_PROJECT_IDS": "PROD=of-prod,stg=of-stg,invalid",
	})
	assert.Equal(t, map[string]string{"prod": "of-prod", "stg": "of-stg"}, projects)
}

func TestRequiredSecretNames(t *testing.T) {
	assert.Empty(t, requiredSecretNames(nil))
	assert.Empty(t, requiredSecretNames(map[string]string{"ORDERFLOW_ENVIRONMENT": "local"}))
	assert.Equal(t, []string{"Redis.Password", "Stripe.APIKey"}, requiredSecretNames(map[string]string{
		"ORDERFLOW_ENVIRONMENT":    "Prod",
		"ORDERFLOW_REDIS_PASSWORD": "secret://redis/password",
	}))
}

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(map[string]string{}, config.Config{}, started)
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "unknown", info.CommitSHA)
	assert.Equal(t, "local", info.Environment)
	assert.True(t, info.StartedAt.Equal(started))

	info = buildInfoFromEnv(map[string]string{
		"ORDERFLOW_BUILD_VERSION":    " 1.4.0 ",
		"ORDERFLOW_BUILD_COMMIT_SHA": "abc123",
	}, config.Config{Environment: "stg"}, started)
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abc123", info.CommitSHA)
	assert.Equal(t, "stg", info.Environment)
}

func TestNewGatewayWithoutStripeKeyIsNoop(t *testing.T) {
	gateway, err := newGateway(config.Config{}, zap.NewNop())
	require.NoError(t, err)
	result, err := gateway.Refund(context.Background(), payments.RefundRequest{
		PaymentID: "pay_1",
		Amount:    500,
		Currency:  "jpy",
	})
	require.NoError(t, err)
	assert.Equal(t, "noop", result.Gateway)
	assert.Equal(t, "JPY", result.Currency)
}

func TestNewGatewayRoutesStripeByMethod(t *testing.T) {
	gateway, err := newGateway(config.Config{Stripe: config.StripeConfig{APIKey: "sk_test_123"}}, zap.NewNop())
	require.NoError(t, err)
	_, ok := gateway.(*payments.Router)
	assert.True(t, ok, "expected router, got %T", gateway)
}

func TestBuildInfrastructureMemoryDefaults(t *testing.T) {
	infra, err := buildInfrastructure(context.Background(), config.Config{
		Storage: config.StorageConfig{Backend: config.StorageBackendMemory},
		Events:  config.EventsConfig{Backend: config.EventBackendNone},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { infra.close(zap.NewNop()) })

	assert.NotNil(t, infra.registry)
	assert.Nil(t, infra.events)
	assert.Nil(t, infra.lease)
	assert.Nil(t, infra.signals)
	assert.IsType(t, &idempotency.MemoryStore{}, infra.replays)
	sub, err := infra.signalSubscriber(nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, sub)

	report, err := infra.registry.Health().Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Checks)
}

func TestDialAnyBrokerWithoutBrokers(t *testing.T) {
	assert.EqualError(t, dialAnyBroker(context.Background(), nil), "no brokers configured")
}
