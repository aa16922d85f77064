package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/orderflow/internal/payments"
	"github.com/hanko-field/orderflow/internal/platform/config"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/platform/idempotency"
	"github.com/hanko-field/orderflow/internal/platform/lease"
	"github.com/hanko-field/orderflow/internal/platform/messaging"
	"github.com/hanko-field/orderflow/internal/platform/observability"
	"github.com/hanko-field/orderflow/internal/platform/secrets"
	"github.com/hanko-field/orderflow/internal/repositories"
	firestoreRepo "github.com/hanko-field/orderflow/internal/repositories/firestore"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
	"github.com/hanko-field/orderflow/internal/services"
	"github.com/hanko-field/orderflow/internal/workflow"
)

const defaultPaymentMethod = "card"

// infrastructure owns the clients the binary opens; close releases them in reverse order.
type infrastructure struct {
	registry repositories.Registry
	events   services.OrderEventPublisher
	gateway  payments.Gateway
	lease    workflow.Lease
	probes   []repositories.Probe
	signals  *messaging.PubSubSignalPublisher
	replays  idempotency.Store

	pubsubClient *pubsub.Client
	signalSub    string
	closers      []func() error
}

func buildInfrastructure(ctx context.Context, cfg config.Config, logger *zap.Logger) (*infrastructure, error) {
	infra := &infrastructure{}
	ok := false
	defer func() {
		if !ok {
			infra.close(logger)
		}
	}()

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		infra.closers = append(infra.closers, rdb.Close)
		redisLease, err := lease.NewRedisLease(rdb)
		if err != nil {
			return nil, err
		}
		infra.lease = redisLease
		replays, err := idempotency.NewRedisStore(rdb)
		if err != nil {
			return nil, err
		}
		infra.replays = replays
		infra.probes = append(infra.probes, repositories.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return lease.Ping(ctx, rdb) },
		})
	}

	if infra.replays == nil {
		infra.replays = idempotency.NewMemoryStore()
	}

	if err := infra.openEvents(ctx, cfg); err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case config.StorageBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider, infra.probes...)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("firestore registry: %w", err)
		}
		infra.registry = reg
	default:
		store := memory.NewStore()
		health, err := repositories.NewProbeHealthRepository(time.Now, infra.probes...)
		if err != nil {
			return nil, err
		}
		infra.registry = store.WithHealth(health)
	}

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	infra.gateway = gateway

	ok = true
	return infra, nil
}

func (i *infrastructure) openEvents(ctx context.Context, cfg config.Config) error {
	needsPubSub := cfg.Events.Backend == config.EventBackendPubSub || strings.TrimSpace(cfg.PubSub.SignalSubscription) != ""
	if needsPubSub {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		i.pubsubClient = client
		i.closers = append(i.closers, client.Close)
	}

	switch cfg.Events.Backend {
	case config.EventBackendPubSub:
		topic := i.pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		i.closers = append(i.closers, func() error { topic.Stop(); return nil })
		publisher, err := messaging.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return err
		}
		i.events = publisher
		i.probes = append(i.probes, repositories.Probe{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	case config.EventBackendKafka:
		publisher, err := messaging.NewKafkaOrderEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderEventsTopic)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, publisher.Close)
		i.events = publisher
		brokers := append([]string(nil), cfg.Kafka.Brokers...)
		i.probes = append(i.probes, repositories.Probe{
			Name:  "kafka",
			Check: func(ctx context.Context) error { return dialAnyBroker(ctx, brokers) },
		})
	}

	if sub := strings.TrimSpace(cfg.PubSub.SignalSubscription); sub != "" {
		topic := i.pubsubClient.Topic(cfg.PubSub.SignalsTopic)
		i.closers = append(i.closers, func() error { topic.Stop(); return nil })
		publisher, err := messaging.NewPubSubSignalPublisher(topic)
		if err != nil {
			return err
		}
		i.signals = publisher
		i.signalSub = sub
	}
	return nil
}

// signalSubscriber returns nil when no signal subscription is configured.
func (i *infrastructure) signalSubscriber(sink messaging.SignalSink, logger *zap.Logger) (*messaging.PubSubSignalSubscriber, error) {
	if i.pubsubClient == nil || i.signalSub == "" {
		return nil, nil
	}
	return messaging.NewPubSubSignalSubscriber(i.pubsubClient.Subscription(i.signalSub), sink, logger)
}

func (i *infrastructure) close(logger *zap.Logger) {
	if i == nil {
		return
	}
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		if err := i.closers[idx](); err != nil {
			logger.Warn("infrastructure close error", zap.Error(err))
		}
	}
	i.closers = nil
}

func dialAnyBroker(ctx context.Context, brokers []string) error {
	var errs []error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no brokers configured")
	}
	return errors.Join(errs...)
}

// newGateway routes refunds by payment method. Without a Stripe key every refund is acknowledged locally.
func newGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	apiKey := strings.TrimSpace(cfg.Stripe.APIKey)
	if apiKey == "" {
		return payments.NoopGateway{}, nil
	}
	stripe, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey: apiKey,
		Logger: observability.ServiceLogger(logger.Named("stripe")),
	})
	if err != nil {
		return nil, fmt.Errorf("stripe gateway: %w", err)
	}
	return payments.NewRouter(map[string]payments.Gateway{
		defaultPaymentMethod: stripe,
		"stripe":             stripe,
	}, payments.WithDefaultGateway(defaultPaymentMethod))
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("ORDERFLOW_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("ORDERFLOW_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("ORDERFLOW_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("ORDERFLOW_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup("ORDERFLOW_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve. Production refuses to start without a Stripe key.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env == nil {
		return required
	}
	if strings.EqualFold(strings.TrimSpace(env["ORDERFLOW_ENVIRONMENT"]), "prod") {
		required = append(required, "Stripe.APIKey")
	}
	if strings.TrimSpace(env["ORDERFLOW_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for label, project := range parseKeyValueList(env["ORDERFLOW_SECRET_PROJECT_IDS"]) {
		projects[strings.ToLower(label)] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(env["ORDERFLOW_SECRET_VERSION_PINS"]) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(strings.TrimSpace(raw), ",") {
		key, value, found := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !found || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["ORDERFLOW_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERFLOW_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
