package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultEnvironment      = "local"
	defaultStorageBackend   = StorageBackendMemory
	defaultEventBackend     = EventBackendNone
	defaultOrderEventsTopic = "order-events"
	defaultSignalsTopic     = "workflow-signals"
	defaultStepTimeout      = 5 * time.Minute
	defaultPaymentTimeout   = 30 * time.Minute
	defaultPriority         = "cancellation"
	defaultRetryAttempts    = 3
	defaultLeaseTTL         = time.Hour
	defaultEarnRate         = 100
)

// Storage backends accepted by Storage.Backend.
const (
	StorageBackendMemory    = "memory"
	StorageBackendFirestore = "firestore"
)

// Event backends accepted by Events.Backend.
const (
	EventBackendNone   = "none"
	EventBackendPubSub = "pubsub"
	EventBackendKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Storage     StorageConfig
	Firestore   FirestoreConfig
	Events      EventsConfig
	PubSub      PubSubConfig
	Kafka       KafkaConfig
	Redis       RedisConfig
	Stripe      StripeConfig
	Workflow    WorkflowConfig
	Loyalty     LoyaltyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Backend string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// EventsConfig selects where order events are published.
type EventsConfig struct {
	Backend string
}

// PubSubConfig stores topic and subscription names.
type PubSubConfig struct {
	ProjectID          string
	OrderEventsTopic   string
	SignalsTopic       string
	SignalSubscription string
}

// KafkaConfig stores broker addresses for the Kafka event publisher.
type KafkaConfig struct {
	Brokers          []string
	OrderEventsTopic string
}

// RedisConfig configures the workflow instance lease. Empty Addr disables the lease.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

// StripeConfig collects payment gateway credentials.
type StripeConfig struct {
	APIKey string
}

// WorkflowConfig tunes the order saga.
type WorkflowConfig struct {
	StepTimeout    time.Duration
	PaymentTimeout time.Duration
	// Priority decides which signal wins when payment and cancellation are both ready: "cancellation" or "payment".
	Priority      string
	RetryAttempts int
}

// LoyaltyConfig controls points earned on completion.
type LoyaltyConfig struct {
	// EarnRate is the order total (minor units) per earned point. Zero disables earning.
	EarnRate int64
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		redacted = append(redacted, redactSecretName(name))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map).
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Stripe.APIKey") that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "ORDERFLOW_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "ORDERFLOW_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "ORDERFLOW_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "ORDERFLOW_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_STORAGE_BACKEND", defaultStorageBackend)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERFLOW_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "ORDERFLOW_FIRESTORE_EMULATOR_HOST", ""),
		},
		Events: EventsConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_EVENTS_BACKEND", defaultEventBackend)),
		},
		PubSub: PubSubConfig{
			ProjectID:          stringWithDefault(lookup, "ORDERFLOW_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic:   stringWithDefault(lookup, "ORDERFLOW_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			SignalsTopic:       stringWithDefault(lookup, "ORDERFLOW_PUBSUB_SIGNALS_TOPIC", defaultSignalsTopic),
			SignalSubscription: stringWithDefault(lookup, "ORDERFLOW_PUBSUB_SIGNAL_SUBSCRIPTION", ""),
		},
		Kafka: KafkaConfig{
			Brokers:          csvWithDefault(lookup, "ORDERFLOW_KAFKA_BROKERS"),
			OrderEventsTopic: stringWithDefault(lookup, "ORDERFLOW_KAFKA_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "ORDERFLOW_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "ORDERFLOW_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "ORDERFLOW_REDIS_DB", 0),
			LeaseTTL: durationWithDefault(lookup, "ORDERFLOW_REDIS_LEASE_TTL", defaultLeaseTTL),
		},
		Stripe: StripeConfig{
			APIKey: stringWithDefault(lookup, "ORDERFLOW_STRIPE_API_KEY", ""),
		},
		Workflow: WorkflowConfig{
			StepTimeout:    durationWithDefault(lookup, "ORDERFLOW_WORKFLOW_STEP_TIMEOUT", defaultStepTimeout),
			PaymentTimeout: durationWithDefault(lookup, "ORDERFLOW_WORKFLOW_PAYMENT_TIMEOUT", defaultPaymentTimeout),
			Priority:       strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_WORKFLOW_PRIORITY", defaultPriority)),
			RetryAttempts:  intWithDefault(lookup, "ORDERFLOW_WORKFLOW_RETRY_ATTEMPTS", defaultRetryAttempts),
		},
		Loyalty: LoyaltyConfig{
			EarnRate: int64(intWithDefault(lookup, "ORDERFLOW_LOYALTY_EARN_RATE", defaultEarnRate)),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	default:
		invalid = append(invalid, "Storage.Backend")
	}
	switch cfg.Events.Backend {
	case EventBackendNone:
	case EventBackendPubSub:
		if cfg.PubSub.ProjectID == "" {
			invalid = append(invalid, "PubSub.ProjectID")
		}
		if cfg.PubSub.OrderEventsTopic == "" {
			invalid = append(invalid, "PubSub.OrderEventsTopic")
		}
	case EventBackendKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			invalid = append(invalid, "Kafka.Brokers")
		}
	default:
		invalid = append(invalid, "Events.Backend")
	}
	if cfg.Workflow.StepTimeout <= 0 {
		invalid = append(invalid, "Workflow.StepTimeout")
	}
	if cfg.Workflow.PaymentTimeout <= 0 {
		invalid = append(invalid, "Workflow.PaymentTimeout")
	}
	if cfg.Workflow.Priority != "cancellation" && cfg.Workflow.Priority != "payment" {
		invalid = append(invalid, "Workflow.Priority")
	}
	if cfg.Workflow.RetryAttempts < 1 {
		invalid = append(invalid, "Workflow.RetryAttempts")
	}
	if cfg.Redis.Addr != "" && cfg.Redis.LeaseTTL <= 0 {
		invalid = append(invalid, "Redis.LeaseTTL")
	}
	if cfg.Loyalty.EarnRate < 0 {
		invalid = append(invalid, "Loyalty.EarnRate")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
