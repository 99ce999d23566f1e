package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShopifyAPIVersion   = "2023-10"
	defaultShopifyRPS          = 2.0
	defaultShopifyBurst        = 4
	defaultShopifyTimeout      = 15 * time.Second
	defaultAIBaseURL           = "https://api.openai.com/v1"
	defaultAIModel             = "gpt-4o-mini"
	defaultAITimeout           = 30 * time.Second
	defaultMinDescription      = 10
	defaultSKUPrefix           = "CUST"
	defaultShopsCollection     = "shops"
	defaultWebhookPerMinute    = 120
	defaultSecurityEnvironment = "local"
	defaultDrainTimeout        = 25 * time.Second
	defaultDedupeTTL           = 48 * time.Hour
	defaultDedupeCollection    = "webhook_deliveries"
	defaultDedupeCleanup       = 15 * time.Minute
	defaultDedupeLease         = 2 * time.Minute
)

var defaultKnownBrands = []string{"Nike", "Adidas", "Apple", "Samsung", "Sony"}

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Shopify    ShopifyConfig
	AI         AIConfig
	Audit      AuditConfig
	Firestore  FirestoreConfig
	Jobs       JobsConfig
	RateLimits RateLimitConfig
	Security   SecurityConfig
	Dispatcher DispatcherConfig
	Webhooks   WebhookConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MetricsEnabled bool
}

// ShopifyConfig configures the store admin API. StoreDomain and AccessToken
// describe the default single-shop install; ShopTokens adds further shops.
type ShopifyConfig struct {
	StoreDomain       string
	AccessToken       string
	ShopTokens        map[string]string
	APIVersion        string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// AIConfig configures the language model endpoint.
type AIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// AuditConfig tunes the product rules.
type AuditConfig struct {
	MinDescriptionLength int
	KnownBrands          []string
	ClassifyCategory     bool
	SKUPrefix            string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID       string
	EmulatorHost    string
	ShopsCollection string
}

// JobsConfig configures Pub/Sub publication of audit reports. An empty topic disables it.
type JobsConfig struct {
	ProjectID  string
	AuditTopic string
}

// RateLimitConfig controls inbound throttling.
type RateLimitConfig struct {
	WebhookPerMinute int
}

// SecurityConfig carries the deployment environment label used for secret lookups.
type SecurityConfig struct {
	Environment string
}

// DispatcherConfig controls background audit execution.
type DispatcherConfig struct {
	DrainTimeout time.Duration
}

// WebhookConfig controls suppression of redelivered webhooks. A zero TTL disables it.
type WebhookConfig struct {
	DedupeTTL        time.Duration
	DedupeCollection string
	CleanupInterval  time.Duration
	PendingLease     time.Duration
}

// CredentialTokens returns every statically configured shop token keyed by domain.
func (c ShopifyConfig) CredentialTokens() map[string]string {
	tokens := make(map[string]string, len(c.ShopTokens)+1)
	for shop, token := range c.ShopTokens {
		tokens[shop] = token
	}
	if c.StoreDomain != "" && c.AccessToken != "" {
		tokens[c.StoreDomain] = c.AccessToken
	}
	return tokens
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

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields as mandatory. Names match the field
// paths recorded by the loader, e.g. "Shopify.AccessToken" or
// "Shopify.ShopTokens[acme.myshopify.com]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and Secret Manager lookups. Credential keys also accept the
// unprefixed names (SHOPIFY_STORE_URL, SHOPIFY_ACCESS_TOKEN, OPENAI_API_KEY) used by
// older deployments.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := options.lookup(dotEnv)

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, defaultPort, "AUDITOR_SERVER_PORT", "PORT"),
			ReadTimeout:    durationWithDefault(lookup, "AUDITOR_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "AUDITOR_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "AUDITOR_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			MetricsEnabled: boolWithDefault(lookup, "AUDITOR_SERVER_METRICS", true),
		},
		Shopify: ShopifyConfig{
			StoreDomain:       stringWithDefault(lookup, "", "AUDITOR_SHOPIFY_STORE_DOMAIN", "SHOPIFY_STORE_URL"),
			AccessToken:       stringWithDefault(lookup, "", "AUDITOR_SHOPIFY_ACCESS_TOKEN", "SHOPIFY_ACCESS_TOKEN"),
			ShopTokens:        mapWithDefault(lookup, "AUDITOR_SHOPIFY_SHOP_TOKENS"),
			APIVersion:        stringWithDefault(lookup, defaultShopifyAPIVersion, "AUDITOR_SHOPIFY_API_VERSION"),
			RequestsPerSecond: floatWithDefault(lookup, "AUDITOR_SHOPIFY_RPS", defaultShopifyRPS),
			Burst:             intWithDefault(lookup, "AUDITOR_SHOPIFY_BURST", defaultShopifyBurst),
			Timeout:           durationWithDefault(lookup, "AUDITOR_SHOPIFY_TIMEOUT", defaultShopifyTimeout),
		},
		AI: AIConfig{
			APIKey:  stringWithDefault(lookup, "", "AUDITOR_AI_API_KEY", "OPENAI_API_KEY"),
			BaseURL: stringWithDefault(lookup, defaultAIBaseURL, "AUDITOR_AI_BASE_URL"),
			Model:   stringWithDefault(lookup, defaultAIModel, "AUDITOR_AI_MODEL"),
			Timeout: durationWithDefault(lookup, "AUDITOR_AI_TIMEOUT", defaultAITimeout),
		},
		Audit: AuditConfig{
			MinDescriptionLength: intWithDefault(lookup, "AUDITOR_AUDIT_MIN_DESCRIPTION_LENGTH", defaultMinDescription),
			KnownBrands:          csvWithDefault(lookup, "AUDITOR_AUDIT_KNOWN_BRANDS", defaultKnownBrands),
			ClassifyCategory:     boolWithDefault(lookup, "AUDITOR_AUDIT_CLASSIFY_CATEGORY", true),
			SKUPrefix:            strings.ToUpper(stringWithDefault(lookup, defaultSKUPrefix, "AUDITOR_AUDIT_SKU_PREFIX")),
		},
		Firestore: FirestoreConfig{
			ProjectID:       stringWithDefault(lookup, "", "AUDITOR_FIRESTORE_PROJECT_ID"),
			EmulatorHost:    stringWithDefault(lookup, "", "AUDITOR_FIRESTORE_EMULATOR_HOST"),
			ShopsCollection: stringWithDefault(lookup, defaultShopsCollection, "AUDITOR_FIRESTORE_SHOPS_COLLECTION"),
		},
		Jobs: JobsConfig{
			ProjectID:  stringWithDefault(lookup, "", "AUDITOR_JOBS_PROJECT_ID"),
			AuditTopic: stringWithDefault(lookup, "", "AUDITOR_JOBS_AUDIT_TOPIC"),
		},
		RateLimits: RateLimitConfig{
			WebhookPerMinute: intWithDefault(lookup, "AUDITOR_RATELIMIT_WEBHOOK_PER_MIN", defaultWebhookPerMinute),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, defaultSecurityEnvironment, "AUDITOR_SECURITY_ENVIRONMENT")),
		},
		Dispatcher: DispatcherConfig{
			DrainTimeout: durationWithDefault(lookup, "AUDITOR_DISPATCHER_DRAIN_TIMEOUT", defaultDrainTimeout),
		},
		Webhooks: WebhookConfig{
			DedupeTTL:        durationWithDefault(lookup, "AUDITOR_WEBHOOK_DEDUPE_TTL", defaultDedupeTTL),
			DedupeCollection: stringWithDefault(lookup, defaultDedupeCollection, "AUDITOR_WEBHOOK_DEDUPE_COLLECTION"),
			CleanupInterval:  durationWithDefault(lookup, "AUDITOR_WEBHOOK_DEDUPE_CLEANUP_INTERVAL", defaultDedupeCleanup),
			PendingLease:     durationWithDefault(lookup, "AUDITOR_WEBHOOK_DEDUPE_PENDING_LEASE", defaultDedupeLease),
		},
	}

	// Pub/Sub defaults to the Firestore project when unspecified.
	if cfg.Jobs.ProjectID == "" {
		cfg.Jobs.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Shopify.AccessToken", &cfg.Shopify.AccessToken},
		{"AI.APIKey", &cfg.AI.APIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	shops := make([]string, 0, len(cfg.Shopify.ShopTokens))
	for shop := range cfg.Shopify.ShopTokens {
		shops = append(shops, shop)
	}
	sort.Strings(shops)
	for _, shop := range shops {
		value, err := resolveSecret(ctx, cfg.Shopify.ShopTokens[shop], options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Shopify.ShopTokens[shop] = value
		resolved[fmt.Sprintf("Shopify.ShopTokens[%s]", shop)] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Shopify.StoreDomain != "" && cfg.Shopify.AccessToken == "" && cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Shopify.AccessToken")
	}
	if len(cfg.Shopify.CredentialTokens()) == 0 && cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Shopify.StoreDomain")
	}
	if cfg.Shopify.RequestsPerSecond <= 0 {
		invalid = append(invalid, "Shopify.RequestsPerSecond")
	}
	if cfg.Audit.MinDescriptionLength <= 0 {
		invalid = append(invalid, "Audit.MinDescriptionLength")
	}
	if len(cfg.Audit.SKUPrefix) == 0 || strings.ContainsAny(cfg.Audit.SKUPrefix, " -") {
		invalid = append(invalid, "Audit.SKUPrefix")
	}
	if cfg.RateLimits.WebhookPerMinute < 0 {
		invalid = append(invalid, "RateLimits.WebhookPerMinute")
	}
	if cfg.Webhooks.DedupeTTL < 0 {
		invalid = append(invalid, "Webhooks.DedupeTTL")
	}
	if cfg.Webhooks.PendingLease <= 0 {
		invalid = append(invalid, "Webhooks.PendingLease")
	}
	if cfg.Dispatcher.DrainTimeout <= 0 {
		invalid = append(invalid, "Dispatcher.DrainTimeout")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}
