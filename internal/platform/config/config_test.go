package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"AUDITOR_SHOPIFY_STORE_DOMAIN": "acme.myshopify.com",
		"AUDITOR_SHOPIFY_ACCESS_TOKEN": "shpat_dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Shopify.APIVersion != "2023-10" {
		t.Errorf("unexpected api version %s", cfg.Shopify.APIVersion)
	}
	if cfg.Shopify.RequestsPerSecond != 2 {
		t.Errorf("unexpected shopify rps %v", cfg.Shopify.RequestsPerSecond)
	}
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("unexpected model %s", cfg.AI.Model)
	}
	if cfg.Audit.MinDescriptionLength != 10 {
		t.Errorf("unexpected min description length %d", cfg.Audit.MinDescriptionLength)
	}
	if !reflect.DeepEqual(cfg.Audit.KnownBrands, defaultKnownBrands) {
		t.Errorf("expected default known brands, got %v", cfg.Audit.KnownBrands)
	}
	if !cfg.Audit.ClassifyCategory {
		t.Errorf("expected category classification enabled by default")
	}
	if cfg.Audit.SKUPrefix != "CUST" {
		t.Errorf("unexpected sku prefix %s", cfg.Audit.SKUPrefix)
	}
	if cfg.Firestore.ShopsCollection != "shops" {
		t.Errorf("unexpected shops collection %s", cfg.Firestore.ShopsCollection)
	}
	if cfg.Jobs.AuditTopic != "" {
		t.Errorf("expected audit topic disabled, got %s", cfg.Jobs.AuditTopic)
	}
	if cfg.RateLimits.WebhookPerMinute != 120 {
		t.Errorf("unexpected webhook rate limit: %d", cfg.RateLimits.WebhookPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Dispatcher.DrainTimeout != 25*time.Second {
		t.Errorf("unexpected drain timeout %s", cfg.Dispatcher.DrainTimeout)
	}
	if cfg.Webhooks.PendingLease != 2*time.Minute {
		t.Errorf("expected pending lease 2m, got %s", cfg.Webhooks.PendingLease)
	}
	if cfg.Webhooks.DedupeTTL != 48*time.Hour || cfg.Webhooks.DedupeCollection != "webhook_deliveries" {
		t.Errorf("unexpected webhook dedupe config %+v", cfg.Webhooks)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"AUDITOR_SERVER_PORT":                  "9090",
		"AUDITOR_WEBHOOK_DEDUPE_TTL":           "0s",
		"AUDITOR_SERVER_IDLE_TIMEOUT":          "2m",
		"AUDITOR_SERVER_METRICS":               "off",
		"AUDITOR_SHOPIFY_STORE_DOMAIN":         "acme.myshopify.com",
		"AUDITOR_SHOPIFY_ACCESS_TOKEN":         "secret://shopify/acme",
		"AUDITOR_SHOPIFY_SHOP_TOKENS":          "Beta.myshopify.com=sm://shopify/beta, gamma.myshopify.com=shpat_gamma",
		"AUDITOR_SHOPIFY_API_VERSION":          "2024-04",
		"AUDITOR_SHOPIFY_RPS":                  "1.5",
		"AUDITOR_AI_API_KEY":                   "secret://openai/key",
		"AUDITOR_AI_MODEL":                     "gpt-4o",
		"AUDITOR_AUDIT_MIN_DESCRIPTION_LENGTH": "40",
		"AUDITOR_AUDIT_KNOWN_BRANDS":           "Patagonia, Arc'teryx",
		"AUDITOR_AUDIT_CLASSIFY_CATEGORY":      "false",
		"AUDITOR_AUDIT_SKU_PREFIX":             "gen",
		"AUDITOR_FIRESTORE_PROJECT_ID":         "auditor-prod",
		"AUDITOR_JOBS_AUDIT_TOPIC":             "audit-reports",
		"AUDITOR_RATELIMIT_WEBHOOK_PER_MIN":    "30",
		"AUDITOR_SECURITY_ENVIRONMENT":         "PROD",
		"AUDITOR_DISPATCHER_DRAIN_TIMEOUT":     "40s",
	}

	secrets := map[string]string{
		"secret://shopify/acme": "shpat_acme",
		"secret://shopify/beta": "shpat_beta",
		"secret://openai/key":   "sk-live",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Server.MetricsEnabled {
		t.Errorf("expected metrics disabled")
	}
	if cfg.Shopify.AccessToken != "shpat_acme" {
		t.Errorf("expected resolved shopify token, got %s", cfg.Shopify.AccessToken)
	}
	if cfg.Shopify.ShopTokens["beta.myshopify.com"] != "shpat_beta" {
		t.Errorf("expected resolved beta token, got %v", cfg.Shopify.ShopTokens)
	}
	if cfg.Shopify.ShopTokens["gamma.myshopify.com"] != "shpat_gamma" {
		t.Errorf("expected literal gamma token, got %v", cfg.Shopify.ShopTokens)
	}
	if len(cfg.Shopify.CredentialTokens()) != 3 {
		t.Errorf("expected three credential tokens, got %v", cfg.Shopify.CredentialTokens())
	}
	if cfg.Shopify.APIVersion != "2024-04" || cfg.Shopify.RequestsPerSecond != 1.5 {
		t.Errorf("unexpected shopify config %+v", cfg.Shopify)
	}
	if cfg.AI.APIKey != "sk-live" || cfg.AI.Model != "gpt-4o" {
		t.Errorf("unexpected ai config %+v", cfg.AI)
	}
	if cfg.Audit.MinDescriptionLength != 40 || cfg.Audit.ClassifyCategory {
		t.Errorf("unexpected audit config %+v", cfg.Audit)
	}
	if !reflect.DeepEqual(cfg.Audit.KnownBrands, []string{"Patagonia", "Arc'teryx"}) {
		t.Errorf("unexpected known brands %v", cfg.Audit.KnownBrands)
	}
	if cfg.Audit.SKUPrefix != "GEN" {
		t.Errorf("expected upper-cased sku prefix, got %s", cfg.Audit.SKUPrefix)
	}
	if cfg.Jobs.ProjectID != "auditor-prod" || cfg.Jobs.AuditTopic != "audit-reports" {
		t.Errorf("expected jobs project to default to firestore project, got %+v", cfg.Jobs)
	}
	if cfg.RateLimits.WebhookPerMinute != 30 {
		t.Errorf("unexpected webhook rate limit %d", cfg.RateLimits.WebhookPerMinute)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Dispatcher.DrainTimeout != 40*time.Second {
		t.Errorf("unexpected drain timeout %s", cfg.Dispatcher.DrainTimeout)
	}
	if cfg.Webhooks.DedupeTTL != 0 {
		t.Errorf("expected dedupe disabled, got %s", cfg.Webhooks.DedupeTTL)
	}
}

func TestLoadAcceptsUnprefixedCredentialKeys(t *testing.T) {
	env := map[string]string{
		"SHOPIFY_STORE_URL":    "legacy.myshopify.com",
		"SHOPIFY_ACCESS_TOKEN": "shpat_legacy",
		"OPENAI_API_KEY":       "sk-legacy",
		"PORT":                 "3000",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Shopify.StoreDomain != "legacy.myshopify.com" || cfg.Shopify.AccessToken != "shpat_legacy" {
		t.Errorf("unexpected shopify config %+v", cfg.Shopify)
	}
	if cfg.AI.APIKey != "sk-legacy" {
		t.Errorf("unexpected ai key %s", cfg.AI.APIKey)
	}
	if cfg.Server.Port != "3000" {
		t.Errorf("expected PORT fallback, got %s", cfg.Server.Port)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local\nAUDITOR_SERVER_PORT=7070\nexport SHOPIFY_STORE_URL=dot.myshopify.com\nSHOPIFY_ACCESS_TOKEN=\"shpat_dot\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Shopify.AccessToken != "shpat_dot" {
		t.Errorf("expected unquoted token from dotenv, got %s", cfg.Shopify.AccessToken)
	}
}

func TestLoadMissingCredentialSource(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if !reflect.DeepEqual(validation.Fields(), []string{"Shopify.StoreDomain"}) {
		t.Fatalf("unexpected fields %v", validation.Fields())
	}
}

func TestLoadFirestoreIsACredentialSource(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvMap(map[string]string{"AUDITOR_FIRESTORE_PROJECT_ID": "auditor-dev"}),
		WithoutSystemEnv(),
		WithEnvFile(""),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "auditor-dev" {
		t.Fatalf("unexpected firestore project %s", cfg.Firestore.ProjectID)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"AUDITOR_SHOPIFY_STORE_DOMAIN": "acme.myshopify.com",
		"AUDITOR_SHOPIFY_ACCESS_TOKEN": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver not configured, got %v", err)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "AUDITOR_FIRESTORE_PROJECT_ID=dot-project\nAUDITOR_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("AUDITOR_FIRESTORE_PROJECT_ID", "os-project")
	t.Setenv("AUDITOR_SECRET_DEFAULT_PROJECT", "os-secrets")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"AUDITOR_FIRESTORE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["AUDITOR_FIRESTORE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["AUDITOR_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["AUDITOR_SECRET_DEFAULT_PROJECT"]; got != "os-secrets" {
		t.Fatalf("expected system env value, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{"AUDITOR_FIRESTORE_PROJECT_ID": "auditor-dev"}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("AI.APIKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("AI.APIKey") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{"AUDITOR_FIRESTORE_PROJECT_ID": "auditor-dev"}

	defer func() {
		rec := recover()
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Shopify.AccessToken" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Shopify.AccessToken"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"AUDITOR_FIRESTORE_PROJECT_ID": "auditor-dev",
		"OPENAI_API_KEY":               "sm://openai/key",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://openai/key" {
			return "sk-from-sm", nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AI.APIKey != "sk-from-sm" {
		t.Fatalf("expected resolved key, got %s", cfg.AI.APIKey)
	}
}
