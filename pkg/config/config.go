// Package config loads the service configuration from defaults, an optional
// YAML file, an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lynqit/reconciler/pkg/billing"
)

// EnvPrefix selects nested keys from the environment:
// RECONCILER_SERVER__PORT sets server.port.
const EnvPrefix = "RECONCILER_"

type Config struct {
	App        AppConfig             `koanf:"app"`
	Server     ServerConfig          `koanf:"server"`
	Log        LogConfig             `koanf:"log"`
	Storage    StorageConfig         `koanf:"storage"`
	Postgres   PostgresConfig        `koanf:"postgres"`
	Firestore  FirestoreConfig       `koanf:"firestore"`
	Redis      RedisConfig           `koanf:"redis"`
	Mollie     MollieConfig          `koanf:"mollie"`
	Stripe     StripeConfig          `koanf:"stripe"`
	Plans      map[string]PlanConfig `koanf:"plans"`
	Identity   IdentityConfig        `koanf:"identity"`
	API        APIConfig             `koanf:"api"`
	Reconciler ReconcilerConfig      `koanf:"reconciler"`
	Webhook    WebhookConfig         `koanf:"webhook"`
	Metrics    MetricsConfig         `koanf:"metrics"`
	Breaker    BreakerConfig         `koanf:"breaker"`
}

type AppConfig struct {
	Name        string `koanf:"name"`
	Environment string `koanf:"environment"`
	// PublicURL is the externally reachable base URL used for provider webhooks.
	PublicURL string `koanf:"public_url"`
	// RedirectURL is where users land after a checkout.
	RedirectURL string `koanf:"redirect_url"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type StorageConfig struct {
	// Driver stores pages and accounts: memory, postgres or firestore.
	Driver string `koanf:"driver"`
	// Ledger stores side effect claims: memory, redis or postgres.
	Ledger string `koanf:"ledger"`
}

type PostgresConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type FirestoreConfig struct {
	ProjectID string `koanf:"project_id"`
	// CollectionPrefix namespaces the pages, accounts, discount_codes and
	// ledger collections.
	CollectionPrefix string `koanf:"collection_prefix"`
}

type RedisConfig struct {
	URL       string `koanf:"url"`
	KeyPrefix string `koanf:"key_prefix"`
}

type MollieConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

type StripeConfig struct {
	SecretKey     string `koanf:"secret_key"`
	WebhookSecret string `koanf:"webhook_secret"`
	CancelURL     string `koanf:"cancel_url"`
}

// PlanConfig prices one paid plan for each provider.
type PlanConfig struct {
	Amount      string `koanf:"amount"`
	Currency    string `koanf:"currency"`
	StripePrice string `koanf:"stripe_price"`
}

type IdentityConfig struct {
	// Driver is supabase or memory. The memory driver is for development.
	Driver         string `koanf:"driver"`
	SupabaseURL    string `koanf:"supabase_url"`
	ServiceRoleKey string `koanf:"service_role_key"`
	RedirectURL    string `koanf:"redirect_url"`
}

type APIConfig struct {
	Token string `koanf:"token"`
}

type ReconcilerConfig struct {
	DefaultProvider  string        `koanf:"default_provider"`
	EventTTL         time.Duration `koanf:"event_ttl"`
	EventInFlightTTL time.Duration `koanf:"event_in_flight_ttl"`
	ProvisionTTL     time.Duration `koanf:"provision_ttl"`
	EffectTTL        time.Duration `koanf:"effect_ttl"`
	SyncWorkers      int           `koanf:"sync_workers"`
}

type WebhookConfig struct {
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// BreakerConfig guards outbound provider and identity API calls.
type BreakerConfig struct {
	Threshold    int           `koanf:"threshold"`
	ResetTimeout time.Duration `koanf:"reset_timeout"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace"`
}

// Load reads the configuration. configPath and envFile are optional; a
// missing envFile is ignored.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", prefixedKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envKeyReplacer), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":         "lynqit-reconciler",
		"app.environment":  "development",
		"app.public_url":   "http://localhost:8080",
		"app.redirect_url": "http://localhost:3000/dashboard",

		"server.host":             "0.0.0.0",
		"server.port":             8080,
		"server.read_timeout":     "15s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "15s",

		"log.level":  "info",
		"log.format": "json",

		"storage.driver": "memory",
		"storage.ledger": "memory",

		"postgres.max_conns":         10,
		"postgres.min_conns":         1,
		"postgres.conn_max_lifetime": "1h",
		"postgres.migrate_on_start":  false,

		"redis.key_prefix": "reconciler:",

		"identity.driver": "supabase",

		"reconciler.event_ttl":           "72h",
		"reconciler.event_in_flight_ttl": "5m",
		"reconciler.provision_ttl":       "24h",
		"reconciler.effect_ttl":          "720h",
		"reconciler.sync_workers":        4,

		"webhook.rate_limit":        100,
		"webhook.rate_limit_window": "1m",

		"breaker.threshold":     5,
		"breaker.reset_timeout": "30s",

		"metrics.enabled":   true,
		"metrics.namespace": "reconciler",
	}

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

var envKeyMap = map[string]string{
	"ENVIRONMENT":               "app.environment",
	"PUBLIC_URL":                "app.public_url",
	"REDIRECT_URL":              "app.redirect_url",
	"HOST":                      "server.host",
	"PORT":                      "server.port",
	"LOG_LEVEL":                 "log.level",
	"LOG_FORMAT":                "log.format",
	"STORAGE_DRIVER":            "storage.driver",
	"LEDGER_DRIVER":             "storage.ledger",
	"DATABASE_URL":              "postgres.url",
	"FIRESTORE_PROJECT_ID":      "firestore.project_id",
	"GOOGLE_CLOUD_PROJECT":      "firestore.project_id",
	"REDIS_URL":                 "redis.url",
	"MOLLIE_API_KEY":            "mollie.api_key",
	"STRIPE_SECRET_KEY":         "stripe.secret_key",
	"STRIPE_WEBHOOK_SECRET":     "stripe.webhook_secret",
	"SUPABASE_URL":              "identity.supabase_url",
	"SUPABASE_SERVICE_ROLE_KEY": "identity.service_role_key",
	"API_TOKEN":                 "api.token",
}

func envKeyReplacer(s string) string {
	if mapped, ok := envKeyMap[s]; ok {
		return mapped
	}
	return ""
}

func prefixedKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ToLower(strings.ReplaceAll(s, "__", "."))
}

// Validate checks that the configuration is complete for the selected drivers.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres storage driver")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore storage driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Storage.Ledger {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis ledger")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Storage.Ledger)
	}

	if c.Mollie.APIKey == "" && c.Stripe.SecretKey == "" {
		return fmt.Errorf("at least one of MOLLIE_API_KEY and STRIPE_SECRET_KEY is required")
	}
	for _, plan := range []billing.Plan{billing.PlanStart, billing.PlanPro} {
		p, ok := c.Plans[string(plan)]
		if !ok {
			return fmt.Errorf("plans.%s is required", plan)
		}
		if c.Mollie.APIKey != "" && (p.Amount == "" || p.Currency == "") {
			return fmt.Errorf("plans.%s.amount and currency are required for mollie", plan)
		}
		if c.Stripe.SecretKey != "" && p.StripePrice == "" {
			return fmt.Errorf("plans.%s.stripe_price is required for stripe", plan)
		}
	}
	switch c.Reconciler.DefaultProvider {
	case "":
	case billing.ProviderMollie:
		if c.Mollie.APIKey == "" {
			return fmt.Errorf("default provider mollie is not configured")
		}
	case billing.ProviderStripe:
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("default provider stripe is not configured")
		}
	default:
		return fmt.Errorf("unknown default provider %q", c.Reconciler.DefaultProvider)
	}

	switch c.Identity.Driver {
	case "memory":
	case "supabase":
		if c.Identity.SupabaseURL == "" || c.Identity.ServiceRoleKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
		}
	default:
		return fmt.Errorf("unknown identity driver %q", c.Identity.Driver)
	}

	if c.API.Token == "" {
		return fmt.Errorf("API_TOKEN is required")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	return nil
}

// MolliePrices returns the Mollie amount of each paid plan.
func (c *Config) MolliePrices() map[billing.Plan]billing.Price {
	prices := make(map[billing.Plan]billing.Price, len(c.Plans))
	for name, p := range c.Plans {
		if p.Amount != "" {
			prices[billing.Plan(name)] = billing.Price{Amount: p.Amount, Currency: strings.ToUpper(p.Currency)}
		}
	}
	return prices
}

// StripePrices returns the Stripe price id of each paid plan.
func (c *Config) StripePrices() map[billing.Plan]string {
	prices := make(map[billing.Plan]string, len(c.Plans))
	for name, p := range c.Plans {
		if p.StripePrice != "" {
			prices[billing.Plan(name)] = p.StripePrice
		}
	}
	return prices
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
