package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/lynqit/reconciler/pkg/api"
	"github.com/lynqit/reconciler/pkg/billing"
	prommetrics "github.com/lynqit/reconciler/pkg/billing/metrics/prometheus"
	"github.com/lynqit/reconciler/pkg/billing/mollie"
	"github.com/lynqit/reconciler/pkg/billing/stripe"
	"github.com/lynqit/reconciler/pkg/breaker"
	"github.com/lynqit/reconciler/pkg/config"
	"github.com/lynqit/reconciler/pkg/identity"
	"github.com/lynqit/reconciler/pkg/reconciler"
	firestorestore "github.com/lynqit/reconciler/storage/firestore"
	"github.com/lynqit/reconciler/storage/memory"
	"github.com/lynqit/reconciler/storage/postgres"
	"github.com/lynqit/reconciler/storage/redis"
	"github.com/lynqit/reconciler/storage/tiered"
)

// app holds the wired components of one process.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	registry   *prometheus.Registry
	providers  []billing.Provider
	reconciler *reconciler.Reconciler
	closers    []func()
}

func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger := billingLogger(log, "reconciler")
	var metrics billing.Metrics = &billing.NoopMetrics{}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	store, ledger, err := a.buildStorage(ctx, logger)
	if err != nil {
		return nil, err
	}

	idp, err := buildIdentity(cfg, metrics, a.httpClient("supabase"))
	if err != nil {
		return nil, err
	}

	a.providers, err = buildProviders(cfg, metrics, logger, a.httpClient)
	if err != nil {
		return nil, err
	}

	a.reconciler, err = reconciler.New(store, reconciler.Config{
		Providers:        a.providers,
		DefaultProvider:  cfg.Reconciler.DefaultProvider,
		Identity:         idp,
		Ledger:           ledger,
		RedirectURL:      cfg.App.RedirectURL,
		EventTTL:         cfg.Reconciler.EventTTL,
		EventInFlightTTL: cfg.Reconciler.EventInFlightTTL,
		ProvisionTTL:     cfg.Reconciler.ProvisionTTL,
		EffectTTL:        cfg.Reconciler.EffectTTL,
		SyncWorkers:      cfg.Reconciler.SyncWorkers,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// httpClient returns an API client whose calls trip a breaker named after the API.
func (a *app) httpClient(name string) *http.Client {
	b := breaker.New(breaker.Config{
		Name:         name,
		Threshold:    a.cfg.Breaker.Threshold,
		ResetTimeout: a.cfg.Breaker.ResetTimeout,
		OnStateChange: func(apiName string, state breaker.State) {
			a.log.Warn().Str("api", apiName).Str("state", string(state)).Msg("circuit breaker state changed")
		},
	})
	return breaker.Client(&http.Client{Timeout: 10 * time.Second}, b)
}

// handler returns the HTTP router of the service.
func (a *app) handler() (http.Handler, error) {
	apiCfg := api.Config{
		Service:   a.reconciler,
		Events:    a.reconciler,
		Providers: a.providers,
		Token:     a.cfg.API.Token,
		Logger:    billingLogger(a.log, "api"),
	}
	if a.registry != nil {
		apiCfg.Gatherer = a.registry
	}
	h, err := api.NewHandler(apiCfg)
	if err != nil {
		return nil, err
	}
	return h.Router(), nil
}

// Close releases storage connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) buildStorage(ctx context.Context, logger billing.Logger) (billing.Store, billing.Ledger, error) {
	cfg := a.cfg

	var pg *postgres.Storage
	openPostgres := func() (*postgres.Storage, error) {
		if pg != nil {
			return pg, nil
		}
		pgCfg := postgresConfig(cfg)
		pgCfg.Logger = logger
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		pg = s
		return s, nil
	}

	var store billing.Store
	switch cfg.Storage.Driver {
	case "memory":
		store = memory.New()
	case "postgres":
		s, err := openPostgres()
		if err != nil {
			return nil, nil, err
		}
		store = s
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		s, err := firestorestore.New(client, firestorestore.Config{CollectionPrefix: cfg.Firestore.CollectionPrefix})
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	var cold billing.Ledger
	switch cfg.Storage.Ledger {
	case "memory":
		return store, memory.NewLedger(), nil
	case "redis":
		l, err := redis.NewFromURL(ctx, cfg.Redis.URL, redis.Config{KeyPrefix: cfg.Redis.KeyPrefix + "claim:"})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = l.Close() })
		cold = l
	case "postgres":
		s, err := openPostgres()
		if err != nil {
			return nil, nil, err
		}
		cold = s.Ledger()
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Storage.Ledger)
	}

	ledger, err := tiered.New(tiered.Config{
		Hot:  memory.NewLedger(),
		Cold: cold,
		ErrorHandler: func(err error) {
			logger.Warn("hot ledger failed", billing.Field{Key: "error", Value: err})
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return store, ledger, nil
}

func postgresConfig(cfg *config.Config) postgres.Config {
	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = cfg.Postgres.URL
	if cfg.Postgres.MaxConns > 0 {
		pgCfg.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		pgCfg.MinConns = cfg.Postgres.MinConns
	}
	if cfg.Postgres.ConnMaxLifetime > 0 {
		pgCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime
	}
	pgCfg.MigrateOnStart = cfg.Postgres.MigrateOnStart
	return pgCfg
}

func buildIdentity(cfg *config.Config, metrics billing.Metrics, client *http.Client) (identity.Provider, error) {
	switch cfg.Identity.Driver {
	case "memory":
		return identity.NewMemory(), nil
	case "supabase":
		redirect := cfg.Identity.RedirectURL
		if redirect == "" {
			redirect = cfg.App.RedirectURL
		}
		return identity.NewSupabase(identity.SupabaseConfig{
			URL:            cfg.Identity.SupabaseURL,
			ServiceRoleKey: cfg.Identity.ServiceRoleKey,
			RedirectURL:    redirect,
			HTTPClient:     client,
			Metrics:        metrics,
		})
	default:
		return nil, fmt.Errorf("unknown identity driver %q", cfg.Identity.Driver)
	}
}

func buildProviders(
	cfg *config.Config, metrics billing.Metrics, logger billing.Logger, httpClient func(name string) *http.Client,
) ([]billing.Provider, error) {
	base := billing.Config{
		PublicURL:       cfg.App.PublicURL,
		Metrics:         metrics,
		Logger:          logger,
		RateLimit:       cfg.Webhook.RateLimit,
		RateLimitWindow: cfg.Webhook.RateLimitWindow,
	}

	var providers []billing.Provider
	if cfg.Mollie.APIKey != "" {
		mc := base
		mc.APIKey = cfg.Mollie.APIKey
		mc.HTTPClient = httpClient(billing.ProviderMollie)
		p, err := mollie.NewProvider(mollie.Config{Config: mc, BaseURL: cfg.Mollie.BaseURL, Prices: cfg.MolliePrices()})
		if err != nil {
			return nil, fmt.Errorf("mollie: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.Stripe.SecretKey != "" {
		sc := base
		sc.APIKey = cfg.Stripe.SecretKey
		sc.WebhookSecret = cfg.Stripe.WebhookSecret
		sc.HTTPClient = httpClient(billing.ProviderStripe)
		p, err := stripe.NewProvider(stripe.Config{Config: sc, Prices: cfg.StripePrices(), CancelURL: cfg.Stripe.CancelURL})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("no billing provider configured")
	}
	return providers, nil
}
