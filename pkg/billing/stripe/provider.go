package stripe

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/billing/internal"
)

const (
	providerName             = billing.ProviderStripe
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	prorationBehavior        = "create_prorations"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // APIKey is the Stripe secret key, WebhookSecret the whsec_ signing secret

	// Prices maps each paid plan to its Stripe Price ID.
	Prices map[billing.Plan]string

	// CancelURL is where Checkout sends users who abandon payment. Defaults
	// to the redirect URL of the payment request.
	CancelURL string
}

// Provider implements billing.Provider and billing.PlanChanger for Stripe.
// Stripe keeps the recurring schedule itself; local state follows its
// signed webhooks.
type Provider struct {
	api           api
	rateLimiter   *internal.RateLimiter
	prices        map[billing.Plan]string
	plansByPrice  map[string]billing.Plan
	webhookSecret string
	cancelURL     string
	metrics       billing.Metrics
	logger        billing.Logger
}

var (
	_ billing.Provider    = (*Provider)(nil)
	_ billing.PlanChanger = (*Provider)(nil)
)

// NewProvider creates a new Stripe billing provider
func NewProvider(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe: %w", billing.ErrProviderNotConfigured)
	}

	plansByPrice := make(map[string]billing.Plan, len(cfg.Prices))
	for _, plan := range []billing.Plan{billing.PlanStart, billing.PlanPro} {
		priceID := strings.TrimSpace(cfg.Prices[plan])
		if priceID == "" {
			return nil, fmt.Errorf("stripe: no price for plan %q: %w", plan, billing.ErrProviderNotConfigured)
		}
		plansByPrice[strings.ToLower(priceID)] = plan
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	limit, window := cfg.RateLimit, cfg.RateLimitWindow
	if limit == 0 {
		limit = defaultRateLimitRequests
	}
	if window == 0 {
		window = defaultRateLimitWindow
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})

	return &Provider{
		api:           &sdkClient{sc: stripe.NewClient(apiKey, stripe.WithBackends(backends)), metrics: metrics},
		rateLimiter:   internal.NewRateLimiter(limit, window),
		prices:        cfg.Prices,
		plansByPrice:  plansByPrice,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		cancelURL:     cfg.CancelURL,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name implements billing.Provider
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements billing.Provider. It serves POST /stripe/webhook
// (also mounted at /stripe-style/webhook).
func (p *Provider) WebhookHandler(h billing.EventHandler) http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handleWebhook(w, r, h)
	}))
}

// planForPrice maps a Stripe Price ID back to a plan, "" when unknown.
func (p *Provider) planForPrice(priceID string) billing.Plan {
	return p.plansByPrice[strings.ToLower(strings.TrimSpace(priceID))]
}

func (p *Provider) priceForPlan(plan billing.Plan) (string, error) {
	priceID := p.prices[plan]
	if priceID == "" {
		return "", billing.E(billing.KindValidation, "stripe price", fmt.Errorf("%w: %q", billing.ErrInvalidPlan, plan))
	}
	return priceID, nil
}
