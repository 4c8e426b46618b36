package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/reconciler"
)

// Service is the reconciliation surface exposed over HTTP.
// *reconciler.Reconciler implements it.
type Service interface {
	Sync(ctx context.Context, email string) ([]*billing.Page, error)
	ChangePlan(ctx context.Context, req reconciler.ChangeRequest) (*reconciler.ChangeResult, error)
	StartCheckout(ctx context.Context, req reconciler.CheckoutRequest) (*reconciler.CheckoutResult, error)
}

// Config holds configuration for the API handler
type Config struct {
	// Service runs sync, plan change and checkout requests (required)
	Service Service

	// Events receives normalized webhook events (required)
	Events billing.EventHandler

	// Providers whose webhook handlers are mounted. Mollie is served on
	// /payment/webhook and /subscription/webhook, Stripe on /stripe/webhook
	// and /stripe-style/webhook.
	Providers []billing.Provider

	// Token is the bearer token required by the sync, change and checkout
	// endpoints (required)
	Token string

	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer

	// Logger is optional. If nil, logs are discarded.
	Logger billing.Logger

	// OnError overrides the JSON error response of the API endpoints
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Events == nil {
		return fmt.Errorf("event handler is required")
	}
	if c.Token == "" {
		return fmt.Errorf("api token is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
