package billing

import (
	"net/http"
	"time"
)

// Config defines the options shared by all providers.
type Config struct {
	// APIKey is used for outbound API calls. Test keys select the provider's test mode.
	APIKey string

	// WebhookSecret verifies signed webhooks (Stripe). Unused by Mollie, which
	// is verified by re-fetching the object.
	WebhookSecret string

	// PublicURL is the externally reachable base URL used to build webhook URLs.
	PublicURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector. If nil, metrics are ignored.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger Logger

	// RateLimit bounds webhook requests per client IP within RateLimitWindow.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Price is the recurring amount charged for a plan.
type Price struct {
	// Amount in major units with two decimals, e.g. "9.99".
	Amount   string
	Currency string
}
