package mollie

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/billing/internal"
)

const (
	providerName             = billing.ProviderMollie
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	subscriptionInterval     = "1 month"
	paymentWebhookPath       = "/payment/webhook"
	subscriptionWebhookPath  = "/subscription/webhook"
)

// Config extends billing.Config with Mollie-specific options
type Config struct {
	billing.Config

	// BaseURL overrides the API endpoint (tests).
	BaseURL string

	// Prices maps each paid plan to its monthly amount.
	Prices map[billing.Plan]billing.Price
}

// Provider implements billing.Provider and billing.Recurrer for Mollie.
// Mollie webhooks are unsigned; every callback is verified by fetching the
// object it names from the API.
type Provider struct {
	client      *client
	prices      map[billing.Plan]billing.Price
	webhookBase string
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      billing.Logger
	now         func() time.Time
}

var (
	_ billing.Provider = (*Provider)(nil)
	_ billing.Recurrer = (*Provider)(nil)
)

// NewProvider creates a new Mollie provider
func NewProvider(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("mollie: %w", billing.ErrProviderNotConfigured)
	}
	for _, plan := range []billing.Plan{billing.PlanStart, billing.PlanPro} {
		if _, ok := cfg.Prices[plan]; !ok {
			return nil, fmt.Errorf("mollie: no price for plan %q: %w", plan, billing.ErrProviderNotConfigured)
		}
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

	return &Provider{
		client:      newClient(apiKey, cfg.BaseURL, cfg.HTTPClient, metrics),
		prices:      cfg.Prices,
		webhookBase: webhookBase(cfg.PublicURL),
		rateLimiter: internal.NewRateLimiter(limit, window),
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// webhookBase returns the base for webhook URLs, or "" when the public URL
// is not reachable by Mollie (Mollie rejects localhost webhook URLs). In
// that case state is only corrected by sync.
func webhookBase(publicURL string) string {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicURL), "/"))
	if err != nil || u.Host == "" {
		return ""
	}
	switch host := u.Hostname(); {
	case host == "localhost", strings.HasPrefix(host, "127."), host == "::1", strings.HasSuffix(host, ".local"):
		return ""
	}
	return u.String()
}

// Name implements billing.Provider
func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) webhookURL(path string) string {
	if p.webhookBase == "" {
		return ""
	}
	return p.webhookBase + path
}

func (p *Provider) price(plan billing.Plan) (billing.Price, error) {
	price, ok := p.prices[plan]
	if !ok {
		return billing.Price{}, billing.E(billing.KindValidation, "mollie price", fmt.Errorf("%w: %q", billing.ErrInvalidPlan, plan))
	}
	return price, nil
}

// planForAmount resolves the plan of a subscription created without metadata.
func (p *Provider) planForAmount(a amount) billing.Plan {
	for plan, price := range p.prices {
		if price.Amount == a.Value && strings.EqualFold(price.Currency, a.Currency) {
			return plan
		}
	}
	return ""
}

// CreateCustomer implements billing.Provider
func (p *Provider) CreateCustomer(ctx context.Context, email string) (string, error) {
	c, err := p.client.createCustomer(ctx, customerRequest{Email: email})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// CreatePayment implements billing.Provider. With a customer the payment is a
// "first" payment that establishes a mandate for the recurring subscription.
func (p *Provider) CreatePayment(ctx context.Context, req billing.PaymentRequest) (*billing.Checkout, error) {
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}
	price, err := p.price(req.Intent.Plan)
	if err != nil {
		return nil, err
	}

	body := paymentRequest{
		Amount:      amount{Currency: price.Currency, Value: price.Amount},
		Description: description(req.Intent.Plan),
		RedirectURL: req.RedirectURL,
		WebhookURL:  p.webhookURL(paymentWebhookPath),
		Metadata:    req.Intent.Metadata(),
	}
	if req.CustomerID != "" {
		body.CustomerID = req.CustomerID
		body.SequenceType = "first"
	}

	pay, err := p.client.createPayment(ctx, body)
	if err != nil {
		return nil, err
	}
	checkout := &billing.Checkout{ID: pay.ID}
	if pay.Links.Checkout != nil {
		checkout.URL = pay.Links.Checkout.Href
	}
	p.logger.Info("mollie payment created",
		billing.Field{Key: "payment_id", Value: pay.ID},
		billing.Field{Key: "plan", Value: req.Intent.Plan},
		billing.Field{Key: "webhook", Value: body.WebhookURL != ""},
	)
	return checkout, nil
}

// GetPaymentStatus implements billing.Provider
func (p *Provider) GetPaymentStatus(ctx context.Context, paymentID string) (*billing.Event, error) {
	pay, err := p.client.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return p.paymentEvent(pay)
}

// GetSubscription implements billing.Provider
func (p *Provider) GetSubscription(ctx context.Context, customerID, subscriptionID string) (*billing.Event, error) {
	if customerID == "" {
		return nil, billing.E(billing.KindValidation, "mollie subscription",
			fmt.Errorf("%w: customer id required", billing.ErrInvalidWebhookPayload))
	}
	sub, err := p.client.getSubscription(ctx, customerID, subscriptionID)
	if err != nil {
		return nil, err
	}
	return p.subscriptionEvent(sub), nil
}

// CancelSubscription implements billing.Provider
func (p *Provider) CancelSubscription(ctx context.Context, customerID, subscriptionID string) error {
	return p.client.cancelSubscription(ctx, customerID, subscriptionID)
}

// StartSubscription implements billing.Recurrer. The first charge is due at
// req.StartDate, the end of the period covered by the first payment.
func (p *Provider) StartSubscription(ctx context.Context, req billing.SubscriptionRequest) (*billing.Subscription, error) {
	price, err := p.price(req.Intent.Plan)
	if err != nil {
		return nil, err
	}
	body := subscriptionRequest{
		Amount:      amount{Currency: price.Currency, Value: price.Amount},
		Interval:    subscriptionInterval,
		Description: description(req.Intent.Plan),
		WebhookURL:  p.webhookURL(subscriptionWebhookPath),
		Metadata:    req.Intent.Metadata(),
	}
	if !req.StartDate.IsZero() {
		body.StartDate = req.StartDate.UTC().Format(time.DateOnly)
	}

	sub, err := p.client.createSubscription(ctx, req.CustomerID, body)
	if err != nil {
		return nil, err
	}
	out := &billing.Subscription{ID: sub.ID}
	if next, ok := parseDate(sub.NextPaymentDate); ok {
		out.NextPaymentDate = &next
	}
	return out, nil
}

func (p *Provider) paymentEvent(pay *payment) (*billing.Event, error) {
	ev := &billing.Event{
		Provider:       providerName,
		Type:           "payment." + pay.Status,
		PaymentID:      pay.ID,
		SubscriptionID: pay.SubscriptionID,
		CustomerID:     pay.CustomerID,
		Scope:          billing.ScopePayment,
		Outcome:        paymentOutcome(pay.Status),
		OccurredAt:     paymentTime(pay, p.now()),
	}
	ev.FirstPayment = ev.Outcome == billing.OutcomePaid && pay.SequenceType == "first" && pay.CustomerID != ""
	ev.Renewal = pay.SequenceType == "recurring"

	intent, err := billing.ParseIntent(decodeMetadata(pay.Metadata))
	switch {
	case err == nil:
		ev.Intent = intent
		ev.Plan = intent.Plan
	case ev.Outcome == billing.OutcomePaid:
		// Activation needs the intent; failures only need the payment id.
		return nil, err
	}
	return ev, nil
}

func (p *Provider) subscriptionEvent(sub *subscription) *billing.Event {
	ev := &billing.Event{
		Provider:       providerName,
		Type:           "subscription." + sub.Status,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Scope:          billing.ScopeSubscription,
		Outcome:        subscriptionOutcome(sub.Status),
		OccurredAt:     p.now(),
	}
	if sub.CanceledAt != nil {
		ev.OccurredAt = *sub.CanceledAt
	}
	if intent, err := billing.ParseIntent(decodeMetadata(sub.Metadata)); err == nil {
		ev.Intent = intent
		ev.Plan = intent.Plan
	} else {
		ev.Plan = p.planForAmount(sub.Amount)
	}
	if next, ok := parseDate(sub.NextPaymentDate); ok {
		ev.PeriodEnd = &next
	}
	return ev
}

func paymentOutcome(status string) billing.Outcome {
	switch status {
	case "paid":
		return billing.OutcomePaid
	case "failed":
		return billing.OutcomeFailed
	case "canceled":
		return billing.OutcomeCanceled
	case "expired":
		return billing.OutcomeExpired
	default: // open, pending, authorized
		return billing.OutcomePending
	}
}

func subscriptionOutcome(status string) billing.Outcome {
	switch status {
	case "active":
		return billing.OutcomeActive
	case "canceled", "completed":
		return billing.OutcomeCanceled
	case "suspended":
		return billing.OutcomeSuspended
	default: // pending
		return billing.OutcomePending
	}
}

// paymentTime returns when the payment reached its current status.
func paymentTime(pay *payment, fallback time.Time) time.Time {
	for _, t := range []*time.Time{pay.PaidAt, pay.FailedAt, pay.CanceledAt, pay.ExpiredAt, pay.CreatedAt} {
		if t != nil {
			return t.UTC()
		}
	}
	return fallback
}

func decodeMetadata(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return billing.StringMetadata(m)
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func description(plan billing.Plan) string {
	name := string(plan)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return "Lynqit " + name + " subscription"
}
