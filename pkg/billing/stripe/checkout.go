package stripe

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/lynqit/reconciler/pkg/billing"
)

// CreateCustomer implements billing.Provider
func (p *Provider) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerCreateParams{Email: stripe.String(email)}
	params.AddMetadata(billing.MetaEmail, email)
	cust, err := p.api.createCustomer(ctx, params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreatePayment implements billing.Provider. It opens a subscription-mode
// Checkout Session; the intent is written to both the session and the
// subscription it creates, so every later webhook can be attributed.
func (p *Provider) CreatePayment(ctx context.Context, req billing.PaymentRequest) (*billing.Checkout, error) {
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}
	priceID, err := p.priceForPlan(req.Intent.Plan)
	if err != nil {
		return nil, err
	}

	cancelURL := p.cancelURL
	if cancelURL == "" {
		cancelURL = req.RedirectURL
	}
	metadata := req.Intent.Metadata()
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.RedirectURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.Intent.Email),
		Metadata:          metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(req.Intent.Email)
	}

	session, err := p.api.createCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	p.logger.Info("stripe checkout session created",
		billing.Field{Key: "session_id", Value: session.ID},
		billing.Field{Key: "plan", Value: req.Intent.Plan},
	)
	return &billing.Checkout{ID: session.ID, URL: session.URL}, nil
}

// GetPaymentStatus implements billing.Provider. Payments are Checkout
// Sessions on Stripe.
func (p *Provider) GetPaymentStatus(ctx context.Context, paymentID string) (*billing.Event, error) {
	session, err := p.api.getCheckoutSession(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	occurredAt := time.Unix(session.Created, 0).UTC()
	return p.sessionEvent(ctx, session, occurredAt)
}
