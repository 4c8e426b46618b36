package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/lynqit/reconciler/pkg/billing"
)

// api is the slice of the Stripe API the provider uses.
type api interface {
	createCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	createCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	getCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	getSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	updateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	cancelSubscription(ctx context.Context, id string) error
}

// sdkClient implements api on top of the stripe-go client.
type sdkClient struct {
	sc      *stripe.Client
	metrics billing.Metrics
}

func (c *sdkClient) createCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	start := time.Now()
	cust, err := c.sc.V1Customers.Create(ctx, params)
	return cust, c.observe("/customers", start, err, nil)
}

func (c *sdkClient) createCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	start := time.Now()
	session, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	return session, c.observe("/checkout/sessions", start, err, nil)
}

func (c *sdkClient) getCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	start := time.Now()
	session, err := c.sc.V1CheckoutSessions.Retrieve(ctx, id, nil)
	return session, c.observe("/checkout/sessions/{id}", start, err, billing.ErrPaymentNotFound)
}

func (c *sdkClient) getSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, id, nil)
	return sub, c.observe("/subscriptions/{id}", start, err, billing.ErrSubscriptionNotFound)
}

func (c *sdkClient) updateSubscription(
	ctx context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Update(ctx, id, params)
	return sub, c.observe("/subscriptions/{id}", start, err, billing.ErrSubscriptionNotFound)
}

func (c *sdkClient) cancelSubscription(ctx context.Context, id string) error {
	start := time.Now()
	_, err := c.sc.V1Subscriptions.Cancel(ctx, id, nil)
	return c.observe("/subscriptions/{id}/cancel", start, err, billing.ErrSubscriptionNotFound)
}

// observe records the call and translates a Stripe error. A 404 becomes
// notFound when one is given.
func (c *sdkClient) observe(endpoint string, start time.Time, err, notFound error) error {
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err == nil {
		c.metrics.RecordAPICall(providerName, endpoint, "success")
		return nil
	}
	c.metrics.RecordAPICall(providerName, endpoint, "error")
	return translateError("stripe "+endpoint, err, notFound)
}

func translateError(op string, err, notFound error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound && notFound != nil {
			return notFound
		}
		return billing.E(billing.KindProvider, op,
			fmt.Errorf("%w: status %d: %s", billing.ErrProviderAPIError, se.HTTPStatusCode, se.Msg))
	}
	return billing.E(billing.KindProvider, op, err)
}
