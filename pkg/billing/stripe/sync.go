package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/lynqit/reconciler/pkg/billing"
)

// GetSubscription implements billing.Provider. Stripe subscription ids are
// global, so customerID is not needed.
func (p *Provider) GetSubscription(ctx context.Context, _, subscriptionID string) (*billing.Event, error) {
	sub, err := p.api.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return p.subscriptionEvent(sub, time.Now().UTC()), nil
}

// CancelSubscription implements billing.Provider
func (p *Provider) CancelSubscription(ctx context.Context, _, subscriptionID string) error {
	return p.api.cancelSubscription(ctx, subscriptionID)
}

// ChangePlan implements billing.PlanChanger. The subscription item is
// swapped to the plan's price with prorations; the resulting
// customer.subscription.updated webhook moves the page.
func (p *Provider) ChangePlan(ctx context.Context, subscriptionID string, plan billing.Plan) error {
	priceID, err := p.priceForPlan(plan)
	if err != nil {
		return err
	}
	sub, err := p.api.getSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return billing.E(billing.KindProvider, "stripe change plan",
			fmt.Errorf("%w: subscription %s has no items", billing.ErrProviderAPIError, subscriptionID))
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(prorationBehavior),
	}
	params.AddMetadata(billing.MetaPlan, string(plan))

	_, err = p.api.updateSubscription(ctx, subscriptionID, params)
	return err
}
