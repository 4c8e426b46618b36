package reconciler

import (
	"context"
	"time"

	"github.com/lynqit/reconciler/pkg/billing"
)

// runEffects executes the non-page effects of a committed transition. They
// are best effort: failures are logged and the transition stands.
func (r *Reconciler) runEffects(ctx context.Context, ev *billing.Event, t billing.Transition, page *billing.Page) {
	for _, eff := range t.Effects {
		switch eff.Kind {
		case billing.EffectStartSubscription:
			r.startSubscription(ctx, ev, eff, page)
		case billing.EffectRedeemDiscount:
			r.redeemDiscount(ctx, eff)
		}
	}
}

// startSubscription starts the recurring subscription of a first payment.
// The first recurring charge is due when the paid period ends.
func (r *Reconciler) startSubscription(ctx context.Context, ev *billing.Event, eff billing.Effect, page *billing.Page) {
	if page == nil || ev.Intent == nil {
		return
	}
	provider, err := r.Provider(ev.Provider)
	if err != nil {
		return
	}
	recurrer, ok := provider.(billing.Recurrer)
	if !ok {
		return
	}
	fields := []billing.Field{
		{Key: "page_id", Value: page.ID},
		{Key: "payment_id", Value: eff.PaymentID},
	}

	key := "subscription:" + ev.Provider + ":" + eff.PaymentID
	claimed, err := r.ledger.Claim(ctx, key, r.config.EffectTTL)
	if err != nil || !claimed {
		if err != nil {
			r.logger.Error("claim subscription start failed", append(fields, billing.Field{Key: "error", Value: err})...)
		}
		return
	}

	intent := *ev.Intent
	intent.PageID = page.ID
	intent.NewAccount = false
	intent.DiscountCodeID = ""
	req := billing.SubscriptionRequest{CustomerID: page.CustomerID, Intent: intent}
	if page.EndDate != nil {
		req.StartDate = *page.EndDate
	}

	sub, err := recurrer.StartSubscription(ctx, req)
	if err != nil {
		r.logger.Error("start subscription failed", append(fields, billing.Field{Key: "error", Value: err})...)
		if rerr := r.ledger.Release(ctx, key); rerr != nil {
			r.logger.Warn("release subscription claim failed", append(fields, billing.Field{Key: "error", Value: rerr})...)
		}
		return
	}

	_, err = r.updatePage(ctx, page.ID, func(p *billing.Page) bool {
		if p.State() != billing.StateActive || p.ProviderSubscriptionID == sub.ID {
			return false
		}
		p.ProviderSubscriptionID = sub.ID
		return true
	})
	if err != nil {
		r.logger.Error("record subscription failed",
			append(fields, billing.Field{Key: "subscription_id", Value: sub.ID}, billing.Field{Key: "error", Value: err})...)
		return
	}
	r.logger.Info("subscription started",
		append(fields, billing.Field{Key: "subscription_id", Value: sub.ID}, billing.Field{Key: "start", Value: req.StartDate.Format(time.DateOnly)})...)
}

// redeemDiscount counts one use of a discount code per payment.
func (r *Reconciler) redeemDiscount(ctx context.Context, eff billing.Effect) {
	fields := []billing.Field{
		{Key: "discount_code_id", Value: eff.DiscountCodeID},
		{Key: "payment_id", Value: eff.PaymentID},
	}
	key := "discount:" + eff.PaymentID
	claimed, err := r.ledger.Claim(ctx, key, r.config.EffectTTL)
	if err != nil || !claimed {
		if err != nil {
			r.logger.Error("claim discount redemption failed", append(fields, billing.Field{Key: "error", Value: err})...)
		}
		return
	}
	if err := r.store.IncrementDiscountUsage(ctx, eff.DiscountCodeID); err != nil {
		r.logger.Warn("discount redemption failed", append(fields, billing.Field{Key: "error", Value: err})...)
		if rerr := r.ledger.Release(ctx, key); rerr != nil {
			r.logger.Warn("release discount claim failed", append(fields, billing.Field{Key: "error", Value: rerr})...)
		}
	}
}
