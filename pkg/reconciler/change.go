package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/lynqit/reconciler/pkg/billing"
)

// ChangeRequest asks to move a page to another plan.
type ChangeRequest struct {
	Email       string `json:"email" validate:"required,email"`
	PageID      string `json:"pageId" validate:"required"`
	NewPlan     string `json:"newPlan" validate:"required,plan"`
	RedirectURL string `json:"redirectUrl,omitempty" validate:"omitempty,url"`
}

// ChangeResult is the outcome of a plan change. Page is set when the page
// changed immediately, CheckoutURL when the user has to pay first.
type ChangeResult struct {
	Page        *billing.Page `json:"page,omitempty"`
	CheckoutURL string        `json:"checkoutUrl,omitempty"`
	PaymentID   string        `json:"paymentId,omitempty"`
	Pending     bool          `json:"pending,omitempty"`
}

// ChangePlan moves a page to req.NewPlan.
//
// The free plan takes effect immediately; the provider subscription is
// canceled on a best-effort basis. Paid plans are switched in place when the
// provider supports it and the page has a running subscription, with local
// state following the provider's webhook. Otherwise the old subscription is
// canceled and a new first payment is started; the page only changes once
// that payment is paid.
func (r *Reconciler) ChangePlan(ctx context.Context, req ChangeRequest) (*ChangeResult, error) {
	req.Email = normalizeEmail(req.Email)
	req.NewPlan = strings.ToLower(strings.TrimSpace(req.NewPlan))
	if err := billing.Validator().Struct(req); err != nil {
		return nil, billing.E(billing.KindValidation, "change plan", err)
	}
	plan := billing.Plan(req.NewPlan)

	page, err := r.store.GetPage(ctx, req.PageID)
	if err != nil {
		return nil, fmt.Errorf("change plan: %w", err)
	}
	if !strings.EqualFold(page.UserID, req.Email) {
		return nil, billing.E(billing.KindNotFound, "change plan", billing.ErrPageNotFound)
	}
	if page.Plan == plan && (page.State() == billing.StateActive || !plan.Paid()) {
		return nil, billing.E(billing.KindValidation, "change plan",
			fmt.Errorf("page is already on the %s plan", plan))
	}

	if !plan.Paid() {
		return r.downgrade(ctx, page)
	}

	provider, err := r.Provider(page.Provider)
	if err != nil {
		return nil, err
	}
	if changer, ok := provider.(billing.PlanChanger); ok && page.ProviderSubscriptionID != "" && page.State() == billing.StateActive {
		if err := changer.ChangePlan(ctx, page.ProviderSubscriptionID, plan); err != nil {
			return nil, err
		}
		r.metrics.RecordPlanChange(provider.Name(), page.Plan, plan)
		r.logger.Info("plan change requested",
			billing.Field{Key: "page_id", Value: page.ID},
			billing.Field{Key: "from", Value: page.Plan},
			billing.Field{Key: "to", Value: plan},
		)
		return &ChangeResult{Page: page, Pending: true}, nil
	}

	if page.ProviderSubscriptionID != "" {
		r.cancelBestEffort(ctx, provider, page)
		// The canceled subscription's webhook must not revert the page.
		updated, err := r.updatePage(ctx, page.ID, func(p *billing.Page) bool {
			if p.ProviderSubscriptionID != page.ProviderSubscriptionID {
				return false
			}
			p.ProviderSubscriptionID = ""
			return true
		})
		if err != nil {
			return nil, err
		}
		page = updated
	}

	customerID, err := r.ensureCustomer(ctx, provider, req.Email, page.CustomerID)
	if err != nil {
		return nil, err
	}
	checkout, err := provider.CreatePayment(ctx, billing.PaymentRequest{
		CustomerID:  customerID,
		RedirectURL: r.redirectURL(req.RedirectURL),
		Intent:      billing.CheckoutIntent{Email: req.Email, Plan: plan, PageID: page.ID},
	})
	if err != nil {
		return nil, err
	}
	if page.State() == billing.StateProvisional {
		r.recordPendingPayment(ctx, page.ID, checkout.ID)
	}
	r.metrics.RecordPlanChange(provider.Name(), page.Plan, plan)
	r.logger.Info("plan change payment created",
		billing.Field{Key: "page_id", Value: page.ID},
		billing.Field{Key: "payment_id", Value: checkout.ID},
		billing.Field{Key: "to", Value: plan},
	)
	return &ChangeResult{CheckoutURL: checkout.URL, PaymentID: checkout.ID, Pending: true}, nil
}

func (r *Reconciler) downgrade(ctx context.Context, page *billing.Page) (*ChangeResult, error) {
	if page.ProviderSubscriptionID != "" {
		if provider, err := r.Provider(page.Provider); err == nil {
			r.cancelBestEffort(ctx, provider, page)
		}
	}

	from := page.Plan
	var stored *billing.Page
	for attempt := 0; ; attempt++ {
		current, err := r.store.GetPage(ctx, page.ID)
		if err != nil {
			return nil, err
		}
		t, err := billing.Downgrade(current, r.now())
		if err != nil {
			return nil, err
		}
		if t.Skipped() {
			return &ChangeResult{Page: current}, nil
		}
		stored, err = r.commit(ctx, t)
		if err == nil {
			r.metrics.RecordTransition(page.Provider, t.From, t.To)
			break
		}
		if attempt > 0 || !isVersionConflict(err) {
			return nil, err
		}
	}
	r.metrics.RecordPlanChange(page.Provider, from, billing.PlanFree)
	r.logger.Info("page downgraded", billing.Field{Key: "page_id", Value: page.ID}, billing.Field{Key: "from", Value: from})
	return &ChangeResult{Page: stored}, nil
}

// cancelBestEffort cancels the page's subscription, logging failures.
func (r *Reconciler) cancelBestEffort(ctx context.Context, provider billing.Provider, page *billing.Page) {
	if err := provider.CancelSubscription(ctx, page.CustomerID, page.ProviderSubscriptionID); err != nil {
		r.logger.Warn("cancel subscription failed",
			billing.Field{Key: "page_id", Value: page.ID},
			billing.Field{Key: "subscription_id", Value: page.ProviderSubscriptionID},
			billing.Field{Key: "error", Value: err},
		)
	}
}
