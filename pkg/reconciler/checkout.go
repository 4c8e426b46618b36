package reconciler

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/lynqit/reconciler/pkg/billing"
)

// CheckoutRequest registers a page, on a paid plan through a first payment.
type CheckoutRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Plan           string `json:"plan" validate:"required,plan"`
	Slug           string `json:"slug" validate:"required,slug"`
	NewAccount     bool   `json:"newAccount"`
	DiscountCodeID string `json:"discountCodeId,omitempty" validate:"omitempty,max=128"`
	Provider       string `json:"provider,omitempty" validate:"omitempty,oneof=mollie stripe"`
	RedirectURL    string `json:"redirectUrl,omitempty" validate:"omitempty,url"`
}

// CheckoutResult is a started checkout. CheckoutURL is empty for free pages,
// which are created immediately.
type CheckoutResult struct {
	PageID      string `json:"pageId"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
}

// StartCheckout creates the page for req. Free pages are created without a
// subscription. Paid pages are created provisional and a first payment
// carrying the checkout intent is started; the page is activated by its
// paid event and deleted when the payment fails.
func (r *Reconciler) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	req.Email = normalizeEmail(req.Email)
	req.Plan = strings.ToLower(strings.TrimSpace(req.Plan))
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if err := billing.Validator().Struct(req); err != nil {
		return nil, billing.E(billing.KindValidation, "checkout", err)
	}
	plan := billing.Plan(req.Plan)

	switch _, err := r.store.GetPageBySlug(ctx, req.Slug); {
	case err == nil:
		return nil, billing.E(billing.KindConflict, "checkout", billing.ErrSlugTaken)
	case !errors.Is(err, billing.ErrPageNotFound):
		return nil, err
	}

	page := &billing.Page{
		ID:        uuid.NewString(),
		UserID:    req.Email,
		Slug:      req.Slug,
		Plan:      plan,
		Status:    billing.StatusExpired,
		CreatedAt: r.now(),
	}
	if !plan.Paid() {
		if _, err := r.createPage(ctx, page); err != nil {
			return nil, err
		}
		r.logger.Info("free page created", billing.Field{Key: "page_id", Value: page.ID})
		return &CheckoutResult{PageID: page.ID}, nil
	}

	provider, err := r.Provider(req.Provider)
	if err != nil {
		return nil, err
	}
	page.Provider = provider.Name()
	stored, err := r.createPage(ctx, page)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*CheckoutResult, error) {
		if derr := r.store.DeletePage(ctx, stored.ID, stored.Version); derr != nil {
			r.logger.Error("delete provisional page failed",
				billing.Field{Key: "page_id", Value: page.ID},
				billing.Field{Key: "error", Value: derr},
			)
		}
		if billing.KindOf(err) == billing.KindInternal {
			err = billing.E(billing.KindProvider, "checkout", err)
		}
		return nil, err
	}

	customerID, err := r.ensureCustomer(ctx, provider, req.Email, "")
	if err != nil {
		return fail(err)
	}
	checkout, err := provider.CreatePayment(ctx, billing.PaymentRequest{
		CustomerID:  customerID,
		RedirectURL: r.redirectURL(req.RedirectURL),
		Intent: billing.CheckoutIntent{
			Email:          req.Email,
			Plan:           plan,
			PageID:         page.ID,
			Slug:           req.Slug,
			NewAccount:     req.NewAccount,
			DiscountCodeID: req.DiscountCodeID,
		},
	})
	if err != nil {
		return fail(err)
	}

	r.recordPendingPayment(ctx, page.ID, checkout.ID)
	r.logger.Info("checkout started",
		billing.Field{Key: "page_id", Value: page.ID},
		billing.Field{Key: "provider", Value: provider.Name()},
		billing.Field{Key: "payment_id", Value: checkout.ID},
	)
	return &CheckoutResult{PageID: page.ID, CheckoutURL: checkout.URL, PaymentID: checkout.ID}, nil
}

// recordPendingPayment stores the payment that will activate a provisional
// page, so that sync can look it up when its webhook never arrives. Pages
// that were activated or deleted meanwhile are left alone.
func (r *Reconciler) recordPendingPayment(ctx context.Context, pageID, paymentID string) {
	_, err := r.updatePage(ctx, pageID, func(p *billing.Page) bool {
		if p.State() != billing.StateProvisional || p.LastPaymentID == paymentID {
			return false
		}
		p.LastPaymentID = paymentID
		return true
	})
	if err != nil && !errors.Is(err, billing.ErrPageNotFound) {
		r.logger.Warn("record pending payment failed",
			billing.Field{Key: "page_id", Value: pageID},
			billing.Field{Key: "payment_id", Value: paymentID},
			billing.Field{Key: "error", Value: err},
		)
	}
}

func (r *Reconciler) createPage(ctx context.Context, page *billing.Page) (*billing.Page, error) {
	stored, err := r.store.CreatePage(ctx, page)
	if errors.Is(err, billing.ErrSlugTaken) {
		return nil, billing.E(billing.KindConflict, "create page", err)
	}
	return stored, err
}

// ensureCustomer returns the provider customer of email: known, stored on
// the account, or newly created. New customer ids are stored on an existing
// account; registrations record theirs when the account is provisioned.
func (r *Reconciler) ensureCustomer(ctx context.Context, provider billing.Provider, email, known string) (string, error) {
	if known != "" {
		return known, nil
	}
	account, err := r.store.GetAccount(ctx, email)
	switch {
	case err == nil:
		if id := account.CustomerID(provider.Name()); id != "" {
			return id, nil
		}
	case errors.Is(err, billing.ErrAccountNotFound):
		account = nil
	default:
		return "", err
	}

	id, err := provider.CreateCustomer(ctx, email)
	if err != nil {
		return "", err
	}
	if account != nil {
		account.SetCustomerID(provider.Name(), id)
		account.UpdatedAt = r.now()
		if err := r.store.UpdateAccount(ctx, account); err != nil {
			r.logger.Warn("store customer id failed",
				billing.Field{Key: "email", Value: email},
				billing.Field{Key: "error", Value: err},
			)
		}
	}
	return id, nil
}

func (r *Reconciler) redirectURL(requested string) string {
	if requested != "" {
		return requested
	}
	return r.config.RedirectURL
}

func isVersionConflict(err error) bool {
	return errors.Is(err, billing.ErrVersionConflict)
}
